// Package kafka mirrors audit records onto a Kafka topic. Records are keyed
// by subject so every record of one subject lands on the same partition in
// emission order.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "tally/pkg/platform/audit"
)

// Config selects the brokers and topic.
type Config struct {
	Brokers           []string
	Topic             string
	Partitions        int32
	ReplicationFactor int16
}

// Sink produces audit records synchronously. It satisfies audit.Sink.
type Sink struct {
	client *kgo.Client
	topic  string
}

// message is the JSON value written for each record.
type message struct {
	ID          string         `json:"id"`
	SubjectID   string         `json:"subject_id"`
	Action      string         `json:"action"`
	DataType    string         `json:"data_type"`
	PerformedBy string         `json:"performed_by"`
	Purpose     string         `json:"purpose,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// New connects a producer for cfg.Topic.
func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka sink: no topic configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Sink{client: client, topic: cfg.Topic}, nil
}

// EnsureTopic creates the topic if it does not exist yet.
func (s *Sink) EnsureTopic(ctx context.Context, partitions int32, replicationFactor int16) error {
	if partitions <= 0 {
		partitions = 1
	}
	if replicationFactor <= 0 {
		replicationFactor = 1
	}
	adm := kadm.NewClient(s.client)
	resp, err := adm.CreateTopic(ctx, partitions, replicationFactor, nil, s.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", s.topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", s.topic, resp.Err)
	}
	return nil
}

// Append produces record and waits for the broker acknowledgement.
func (s *Sink) Append(ctx context.Context, record audit.Record) error {
	value, err := json.Marshal(message{
		ID:          record.ID.String(),
		SubjectID:   record.SubjectID.String(),
		Action:      string(record.Action),
		DataType:    string(record.DataType),
		PerformedBy: record.PerformedBy,
		Purpose:     record.Purpose,
		Details:     record.Details,
		Timestamp:   record.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal audit message: %w", err)
	}

	rec := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(record.SubjectID.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "action", Value: []byte(record.Action)},
		},
	}
	if err := s.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce audit record: %w", err)
	}
	return nil
}

// Ping checks broker connectivity.
func (s *Sink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Close flushes pending produces and closes the client.
func (s *Sink) Close() {
	s.client.Close()
}

var _ audit.Sink = (*Sink)(nil)

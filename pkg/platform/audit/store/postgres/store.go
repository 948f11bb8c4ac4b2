package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	id "tally/pkg/domain"
	audit "tally/pkg/platform/audit"
	pg "tally/pkg/platform/postgres"
	txcontext "tally/pkg/platform/tx"
)

// Store implements audit.Store on the audit_records table. Rows are
// append-only; the seq column breaks ties between records sharing a
// timestamp so History stays newest-first by insertion order.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts record. Duplicate IDs are ignored so a retried append is
// idempotent.
func (s *Store) Append(ctx context.Context, record audit.Record) error {
	var details []byte
	if len(record.Details) > 0 {
		var err error
		details, err = json.Marshal(record.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
	}

	query := `
		INSERT INTO audit_records (
			id, subject_id, action, data_type, performed_by, purpose, details, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := txcontext.Execer(ctx, s.db).ExecContext(ctx, query,
		record.ID,
		record.SubjectID.String(),
		string(record.Action),
		string(record.DataType),
		record.PerformedBy,
		record.Purpose,
		details,
		record.Timestamp,
	)
	if err != nil {
		return pg.Classify(err, "insert audit record")
	}
	return nil
}

// History returns up to limit records for subject, newest first.
func (s *Store) History(ctx context.Context, subject id.SubjectID, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = audit.DefaultHistoryLimit
	}
	query := `
		SELECT id, subject_id, action, data_type, performed_by, purpose, details, created_at
		FROM audit_records
		WHERE subject_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`
	rows, err := txcontext.Execer(ctx, s.db).QueryContext(ctx, query, subject.String(), limit)
	if err != nil {
		return nil, pg.Classify(err, "query audit records")
	}
	defer rows.Close()

	return scanRecords(rows)
}

// EraseForSubject deletes every record for subject.
func (s *Store) EraseForSubject(ctx context.Context, subject id.SubjectID) (int, error) {
	res, err := txcontext.Execer(ctx, s.db).ExecContext(ctx,
		`DELETE FROM audit_records WHERE subject_id = $1`, subject.String())
	if err != nil {
		return 0, pg.Classify(err, "erase audit records")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("erase audit records: %w", err)
	}
	return int(n), nil
}

// EraseForSubjects deletes the records of several subjects in one statement.
func (s *Store) EraseForSubjects(ctx context.Context, subjects []id.SubjectID) (int, error) {
	if len(subjects) == 0 {
		return 0, nil
	}
	ids := make([]string, len(subjects))
	for i, subject := range subjects {
		ids[i] = subject.String()
	}
	res, err := txcontext.Execer(ctx, s.db).ExecContext(ctx,
		`DELETE FROM audit_records WHERE subject_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, pg.Classify(err, "erase audit records")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("erase audit records: %w", err)
	}
	return int(n), nil
}

// PurgeBefore deletes records older than cutoff. It is the hook for an
// external retention job; nothing in the process calls it on a timer.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := txcontext.Execer(ctx, s.db).ExecContext(ctx,
		`DELETE FROM audit_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, pg.Classify(err, "purge audit records")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge audit records: %w", err)
	}
	return int(n), nil
}

func scanRecords(rows *sql.Rows) ([]audit.Record, error) {
	var records []audit.Record

	for rows.Next() {
		var (
			record  audit.Record
			subject string
			action  string
			dtype   string
			details []byte
		)
		err := rows.Scan(
			&record.ID,
			&subject,
			&action,
			&dtype,
			&record.PerformedBy,
			&record.Purpose,
			&details,
			&record.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		record.SubjectID = id.SubjectID(subject)
		record.Action = audit.Action(action)
		record.DataType = audit.DataType(dtype)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &record.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}

var _ audit.Store = (*Store)(nil)

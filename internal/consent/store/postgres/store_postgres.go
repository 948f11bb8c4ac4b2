package postgres

import (
	"context"
	"database/sql"

	"tally/internal/consent/models"
	id "tally/pkg/domain"
	pg "tally/pkg/platform/postgres"
	txcontext "tally/pkg/platform/tx"
)

// PostgresStore persists consent records in consent_records, one row per
// subject.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, record *models.ConsentRecord) error {
	query := `
		INSERT INTO consent_records (subject_id, consent_given, version, legal_basis, consent_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subject_id) DO UPDATE SET
			consent_given = EXCLUDED.consent_given,
			version = EXCLUDED.version,
			legal_basis = EXCLUDED.legal_basis,
			consent_date = EXCLUDED.consent_date
	`
	_, err := txcontext.Execer(ctx, s.db).ExecContext(ctx, query,
		record.SubjectID.String(),
		record.ConsentGiven,
		record.Version,
		string(record.LegalBasis),
		record.ConsentDate,
	)
	if err != nil {
		return pg.Classify(err, "save consent")
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, subject id.SubjectID) (*models.ConsentRecord, error) {
	query := `
		SELECT subject_id, consent_given, version, legal_basis, consent_date
		FROM consent_records
		WHERE subject_id = $1
	`
	var (
		record models.ConsentRecord
		sid    string
		basis  string
	)
	err := txcontext.Execer(ctx, s.db).QueryRowContext(ctx, query, subject.String()).Scan(
		&sid,
		&record.ConsentGiven,
		&record.Version,
		&basis,
		&record.ConsentDate,
	)
	if err != nil {
		return nil, pg.Classify(err, "find consent")
	}
	record.SubjectID = id.SubjectID(sid)
	record.LegalBasis = id.LegalBasis(basis)
	return &record, nil
}

func (s *PostgresStore) Delete(ctx context.Context, subject id.SubjectID) error {
	if _, err := txcontext.Execer(ctx, s.db).ExecContext(ctx,
		`DELETE FROM consent_records WHERE subject_id = $1`, subject.String()); err != nil {
		return pg.Classify(err, "delete consent")
	}
	return nil
}

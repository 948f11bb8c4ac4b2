package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"tally/internal/ledger/models"
	id "tally/pkg/domain"
	pg "tally/pkg/platform/postgres"
	"tally/pkg/platform/sentinel"
	txcontext "tally/pkg/platform/tx"
)

// PostgresStore persists ledger records in the ledger_records table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed ledger store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Fetch(ctx context.Context, subject id.SubjectID) (*models.Record, error) {
	query := `
		SELECT subject_id, balance, secondary_balance, rank_label, path_label, created_at, updated_at
		FROM ledger_records
		WHERE subject_id = $1
	`
	var (
		r   models.Record
		sid string
	)
	err := txcontext.Execer(ctx, s.db).QueryRowContext(ctx, query, subject.String()).Scan(
		&sid,
		&r.Balance,
		&r.SecondaryBalance,
		&r.RankLabel,
		&r.PathLabel,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, pg.Classify(err, "fetch ledger record")
	}
	r.ID = id.SubjectID(sid)
	return &r, nil
}

func (s *PostgresStore) Insert(ctx context.Context, subject id.SubjectID, initial int64) error {
	query := `
		INSERT INTO ledger_records (subject_id, balance, secondary_balance)
		VALUES ($1, $2, $2)
	`
	if _, err := txcontext.Execer(ctx, s.db).ExecContext(ctx, query, subject.String(), initial); err != nil {
		return pg.Classify(err, "insert ledger record")
	}
	return nil
}

// ApplyDelta runs one UPDATE so concurrent deltas from any number of
// processes serialize on the row lock. Postgres evaluates every SET
// expression against the pre-update row, so both columns receive the same
// new value.
func (s *PostgresStore) ApplyDelta(ctx context.Context, subject id.SubjectID, delta int64) (int64, int64, error) {
	query := `
		UPDATE ledger_records
		SET balance = balance + $2,
			secondary_balance = balance + $2,
			updated_at = now()
		WHERE subject_id = $1
		RETURNING balance
	`
	var after int64
	err := txcontext.Execer(ctx, s.db).QueryRowContext(ctx, query, subject.String(), delta).Scan(&after)
	if err != nil {
		return 0, 0, pg.Classify(err, "apply ledger delta")
	}
	return after - delta, after, nil
}

func (s *PostgresStore) SetLabels(ctx context.Context, subject id.SubjectID, rank, path string) error {
	query := `
		UPDATE ledger_records
		SET rank_label = $2, path_label = $3, updated_at = now()
		WHERE subject_id = $1
	`
	res, err := txcontext.Execer(ctx, s.db).ExecContext(ctx, query, subject.String(), rank, path)
	if err != nil {
		return pg.Classify(err, "set ledger labels")
	}
	return requireRow(res, "set ledger labels")
}

func (s *PostgresStore) Delete(ctx context.Context, subject id.SubjectID) error {
	res, err := txcontext.Execer(ctx, s.db).ExecContext(ctx,
		`DELETE FROM ledger_records WHERE subject_id = $1`, subject.String())
	if err != nil {
		return pg.Classify(err, "delete ledger record")
	}
	return requireRow(res, "delete ledger record")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return pg.Classify(s.db.PingContext(ctx), "ping postgres")
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, sentinel.ErrNotFound)
	}
	return nil
}

package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists dead-letter entries in blockrelay.dead_letters so
// quarantined deliveries survive relay restarts.
//
// Expected schema:
//
//	CREATE TABLE blockrelay.dead_letters (
//	    id          uuid PRIMARY KEY,
//	    delivery    jsonb NOT NULL,
//	    reason      text NOT NULL,
//	    last_error  text NOT NULL DEFAULT '',
//	    failed_at   timestamptz NOT NULL,
//	    retryable   boolean NOT NULL DEFAULT true
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Insert(ctx context.Context, e Entry) error {
	snapshot, err := json.Marshal(e.Delivery)
	if err != nil {
		return fmt.Errorf("marshal delivery snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO blockrelay.dead_letters(id, delivery, reason, last_error, failed_at, retryable)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, snapshot, e.Reason, e.LastError, e.FailedAt, e.Retryable,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Entry, bool, error) {
	var (
		e        Entry
		snapshot []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, delivery, reason, last_error, failed_at, retryable
		FROM blockrelay.dead_letters WHERE id = $1`, id,
	).Scan(&e.ID, &snapshot, &e.Reason, &e.LastError, &e.FailedAt, &e.Retryable)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if err := json.Unmarshal(snapshot, &e.Delivery); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal delivery snapshot: %w", err)
	}
	return e, true, nil
}

func (s *PostgresStore) Remove(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM blockrelay.dead_letters WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `
		SELECT id, delivery, reason, last_error, failed_at, retryable
		FROM blockrelay.dead_letters ORDER BY failed_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			snapshot []byte
		)
		if err := rows.Scan(&e.ID, &snapshot, &e.Reason, &e.LastError, &e.FailedAt, &e.Retryable); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(snapshot, &e.Delivery); err != nil {
			return nil, fmt.Errorf("unmarshal delivery snapshot: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

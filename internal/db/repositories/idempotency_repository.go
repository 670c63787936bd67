// idempotency_repository.go implements the idempotency cache on PostgreSQL.
// First writer wins via INSERT ... ON CONFLICT DO NOTHING on the (user_id,
// key) primary key; a loser sees zero affected rows and reports
// ErrIdempotencyConflict so the engine can fall back to the winner's record.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/actionguard/actionguard/internal/db/models"
	"github.com/actionguard/actionguard/internal/store"
)

// IdempotencyRepository implements store.IdempotencyStore on PostgreSQL.
type IdempotencyRepository struct {
	db *sqlx.DB
}

// NewIdempotencyRepository creates a new IdempotencyRepository.
func NewIdempotencyRepository(db *sqlx.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

var _ store.IdempotencyStore = (*IdempotencyRepository)(nil)

type idempotencyRow struct {
	UserID       string    `db:"user_id"`
	Key          string    `db:"key"`
	ResponseBody []byte    `db:"response_body"`
	StatusCode   int       `db:"status_code"`
	CreatedAt    time.Time `db:"created_at"`
}

// Get returns the stored record for (userID, key), or (nil, nil) when unseen.
func (r *IdempotencyRepository) Get(ctx context.Context, userID, key string) (*models.IdempotencyRecord, error) {
	var row idempotencyRow
	err := r.db.GetContext(ctx, &row, `
		SELECT user_id, key, response_body, status_code, created_at
		FROM idempotency_keys
		WHERE user_id = $1 AND key = $2
	`, userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load idempotency record: %w", err)
	}
	return &models.IdempotencyRecord{
		UserID:       row.UserID,
		Key:          row.Key,
		ResponseBody: row.ResponseBody,
		StatusCode:   row.StatusCode,
		CreatedAt:    row.CreatedAt,
	}, nil
}

// Put stores the record unless the (user_id, key) pair is already claimed.
func (r *IdempotencyRepository) Put(ctx context.Context, rec *models.IdempotencyRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (user_id, key, response_body, status_code, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, key) DO NOTHING
	`, rec.UserID, rec.Key, rec.ResponseBody, rec.StatusCode, createdAt)
	if err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if affected == 0 {
		return store.ErrIdempotencyConflict
	}
	return nil
}

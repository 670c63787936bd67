package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionguard/actionguard/internal/db/models"
	"github.com/actionguard/actionguard/internal/store"
)

var idemCols = []string{"user_id", "key", "response_body", "status_code", "created_at"}

func TestIdempotencyGet(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIdempotencyRepository(db)

	now := time.Now().UTC()
	mock.ExpectQuery(`FROM idempotency_keys`).
		WithArgs("user-1", "key-1").
		WillReturnRows(sqlmock.NewRows(idemCols).
			AddRow("user-1", "key-1", []byte(`{"decision":"approve"}`), 200, now))

	rec, err := repo.Get(context.Background(), "user-1", "key-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte(`{"decision":"approve"}`), rec.ResponseBody)
	assert.Equal(t, 200, rec.StatusCode)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyGetMiss(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIdempotencyRepository(db)

	mock.ExpectQuery(`FROM idempotency_keys`).
		WithArgs("user-1", "unseen").
		WillReturnRows(sqlmock.NewRows(idemCols))

	rec, err := repo.Get(context.Background(), "user-1", "unseen")
	require.NoError(t, err)
	assert.Nil(t, rec)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyPut(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIdempotencyRepository(db)

	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Put(context.Background(), &models.IdempotencyRecord{
		UserID: "user-1", Key: "key-1",
		ResponseBody: []byte(`{"decision":"approve"}`), StatusCode: 200,
	})
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyPutConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIdempotencyRepository(db)

	// ON CONFLICT DO NOTHING reports the lost race as zero affected rows.
	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Put(context.Background(), &models.IdempotencyRecord{
		UserID: "user-1", Key: "key-1",
		ResponseBody: []byte(`{}`), StatusCode: 200,
	})
	assert.ErrorIs(t, err, store.ErrIdempotencyConflict)

	assert.NoError(t, mock.ExpectationsWereMet())
}

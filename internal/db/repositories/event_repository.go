// event_repository.go implements the append-only event log on PostgreSQL.
// The repository exposes no update or delete operation, and the events table
// carries a trigger that rejects UPDATE and DELETE at the storage level, so
// the append-only invariant holds even against raw SQL.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/actionguard/actionguard/internal/db/models"
	"github.com/actionguard/actionguard/internal/store"
)

// EventRepository implements store.EventStore on PostgreSQL.
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

var _ store.EventStore = (*EventRepository)(nil)

type eventRow struct {
	ID            string          `db:"event_id"`
	ActionType    string          `db:"action_type"`
	ResourceID    *string         `db:"resource_id"`
	UserID        string          `db:"user_id"`
	Decision      string          `db:"decision"`
	Reason        string          `db:"reason"`
	PolicyID      *string         `db:"policy_id"`
	PolicyVersion *int            `db:"policy_version"`
	AIAdvice      *string         `db:"ai_advice"`
	AIAvailable   bool            `db:"ai_available"`
	Context       json.RawMessage `db:"context"`
	CreatedAt     time.Time       `db:"created_at"`
}

func (r eventRow) toModel() (*models.Event, error) {
	e := &models.Event{
		ID:            r.ID,
		ActionType:    r.ActionType,
		ResourceID:    r.ResourceID,
		UserID:        r.UserID,
		Decision:      models.Decision(r.Decision),
		Reason:        r.Reason,
		PolicyID:      r.PolicyID,
		PolicyVersion: r.PolicyVersion,
		AIAdvice:      r.AIAdvice,
		AIAvailable:   r.AIAvailable,
		CreatedAt:     r.CreatedAt,
	}
	if len(r.Context) > 0 {
		if err := json.Unmarshal(r.Context, &e.Context); err != nil {
			return nil, fmt.Errorf("failed to decode event context: %w", err)
		}
	}
	return e, nil
}

const eventColumns = `event_id, action_type, resource_id, user_id, decision, reason,
	policy_id, policy_version, ai_advice, ai_available, context, created_at`

// Append durably records an event. A storage-level rejection from the
// append-only trigger is reported as store.ErrEventImmutable — it can only
// mean something upstream tried to reuse an existing event id.
func (r *EventRepository) Append(ctx context.Context, e *models.Event) error {
	ctxJSON := []byte("{}")
	if e.Context != nil {
		var err error
		ctxJSON, err = json.Marshal(e.Context)
		if err != nil {
			return fmt.Errorf("failed to encode event context: %w", err)
		}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		e.ID, e.ActionType, e.ResourceID, e.UserID,
		string(e.Decision), e.Reason, e.PolicyID, e.PolicyVersion,
		e.AIAdvice, e.AIAvailable, ctxJSON, e.CreatedAt,
	)
	if err != nil {
		if isRaiseException(err) {
			return store.ErrEventImmutable
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Get returns an event by id, or (nil, nil) when absent.
func (r *EventRepository) Get(ctx context.Context, eventID string) (*models.Event, error) {
	var row eventRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+eventColumns+` FROM events WHERE event_id = $1`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	return row.toModel()
}

// List returns events newest first with the total count before paging.
func (r *EventRepository) List(ctx context.Context, filters store.EventFilters, limit, offset int) ([]*models.Event, int, error) {
	countQuery := `SELECT COUNT(*) FROM events WHERE 1=1`
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`

	args := make([]interface{}, 0)
	paramIndex := 1

	if filters.UserID != nil {
		clause := fmt.Sprintf(` AND user_id = $%d`, paramIndex)
		countQuery += clause
		query += clause
		args = append(args, *filters.UserID)
		paramIndex++
	}
	if filters.ActionType != nil {
		clause := fmt.Sprintf(` AND action_type = $%d`, paramIndex)
		countQuery += clause
		query += clause
		args = append(args, *filters.ActionType)
		paramIndex++
	}
	if filters.Since != nil {
		clause := fmt.Sprintf(` AND created_at >= $%d`, paramIndex)
		countQuery += clause
		query += clause
		args = append(args, *filters.Since)
		paramIndex++
	}

	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list events: %w", err)
	}

	events := make([]*models.Event, 0, len(rows))
	for _, row := range rows {
		e, err := row.toModel()
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, total, nil
}

// Stats returns aggregate decision counts over the whole log.
func (r *EventRepository) Stats(ctx context.Context) (*models.DecisionStats, error) {
	var row struct {
		Total         int `db:"total"`
		Approved      int `db:"approved"`
		Rejected      int `db:"rejected"`
		AIUnavailable int `db:"ai_unavailable"`
	}
	err := r.db.GetContext(ctx, &row, `
		SELECT
			COUNT(*)                                            AS total,
			COUNT(*) FILTER (WHERE decision = 'approve')        AS approved,
			COUNT(*) FILTER (WHERE decision = 'reject')         AS rejected,
			COUNT(*) FILTER (WHERE NOT ai_available)            AS ai_unavailable
		FROM events
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate event stats: %w", err)
	}

	stats := &models.DecisionStats{
		TotalActions:  row.Total,
		ApprovedCount: row.Approved,
		RejectedCount: row.Rejected,
		AIUnavailable: row.AIUnavailable,
	}
	if stats.TotalActions > 0 {
		stats.RejectRate = float64(stats.RejectedCount) / float64(stats.TotalActions)
	}
	return stats, nil
}

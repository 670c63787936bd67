// Package repositories implements the storage contracts from internal/store
// on PostgreSQL. Each repository maps backend failure codes onto the domain
// sentinel errors so callers never depend on lib/pq directly.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/actionguard/actionguard/internal/db/models"
	"github.com/actionguard/actionguard/internal/store"
)

// pq error codes the repositories translate into domain errors.
const (
	pqUniqueViolation = "23505"
	pqRaiseException  = "P0001" // raised by the events append-only trigger
)

// PolicyRepository implements store.PolicyStore on PostgreSQL. The
// deactivate-then-insert step of CreateNewVersion runs in one transaction
// with the active row locked, so concurrent version creations for the same
// policy_id serialize instead of producing two active versions or a duplicate
// version number. The partial unique index on active rows is the structural
// backstop for the same invariant.
type PolicyRepository struct {
	db *sqlx.DB
}

// NewPolicyRepository creates a new PolicyRepository.
func NewPolicyRepository(db *sqlx.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

var _ store.PolicyStore = (*PolicyRepository)(nil)

// policyRow is the scan target for the policies table; conditions arrive as
// raw JSONB.
type policyRow struct {
	PolicyID   string          `db:"policy_id"`
	Version    int             `db:"version"`
	Priority   int             `db:"priority"`
	IsActive   bool            `db:"is_active"`
	Conditions json.RawMessage `db:"conditions"`
	Decision   string          `db:"decision"`
	Reason     string          `db:"reason"`
	CreatedAt  time.Time       `db:"created_at"`
}

func (r policyRow) toModel() (*models.Policy, error) {
	p := &models.Policy{
		PolicyID:  r.PolicyID,
		Version:   r.Version,
		Priority:  r.Priority,
		IsActive:  r.IsActive,
		Decision:  models.Decision(r.Decision),
		Reason:    r.Reason,
		CreatedAt: r.CreatedAt,
	}
	if len(r.Conditions) > 0 {
		if err := json.Unmarshal(r.Conditions, &p.Conditions); err != nil {
			return nil, fmt.Errorf("failed to decode policy conditions: %w", err)
		}
	}
	return p, nil
}

const insertPolicyQuery = `
	INSERT INTO policies (policy_id, version, priority, is_active, conditions, decision, reason, created_at)
	VALUES ($1, $2, $3, TRUE, $4, $5, $6, $7)
`

// CreateFirstVersion inserts version 1 of a new policy as active. Two
// concurrent creates for the same policy_id race on the primary key; the
// loser's unique violation is reported as ErrPolicyExists.
func (r *PolicyRepository) CreateFirstVersion(ctx context.Context, p *models.Policy) (*models.Policy, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var exists bool
	if err := tx.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM policies WHERE policy_id = $1)`, p.PolicyID); err != nil {
		return nil, fmt.Errorf("failed to check policy existence: %w", err)
	}
	if exists {
		return nil, store.ErrPolicyExists
	}

	created := *p
	created.Version = 1
	created.IsActive = true
	created.CreatedAt = time.Now().UTC()

	condJSON, err := marshalConditions(created.Conditions)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, insertPolicyQuery,
		created.PolicyID, created.Version, created.Priority,
		condJSON, string(created.Decision), created.Reason, created.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrPolicyExists
		}
		return nil, fmt.Errorf("failed to insert policy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrPolicyExists
		}
		return nil, fmt.Errorf("failed to commit policy creation: %w", err)
	}
	return &created, nil
}

// CreateNewVersion deactivates the current active version and inserts the next
// one atomically. Returns ErrPolicyNotFound when the policy_id has no active
// version.
func (r *PolicyRepository) CreateNewVersion(ctx context.Context, policyID string, p *models.Policy) (*models.Policy, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	// Lock the active row so concurrent version creations serialize.
	var current int
	err = tx.GetContext(ctx, &current,
		`SELECT version FROM policies WHERE policy_id = $1 AND is_active FOR UPDATE`, policyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock active policy version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE policies SET is_active = FALSE WHERE policy_id = $1 AND is_active`, policyID); err != nil {
		return nil, fmt.Errorf("failed to deactivate policy version: %w", err)
	}

	created := *p
	created.PolicyID = policyID
	created.Version = current + 1
	created.IsActive = true
	created.CreatedAt = time.Now().UTC()

	condJSON, err := marshalConditions(created.Conditions)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, insertPolicyQuery,
		created.PolicyID, created.Version, created.Priority,
		condJSON, string(created.Decision), created.Reason, created.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to insert policy version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit policy version: %w", err)
	}
	return &created, nil
}

// ListActive returns the active version of every policy in evaluation order.
func (r *PolicyRepository) ListActive(ctx context.Context) ([]*models.Policy, error) {
	var rows []policyRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT policy_id, version, priority, is_active, conditions, decision, reason, created_at
		FROM policies
		WHERE is_active
		ORDER BY priority DESC, policy_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active policies: %w", err)
	}
	return rowsToModels(rows)
}

// History returns every version of a policy, oldest first.
func (r *PolicyRepository) History(ctx context.Context, policyID string) ([]*models.Policy, error) {
	var rows []policyRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT policy_id, version, priority, is_active, conditions, decision, reason, created_at
		FROM policies
		WHERE policy_id = $1
		ORDER BY version ASC
	`, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy history: %w", err)
	}
	if len(rows) == 0 {
		return nil, store.ErrPolicyNotFound
	}
	return rowsToModels(rows)
}

func rowsToModels(rows []policyRow) ([]*models.Policy, error) {
	out := make([]*models.Policy, 0, len(rows))
	for _, row := range rows {
		p, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func marshalConditions(conds []models.PolicyCondition) ([]byte, error) {
	if conds == nil {
		conds = []models.PolicyCondition{}
	}
	b, err := json.Marshal(conds)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy conditions: %w", err)
	}
	return b, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

func isRaiseException(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqRaiseException
}

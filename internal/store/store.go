// Package store defines the narrow storage contracts the decision engine is
// built against, plus the domain errors every adapter maps its backend
// failures onto. Adapters exist for Postgres (internal/db/repositories),
// in-memory (internal/store/memory), and Redis for the idempotency cache
// (internal/store/redis); the engine receives them by injection and never
// sees a concrete backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/actionguard/actionguard/internal/db/models"
)

var (
	// ErrPolicyExists is returned by CreateFirstVersion when the policy_id
	// already has at least one version.
	ErrPolicyExists = errors.New("policy already exists")

	// ErrPolicyNotFound is returned by CreateNewVersion when the policy_id has
	// no active version, and by History when the policy_id is unknown.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrIdempotencyConflict is returned by Put when a record for the
	// (user_id, key) pair already exists. The existing record is never
	// overwritten.
	ErrIdempotencyConflict = errors.New("idempotency key already recorded")

	// ErrEventImmutable is the mapping of a storage-level rejection of an
	// attempted event mutation. No contract here exposes a mutating event
	// operation, so seeing this error means raw SQL (or a future bug) tried
	// to violate the append-only invariant and the storage layer refused.
	ErrEventImmutable = errors.New("events are append-only")
)

// PolicyStore holds versioned policy definitions keyed by policy id.
type PolicyStore interface {
	// CreateFirstVersion inserts version 1 of a new policy and activates it.
	// Returns ErrPolicyExists if the policy_id already has any version.
	CreateFirstVersion(ctx context.Context, p *models.Policy) (*models.Policy, error)

	// CreateNewVersion atomically deactivates the current active version and
	// inserts the next version (prior+1) as active. Returns ErrPolicyNotFound
	// if no active version exists for the policy_id.
	CreateNewVersion(ctx context.Context, policyID string, p *models.Policy) (*models.Policy, error)

	// ListActive returns the active version of every policy, ordered by
	// priority descending then policy_id ascending — the evaluation order.
	ListActive(ctx context.Context) ([]*models.Policy, error)

	// History returns every version of a policy, oldest first. Returns
	// ErrPolicyNotFound if the policy_id is unknown.
	History(ctx context.Context, policyID string) ([]*models.Policy, error)
}

// EventFilters narrows event queries.
type EventFilters struct {
	UserID     *string
	ActionType *string
	Since      *time.Time
}

// EventStore is the append-only audit log. There is deliberately no update or
// delete operation — immutability is structural, not policy.
type EventStore interface {
	// Append durably records an event. The event is never mutated afterwards.
	Append(ctx context.Context, e *models.Event) error

	// Get returns an event by id, or (nil, nil) when absent.
	Get(ctx context.Context, eventID string) (*models.Event, error)

	// List returns events newest first with the total count before paging.
	List(ctx context.Context, filters EventFilters, limit, offset int) ([]*models.Event, int, error)

	// Stats returns aggregate decision counts over the whole log.
	Stats(ctx context.Context) (*models.DecisionStats, error)
}

// IdempotencyStore maps (user_id, key) to the first response produced for that
// logical action.
type IdempotencyStore interface {
	// Get returns the stored record, or (nil, nil) when the pair is unseen.
	Get(ctx context.Context, userID, key string) (*models.IdempotencyRecord, error)

	// Put stores the record if the (user_id, key) pair is unclaimed. Returns
	// ErrIdempotencyConflict when another writer got there first; the caller
	// recovers by re-reading the winner's record.
	Put(ctx context.Context, rec *models.IdempotencyRecord) error
}

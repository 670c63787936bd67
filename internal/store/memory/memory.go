// Package memory provides in-memory implementations of the storage contracts
// for development and tests. Data is lost on restart. The adapters uphold the
// same invariants as the Postgres ones: single active policy version per id,
// append-only events (enforced by returning defensive copies), and
// first-writer-wins idempotency records.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/actionguard/actionguard/internal/db/models"
	"github.com/actionguard/actionguard/internal/store"
)

// Store implements store.PolicyStore and store.EventStore backed by process
// memory. The idempotency cache lives in its own type (Idempotency) because
// its Get signature differs from the event store's.
type Store struct {
	mu sync.RWMutex

	policies map[string][]*models.Policy // policy_id -> versions, ascending
	events   []*models.Event
	eventIDs map[string]*models.Event
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		policies: make(map[string][]*models.Policy),
		eventIDs: make(map[string]*models.Event),
	}
}

var _ store.PolicyStore = (*Store)(nil)
var _ store.EventStore = (*Store)(nil)

// --- PolicyStore ---

func (s *Store) CreateFirstVersion(_ context.Context, p *models.Policy) (*models.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.policies[p.PolicyID]) > 0 {
		return nil, store.ErrPolicyExists
	}

	created := copyPolicy(p)
	created.Version = 1
	created.IsActive = true
	created.CreatedAt = time.Now().UTC()
	s.policies[p.PolicyID] = append(s.policies[p.PolicyID], created)
	return copyPolicy(created), nil
}

func (s *Store) CreateNewVersion(_ context.Context, policyID string, p *models.Policy) (*models.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.policies[policyID]
	var active *models.Policy
	for _, v := range versions {
		if v.IsActive {
			active = v
			break
		}
	}
	if active == nil {
		return nil, store.ErrPolicyNotFound
	}

	active.IsActive = false
	created := copyPolicy(p)
	created.PolicyID = policyID
	created.Version = active.Version + 1
	created.IsActive = true
	created.CreatedAt = time.Now().UTC()
	s.policies[policyID] = append(versions, created)
	return copyPolicy(created), nil
}

func (s *Store) ListActive(_ context.Context) ([]*models.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make([]*models.Policy, 0)
	for _, versions := range s.policies {
		for _, v := range versions {
			if v.IsActive {
				active = append(active, copyPolicy(v))
			}
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].PolicyID < active[j].PolicyID
	})
	return active, nil
}

func (s *Store) History(_ context.Context, policyID string) ([]*models.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.policies[policyID]
	if len(versions) == 0 {
		return nil, store.ErrPolicyNotFound
	}
	out := make([]*models.Policy, len(versions))
	for i, v := range versions {
		out[i] = copyPolicy(v)
	}
	return out, nil
}

// --- EventStore ---

func (s *Store) Append(_ context.Context, e *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copyEvent(e)
	s.events = append(s.events, stored)
	s.eventIDs[stored.ID] = stored
	return nil
}

func (s *Store) Get(_ context.Context, eventID string) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.eventIDs[eventID]
	if !ok {
		return nil, nil
	}
	return copyEvent(e), nil
}

func (s *Store) List(_ context.Context, filters store.EventFilters, limit, offset int) ([]*models.Event, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*models.Event, 0)
	for _, e := range s.events {
		if filters.UserID != nil && e.UserID != *filters.UserID {
			continue
		}
		if filters.ActionType != nil && e.ActionType != *filters.ActionType {
			continue
		}
		if filters.Since != nil && e.CreatedAt.Before(*filters.Since) {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)

	// Newest first.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return []*models.Event{}, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]*models.Event, len(matched))
	for i, e := range matched {
		out[i] = copyEvent(e)
	}
	return out, total, nil
}

func (s *Store) Stats(_ context.Context) (*models.DecisionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.DecisionStats{TotalActions: len(s.events)}
	for _, e := range s.events {
		switch e.Decision {
		case models.DecisionApprove:
			stats.ApprovedCount++
		case models.DecisionReject:
			stats.RejectedCount++
		}
		if !e.AIAvailable {
			stats.AIUnavailable++
		}
	}
	if stats.TotalActions > 0 {
		stats.RejectRate = float64(stats.RejectedCount) / float64(stats.TotalActions)
	}
	return stats, nil
}

// --- IdempotencyStore ---

// Idempotency implements store.IdempotencyStore backed by a map.
type Idempotency struct {
	mu   sync.RWMutex
	recs map[string]*models.IdempotencyRecord // user_id + "\x00" + key
}

// NewIdempotency creates an empty in-memory idempotency cache.
func NewIdempotency() *Idempotency {
	return &Idempotency{recs: make(map[string]*models.IdempotencyRecord)}
}

var _ store.IdempotencyStore = (*Idempotency)(nil)

func (c *Idempotency) Get(_ context.Context, userID, key string) (*models.IdempotencyRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.recs[idemKey(userID, key)]
	if !ok {
		return nil, nil
	}
	return copyRecord(rec), nil
}

func (c *Idempotency) Put(_ context.Context, rec *models.IdempotencyRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := idemKey(rec.UserID, rec.Key)
	if _, ok := c.recs[k]; ok {
		return store.ErrIdempotencyConflict
	}
	stored := copyRecord(rec)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	c.recs[k] = stored
	return nil
}

func idemKey(userID, key string) string {
	return strings.Join([]string{userID, key}, "\x00")
}

// --- defensive copies ---

func copyPolicy(p *models.Policy) *models.Policy {
	cp := *p
	cp.Conditions = append([]models.PolicyCondition(nil), p.Conditions...)
	return &cp
}

func copyEvent(e *models.Event) *models.Event {
	cp := *e
	if e.Context != nil {
		cp.Context = make(map[string]interface{}, len(e.Context))
		for k, v := range e.Context {
			cp.Context[k] = v
		}
	}
	if e.ResourceID != nil {
		v := *e.ResourceID
		cp.ResourceID = &v
	}
	if e.PolicyID != nil {
		v := *e.PolicyID
		cp.PolicyID = &v
	}
	if e.PolicyVersion != nil {
		v := *e.PolicyVersion
		cp.PolicyVersion = &v
	}
	if e.AIAdvice != nil {
		v := *e.AIAdvice
		cp.AIAdvice = &v
	}
	return &cp
}

func copyRecord(r *models.IdempotencyRecord) *models.IdempotencyRecord {
	cp := *r
	cp.ResponseBody = append([]byte(nil), r.ResponseBody...)
	return &cp
}

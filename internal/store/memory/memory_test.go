package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionguard/actionguard/internal/db/models"
	"github.com/actionguard/actionguard/internal/store"
)

func samplePolicy(id string) *models.Policy {
	return &models.Policy{
		PolicyID: id,
		Priority: 10,
		Conditions: []models.PolicyCondition{
			{Field: "action_type", Operator: models.OperatorEquals, Value: "deploy"},
		},
		Decision: models.DecisionApprove,
		Reason:   "approved",
	}
}

func sampleEvent(id, userID string, decision models.Decision) *models.Event {
	return &models.Event{
		ID:         id,
		ActionType: "deploy",
		UserID:     userID,
		Decision:   decision,
		Reason:     "r",
	}
}

func TestCreateFirstVersion(t *testing.T) {
	s := New()

	created, err := s.CreateFirstVersion(context.Background(), samplePolicy("p1"))
	require.NoError(t, err)
	assert.Equal(t, 1, created.Version)
	assert.True(t, created.IsActive)
	assert.False(t, created.CreatedAt.IsZero())

	_, err = s.CreateFirstVersion(context.Background(), samplePolicy("p1"))
	assert.ErrorIs(t, err, store.ErrPolicyExists)
}

func TestCreateNewVersionRetiresPrior(t *testing.T) {
	s := New()

	_, err := s.CreateFirstVersion(context.Background(), samplePolicy("p1"))
	require.NoError(t, err)

	update := samplePolicy("p1")
	update.Decision = models.DecisionReject
	created, err := s.CreateNewVersion(context.Background(), "p1", update)
	require.NoError(t, err)
	assert.Equal(t, 2, created.Version)
	assert.True(t, created.IsActive)

	active, err := s.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1, "exactly one version may be active")
	assert.Equal(t, 2, active[0].Version)
	assert.Equal(t, models.DecisionReject, active[0].Decision)

	history, err := s.History(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].IsActive)
	assert.True(t, history[1].IsActive)
}

func TestCreateNewVersionUnknownPolicy(t *testing.T) {
	s := New()

	_, err := s.CreateNewVersion(context.Background(), "missing", samplePolicy("missing"))
	assert.ErrorIs(t, err, store.ErrPolicyNotFound)
}

func TestHistoryUnknownPolicy(t *testing.T) {
	s := New()

	_, err := s.History(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrPolicyNotFound)
}

func TestListActiveOrdering(t *testing.T) {
	s := New()

	low := samplePolicy("bbb")
	low.Priority = 1
	high := samplePolicy("zzz")
	high.Priority = 100
	tied := samplePolicy("aaa")
	tied.Priority = 1

	for _, p := range []*models.Policy{low, high, tied} {
		_, err := s.CreateFirstVersion(context.Background(), p)
		require.NoError(t, err)
	}

	active, err := s.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "zzz", active[0].PolicyID)
	assert.Equal(t, "aaa", active[1].PolicyID)
	assert.Equal(t, "bbb", active[2].PolicyID)
}

func TestConcurrentVersionCreation(t *testing.T) {
	s := New()

	_, err := s.CreateFirstVersion(context.Background(), samplePolicy("p1"))
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.CreateNewVersion(context.Background(), "p1", samplePolicy("p1"))
		}()
	}
	wg.Wait()

	history, err := s.History(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, history, writers+1)

	activeCount := 0
	seen := make(map[int]bool)
	for _, v := range history {
		assert.False(t, seen[v.Version], "version numbers must be unique")
		seen[v.Version] = true
		if v.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount, "races must never leave two active versions")
}

func TestPolicyCopiesAreDefensive(t *testing.T) {
	s := New()

	created, err := s.CreateFirstVersion(context.Background(), samplePolicy("p1"))
	require.NoError(t, err)

	// Mutating the returned struct must not affect stored state.
	created.Decision = models.DecisionReject
	created.Conditions[0].Value = "tampered"

	active, err := s.ListActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApprove, active[0].Decision)
	assert.Equal(t, "deploy", active[0].Conditions[0].Value)
}

func TestEventAppendAndGet(t *testing.T) {
	s := New()

	require.NoError(t, s.Append(context.Background(), sampleEvent("e1", "u1", models.DecisionApprove)))

	got, err := s.Get(context.Background(), "e1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "e1", got.ID)

	missing, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEventCopiesAreDefensive(t *testing.T) {
	s := New()

	e := sampleEvent("e1", "u1", models.DecisionApprove)
	e.Context = map[string]interface{}{"env": "prod"}
	require.NoError(t, s.Append(context.Background(), e))

	got, err := s.Get(context.Background(), "e1")
	require.NoError(t, err)
	got.Decision = models.DecisionReject
	got.Context["env"] = "tampered"

	again, err := s.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApprove, again.Decision)
	assert.Equal(t, "prod", again.Context["env"])
}

func TestEventListFiltersAndPagination(t *testing.T) {
	s := New()

	require.NoError(t, s.Append(context.Background(), sampleEvent("e1", "u1", models.DecisionApprove)))
	require.NoError(t, s.Append(context.Background(), sampleEvent("e2", "u2", models.DecisionReject)))
	require.NoError(t, s.Append(context.Background(), sampleEvent("e3", "u1", models.DecisionReject)))

	u1 := "u1"
	list, total, err := s.List(context.Background(), store.EventFilters{UserID: &u1}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, list, 2)

	list, total, err = s.List(context.Background(), store.EventFilters{}, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total, "total counts all matches regardless of page size")
	assert.Len(t, list, 2)

	list, _, err = s.List(context.Background(), store.EventFilters{}, 2, 2)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, total, err = s.List(context.Background(), store.EventFilters{}, 10, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Empty(t, list)
}

func TestStats(t *testing.T) {
	s := New()

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalActions)
	assert.Zero(t, stats.RejectRate)

	approve := sampleEvent("e1", "u1", models.DecisionApprove)
	approve.AIAvailable = true
	require.NoError(t, s.Append(context.Background(), approve))
	require.NoError(t, s.Append(context.Background(), sampleEvent("e2", "u1", models.DecisionReject)))
	require.NoError(t, s.Append(context.Background(), sampleEvent("e3", "u2", models.DecisionReject)))

	stats, err = s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalActions)
	assert.Equal(t, 1, stats.ApprovedCount)
	assert.Equal(t, 2, stats.RejectedCount)
	assert.InDelta(t, 2.0/3.0, stats.RejectRate, 0.0001)
	assert.Equal(t, 2, stats.AIUnavailable)
}

func TestIdempotencyFirstWriterWins(t *testing.T) {
	c := NewIdempotency()

	rec := &models.IdempotencyRecord{
		UserID: "u1", Key: "k1",
		ResponseBody: []byte(`{"decision":"approve"}`),
		StatusCode:   200,
	}
	require.NoError(t, c.Put(context.Background(), rec))

	second := &models.IdempotencyRecord{
		UserID: "u1", Key: "k1",
		ResponseBody: []byte(`{"decision":"reject"}`),
		StatusCode:   200,
	}
	assert.ErrorIs(t, c.Put(context.Background(), second), store.ErrIdempotencyConflict)

	got, err := c.Get(context.Background(), "u1", "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ResponseBody, got.ResponseBody)
}

func TestIdempotencyMiss(t *testing.T) {
	c := NewIdempotency()

	got, err := c.Get(context.Background(), "u1", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIdempotencyKeysScopedPerUser(t *testing.T) {
	c := NewIdempotency()

	require.NoError(t, c.Put(context.Background(), &models.IdempotencyRecord{
		UserID: "u1", Key: "k", ResponseBody: []byte("a"), StatusCode: 200,
	}))
	require.NoError(t, c.Put(context.Background(), &models.IdempotencyRecord{
		UserID: "u2", Key: "k", ResponseBody: []byte("b"), StatusCode: 200,
	}))

	got, err := c.Get(context.Background(), "u2", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got.ResponseBody)
}

// engine.go implements the decision engine that orchestrates one request:
// idempotency lookup, policy evaluation, advisory consultation, immutable
// event recording, and idempotency record persistence.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/actionguard/actionguard/internal/db/models"
	"github.com/actionguard/actionguard/internal/store"
	"github.com/actionguard/actionguard/internal/telemetry"
)

// Advisor is the fail-safe advisory signal. Implementations must never return
// an error and must never block beyond their configured timeout; on any
// failure they return ("", false).
type Advisor interface {
	Recommend(ctx context.Context, req *ActionRequest) (string, bool)
}

// Engine processes action requests. All collaborators are injected; the
// engine holds no mutable state of its own beyond the per-key lock table.
type Engine struct {
	policies store.PolicyStore
	events   store.EventStore
	idem     store.IdempotencyStore
	advisor  Advisor
	locks    *keyLock
}

// New constructs a decision engine from its collaborators.
func New(policies store.PolicyStore, events store.EventStore, idem store.IdempotencyStore, advisor Advisor) *Engine {
	return &Engine{
		policies: policies,
		events:   events,
		idem:     idem,
		advisor:  advisor,
		locks:    newKeyLock(),
	}
}

// Process runs the decision pipeline for one request.
//
// When idemKey is non-empty the whole read-decide-write sequence runs inside
// a per-(user, key) critical section: a replayed request returns the stored
// response verbatim (CacheHit=true) and causes no new side effect, and two
// concurrent first requests produce exactly one event.
//
// Failure semantics: an unreachable policy store degrades to zero active
// policies (fail closed — the decision defaults to reject but is still
// durably recorded); a failed event append fails the request, because a
// decision that was not durably recorded is not a valid decision.
func (e *Engine) Process(ctx context.Context, req *ActionRequest, idemKey string) (*ProcessResult, error) {
	if req.ActionType == "" || req.UserID == "" {
		return nil, fmt.Errorf("action_type and user_id are required")
	}

	if idemKey != "" {
		unlock := e.locks.lock(req.UserID + "\x00" + idemKey)
		defer unlock()

		rec, err := e.idem.Get(ctx, req.UserID, idemKey)
		if err != nil {
			// Without the cache we cannot guarantee exactly-once; refuse
			// rather than risk a duplicate event.
			return nil, fmt.Errorf("idempotency lookup failed: %w", err)
		}
		if rec != nil {
			telemetry.IdempotencyHitsTotal.Inc()
			return &ProcessResult{Body: rec.ResponseBody, StatusCode: rec.StatusCode, CacheHit: true}, nil
		}
	}

	active, err := e.policies.ListActive(ctx)
	if err != nil {
		// Fail closed: treat as zero active policies so the default reject
		// applies, and record that choice in the event like any other.
		slog.Error("policy store unreachable, failing closed", "error", err)
		active = nil
	}

	decision, reason, matched := Evaluate(req, active)

	advice, aiAvailable := e.advisor.Recommend(ctx, req)

	event := e.buildEvent(req, decision, reason, matched, advice, aiAvailable)

	// The decision is resolved; finish recording it even if the caller has
	// disconnected. The audit trail is the primary output, not the response.
	persistCtx := context.WithoutCancel(ctx)

	if err := e.events.Append(persistCtx, event); err != nil {
		telemetry.EventAppendFailuresTotal.Inc()
		return nil, fmt.Errorf("failed to record decision event: %w", err)
	}

	source := "default"
	if matched != nil {
		source = "policy"
	}
	telemetry.DecisionsTotal.WithLabelValues(string(decision), source).Inc()

	resp := responseFromEvent(event)
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize response: %w", err)
	}

	if idemKey != "" {
		rec := &models.IdempotencyRecord{
			UserID:       req.UserID,
			Key:          idemKey,
			ResponseBody: body,
			StatusCode:   http.StatusOK,
			CreatedAt:    event.CreatedAt,
		}
		if err := e.idem.Put(persistCtx, rec); err != nil {
			if errors.Is(err, store.ErrIdempotencyConflict) {
				// Cross-node race: another writer claimed the key between our
				// Get and Put. Discard our response and return the winner's.
				telemetry.IdempotencyConflictsTotal.Inc()
				winner, gerr := e.idem.Get(persistCtx, req.UserID, idemKey)
				if gerr == nil && winner != nil {
					return &ProcessResult{Body: winner.ResponseBody, StatusCode: winner.StatusCode, CacheHit: true}, nil
				}
				slog.Error("idempotency conflict but winning record unreadable", "error", gerr)
			} else {
				// The event is already durable; a retry may create a second
				// event, which is the lesser harm compared to discarding a
				// recorded decision.
				slog.Error("failed to store idempotency record", "error", err,
					"user_id", req.UserID)
			}
		}
	}

	return &ProcessResult{Body: body, StatusCode: http.StatusOK, CacheHit: false}, nil
}

func (e *Engine) buildEvent(req *ActionRequest, decision models.Decision, reason string, matched *models.Policy, advice string, aiAvailable bool) *models.Event {
	event := &models.Event{
		ID:          uuid.New().String(),
		ActionType:  req.ActionType,
		UserID:      req.UserID,
		Decision:    decision,
		Reason:      reason,
		AIAvailable: aiAvailable,
		Context:     req.Context,
		CreatedAt:   time.Now().UTC(),
	}
	if req.ResourceID != "" {
		event.ResourceID = &req.ResourceID
	}
	if matched != nil {
		event.PolicyID = &matched.PolicyID
		v := matched.Version
		event.PolicyVersion = &v
	}
	if aiAvailable {
		event.AIAdvice = &advice
	}
	return event
}

func responseFromEvent(event *models.Event) *ActionResponse {
	resp := &ActionResponse{
		DecisionID:  event.ID,
		Decision:    string(event.Decision),
		AIAvailable: event.AIAvailable,
		Timestamp:   event.CreatedAt,
		Trace: DecisionTrace{
			AIRecommendationSummary: event.AIAdvice,
		},
	}
	if event.PolicyID != nil {
		resp.Trace.TriggeredPolicy = &TriggeredPolicy{
			ID:     *event.PolicyID,
			Reason: event.Reason,
		}
		if event.PolicyVersion != nil {
			resp.Trace.TriggeredPolicy.Version = *event.PolicyVersion
		}
	}
	return resp
}

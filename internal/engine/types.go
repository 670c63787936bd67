// Package engine contains the decision pipeline: the pure policy evaluator,
// the per-key serialization lock, and the orchestrating decision engine that
// ties evaluator, advisory client, event log, and idempotency cache together
// for one request.
package engine

import "time"

// ActionRequest is the subject of an authorization decision. It is produced
// by the boundary HTTP layer and treated as immutable once received.
type ActionRequest struct {
	ActionType string                 `json:"action_type" binding:"required"`
	Context    map[string]interface{} `json:"context"`
	ResourceID string                 `json:"resource_id,omitempty"`
	UserID     string                 `json:"user_id" binding:"required"`
}

// TriggeredPolicy identifies the policy version whose conditions matched.
type TriggeredPolicy struct {
	ID      string `json:"id"`
	Version int    `json:"version,omitempty"`
	Reason  string `json:"reason"`
}

// DecisionTrace explains how the decision was reached. TriggeredPolicy is nil
// when no policy matched and the fail-closed default applied.
type DecisionTrace struct {
	TriggeredPolicy         *TriggeredPolicy `json:"triggered_policy"`
	AIRecommendationSummary *string          `json:"ai_recommendation_summary"`
}

// ActionResponse is the caller-visible result of one processed action.
type ActionResponse struct {
	DecisionID  string        `json:"decision_id"`
	Decision    string        `json:"decision"`
	Trace       DecisionTrace `json:"trace"`
	AIAvailable bool          `json:"ai_available"`
	Timestamp   time.Time     `json:"timestamp"`
}

// ProcessResult carries the serialized response so replays can return the
// stored bytes verbatim. CacheHit is true when the result was served from the
// idempotency cache and no new event was recorded.
type ProcessResult struct {
	Body       []byte
	StatusCode int
	CacheHit   bool
}

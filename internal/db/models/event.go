package models

import "time"

// Event is the immutable audit record of one decision. Events are append-only
// at the storage level: the Postgres adapter backs them with a trigger that
// rejects UPDATE and DELETE, and no storage contract exposes a mutating
// operation.
type Event struct {
	ID            string                 `json:"event_id"`
	ActionType    string                 `json:"action_type"`
	ResourceID    *string                `json:"resource_id,omitempty"`
	UserID        string                 `json:"user_id"`
	Decision      Decision               `json:"decision"`
	Reason        string                 `json:"reason"`
	PolicyID      *string                `json:"policy_id"`      // nil when no policy matched
	PolicyVersion *int                   `json:"policy_version"` // nil when no policy matched
	AIAdvice      *string                `json:"ai_advice"`      // nil when the advisor was unavailable
	AIAvailable   bool                   `json:"ai_available"`
	Context       map[string]interface{} `json:"context"` // JSONB: request context document
	CreatedAt     time.Time              `json:"created_at"`
}

// DecisionStats holds aggregate counts over the event log.
type DecisionStats struct {
	TotalActions  int     `json:"total_actions"`
	ApprovedCount int     `json:"approved_count"`
	RejectedCount int     `json:"rejected_count"`
	RejectRate    float64 `json:"reject_rate"`
	AIUnavailable int     `json:"ai_unavailable_count"`
}

package models

import "time"

// IdempotencyRecord maps a client-supplied key to the response produced by the
// first request that carried it. Keyed by (UserID, Key); two users may reuse
// the same literal key independently. First writer wins — records are never
// updated.
type IdempotencyRecord struct {
	UserID       string    `json:"user_id"`
	Key          string    `json:"key"`
	ResponseBody []byte    `json:"response_body"`
	StatusCode   int       `json:"status_code"`
	CreatedAt    time.Time `json:"created_at"`
}

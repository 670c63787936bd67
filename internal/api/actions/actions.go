// Package actions implements the action decision endpoints: the processing
// endpoint that runs the full pipeline and records an immutable event, and
// the simulate endpoint that dry-runs the evaluator against the active policy
// set without side effects.
package actions

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/actionguard/actionguard/internal/engine"
	"github.com/actionguard/actionguard/internal/store"
)

const (
	// IdempotencyKeyHeader carries the client-supplied opaque idempotency key.
	IdempotencyKeyHeader = "X-Idempotency-Key"

	// IdempotencyHitHeader signals that the response was replayed from the
	// idempotency cache; the body and status are byte-identical to the first
	// call.
	IdempotencyHitHeader = "X-Idempotency-Hit"
)

// ProcessHandler handles POST /api/v1/actions. The stored response bytes are
// written verbatim so replays are byte-identical to the first response.
func ProcessHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req engine.ActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		idemKey := c.GetHeader(IdempotencyKeyHeader)

		result, err := eng.Process(c.Request.Context(), &req, idemKey)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "failed to process action",
			})
			return
		}

		if result.CacheHit {
			c.Header(IdempotencyHitHeader, "true")
		}
		c.Data(result.StatusCode, "application/json", result.Body)
	}
}

// SimulateHandler handles POST /api/v1/actions/simulate: evaluator-only dry
// run. No event is recorded, the advisor is not consulted, and idempotency
// keys are ignored.
func SimulateHandler(policies store.PolicyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req engine.ActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		active, err := policies.ListActive(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "failed to load active policies",
			})
			return
		}

		decision, reason, matched := engine.Evaluate(&req, active)

		var triggered *engine.TriggeredPolicy
		if matched != nil {
			triggered = &engine.TriggeredPolicy{
				ID:      matched.PolicyID,
				Version: matched.Version,
				Reason:  matched.Reason,
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"decision": string(decision),
			"reason":   reason,
			"trace": gin.H{
				"triggered_policy": triggered,
			},
			"simulated": true,
		})
	}
}

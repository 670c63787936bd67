// Package policies implements the policy administration endpoints: creating
// the first version of a policy, creating follow-up versions (which
// atomically retire the prior active version), and reading the active set
// and per-policy version history.
package policies

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/actionguard/actionguard/internal/db/models"
	"github.com/actionguard/actionguard/internal/store"
	"github.com/actionguard/actionguard/internal/telemetry"
)

// policyRequest is the request body for creating a policy or a new version.
// PolicyID is required on create and ignored on version creation (the path
// parameter wins there).
type policyRequest struct {
	PolicyID   string                   `json:"policy_id"`
	Priority   int                      `json:"priority"`
	Conditions []models.PolicyCondition `json:"conditions"`
	Decision   string                   `json:"decision"`
	Reason     string                   `json:"reason"`
}

func (r *policyRequest) toModel() *models.Policy {
	return &models.Policy{
		PolicyID:   r.PolicyID,
		Priority:   r.Priority,
		Conditions: r.Conditions,
		Decision:   models.Decision(r.Decision),
		Reason:     r.Reason,
	}
}

// CreateHandler handles POST /api/v1/policies. Returns 409 when the policy_id
// already has any version.
func CreateHandler(policies store.PolicyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req policyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		p := req.toModel()
		if err := p.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		created, err := policies.CreateFirstVersion(c.Request.Context(), p)
		if err != nil {
			if errors.Is(err, store.ErrPolicyExists) {
				c.JSON(http.StatusConflict, gin.H{"error": "policy already exists"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create policy"})
			return
		}

		telemetry.PolicyVersionsCreatedTotal.WithLabelValues("create").Inc()
		c.JSON(http.StatusCreated, created)
	}
}

// CreateVersionHandler handles POST /api/v1/policies/:id/versions. Returns
// 404 when the policy has no active version to supersede.
func CreateVersionHandler(policies store.PolicyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		policyID := c.Param("id")

		var req policyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		p := req.toModel()
		p.PolicyID = policyID
		if err := p.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		created, err := policies.CreateNewVersion(c.Request.Context(), policyID, p)
		if err != nil {
			if errors.Is(err, store.ErrPolicyNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "policy not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create policy version"})
			return
		}

		telemetry.PolicyVersionsCreatedTotal.WithLabelValues("version").Inc()
		c.JSON(http.StatusCreated, created)
	}
}

// ListActiveHandler handles GET /api/v1/policies: the active version of every
// policy, in evaluation order.
func ListActiveHandler(policies store.PolicyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		active, err := policies.ListActive(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list policies"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"policies": active})
	}
}

// HistoryHandler handles GET /api/v1/policies/:id/history: every version of
// one policy, oldest first.
func HistoryHandler(policies store.PolicyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		history, err := policies.History(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, store.ErrPolicyNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "policy not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load policy history"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"versions": history})
	}
}

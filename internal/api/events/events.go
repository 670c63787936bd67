// Package events implements the read-only audit endpoints over the event log.
// There is deliberately no write surface here: events are created only by the
// decision engine and are immutable from the moment they are recorded.
package events

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/actionguard/actionguard/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// ListHandler handles GET /api/v1/events with optional user_id and
// action_type filters plus limit/offset pagination, newest first.
func ListHandler(events store.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filters store.EventFilters
		if userID := c.Query("user_id"); userID != "" {
			filters.UserID = &userID
		}
		if actionType := c.Query("action_type"); actionType != "" {
			filters.ActionType = &actionType
		}

		limit := parseIntQuery(c, "limit", defaultLimit)
		if limit < 1 || limit > maxLimit {
			limit = defaultLimit
		}
		offset := parseIntQuery(c, "offset", 0)
		if offset < 0 {
			offset = 0
		}

		list, total, err := events.List(c.Request.Context(), filters, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"events": list,
			"total":  total,
			"limit":  limit,
			"offset": offset,
		})
	}
}

// GetHandler handles GET /api/v1/events/:id.
func GetHandler(events store.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		event, err := events.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load event"})
			return
		}
		if event == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
			return
		}
		c.JSON(http.StatusOK, event)
	}
}

// StatsHandler handles GET /api/v1/stats: aggregate decision counts over the
// whole event log.
func StatsHandler(events store.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := events.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate stats"})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func parseIntQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

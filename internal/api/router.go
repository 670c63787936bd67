// Package api assembles the HTTP router: middleware ordering, route
// registration, and the health endpoint.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/actionguard/actionguard/internal/api/actions"
	"github.com/actionguard/actionguard/internal/api/events"
	"github.com/actionguard/actionguard/internal/api/policies"
	"github.com/actionguard/actionguard/internal/engine"
	"github.com/actionguard/actionguard/internal/middleware"
	"github.com/actionguard/actionguard/internal/store"
)

// Deps carries everything the router needs. DB may be nil when running on the
// in-memory stores; the health endpoint then skips the database ping.
type Deps struct {
	Engine   *engine.Engine
	Policies store.PolicyStore
	Events   store.EventStore
	DB       *sqlx.DB
}

// NewRouter builds the Gin engine with middleware and all routes registered.
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())

	router.GET("/health", healthHandler(deps.DB))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/actions", actions.ProcessHandler(deps.Engine))
		v1.POST("/actions/simulate", actions.SimulateHandler(deps.Policies))

		v1.POST("/policies", policies.CreateHandler(deps.Policies))
		v1.GET("/policies", policies.ListActiveHandler(deps.Policies))
		v1.POST("/policies/:id/versions", policies.CreateVersionHandler(deps.Policies))
		v1.GET("/policies/:id/history", policies.HistoryHandler(deps.Policies))

		v1.GET("/events", events.ListHandler(deps.Events))
		v1.GET("/events/:id", events.GetHandler(deps.Events))
		v1.GET("/stats", events.StatsHandler(deps.Events))
	}

	return router
}

// healthHandler reports liveness plus database reachability. A failed ping
// returns 503 so load balancers stop routing to an instance that would only
// produce fail-closed rejections.
func healthHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			if err := db.PingContext(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  "database unreachable",
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

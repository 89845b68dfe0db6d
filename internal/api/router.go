// Package api wires the HTTP surface onto gin-gonic: one struct holding
// every collaborator, a public group and an auth+rate-limited group,
// CORS applied as a raw middleware closure reading ALLOWED_ORIGINS.
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/hui-federation/internal/federated"
	"github.com/rawblock/hui-federation/internal/session"
	"github.com/rawblock/hui-federation/internal/store"
	"github.com/rawblock/hui-federation/internal/worker"
)

// Handler bundles every collaborator an HTTP handler needs.
type Handler struct {
	st       store.Store
	registry *session.Registry
	pool     *worker.Pool
	coord    *federated.Coordinator
	hub      *Hub

	minClientsDefault int
	privacyEpsDefault float64
}

// Config carries the router-construction-time settings.
type Config struct {
	AllowedOrigins        string
	APIAuthToken          string
	MinClientsRequired    int
	PrivacyEpsilonDefault float64
}

// SetupRouter builds the full route tree: public health/stream
// endpoints, then the bearer-token-gated, rate-limited resource
// endpoints, all mounted under /api.
func SetupRouter(st store.Store, registry *session.Registry, pool *worker.Pool, coord *federated.Coordinator, hub *Hub, cfg Config) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	h := &Handler{
		st:                st,
		registry:          registry,
		pool:              pool,
		coord:             coord,
		hub:               hub,
		minClientsDefault: cfg.MinClientsRequired,
		privacyEpsDefault: cfg.PrivacyEpsilonDefault,
	}

	pub := r.Group("/api")
	{
		pub.GET("/health", h.handleHealth)
		pub.GET("/stream", hub.Subscribe)
	}

	auth := r.Group("/api")
	auth.Use(AuthMiddleware(cfg.APIAuthToken))
	auth.Use(NewRateLimiter(120, 20).Middleware())
	{
		auth.POST("/stores/register", h.handleRegisterStore)
		auth.POST("/stores/:id/heartbeat", h.handleHeartbeat)
		auth.GET("/stores", h.handleListStores)

		auth.POST("/transactions/upload/:store_id", h.handleUploadTransactions)
		auth.GET("/transactions/:store_id", h.handleListTransactions)

		auth.POST("/mining/start", h.handleStartMining)
		auth.GET("/mining/status/:job_id", h.handleMiningStatus)
		auth.GET("/mining/results/:job_id", h.handleMiningResults)

		auth.POST("/federated/start-round", h.handleStartRound)
		auth.GET("/federated/rounds", h.handleListRounds)
		auth.GET("/federated/rounds/:id/patterns", h.handleRoundPatterns)
	}

	return r
}

// corsMiddleware is a raw CORS closure: an empty or "*" ALLOWED_ORIGINS
// allows every origin, otherwise only an exact match from the
// comma-separated allow-list is echoed back.
func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Package router assembles the chi.Mux serving the aggregator, the
// tunnel-authority, and the reserved-queue-broker route groups.
package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/connexus-ai/rag-aggregator/internal/handler"
	"github.com/connexus-ai/rag-aggregator/internal/middleware"
)

// Dependencies holds all injected services needed by the router.
type Dependencies struct {
	Version     string
	ServiceName string
	CORSOrigins []string

	Metrics    *middleware.Metrics
	MetricsReg *prometheus.Registry

	InternalAuthSecret string

	// BusPinger backs GET /health's tunnel-transport probe. Nil when no
	// tunnel bus is configured.
	BusPinger handler.BusPinger

	// TotalTimeout bounds an entire chat request end to end (retrieval +
	// generation + response write), independent of the per-leg budgets
	// already enforced inside the orchestrator.
	TotalTimeout time.Duration

	// Aggregator (public — optional bearer token forwarded to peers)
	ChatDeps handler.ChatDeps

	// Tunnel authority (internal-auth protected)
	PeerTokenDeps handler.PeerTokenDeps
	NATSCredsDeps handler.NATSCredentialsDeps

	// Reserved-queue broker (internal-auth protected)
	MQDeps handler.MQDeps

	// Rate limiters (nil = no rate limiting)
	GeneralRateLimiter *middleware.RateLimiter
	ChatRateLimiter    *middleware.RateLimiter
}

// New creates and configures the Chi router with all routes.
func New(deps *Dependencies) *chi.Mux {
	if deps.TotalTimeout <= 0 {
		deps.TotalTimeout = 120 * time.Second
	}
	deps.ChatDeps.TotalTimeout = deps.TotalTimeout

	r := chi.NewRouter()

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.CORSOrigins))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	// Public routes (no auth)
	r.Get("/health", handler.Health(deps.BusPinger, deps.ServiceName))
	r.Get("/ready", handler.Ready())
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	// Aggregator — bearer token is optional and only forwarded to peers, so
	// this group stays outside InternalAuth; ExtractBearerToken never rejects.
	r.Group(func(r chi.Router) {
		r.Use(middleware.ExtractBearerToken)
		if deps.GeneralRateLimiter != nil {
			r.Use(middleware.RateLimit(deps.GeneralRateLimiter))
		}

		// Unary chat additionally gets an http.TimeoutHandler as a slow-read
		// guard; chat-stream relies solely on ChatDeps.TotalTimeout's context
		// deadline so the SSE body is never cut by a blanket handler mid-write.
		chatTimeout := middleware.Timeout(deps.TotalTimeout)

		if deps.ChatRateLimiter != nil {
			r.With(chatTimeout, middleware.RateLimit(deps.ChatRateLimiter)).Post("/api/v1/chat", handler.Chat(deps.ChatDeps))
			r.With(middleware.RateLimit(deps.ChatRateLimiter)).Post("/api/v1/chat/stream", handler.ChatStream(deps.ChatDeps))
		} else {
			r.With(chatTimeout).Post("/api/v1/chat", handler.Chat(deps.ChatDeps))
			r.Post("/api/v1/chat/stream", handler.ChatStream(deps.ChatDeps))
		}
	})

	// Tunnel authority + reserved-queue broker — trust an upstream proxy's
	// validated session via InternalAuth.
	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalAuth(deps.InternalAuthSecret))
		if deps.GeneralRateLimiter != nil {
			r.Use(middleware.RateLimit(deps.GeneralRateLimiter))
		}

		timeout10s := middleware.Timeout(10 * time.Second)

		r.With(timeout10s).Post("/api/v1/peer-token", handler.PeerToken(deps.PeerTokenDeps))
		r.With(timeout10s).Get("/api/v1/nats/credentials", handler.NATSCredentials(deps.NATSCredsDeps))

		r.With(timeout10s).Post("/mq/reserve", handler.MQReserve(deps.MQDeps))
		r.With(timeout10s).Post("/mq/consume", handler.MQConsume(deps.MQDeps))
		r.With(timeout10s).Post("/mq/peek", handler.MQPeek(deps.MQDeps))
		r.With(timeout10s).Delete("/mq/clear", handler.MQClear(deps.MQDeps))
		r.With(timeout10s).Post("/mq/release", handler.MQRelease(deps.MQDeps))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "route not found",
		})
	})

	return r
}

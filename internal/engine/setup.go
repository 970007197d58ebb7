package engine

import (
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupConfig holds configuration for the engine HTTP handler.
type SetupConfig struct {
	Store        *Store
	Logger       *slog.Logger
	SharedSecret string
	Version      string

	// ExtraRoutes registers application routes (e.g. the package deploy
	// endpoint) on the API router after the generic CRUD routes.
	ExtraRoutes func(router *mux.Router)
}

// Setup creates the complete HTTP handler using the engine.
func Setup(cfg SetupConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	router := mux.NewRouter()

	// Middleware
	router.Use(requestIDMiddleware)
	router.Use(recoveryMiddleware(cfg.Logger))
	router.Use(AuthMiddleware(cfg.Store, cfg.SharedSecret, cfg.Logger))

	// Health endpoints
	router.HandleFunc("/health", healthHandler(cfg.Version)).Methods("GET")
	router.HandleFunc("/ready", readyHandler).Methods("GET")

	// Prometheus scrape endpoint
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Register generic CRUD + state machine routes for all resources
	RegisterRoutes(router, APIConfig{
		Store:  cfg.Store,
		Logger: cfg.Logger,
	})

	if cfg.ExtraRoutes != nil {
		cfg.ExtraRoutes(router)
	}

	return router
}

// =============================================================================
// Middleware
// =============================================================================

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = "req_" + randomString(12)
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func recoveryMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", "error", err)
					writeError(w, http.StatusInternalServerError, "an unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// Health
// =============================================================================

func healthHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "version": version})
	}
}

func readyHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ready",
		"checks": map[string]string{"database": "ok"},
	})
}

func randomString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		idx, _ := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		b[i] = letters[idx.Int64()]
	}
	return string(b)
}

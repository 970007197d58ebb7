package engine

import (
	"context"
	"log/slog"
	"net/http"
)

// Auth header constants (injected by the API gateway in front of the platform).
const (
	HeaderActorID       = "X-Actor-ID"
	HeaderTenantID      = "X-Tenant-ID"
	HeaderActorEmail    = "X-Actor-Email"
	HeaderActorName     = "X-Actor-Name"
	HeaderPlatformRole  = "X-Platform-Role"
	HeaderGatewaySecret = "X-Gateway-Secret"
)

type authContextKey struct{}

// AuthFromRequest extracts AuthContext from an HTTP request's context.
func AuthFromRequest(r *http.Request) AuthContext {
	if ac, ok := r.Context().Value(authContextKey{}).(AuthContext); ok {
		return ac
	}
	return AuthContext{}
}

// WithAuth stores an AuthContext in a context.
func WithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// AuthMiddleware extracts identity from gateway-injected headers, resolves the
// member via the engine Store, and injects AuthContext.
func AuthMiddleware(store *Store, sharedSecret string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Validate shared secret if configured
			if sharedSecret != "" {
				if r.Header.Get(HeaderGatewaySecret) != sharedSecret {
					writeError(w, http.StatusForbidden, "invalid gateway secret")
					return
				}
			}

			referenceID := r.Header.Get(HeaderActorID)
			tenantID := r.Header.Get(HeaderTenantID)

			if referenceID == "" {
				// Unauthenticated, continue with empty AuthContext
				next.ServeHTTP(w, r)
				return
			}

			memberID, err := store.ResolveMember(r.Context(), referenceID, tenantID,
				r.Header.Get(HeaderActorEmail), r.Header.Get(HeaderActorName))
			if err != nil {
				logger.Error("failed to resolve member", "reference_id", referenceID, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to resolve member identity")
				return
			}

			ac := AuthContext{
				Authenticated: true,
				MemberID:      memberID,
				ReferenceID:   referenceID,
				TenantID:      tenantID,
				Platform:      r.Header.Get(HeaderPlatformRole) == "operator",
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), ac)))
		})
	}
}

package deploy

import (
	"context"
	"log/slog"
	"strings"

	"github.com/plateful/platform/internal/core/rollout"
	"github.com/plateful/platform/internal/engine"
)

// GrantPermissions is the fixed permission set written onto every module grant.
var GrantPermissions = []string{"view", "create", "edit", "delete"}

// AccessAssigner grants tenant members access to modules deployed in this run.
type AccessAssigner struct {
	store  *engine.Store
	logger *slog.Logger
}

func NewAccessAssigner(store *engine.Store, logger *slog.Logger) *AccessAssigner {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessAssigner{store: store, logger: logger.With("component", "access_assigner")}
}

// Assign processes the requested user assignments against the modules that
// actually deployed in this run. Requested codes resolve strictly against that
// set; modules that failed or were already deployed earlier are never granted
// here. Unknown or inactive users are skipped with a log, a failed grant write
// skips that single grant, and users who end up with zero grants are omitted
// from the results.
func (a *AccessAssigner) Assign(ctx context.Context, tenantID string, assignments []rollout.UserAssignment, deployed []DeployedRef) []rollout.GrantResult {
	if len(assignments) == 0 || len(deployed) == 0 {
		return nil
	}

	byCode := make(map[string]DeployedRef, len(deployed))
	for _, d := range deployed {
		byCode[strings.ToUpper(d.Code)] = d
	}

	var results []rollout.GrantResult
	for _, assignment := range assignments {
		member, err := a.store.GetActiveMember(ctx, tenantID, assignment.UserID)
		if err != nil {
			a.logger.Warn("skipping assignment for unknown or inactive user",
				"tenant_id", tenantID, "user_id", assignment.UserID, "error", err)
			continue
		}
		memberRef := strVal(member["reference_id"])

		role := assignment.Role
		if role == "" {
			role = "member"
		}

		var granted []string
		for _, code := range assignment.Modules {
			ref, ok := byCode[strings.ToUpper(code)]
			if !ok {
				continue // not deployed in this run
			}
			_, err := a.store.Create(ctx, "module_grants", map[string]any{
				"tenant_id":          tenantID,
				"member_id":          memberRef,
				"deployed_module_id": ref.RefID,
				"role":               role,
				"permissions":        GrantPermissions,
			})
			if err != nil {
				a.logger.Warn("module grant failed",
					"tenant_id", tenantID, "user_id", assignment.UserID,
					"module", ref.Code, "error", err)
				continue
			}
			granted = append(granted, ref.Code)
		}

		if len(granted) == 0 {
			continue
		}
		results = append(results, rollout.GrantResult{
			UserID:         assignment.UserID,
			GrantedModules: granted,
			Permissions:    GrantPermissions,
		})
	}
	return results
}

func strVal(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return ""
}

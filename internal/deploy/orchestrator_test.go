package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateful/platform/internal/core/rollout"
	"github.com/plateful/platform/internal/engine"
)

var testDBCounter int

func newTestStore(t *testing.T) *engine.Store {
	t.Helper()
	testDBCounter++
	dsn := fmt.Sprintf("file:deploytest%d?mode=memory&cache=shared", testDBCounter)
	store, err := engine.OpenDB(dsn, engine.Schema(), slog.Default())
	require.NoError(t, err)
	store.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestOrchestrator(t *testing.T, store *engine.Store) *Orchestrator {
	t.Helper()
	orch, err := NewOrchestrator(store, slog.Default(), OrchestratorConfig{})
	require.NoError(t, err)
	return orch
}

// =============================================================================
// Seed helpers
// =============================================================================

func seedTenant(t *testing.T, store *engine.Store, name string) string {
	t.Helper()
	row, err := store.Create(context.Background(), "tenants", map[string]any{"name": name})
	require.NoError(t, err)
	return row["reference_id"].(string)
}

func seedTemplate(t *testing.T, store *engine.Store, kind, code, name, visibility, tenantID string) string {
	t.Helper()
	data := map[string]any{
		"kind":       kind,
		"code":       code,
		"name":       name,
		"visibility": visibility,
	}
	if tenantID != "" {
		data["tenant_id"] = tenantID
	}
	row, err := store.Create(context.Background(), "templates", data)
	require.NoError(t, err)
	return row["reference_id"].(string)
}

func seedEdge(t *testing.T, store *engine.Store, packageID, moduleID string, position int) {
	t.Helper()
	_, err := store.Create(context.Background(), "package_modules", map[string]any{
		"package_id": packageID,
		"module_id":  moduleID,
		"position":   position,
	})
	require.NoError(t, err)
}

// seedStarterPackage creates a published package with POS, INV, KDS modules.
func seedStarterPackage(t *testing.T, store *engine.Store) (pkgID string, moduleIDs map[string]string) {
	t.Helper()
	pkgID = seedTemplate(t, store, "package", "STARTER", "Starter Bundle", "published", "")
	moduleIDs = map[string]string{
		"POS": seedTemplate(t, store, "module", "POS", "Point of Sale", "published", ""),
		"INV": seedTemplate(t, store, "module", "INV", "Inventory", "published", ""),
		"KDS": seedTemplate(t, store, "module", "KDS", "Kitchen Display", "published", ""),
	}
	seedEdge(t, store, pkgID, moduleIDs["POS"], 1)
	seedEdge(t, store, pkgID, moduleIDs["INV"], 2)
	seedEdge(t, store, pkgID, moduleIDs["KDS"], 3)
	return pkgID, moduleIDs
}

// =============================================================================
// Deployment Scenario Tests
// =============================================================================

func TestDeploy_FullPackage(t *testing.T) {
	store := newTestStore(t)
	orch := newTestOrchestrator(t, store)
	ctx := context.Background()

	tenantID := seedTenant(t, store, "Mamas Diner")
	pkgID, _ := seedStarterPackage(t, store)

	result, err := orch.Deploy(ctx, Request{
		TenantID:  tenantID,
		PackageID: pkgID,
		ActorID:   "usr_amy",
	})
	require.NoError(t, err)

	assert.Equal(t, rollout.StatusSuccess, result.Status)
	assert.Equal(t, 3, result.Summary.ModulesDeployed)
	assert.Equal(t, 0, result.Summary.ModulesFailed)
	assert.NotEmpty(t, result.TransactionID)
	require.Len(t, result.PerModuleResults, 3)
	assert.Equal(t, "POS", result.PerModuleResults[0].Code, "package order preserved")
	assert.Equal(t, "INV", result.PerModuleResults[1].Code)
	assert.Equal(t, "KDS", result.PerModuleResults[2].Code)

	// Deployed rows carry the derived code and provenance
	row, err := store.GetByTwoFields(ctx, "deployed_modules", "tenant_id", tenantID, "code", "POS-DEPLOYED")
	require.NoError(t, err)
	assert.Equal(t, result.TransactionID, row["transaction_id"])
	assert.Equal(t, "usr_amy", row["deployed_by"])
	assert.Equal(t, pkgID, row["package_id"])

	// Transaction finalized as completed
	txn, err := store.Get(ctx, "deployment_transactions", result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "completed", txn["status"])

	// One itemized line per deployed module, ordered from 1
	lines, err := store.ListOrdered(ctx, "deployment_lines",
		[]engine.Filter{{Field: "transaction_id", Value: result.TransactionID}},
		"position", engine.DefaultPage())
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.EqualValues(t, 1, lines[0]["position"])
	assert.EqualValues(t, 3, lines[2]["position"])
}

func TestDeploy_SkipsAlreadyDeployedModules(t *testing.T) {
	store := newTestStore(t)
	orch := newTestOrchestrator(t, store)
	ctx := context.Background()

	tenantID := seedTenant(t, store, "Mamas Diner")
	pkgID, _ := seedStarterPackage(t, store)

	// POS is already installed
	_, err := store.Create(ctx, "deployed_modules", map[string]any{
		"tenant_id": tenantID,
		"code":      "POS-DEPLOYED",
		"name":      "Point of Sale",
	})
	require.NoError(t, err)

	result, err := orch.Deploy(ctx, Request{TenantID: tenantID, PackageID: pkgID})
	require.NoError(t, err)

	assert.Equal(t, rollout.StatusSuccess, result.Status)
	assert.Equal(t, 2, result.Summary.ModulesDeployed)
	require.Len(t, result.PerModuleResults, 2)
	assert.Equal(t, "INV", result.PerModuleResults[0].Code)
	assert.Equal(t, "KDS", result.PerModuleResults[1].Code)

	// Audit payload records both the full and the working set size
	txn, err := store.Get(ctx, "deployment_transactions", result.TransactionID)
	require.NoError(t, err)
	payload := txn["payload"].(map[string]any)
	assert.EqualValues(t, 3, payload["total_modules"])
	assert.EqualValues(t, 2, payload["modules_to_deploy"])
}

func TestDeploy_DuplicateEdgesDeployOnce(t *testing.T) {
	store := newTestStore(t)
	orch := newTestOrchestrator(t, store)
	ctx := context.Background()

	tenantID := seedTenant(t, store, "Mamas Diner")
	pkgID := seedTemplate(t, store, "package", "DOUBLE", "Doubled Bundle", "published", "")
	posID := seedTemplate(t, store, "module", "POS", "Point of Sale", "published", "")
	seedEdge(t, store, pkgID, posID, 1)
	seedEdge(t, store, pkgID, posID, 2)

	result, err := orch.Deploy(ctx, Request{TenantID: tenantID, PackageID: pkgID})
	require.NoError(t, err)

	assert.Equal(t, rollout.StatusSuccess, result.Status)
	assert.Equal(t, 1, result.Summary.ModulesDeployed)
	assert.Empty(t, result.Errors, "duplicate edges are dropped silently, not failed")
}

func TestDeploy_DanglingEdgeIsDropped(t *testing.T) {
	store := newTestStore(t)
	orch := newTestOrchestrator(t, store)
	ctx := context.Background()

	tenantID := seedTenant(t, store, "Mamas Diner")
	pkgID := seedTemplate(t, store, "package", "BROKEN", "Broken Bundle", "published", "")
	posID := seedTemplate(t, store, "module", "POS", "Point of Sale", "published", "")
	seedEdge(t, store, pkgID, posID, 1)
	seedEdge(t, store, pkgID, "tpl_gone", 2)

	result, err := orch.Deploy(ctx, Request{TenantID: tenantID, PackageID: pkgID})
	require.NoError(t, err)

	assert.Equal(t, rollout.StatusSuccess, result.Status)
	assert.Equal(t, 1, result.Summary.ModulesDeployed)
}

func TestDeploy_PartialFailure(t *testing.T) {
	store := newTestStore(t)
	orch := newTestOrchestrator(t, store)
	ctx := context.Background()

	tenantID := seedTenant(t, store, "Mamas Diner")
	pkgID, _ := seedStarterPackage(t, store)

	// An inactive POS row is invisible to the already-deployed filter but
	// still occupies the (tenant, code) slot, so the POS insert fails.
	_, err := store.Create(ctx, "deployed_modules", map[string]any{
		"tenant_id": tenantID,
		"code":      "POS-DEPLOYED",
		"name":      "Point of Sale",
		"active":    false,
	})
	require.NoError(t, err)

	result, err := orch.Deploy(ctx, Request{TenantID: tenantID, PackageID: pkgID})
	require.NoError(t, err, "per-module failure is reported in the result, not as an error")

	assert.Equal(t, rollout.StatusPartial, result.Status)
	assert.Equal(t, 2, result.Summary.ModulesDeployed)
	assert.Equal(t, 1, result.Summary.ModulesFailed)
	assert.Equal(t, rollout.OutcomeFailed, result.PerModuleResults[0].Status)
	assert.NotEmpty(t, result.PerModuleResults[0].Error)
	assert.Len(t, result.Errors, 1)

	// Partial still finalizes as completed; only overall failed marks it failed
	txn, err := store.Get(ctx, "deployment_transactions", result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "completed", txn["status"])
}

// =============================================================================
// Fatal Precondition Tests (no transaction record)
// =============================================================================

func TestDeploy_ValidationErrors(t *testing.T) {
	store := newTestStore(t)
	orch := newTestOrchestrator(t, store)
	ctx := context.Background()

	_, err := orch.Deploy(ctx, Request{PackageID: "tpl_x"})
	assert.ErrorIs(t, err, rollout.ErrValidation)

	_, err = orch.Deploy(ctx, Request{TenantID: "tnt_x"})
	assert.ErrorIs(t, err, rollout.ErrValidation)

	_, err = orch.Deploy(ctx, Request{TenantID: "tnt_missing", PackageID: "tpl_x"})
	assert.ErrorIs(t, err, rollout.ErrNotFound)
}

func TestDeploy_InactiveTenant(t *testing.T) {
	store := newTestStore(t)
	orch := newTestOrchestrator(t, store)
	ctx := context.Background()

	tenantID := seedTenant(t, store, "Closed Diner")
	_, err := store.Update(ctx, "tenants", tenantID, map[string]any{"active": false})
	require.NoError(t, err)
	pkgID, _ := seedStarterPackage(t, store)

	_, err = orch.Deploy(ctx, Request{TenantID: tenantID, PackageID: pkgID})
	assert.ErrorIs(t, err, rollout.ErrNotFound)
}

func TestDeploy_PrivatePackageOfAnotherTenant(t *testing.T) {
	store := newTestStore(t)
	orch := newTestOrchestrator(t, store)
	ctx := context.Background()

	owner := seedTenant(t, store, "Owner Diner")
	other := seedTenant(t, store, "Other Diner")
	pkgID := seedTemplate(t, store, "package", "SECRET", "Private Bundle", "private", owner)
	posID := seedTemplate(t, store, "module", "POS", "Point of Sale", "published", "")
	seedEdge(t, store, pkgID, posID, 1)

	_, err := orch.Deploy(ctx, Request{TenantID: other, PackageID: pkgID})
	assert.ErrorIs(t, err, rollout.ErrAccessDenied)

	// The owner can deploy it
	result, err := orch.Deploy(ctx, Request{TenantID: owner, PackageID: pkgID})
	require.NoError(t, err)
	assert.Equal(t, rollout.StatusSuccess, result.Status)
}

func TestDeploy_EmptyPackage(t *testing.T) {
	store := newTestStore(t)
	orch := newTestOrchestrator(t, store)
	ctx := context.Background()

	tenantID := seedTenant(t, store, "Mamas Diner")
	pkgID := seedTemplate(t, store, "package", "EMPTY", "Empty Bundle", "published", "")

	_, err := orch.Deploy(ctx, Request{TenantID: tenantID, PackageID: pkgID})
	assert.ErrorIs(t, err, rollout.ErrEmptyPackage)

	// Fatal preconditions never open a transaction
	txns, err := store.List(ctx, "deployment_transactions", nil, engine.DefaultPage())
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestDeploy_NothingToDeploy(t *testing.T) {
	store := newTestStore(t)
	orch := newTestOrchestrator(t, store)
	ctx := context.Background()

	tenantID := seedTenant(t, store, "Mamas Diner")
	pkgID, _ := seedStarterPackage(t, store)

	result, err := orch.Deploy(ctx, Request{TenantID: tenantID, PackageID: pkgID})
	require.NoError(t, err)
	require.Equal(t, rollout.StatusSuccess, result.Status)

	_, err = orch.Deploy(ctx, Request{TenantID: tenantID, PackageID: pkgID})
	assert.ErrorIs(t, err, rollout.ErrNothingToDeploy)

	// Only the first call opened a transaction
	txns, err := store.List(ctx, "deployment_transactions", nil, engine.DefaultPage())
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

// =============================================================================
// Tenant Isolation Tests
// =============================================================================

func TestDeploy_TenantsAreIsolated(t *testing.T) {
	store := newTestStore(t)
	orch := newTestOrchestrator(t, store)
	ctx := context.Background()

	tenantA := seedTenant(t, store, "Diner A")
	tenantB := seedTenant(t, store, "Diner B")
	pkgID, _ := seedStarterPackage(t, store)

	resultA, err := orch.Deploy(ctx, Request{TenantID: tenantA, PackageID: pkgID})
	require.NoError(t, err)
	assert.Equal(t, 3, resultA.Summary.ModulesDeployed)

	// Tenant A's installation never blocks tenant B
	resultB, err := orch.Deploy(ctx, Request{TenantID: tenantB, PackageID: pkgID})
	require.NoError(t, err)
	assert.Equal(t, 3, resultB.Summary.ModulesDeployed)

	rowsA, err := store.List(ctx, "deployed_modules",
		[]engine.Filter{{Field: "tenant_id", Value: tenantA}}, engine.DefaultPage())
	require.NoError(t, err)
	assert.Len(t, rowsA, 3)
}

// =============================================================================
// Provisioning Option Tests
// =============================================================================

func TestDeploy_WithProvisioning(t *testing.T) {
	store := newTestStore(t)
	orch := newTestOrchestrator(t, store)
	ctx := context.Background()

	tenantID := seedTenant(t, store, "Mamas Diner")
	pkgID, _ := seedStarterPackage(t, store)

	result, err := orch.Deploy(ctx, Request{
		TenantID:  tenantID,
		PackageID: pkgID,
		Options: rollout.Options{
			SetupChartOfAccounts:   true,
			CreateDefaultWorkflows: true,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, rollout.StatusSuccess, result.Status)
	// POS: 4 accounts, INV: 3, KDS: none
	assert.Equal(t, 7, result.Summary.AccountsCreated)
	// POS: 2 workflows, INV: 2, KDS: 1
	assert.Equal(t, 5, result.Summary.WorkflowsCreated)
	assert.Len(t, result.CreatedAccounts, 7)
	assert.Len(t, result.CreatedWorkflows, 5)

	accounts, err := store.List(ctx, "accounts",
		[]engine.Filter{{Field: "tenant_id", Value: tenantID}}, engine.DefaultPage())
	require.NoError(t, err)
	assert.Len(t, accounts, 7)
}

func TestDeploy_CustomConfigurationsMergeOntoSettings(t *testing.T) {
	store := newTestStore(t)
	orch := newTestOrchestrator(t, store)
	ctx := context.Background()

	tenantID := seedTenant(t, store, "Mamas Diner")
	pkgID := seedTemplate(t, store, "package", "SOLO", "Solo Bundle", "published", "")
	posID := seedTemplate(t, store, "module", "POS", "Point of Sale", "published", "")
	_, err := store.Update(ctx, "templates", posID, map[string]any{
		"config": map[string]any{"receipt_footer": "thanks", "tips_enabled": false},
	})
	require.NoError(t, err)
	seedEdge(t, store, pkgID, posID, 1)

	_, err = orch.Deploy(ctx, Request{
		TenantID:  tenantID,
		PackageID: pkgID,
		Options: rollout.Options{
			CustomConfigurations: map[string]any{
				"POS": map[string]any{"tips_enabled": true},
			},
		},
	})
	require.NoError(t, err)

	row, err := store.GetByTwoFields(ctx, "deployed_modules", "tenant_id", tenantID, "code", "POS-DEPLOYED")
	require.NoError(t, err)
	settings := row["settings"].(map[string]any)
	assert.Equal(t, "thanks", settings["receipt_footer"], "template settings are kept")
	assert.Equal(t, true, settings["tips_enabled"], "custom configuration overrides")
}

func TestDeploy_AppliesTenantProfileOptions(t *testing.T) {
	store := newTestStore(t)
	orch := newTestOrchestrator(t, store)
	ctx := context.Background()

	tenantID := seedTenant(t, store, "Mamas Diner")
	pkgID, _ := seedStarterPackage(t, store)

	_, err := orch.Deploy(ctx, Request{
		TenantID:  tenantID,
		PackageID: pkgID,
		Options: rollout.Options{
			BusinessSize:    "small",
			EnableAnalytics: true,
		},
	})
	require.NoError(t, err)

	row, err := store.Get(ctx, "tenants", tenantID)
	require.NoError(t, err)
	assert.Equal(t, "small", row["business_size"])
	settings := row["settings"].(map[string]any)
	assert.Equal(t, true, settings["analytics_enabled"])
}

// =============================================================================
// User Assignment Tests
// =============================================================================

func TestDeploy_AssignsUsersOnlyToThisRunsModules(t *testing.T) {
	store := newTestStore(t)
	orch := newTestOrchestrator(t, store)
	ctx := context.Background()

	tenantID := seedTenant(t, store, "Mamas Diner")
	pkgID, _ := seedStarterPackage(t, store)

	_, err := store.ResolveMember(ctx, "usr_amy", tenantID, "amy@example.com", "Amy")
	require.NoError(t, err)
	_, err = store.ResolveMember(ctx, "usr_bob", tenantID, "bob@example.com", "Bob")
	require.NoError(t, err)

	// POS already deployed: grants must not reattach to it
	_, err = store.Create(ctx, "deployed_modules", map[string]any{
		"tenant_id": tenantID,
		"code":      "POS-DEPLOYED",
		"name":      "Point of Sale",
	})
	require.NoError(t, err)

	result, err := orch.Deploy(ctx, Request{
		TenantID:  tenantID,
		PackageID: pkgID,
		Options: rollout.Options{
			AssignUsers: []rollout.UserAssignment{
				{UserID: "usr_amy", Role: "manager", Modules: []string{"POS", "INV"}},
				{UserID: "usr_ghost", Modules: []string{"INV"}},
				{UserID: "usr_bob", Modules: []string{"POS"}}, // POS did not deploy this run
			},
		},
	})
	require.NoError(t, err)

	require.Len(t, result.UserAssignments, 1, "non-members and zero-grant users are omitted")
	grant := result.UserAssignments[0]
	assert.Equal(t, "usr_amy", grant.UserID)
	assert.Equal(t, []string{"INV"}, grant.GrantedModules)
	assert.Equal(t, GrantPermissions, grant.Permissions)
	assert.Equal(t, 1, result.Summary.UsersAssigned)

	grants, err := store.List(ctx, "module_grants",
		[]engine.Filter{{Field: "tenant_id", Value: tenantID}}, engine.DefaultPage())
	require.NoError(t, err)
	assert.Len(t, grants, 1)
	assert.Equal(t, "manager", grants[0]["role"])
}

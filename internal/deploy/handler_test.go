package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateful/platform/internal/engine"
)

func newTestRouter(t *testing.T, store *engine.Store) *mux.Router {
	t.Helper()
	orch := newTestOrchestrator(t, store)
	router := mux.NewRouter()
	RegisterRoutes(router, orch, slog.Default())
	return router
}

func postDeploy(t *testing.T, router *mux.Router, packageID string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/v1/packages/%s/deploy", packageID), bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestDeployEndpoint_Success(t *testing.T) {
	store := newTestStore(t)
	router := newTestRouter(t, store)

	tenantID := seedTenant(t, store, "Mamas Diner")
	pkgID, _ := seedStarterPackage(t, store)

	rec := postDeploy(t, router, pkgID, map[string]any{
		"tenant_id": tenantID,
		"actor_id":  "usr_amy",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "success", result["status"])
	assert.NotEmpty(t, result["transaction_id"])
	summary := result["summary"].(map[string]any)
	assert.EqualValues(t, 3, summary["modules_deployed"])
}

func TestDeployEndpoint_PartialIsStillCreated(t *testing.T) {
	store := newTestStore(t)
	router := newTestRouter(t, store)

	tenantID := seedTenant(t, store, "Mamas Diner")
	pkgID, _ := seedStarterPackage(t, store)

	// Inactive row blocks the POS insert without being filtered out
	_, err := store.Create(context.Background(), "deployed_modules", map[string]any{
		"tenant_id": tenantID,
		"code":      "POS-DEPLOYED",
		"active":    false,
	})
	require.NoError(t, err)

	rec := postDeploy(t, router, pkgID, map[string]any{"tenant_id": tenantID})

	require.Equal(t, http.StatusCreated, rec.Code)
	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "partial", result["status"])
}

func TestDeployEndpoint_MissingTenantID(t *testing.T) {
	store := newTestStore(t)
	router := newTestRouter(t, store)
	pkgID, _ := seedStarterPackage(t, store)

	rec := postDeploy(t, router, pkgID, map[string]any{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployEndpoint_UnknownPackage(t *testing.T) {
	store := newTestStore(t)
	router := newTestRouter(t, store)
	tenantID := seedTenant(t, store, "Mamas Diner")

	rec := postDeploy(t, router, "tpl_missing", map[string]any{"tenant_id": tenantID})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeployEndpoint_PrivatePackageIsNotFound(t *testing.T) {
	store := newTestStore(t)
	router := newTestRouter(t, store)

	owner := seedTenant(t, store, "Owner Diner")
	other := seedTenant(t, store, "Other Diner")
	pkgID := seedTemplate(t, store, "package", "SECRET", "Private Bundle", "private", owner)
	posID := seedTemplate(t, store, "module", "POS", "Point of Sale", "published", "")
	seedEdge(t, store, pkgID, posID, 1)

	rec := postDeploy(t, router, pkgID, map[string]any{"tenant_id": other})

	// Inaccessible and nonexistent are indistinguishable to the caller
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeployEndpoint_EmptyPackage(t *testing.T) {
	store := newTestStore(t)
	router := newTestRouter(t, store)

	tenantID := seedTenant(t, store, "Mamas Diner")
	pkgID := seedTemplate(t, store, "package", "EMPTY", "Empty Bundle", "published", "")

	rec := postDeploy(t, router, pkgID, map[string]any{"tenant_id": tenantID})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployEndpoint_NothingToDeployConflicts(t *testing.T) {
	store := newTestStore(t)
	router := newTestRouter(t, store)

	tenantID := seedTenant(t, store, "Mamas Diner")
	pkgID, _ := seedStarterPackage(t, store)

	rec := postDeploy(t, router, pkgID, map[string]any{"tenant_id": tenantID})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = postDeploy(t, router, pkgID, map[string]any{"tenant_id": tenantID})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeployEndpoint_MalformedBody(t *testing.T) {
	store := newTestStore(t)
	router := newTestRouter(t, store)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/packages/tpl_x/deploy",
		bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

package deploy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/plateful/platform/internal/core/rollout"
)

// deployRequestBody is the JSON body of the deploy endpoint.
type deployRequestBody struct {
	TenantID string          `json:"tenant_id"`
	ActorID  string          `json:"actor_id"`
	Options  rollout.Options `json:"options"`
}

// RegisterRoutes mounts the deployment endpoint on the API router.
func RegisterRoutes(router *mux.Router, orch *Orchestrator, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{orch: orch, logger: logger.With("component", "deploy_handler")}
	router.HandleFunc("/api/v1/packages/{id}/deploy", h.deploy).Methods("POST")
}

type handler struct {
	orch   *Orchestrator
	logger *slog.Logger
}

// deploy handles POST /api/v1/packages/{id}/deploy.
//
// Status mapping:
//
//	400  malformed input, empty package
//	404  unknown/inactive tenant or package, package not visible to tenant
//	409  every module already deployed
//	201  deployment ran, overall success or partial (full result body)
//	500  deployment ran, overall failed (full result body)
func (h *handler) deploy(w http.ResponseWriter, r *http.Request) {
	packageID := mux.Vars(r)["id"]

	var body deployRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.orch.Deploy(r.Context(), Request{
		TenantID:  body.TenantID,
		PackageID: packageID,
		ActorID:   body.ActorID,
		Options:   body.Options,
	})
	if err != nil {
		h.writeDeployError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Status == rollout.StatusFailed {
		status = http.StatusInternalServerError
	}
	writeJSONBody(w, status, result)
}

func (h *handler) writeDeployError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rollout.ErrValidation), errors.Is(err, rollout.ErrEmptyPackage):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rollout.ErrNotFound), errors.Is(err, rollout.ErrAccessDenied):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rollout.ErrNothingToDeploy):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("deployment failed before start", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "deployment failed")
	}
}

func writeJSONBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, detail string) {
	writeJSONBody(w, status, map[string]any{
		"errors": []map[string]any{{"status": status, "detail": detail}},
	})
}

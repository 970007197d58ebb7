package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
)

// APIConfig configures the generic REST API.
type APIConfig struct {
	Store  *Store
	Logger *slog.Logger
}

// RegisterRoutes registers generic CRUD routes for all resources in the schema.
// Routes follow JSON:API convention: /api/v1/{resource} and /api/v1/{resource}/{id}
func RegisterRoutes(router *mux.Router, cfg APIConfig) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	for name, res := range cfg.Store.schema {
		prefix := "/api/v1/" + name
		r := res // capture for closures

		// GET /api/v1/{resource}
		router.HandleFunc(prefix, listHandler(cfg, r)).Methods("GET")

		// POST /api/v1/{resource}
		router.HandleFunc(prefix, createHandler(cfg, r)).Methods("POST")

		// GET /api/v1/{resource}/{id}
		router.HandleFunc(prefix+"/{id}", getHandler(cfg, r)).Methods("GET")

		// PATCH /api/v1/{resource}/{id}
		router.HandleFunc(prefix+"/{id}", updateHandler(cfg, r)).Methods("PATCH")

		// DELETE /api/v1/{resource}/{id}
		router.HandleFunc(prefix+"/{id}", deleteHandler(cfg, r)).Methods("DELETE")

		// State machine transition endpoints
		if r.StateMachine != nil {
			// POST /api/v1/{resource}/{id}/transition/{state}
			router.HandleFunc(prefix+"/{id}/transition/{state}", transitionHandler(cfg, r)).Methods("POST")
		}

		cfg.Logger.Debug("registered routes", "resource", name, "prefix", prefix)
	}
}

// =============================================================================
// Generic Handlers
// =============================================================================

func listHandler(cfg APIConfig, res *Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		authCtx := AuthFromRequest(r)

		page := parsePage(r)

		// Build filters
		var filters []Filter

		// Tenant scoping: non-platform callers only see their own tenant's rows
		if res.TenantField != "" && authCtx.Authenticated && !authCtx.Platform && !res.PublicRead {
			filters = append(filters, Filter{Field: res.TenantField, Value: authCtx.TenantID})
		}

		// Parse filter query params: filter[field]=value
		for key, values := range r.URL.Query() {
			if strings.HasPrefix(key, "filter[") && strings.HasSuffix(key, "]") {
				fieldName := key[7 : len(key)-1]
				if len(values) > 0 && res.FieldByName(fieldName) != nil {
					filters = append(filters, Filter{Field: fieldName, Value: values[0]})
				}
			}
		}

		rows, err := cfg.Store.List(ctx, res.Name, filters, page)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		// Apply visibility filter
		if res.Visibility != nil {
			var visible []map[string]any
			for _, row := range rows {
				if res.Visibility(ctx, authCtx, row) {
					visible = append(visible, row)
				}
			}
			rows = visible
		}

		for _, row := range rows {
			stripFields(row)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"data": rowsToJSONAPI(res.Name, rows),
			"meta": map[string]any{
				"total":  len(rows),
				"limit":  page.Limit,
				"offset": page.Offset,
			},
		})
	}
}

func getHandler(cfg APIConfig, res *Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		authCtx := AuthFromRequest(r)
		id := mux.Vars(r)["id"]

		row, err := cfg.Store.Get(ctx, res.Name, id)
		if err != nil {
			if isNotFoundErr(err) {
				writeError(w, http.StatusNotFound, res.Name+" not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		if !rowVisible(ctx, authCtx, res, row) {
			// Hide existence from other tenants
			writeError(w, http.StatusNotFound, res.Name+" not found")
			return
		}

		stripFields(row)
		writeJSON(w, http.StatusOK, map[string]any{
			"data": rowToJSONAPI(res.Name, row),
		})
	}
}

func createHandler(cfg APIConfig, res *Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		authCtx := AuthFromRequest(r)

		if !authCtx.Authenticated {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		data, err := parseJSONAPIBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		// Internal fields are never caller-settable
		for _, f := range res.Fields {
			if f.Internal {
				delete(data, f.Name)
			}
		}

		// Stamp the caller's tenant on tenant-scoped resources
		if res.TenantField != "" && !authCtx.Platform {
			data[res.TenantField] = authCtx.TenantID
		}

		if res.BeforeCreate != nil {
			if err := res.BeforeCreate(ctx, authCtx, data); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}

		row, err := cfg.Store.Create(ctx, res.Name, data)
		if err != nil {
			if isValidationErr(err) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		stripFields(row)
		writeJSON(w, http.StatusCreated, map[string]any{
			"data": rowToJSONAPI(res.Name, row),
		})
	}
}

func updateHandler(cfg APIConfig, res *Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		authCtx := AuthFromRequest(r)
		id := mux.Vars(r)["id"]

		if !authCtx.Authenticated {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		row, err := cfg.Store.Get(ctx, res.Name, id)
		if err != nil {
			if isNotFoundErr(err) {
				writeError(w, http.StatusNotFound, res.Name+" not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		if !rowOwned(authCtx, res, row) {
			writeError(w, http.StatusForbidden, "not authorized to modify this "+res.Name)
			return
		}

		data, err := parseJSONAPIBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		// Tenant ownership and internal fields are immutable through the API
		for _, f := range res.Fields {
			if f.Internal {
				delete(data, f.Name)
			}
		}
		if res.TenantField != "" {
			delete(data, res.TenantField)
		}
		// State machine fields change only through transitions
		if res.StateMachine != nil {
			delete(data, res.StateMachine.Field)
		}

		updated, err := cfg.Store.Update(ctx, res.Name, id, data)
		if err != nil {
			if isValidationErr(err) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		stripFields(updated)
		writeJSON(w, http.StatusOK, map[string]any{
			"data": rowToJSONAPI(res.Name, updated),
		})
	}
}

func deleteHandler(cfg APIConfig, res *Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		authCtx := AuthFromRequest(r)
		id := mux.Vars(r)["id"]

		if !authCtx.Authenticated {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		row, err := cfg.Store.Get(ctx, res.Name, id)
		if err != nil {
			if isNotFoundErr(err) {
				writeError(w, http.StatusNotFound, res.Name+" not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		if !rowOwned(authCtx, res, row) {
			writeError(w, http.StatusForbidden, "not authorized to delete this "+res.Name)
			return
		}

		if err := cfg.Store.Delete(ctx, res.Name, id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func transitionHandler(cfg APIConfig, res *Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		authCtx := AuthFromRequest(r)
		vars := mux.Vars(r)
		id := vars["id"]
		state := vars["state"]

		if !authCtx.Authenticated {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		row, err := cfg.Store.Get(ctx, res.Name, id)
		if err != nil {
			if isNotFoundErr(err) {
				writeError(w, http.StatusNotFound, res.Name+" not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		if !rowOwned(authCtx, res, row) {
			writeError(w, http.StatusForbidden, "not authorized")
			return
		}

		updated, err := cfg.Store.Transition(ctx, res.Name, id, state)
		if err != nil {
			switch {
			case isNotFoundErr(err):
				writeError(w, http.StatusNotFound, res.Name+" not found")
			case strings.Contains(err.Error(), "invalid state transition"),
				strings.Contains(err.Error(), "transition guard failed"):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}

		stripFields(updated)
		writeJSON(w, http.StatusOK, map[string]any{
			"data": rowToJSONAPI(res.Name, updated),
		})
	}
}

// =============================================================================
// Authorization helpers
// =============================================================================

// rowVisible applies the resource visibility rules for reads.
func rowVisible(ctx context.Context, authCtx AuthContext, res *Resource, row map[string]any) bool {
	if res.Visibility != nil {
		return res.Visibility(ctx, authCtx, row)
	}
	if authCtx.Platform {
		return true
	}
	if res.TenantField == "" || res.PublicRead {
		return true
	}
	owner := strVal(row[res.TenantField])
	return owner == "" || owner == authCtx.TenantID
}

// rowOwned reports whether the caller may mutate the row.
func rowOwned(authCtx AuthContext, res *Resource, row map[string]any) bool {
	if authCtx.Platform {
		return true
	}
	if res.TenantField == "" {
		return false // platform tables are platform-only writes
	}
	owner := strVal(row[res.TenantField])
	return owner != "" && owner == authCtx.TenantID
}

// =============================================================================
// JSON:API conversion
// =============================================================================

// rowToJSONAPI converts a row to JSON:API format.
func rowToJSONAPI(resourceType string, row map[string]any) map[string]any {
	refID := strVal(row["reference_id"])

	attrs := make(map[string]any, len(row))
	for k, v := range row {
		if k == "id" || k == "reference_id" {
			continue
		}
		attrs[k] = v
	}

	return map[string]any{
		"type":       resourceType,
		"id":         refID,
		"attributes": attrs,
	}
}

// rowsToJSONAPI converts multiple rows to JSON:API format.
func rowsToJSONAPI(resourceType string, rows []map[string]any) []map[string]any {
	if rows == nil {
		return []map[string]any{}
	}
	result := make([]map[string]any, len(rows))
	for i, row := range rows {
		result[i] = rowToJSONAPI(resourceType, row)
	}
	return result
}

// stripFields removes internal bookkeeping from a row before sending in a response.
func stripFields(row map[string]any) {
	// Don't expose internal integer PK in API responses
	delete(row, "id")
}

// parseJSONAPIBody parses a JSON:API request body and returns the attributes map.
func parseJSONAPIBody(r *http.Request) (map[string]any, error) {
	var body struct {
		Data struct {
			Type       string         `json:"type"`
			Attributes map[string]any `json:"attributes"`
		} `json:"data"`
	}

	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&body); err != nil {
		return nil, err
	}

	if body.Data.Attributes != nil {
		return body.Data.Attributes, nil
	}

	return nil, fmt.Errorf("missing data.attributes in request body")
}

// =============================================================================
// HTTP Response Helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/vnd.api+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/vnd.api+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"errors": []map[string]any{
			{
				"status": strconv.Itoa(status),
				"title":  http.StatusText(status),
				"detail": detail,
			},
		},
	})
}

// parsePage extracts pagination from query parameters.
func parsePage(r *http.Request) Page {
	p := DefaultPage()
	if v := r.URL.Query().Get("page[size]"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.Limit = n
		}
	}
	if v := r.URL.Query().Get("page[offset]"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.Offset = n
		}
	}
	if v := r.URL.Query().Get("page[number]"); v != "" {
		if pn, err := strconv.Atoi(v); err == nil && pn > 0 {
			p.Offset = (pn - 1) * p.Limit
		}
	}
	return p.Normalize()
}

func isNotFoundErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not found")
}

func isValidationErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "validation error")
}

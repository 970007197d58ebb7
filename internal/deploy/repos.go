// Package deploy implements the package deployment orchestrator: installing a
// bundle of business-capability modules into a tenant workspace, with
// partial-failure tolerance, idempotent resource provisioning, and an
// auditable three-state outcome.
//
// The pure planning and aggregation logic lives in internal/core/rollout;
// this package is the imperative shell around the engine store.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plateful/platform/internal/core/rollout"
	"github.com/plateful/platform/internal/engine"
)

// =============================================================================
// Typed repositories over the engine store
//
// Each logical kind gets a small typed interface instead of the raw row maps;
// the tenant id stays on every row.
// =============================================================================

// Tenant is the isolation boundary for all deployment writes.
type Tenant struct {
	ID     string
	Name   string
	Slug   string
	Active bool
}

// Template is a catalog entry: a package or one of the modules it bundles.
type Template struct {
	ID         string
	TenantID   string // empty for platform-published templates
	Kind       string // "package" or "module"
	Code       string
	Name       string
	Version    string
	Visibility string // "private" or "published"
	Active     bool
	Config     map[string]any
}

// DeployedRef identifies one deployed-module row created during this call.
type DeployedRef struct {
	Code  string // module code, e.g. "POS"
	RefID string // deployed_modules reference id
}

// Transaction is the open audit record for one deployment call.
type Transaction struct {
	ID     string
	Number string
}

// =============================================================================
// TenantDirectory
// =============================================================================

// TenantDirectory resolves tenants for deployment calls.
type TenantDirectory struct {
	store *engine.Store
}

func NewTenantDirectory(store *engine.Store) *TenantDirectory {
	return &TenantDirectory{store: store}
}

// GetActive returns the tenant if it exists and is active.
func (d *TenantDirectory) GetActive(ctx context.Context, tenantID string) (*Tenant, error) {
	row, err := d.store.Get(ctx, "tenants", tenantID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, rollout.ErrNotFound)
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}

	t := &Tenant{
		ID:     stringField(row, "reference_id"),
		Name:   stringField(row, "name"),
		Slug:   stringField(row, "slug"),
		Active: boolField(row, "active"),
	}
	if !t.Active {
		return nil, fmt.Errorf("tenant %s is inactive: %w", tenantID, rollout.ErrNotFound)
	}
	return t, nil
}

// ApplyProfile records deployment-time tenant profile options on the tenant
// row. Callers degrade a failure here to a warning.
func (d *TenantDirectory) ApplyProfile(ctx context.Context, tenantID, businessSize string, enableAnalytics bool) error {
	data := map[string]any{}
	if businessSize != "" {
		data["business_size"] = businessSize
	}
	if enableAnalytics {
		row, err := d.store.Get(ctx, "tenants", tenantID)
		if err != nil {
			return fmt.Errorf("apply tenant profile: %w", err)
		}
		settings, _ := row["settings"].(map[string]any)
		if settings == nil {
			settings = map[string]any{}
		}
		settings["analytics_enabled"] = true
		data["settings"] = settings
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := d.store.Update(ctx, "tenants", tenantID, data); err != nil {
		return fmt.Errorf("apply tenant profile: %w", err)
	}
	return nil
}

// =============================================================================
// TemplateCatalog
// =============================================================================

// TemplateCatalog resolves package templates and their module edges.
type TemplateCatalog struct {
	store  *engine.Store
	logger *slog.Logger
}

func NewTemplateCatalog(store *engine.Store, logger *slog.Logger) *TemplateCatalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemplateCatalog{store: store, logger: logger.With("component", "template_catalog")}
}

// GetPackage returns the package template if it is active and visible to the
// tenant. Private templates of other tenants are inaccessible; published
// templates are visible to every tenant.
func (c *TemplateCatalog) GetPackage(ctx context.Context, packageID, tenantID string) (*Template, error) {
	row, err := c.store.Get(ctx, "templates", packageID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return nil, fmt.Errorf("package %s: %w", packageID, rollout.ErrNotFound)
		}
		return nil, fmt.Errorf("get package: %w", err)
	}

	tpl := templateFromRow(row)
	if tpl.Kind != "package" || !tpl.Active {
		return nil, fmt.Errorf("package %s: %w", packageID, rollout.ErrNotFound)
	}
	if tpl.Visibility != "published" && tpl.TenantID != tenantID {
		return nil, fmt.Errorf("package %s: %w", packageID, rollout.ErrAccessDenied)
	}
	return tpl, nil
}

// ResolveModules fetches the package's module edges in declared order and
// loads the referenced module templates. Edges whose module lookup fails are
// dropped: a dangling reference must not break the rest of the package.
func (c *TemplateCatalog) ResolveModules(ctx context.Context, packageID string) ([]rollout.Module, error) {
	edges, err := c.store.ListOrdered(ctx, "package_modules",
		[]engine.Filter{{Field: "package_id", Value: packageID}},
		"position", engine.Page{Limit: 1000})
	if err != nil {
		return nil, fmt.Errorf("list package modules: %w", err)
	}

	var modules []rollout.Module
	for _, edge := range edges {
		moduleID := stringField(edge, "module_id")
		row, err := c.store.Get(ctx, "templates", moduleID)
		if err != nil {
			c.logger.Warn("dropping dangling module edge",
				"package_id", packageID, "module_id", moduleID, "error", err)
			continue
		}
		tpl := templateFromRow(row)
		if tpl.Kind != "module" || !tpl.Active {
			c.logger.Warn("dropping edge to non-module or inactive template",
				"package_id", packageID, "module_id", moduleID, "kind", tpl.Kind)
			continue
		}
		modules = append(modules, rollout.Module{
			ID:       tpl.ID,
			Code:     tpl.Code,
			Name:     tpl.Name,
			Settings: tpl.Config,
		})
	}
	return modules, nil
}

func templateFromRow(row map[string]any) *Template {
	tpl := &Template{
		ID:         stringField(row, "reference_id"),
		TenantID:   stringField(row, "tenant_id"),
		Kind:       stringField(row, "kind"),
		Code:       stringField(row, "code"),
		Name:       stringField(row, "name"),
		Version:    stringField(row, "version"),
		Visibility: stringField(row, "visibility"),
		Active:     boolField(row, "active"),
	}
	if cfg, ok := row["config"].(map[string]any); ok {
		tpl.Config = cfg
	}
	return tpl
}

// =============================================================================
// DeployedModules
// =============================================================================

// DeployedModules manages the tenant's installed-module rows.
type DeployedModules struct {
	store *engine.Store
}

func NewDeployedModules(store *engine.Store) *DeployedModules {
	return &DeployedModules{store: store}
}

// ActiveDeployedCodes returns which of the candidate derived codes already
// have an active deployed-module row in the tenant.
func (d *DeployedModules) ActiveDeployedCodes(ctx context.Context, tenantID string, derivedCodes []string) ([]string, error) {
	return d.store.ActiveCodesIn(ctx, "deployed_modules", tenantID, derivedCodes)
}

// Create inserts the deployed-module row for a module. The (tenant_id, code)
// unique constraint rejects concurrent duplicates at the storage level.
func (d *DeployedModules) Create(ctx context.Context, tenantID string, m rollout.Module) (string, error) {
	row, err := d.store.Create(ctx, "deployed_modules", map[string]any{
		"tenant_id": tenantID,
		"code":      rollout.DeployedCode(m.Code),
		"name":      m.Name,
		"active":    true,
	})
	if err != nil {
		return "", fmt.Errorf("create deployed module %s: %w", m.Code, err)
	}
	return stringField(row, "reference_id"), nil
}

// Provenance records where a deployed module came from.
type Provenance struct {
	DeployedAt       time.Time
	DeployedBy       string
	TransactionID    string
	SourceTemplateID string
	PackageID        string
}

// CopyConfiguration copies the source module's settings onto the deployed row
// together with the provenance fields. This is a follow-up write: its failure
// leaves a valid deployed module behind, so callers degrade it to a warning.
func (d *DeployedModules) CopyConfiguration(ctx context.Context, refID string, m rollout.Module, prov Provenance) error {
	data := map[string]any{
		"deployed_at":        prov.DeployedAt.UTC().Format(time.RFC3339),
		"deployed_by":        prov.DeployedBy,
		"transaction_id":     prov.TransactionID,
		"source_template_id": prov.SourceTemplateID,
		"package_id":         prov.PackageID,
	}
	if m.Settings != nil {
		data["settings"] = m.Settings
	}
	if _, err := d.store.Update(ctx, "deployed_modules", refID, data); err != nil {
		return fmt.Errorf("copy configuration onto %s: %w", refID, err)
	}
	return nil
}

// =============================================================================
// TransactionLog
// =============================================================================

// TransactionLog manages the deployment audit records.
type TransactionLog struct {
	store *engine.Store
}

func NewTransactionLog(store *engine.Store) *TransactionLog {
	return &TransactionLog{store: store}
}

// Open creates the audit record in the processing state. Nothing before this
// point leaves a trace; everything after does.
func (l *TransactionLog) Open(ctx context.Context, tenant *Tenant, packageID, actorID string, payload map[string]any, at time.Time) (*Transaction, error) {
	row, err := l.store.Create(ctx, "deployment_transactions", map[string]any{
		"tenant_id":  tenant.ID,
		"number":     rollout.TransactionNumber(tenant.Slug, at),
		"package_id": packageID,
		"actor_id":   actorID,
		"payload":    payload,
	})
	if err != nil {
		return nil, fmt.Errorf("open deployment transaction: %w", err)
	}
	return &Transaction{
		ID:     stringField(row, "reference_id"),
		Number: stringField(row, "number"),
	}, nil
}

// AddLine appends one itemized line for a successfully-created deployed module.
func (l *TransactionLog) AddLine(ctx context.Context, tenantID, transactionID, deployedModuleID string, position int, description string) error {
	_, err := l.store.Create(ctx, "deployment_lines", map[string]any{
		"tenant_id":          tenantID,
		"transaction_id":     transactionID,
		"deployed_module_id": deployedModuleID,
		"position":           position,
		"description":        description,
	})
	if err != nil {
		return fmt.Errorf("add deployment line %d: %w", position, err)
	}
	return nil
}

// Finalize transitions the record to its terminal state and merges the result
// summary into the stored payload. The deployment has already happened by the
// time this runs: callers treat a failure here as a warning, not an error.
func (l *TransactionLog) Finalize(ctx context.Context, transactionID string, overall rollout.OverallStatus, result map[string]any) error {
	terminal := "completed"
	if overall == rollout.StatusFailed {
		terminal = "failed"
	}

	if _, err := l.store.Transition(ctx, "deployment_transactions", transactionID, terminal); err != nil {
		return fmt.Errorf("finalize transaction %s: %w", transactionID, err)
	}

	row, err := l.store.Get(ctx, "deployment_transactions", transactionID)
	if err != nil {
		return fmt.Errorf("finalize transaction %s: %w", transactionID, err)
	}
	payload, _ := row["payload"].(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}
	payload["deployment_result"] = result

	_, err = l.store.Update(ctx, "deployment_transactions", transactionID, map[string]any{
		"payload":      payload,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("finalize transaction %s: %w", transactionID, err)
	}
	return nil
}

// =============================================================================
// Row helpers
// =============================================================================

func stringField(row map[string]any, name string) string {
	if s, ok := row[name].(string); ok {
		return s
	}
	if b, ok := row[name].([]byte); ok {
		return string(b)
	}
	return ""
}

func boolField(row map[string]any, name string) bool {
	switch v := row[name].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

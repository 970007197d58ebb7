package deploy

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/plateful/platform/internal/core/rollout"
	"github.com/plateful/platform/internal/engine"
)

//go:embed catalog/*.yaml
var catalogFS embed.FS

// =============================================================================
// Provisioner catalogs
//
// The default chart-of-accounts and workflow definitions ship as embedded YAML,
// keyed by module code. A module without an entry simply provisions nothing.
// =============================================================================

// AccountSpec is one catalog chart-of-accounts entry.
type AccountSpec struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// WorkflowSpec is one catalog workflow entry.
type WorkflowSpec struct {
	Code  string   `yaml:"code"`
	Name  string   `yaml:"name"`
	Steps []string `yaml:"steps"`
}

func loadCatalog[T any](path string) (map[string][]T, error) {
	raw, err := catalogFS.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	catalog := map[string][]T{}
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return catalog, nil
}

// =============================================================================
// AccountsProvisioner
// =============================================================================

// AccountsProvisioner creates a module's default chart-of-accounts entries.
type AccountsProvisioner struct {
	store   *engine.Store
	logger  *slog.Logger
	catalog map[string][]AccountSpec
}

func NewAccountsProvisioner(store *engine.Store, logger *slog.Logger) (*AccountsProvisioner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	catalog, err := loadCatalog[AccountSpec]("catalog/accounts.yaml")
	if err != nil {
		return nil, err
	}
	return &AccountsProvisioner{
		store:   store,
		logger:  logger.With("component", "accounts_provisioner"),
		catalog: catalog,
	}, nil
}

// Provision creates the catalog accounts for a module that the tenant does not
// already have. Existing (tenant, code) rows are skipped silently; a single
// failed create is reported as a warning and the batch continues.
func (p *AccountsProvisioner) Provision(ctx context.Context, tenantID, moduleCode string) ([]rollout.ResourceDescriptor, []string) {
	specs := p.catalog[moduleCode]
	if len(specs) == 0 {
		return nil, nil
	}

	var created []rollout.ResourceDescriptor
	var warnings []string
	for _, spec := range specs {
		_, err := p.store.GetByTwoFields(ctx, "accounts", "tenant_id", tenantID, "code", spec.Code)
		if err == nil {
			continue // already provisioned
		}
		if !errors.Is(err, engine.ErrNotFound) {
			warnings = append(warnings, fmt.Sprintf("account %s lookup failed: %v", spec.Code, err))
			continue
		}

		_, err = p.store.Create(ctx, "accounts", map[string]any{
			"tenant_id":    tenantID,
			"code":         spec.Code,
			"name":         spec.Name,
			"account_type": spec.Type,
			"module_code":  moduleCode,
		})
		if err != nil {
			p.logger.Warn("account create failed",
				"tenant_id", tenantID, "code", spec.Code, "error", err)
			warnings = append(warnings, fmt.Sprintf("account %s create failed: %v", spec.Code, err))
			continue
		}
		created = append(created, rollout.ResourceDescriptor{
			Code:       spec.Code,
			Name:       spec.Name,
			Kind:       "account",
			ModuleCode: moduleCode,
		})
	}
	return created, warnings
}

// =============================================================================
// WorkflowsProvisioner
// =============================================================================

// WorkflowsProvisioner creates a module's default workflows.
type WorkflowsProvisioner struct {
	store   *engine.Store
	logger  *slog.Logger
	catalog map[string][]WorkflowSpec
}

func NewWorkflowsProvisioner(store *engine.Store, logger *slog.Logger) (*WorkflowsProvisioner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	catalog, err := loadCatalog[WorkflowSpec]("catalog/workflows.yaml")
	if err != nil {
		return nil, err
	}
	return &WorkflowsProvisioner{
		store:   store,
		logger:  logger.With("component", "workflows_provisioner"),
		catalog: catalog,
	}, nil
}

// Provision mirrors AccountsProvisioner.Provision for workflows.
func (p *WorkflowsProvisioner) Provision(ctx context.Context, tenantID, moduleCode string) ([]rollout.ResourceDescriptor, []string) {
	specs := p.catalog[moduleCode]
	if len(specs) == 0 {
		return nil, nil
	}

	var created []rollout.ResourceDescriptor
	var warnings []string
	for _, spec := range specs {
		_, err := p.store.GetByTwoFields(ctx, "workflows", "tenant_id", tenantID, "code", spec.Code)
		if err == nil {
			continue
		}
		if !errors.Is(err, engine.ErrNotFound) {
			warnings = append(warnings, fmt.Sprintf("workflow %s lookup failed: %v", spec.Code, err))
			continue
		}

		steps := make([]any, len(spec.Steps))
		for i, s := range spec.Steps {
			steps[i] = s
		}
		_, err = p.store.Create(ctx, "workflows", map[string]any{
			"tenant_id":   tenantID,
			"code":        spec.Code,
			"name":        spec.Name,
			"steps":       steps,
			"module_code": moduleCode,
		})
		if err != nil {
			p.logger.Warn("workflow create failed",
				"tenant_id", tenantID, "code", spec.Code, "error", err)
			warnings = append(warnings, fmt.Sprintf("workflow %s create failed: %v", spec.Code, err))
			continue
		}
		created = append(created, rollout.ResourceDescriptor{
			Code:       spec.Code,
			Name:       spec.Name,
			Kind:       "workflow",
			ModuleCode: moduleCode,
		})
	}
	return created, warnings
}

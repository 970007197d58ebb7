// Package rollout contains the pure planning and aggregation logic for
// deploying a package of business-capability modules into a tenant workspace.
//
// Everything in this package is side-effect free: the imperative shell
// (internal/deploy) resolves data from the store, calls these functions to
// decide what to do, and records the tagged outcomes they produce.
package rollout

import (
	"errors"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrValidation indicates malformed caller input (e.g. missing tenant id).
	ErrValidation = errors.New("validation error")

	// ErrNotFound indicates the tenant or package template does not exist or is inactive.
	ErrNotFound = errors.New("not found")

	// ErrAccessDenied indicates the package template is not visible to the tenant.
	ErrAccessDenied = errors.New("access denied")

	// ErrEmptyPackage indicates the package resolved to zero modules.
	ErrEmptyPackage = errors.New("package contains no modules")

	// ErrNothingToDeploy indicates every module in the package is already deployed.
	ErrNothingToDeploy = errors.New("all modules already deployed")
)

// =============================================================================
// Module Set
// =============================================================================

// Module is a deployable capability unit resolved from the template catalog.
type Module struct {
	ID       string         // template reference id
	Code     string         // e.g. "POS", "INV"
	Name     string         // e.g. "Point of Sale"
	Settings map[string]any // template configuration copied onto the deployed row
}

// =============================================================================
// Options and Assignments
// =============================================================================

// UserAssignment requests module access for one tenant member.
type UserAssignment struct {
	UserID  string   `json:"user_id"`
	Role    string   `json:"role"`
	Modules []string `json:"modules"`
}

// Options controls optional deployment behavior.
type Options struct {
	BusinessSize           string           `json:"business_size,omitempty"`
	SetupChartOfAccounts   bool             `json:"setup_chart_of_accounts,omitempty"`
	CreateDefaultWorkflows bool             `json:"create_default_workflows,omitempty"`
	EnableAnalytics        bool             `json:"enable_analytics,omitempty"`
	AssignUsers            []UserAssignment `json:"assign_users,omitempty"`
	CustomConfigurations   map[string]any   `json:"custom_configurations,omitempty"`
}

// =============================================================================
// Outcomes
// =============================================================================

// OutcomeStatus tags a per-module result.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailed  OutcomeStatus = "failed"
)

// ModuleOutcome is the tagged result of one module's deployment attempt.
type ModuleOutcome struct {
	ModuleID         string        `json:"module_id"`
	Code             string        `json:"code"`
	Name             string        `json:"name"`
	Status           OutcomeStatus `json:"status"`
	ElapsedSeconds   float64       `json:"elapsed_seconds"`
	AccountsCreated  int           `json:"accounts_created,omitempty"`
	WorkflowsCreated int           `json:"workflows_created,omitempty"`
	Error            string        `json:"error,omitempty"`
}

// OverallStatus is the aggregated three-state outcome of a deployment.
type OverallStatus string

const (
	StatusSuccess OverallStatus = "success"
	StatusPartial OverallStatus = "partial"
	StatusFailed  OverallStatus = "failed"
)

// Summary holds the counters reported back to the caller and merged into the
// audit record payload.
type Summary struct {
	ModulesDeployed  int `json:"modules_deployed"`
	ModulesFailed    int `json:"modules_failed"`
	AccountsCreated  int `json:"accounts_created"`
	WorkflowsCreated int `json:"workflows_created"`
	UsersAssigned    int `json:"users_assigned"`
}

// ResourceDescriptor describes one provisioned resource (account or workflow).
type ResourceDescriptor struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	Kind       string `json:"kind"` // "account" or "workflow"
	ModuleCode string `json:"module_code"`
}

// GrantResult reports the modules actually granted to one user.
type GrantResult struct {
	UserID         string   `json:"user_id"`
	GrantedModules []string `json:"granted_modules"`
	Permissions    []string `json:"permissions"`
}

// Result is the full deployment outcome returned to the caller. It is always
// populated, including when the overall status is failed.
type Result struct {
	Status           OverallStatus        `json:"status"`
	TransactionID    string               `json:"transaction_id,omitempty"`
	Summary          Summary              `json:"summary"`
	PerModuleResults []ModuleOutcome      `json:"per_module_results"`
	CreatedAccounts  []ResourceDescriptor `json:"created_accounts"`
	CreatedWorkflows []ResourceDescriptor `json:"created_workflows"`
	UserAssignments  []GrantResult        `json:"user_assignments"`
	ElapsedSeconds   float64              `json:"elapsed_seconds"`
	Errors           []string             `json:"errors"`
	Warnings         []string             `json:"warnings"`
	StartedAt        time.Time            `json:"started_at"`
}

package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/plateful/platform/internal/core/rollout"
	"github.com/plateful/platform/internal/engine"
)

// DefaultStepTimeout bounds each store or provisioner step inside the
// deployment loop. A hung step becomes that step's declared failure mode
// instead of hanging the whole call.
const DefaultStepTimeout = 10 * time.Second

// Request is one package deployment call.
type Request struct {
	TenantID  string
	PackageID string
	ActorID   string
	Options   rollout.Options
}

// OrchestratorConfig tunes the orchestrator.
type OrchestratorConfig struct {
	StepTimeout time.Duration
}

// Orchestrator installs a package of modules into a tenant workspace.
type Orchestrator struct {
	tenants   *TenantDirectory
	catalog   *TemplateCatalog
	deployed  *DeployedModules
	txlog     *TransactionLog
	accounts  *AccountsProvisioner
	workflows *WorkflowsProvisioner
	assigner  *AccessAssigner
	locks     *tenantLocks

	stepTimeout time.Duration
	logger      *slog.Logger
}

// NewOrchestrator wires the orchestrator over the engine store.
func NewOrchestrator(store *engine.Store, logger *slog.Logger, cfg OrchestratorConfig) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	accounts, err := NewAccountsProvisioner(store, logger)
	if err != nil {
		return nil, err
	}
	workflows, err := NewWorkflowsProvisioner(store, logger)
	if err != nil {
		return nil, err
	}
	stepTimeout := cfg.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	return &Orchestrator{
		tenants:     NewTenantDirectory(store),
		catalog:     NewTemplateCatalog(store, logger),
		deployed:    NewDeployedModules(store),
		txlog:       NewTransactionLog(store),
		accounts:    accounts,
		workflows:   workflows,
		assigner:    NewAccessAssigner(store, logger),
		locks:       newTenantLocks(),
		stepTimeout: stepTimeout,
		logger:      logger.With("component", "orchestrator"),
	}, nil
}

// Deploy installs the package's modules into the tenant workspace.
//
// Failures before the audit record opens return a typed error and leave no
// trace. Once the record is open, Deploy always returns a populated Result:
// per-module failures degrade the overall status to partial or failed, and
// non-essential step failures become warnings.
func (o *Orchestrator) Deploy(ctx context.Context, req Request) (*rollout.Result, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("tenant id is required: %w", rollout.ErrValidation)
	}
	if req.PackageID == "" {
		return nil, fmt.Errorf("package id is required: %w", rollout.ErrValidation)
	}

	started := time.Now()

	tenant, err := o.tenants.GetActive(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	// One deployment per tenant at a time. The (tenant_id, code) unique
	// constraint backstops anything the in-process lock cannot see.
	release := o.locks.Acquire(tenant.ID)
	defer release()

	pkg, err := o.catalog.GetPackage(ctx, req.PackageID, tenant.ID)
	if err != nil {
		return nil, err
	}

	modules, err := o.catalog.ResolveModules(ctx, pkg.ID)
	if err != nil {
		return nil, err
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("package %s: %w", pkg.ID, rollout.ErrEmptyPackage)
	}

	derived := make([]string, len(modules))
	for i, m := range modules {
		derived[i] = rollout.DeployedCode(m.Code)
	}
	var active []string
	err = o.step(ctx, func(sctx context.Context) error {
		var err error
		active, err = o.deployed.ActiveDeployedCodes(sctx, tenant.ID, derived)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("check deployed modules: %w", err)
	}

	working := rollout.Dedup(rollout.FilterDeployed(modules, active))
	if len(working) == 0 {
		return nil, fmt.Errorf("package %s in tenant %s: %w", pkg.ID, tenant.ID, rollout.ErrNothingToDeploy)
	}

	txn, err := o.txlog.Open(ctx, tenant, pkg.ID, req.ActorID, map[string]any{
		"package_id":        pkg.ID,
		"package_code":      pkg.Code,
		"total_modules":     len(modules),
		"modules_to_deploy": len(working),
		"options":           req.Options,
		"started_at":        started.UTC().Format(time.RFC3339),
	}, started)
	if err != nil {
		return nil, fmt.Errorf("open transaction: %w", err)
	}

	o.logger.Info("deployment started",
		"tenant_id", tenant.ID, "package_id", pkg.ID,
		"transaction", txn.Number, "modules", len(working))

	result := o.run(ctx, req, tenant, pkg, working, txn, started)

	deploymentsTotal.WithLabelValues(string(result.Status)).Inc()
	deploymentDuration.Observe(result.ElapsedSeconds)

	o.logger.Info("deployment finished",
		"tenant_id", tenant.ID, "transaction", txn.Number,
		"status", result.Status,
		"deployed", result.Summary.ModulesDeployed, "failed", result.Summary.ModulesFailed)

	return result, nil
}

// run executes the per-module loop and everything after it. A panic anywhere
// inside is recovered here and turns the whole deployment into a failed
// result with the captured message.
func (o *Orchestrator) run(ctx context.Context, req Request, tenant *Tenant, pkg *Template, working []rollout.Module, txn *Transaction, started time.Time) (result *rollout.Result) {
	result = &rollout.Result{
		Status:           rollout.StatusFailed,
		TransactionID:    txn.ID,
		PerModuleResults: []rollout.ModuleOutcome{},
		CreatedAccounts:  []rollout.ResourceDescriptor{},
		CreatedWorkflows: []rollout.ResourceDescriptor{},
		UserAssignments:  []rollout.GrantResult{},
		Errors:           []string{},
		Warnings:         []string{},
		StartedAt:        started,
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic during deployment",
				"tenant_id", tenant.ID, "transaction", txn.ID, "panic", r)
			result.Status = rollout.StatusFailed
			result.Errors = append(result.Errors, fmt.Sprintf("unhandled error: %v", r))
			result.ElapsedSeconds = time.Since(started).Seconds()
			o.finalize(ctx, txn.ID, result)
		}
	}()

	var outcomes []rollout.ModuleOutcome
	var deployedRefs []DeployedRef
	for i, m := range working {
		outcome, ref := o.deployModule(ctx, req, tenant, pkg, txn, m, i+1, result)
		outcomes = append(outcomes, outcome)
		moduleOutcomesTotal.WithLabelValues(string(outcome.Status)).Inc()
		if outcome.Status == rollout.OutcomeFailed {
			result.Errors = append(result.Errors, fmt.Sprintf("module %s: %s", m.Code, outcome.Error))
		} else if ref != nil {
			deployedRefs = append(deployedRefs, *ref)
		}
	}

	status, summary := rollout.Aggregate(outcomes)
	result.Status = status
	result.Summary = summary
	result.PerModuleResults = outcomes

	if req.Options.BusinessSize != "" || req.Options.EnableAnalytics {
		err := o.step(ctx, func(sctx context.Context) error {
			return o.tenants.ApplyProfile(sctx, tenant.ID, req.Options.BusinessSize, req.Options.EnableAnalytics)
		})
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("tenant profile update failed: %v", err))
		}
	}

	if len(req.Options.AssignUsers) > 0 {
		grants := o.assigner.Assign(ctx, tenant.ID, req.Options.AssignUsers, deployedRefs)
		result.UserAssignments = grants
		result.Summary.UsersAssigned = len(grants)
	}

	result.ElapsedSeconds = time.Since(started).Seconds()
	o.finalize(ctx, txn.ID, result)
	return result
}

// deployModule runs the per-module steps. Only the deployed-module insert is
// essential; every later step degrades to a warning on failure.
func (o *Orchestrator) deployModule(ctx context.Context, req Request, tenant *Tenant, pkg *Template, txn *Transaction, m rollout.Module, position int, result *rollout.Result) (rollout.ModuleOutcome, *DeployedRef) {
	start := time.Now()
	outcome := rollout.ModuleOutcome{ModuleID: m.ID, Code: m.Code, Name: m.Name}

	var refID string
	err := o.step(ctx, func(sctx context.Context) error {
		var err error
		refID, err = o.deployed.Create(sctx, tenant.ID, m)
		return err
	})
	if err != nil {
		o.logger.Warn("module deployment failed",
			"tenant_id", tenant.ID, "module", m.Code, "error", err)
		outcome.Status = rollout.OutcomeFailed
		outcome.Error = err.Error()
		outcome.ElapsedSeconds = time.Since(start).Seconds()
		return outcome, nil
	}

	settings := m.Settings
	if custom, ok := req.Options.CustomConfigurations[m.Code].(map[string]any); ok {
		merged := make(map[string]any, len(settings)+len(custom))
		for k, v := range settings {
			merged[k] = v
		}
		for k, v := range custom {
			merged[k] = v
		}
		settings = merged
	}

	err = o.step(ctx, func(sctx context.Context) error {
		return o.deployed.CopyConfiguration(sctx, refID, rollout.Module{ID: m.ID, Code: m.Code, Name: m.Name, Settings: settings}, Provenance{
			DeployedAt:       time.Now(),
			DeployedBy:       req.ActorID,
			TransactionID:    txn.ID,
			SourceTemplateID: m.ID,
			PackageID:        pkg.ID,
		})
	})
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("module %s: configuration copy failed: %v", m.Code, err))
	}

	err = o.step(ctx, func(sctx context.Context) error {
		return o.txlog.AddLine(sctx, tenant.ID, txn.ID, refID, position,
			fmt.Sprintf("Deployed %s (%s)", m.Name, m.Code))
	})
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("module %s: transaction line failed: %v", m.Code, err))
	}

	if req.Options.SetupChartOfAccounts {
		var created []rollout.ResourceDescriptor
		var warns []string
		o.step(ctx, func(sctx context.Context) error {
			created, warns = o.accounts.Provision(sctx, tenant.ID, m.Code)
			return nil
		})
		result.CreatedAccounts = append(result.CreatedAccounts, created...)
		result.Warnings = append(result.Warnings, warns...)
		outcome.AccountsCreated = len(created)
		provisionedResourcesTotal.WithLabelValues("account").Add(float64(len(created)))
	}

	if req.Options.CreateDefaultWorkflows {
		var created []rollout.ResourceDescriptor
		var warns []string
		o.step(ctx, func(sctx context.Context) error {
			created, warns = o.workflows.Provision(sctx, tenant.ID, m.Code)
			return nil
		})
		result.CreatedWorkflows = append(result.CreatedWorkflows, created...)
		result.Warnings = append(result.Warnings, warns...)
		outcome.WorkflowsCreated = len(created)
		provisionedResourcesTotal.WithLabelValues("workflow").Add(float64(len(created)))
	}

	outcome.Status = rollout.OutcomeSuccess
	outcome.ElapsedSeconds = time.Since(start).Seconds()
	return outcome, &DeployedRef{Code: m.Code, RefID: refID}
}

// finalize moves the audit record to its terminal state and merges the result
// summary into its payload. The deployment itself is already done, so a
// failure here is reported as a warning only.
func (o *Orchestrator) finalize(ctx context.Context, transactionID string, result *rollout.Result) {
	err := o.step(ctx, func(sctx context.Context) error {
		return o.txlog.Finalize(sctx, transactionID, result.Status, map[string]any{
			"status":            string(result.Status),
			"modules_deployed":  result.Summary.ModulesDeployed,
			"modules_failed":    result.Summary.ModulesFailed,
			"accounts_created":  result.Summary.AccountsCreated,
			"workflows_created": result.Summary.WorkflowsCreated,
			"users_assigned":    result.Summary.UsersAssigned,
			"elapsed_seconds":   result.ElapsedSeconds,
		})
	})
	if err != nil {
		o.logger.Error("transaction finalize failed", "transaction", transactionID, "error", err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("transaction finalize failed: %v", err))
	}
}

// step runs fn under the configured per-step timeout.
func (o *Orchestrator) step(ctx context.Context, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()
	return fn(sctx)
}

package rollout

// =============================================================================
// Outcome Aggregation
// =============================================================================

// Aggregate folds per-module outcomes into the overall three-state status and
// the summary counters.
//
// This is a pure function of the outcome list:
//   - no failures            → success
//   - failures and successes → partial
//   - no successes           → failed
//
// An empty outcome list aggregates to failed: nothing was deployed.
func Aggregate(outcomes []ModuleOutcome) (OverallStatus, Summary) {
	var summary Summary
	for _, o := range outcomes {
		switch o.Status {
		case OutcomeSuccess:
			summary.ModulesDeployed++
			summary.AccountsCreated += o.AccountsCreated
			summary.WorkflowsCreated += o.WorkflowsCreated
		case OutcomeFailed:
			summary.ModulesFailed++
		}
	}

	switch {
	case summary.ModulesFailed == 0 && summary.ModulesDeployed > 0:
		return StatusSuccess, summary
	case summary.ModulesFailed > 0 && summary.ModulesDeployed > 0:
		return StatusPartial, summary
	default:
		return StatusFailed, summary
	}
}

// SucceededCodes returns the module codes of successful outcomes, in order.
// The access assigner grants only against this set.
func SucceededCodes(outcomes []ModuleOutcome) []string {
	var codes []string
	for _, o := range outcomes {
		if o.Status == OutcomeSuccess {
			codes = append(codes, o.Code)
		}
	}
	return codes
}

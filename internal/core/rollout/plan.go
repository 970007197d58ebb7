package rollout

// =============================================================================
// Module Set Planning Functions
// =============================================================================

// FilterDeployed removes modules whose derived deployed code is already active
// for the tenant, preserving the declared package order.
//
// activeDeployedCodes holds the codes of existing active deployed-module rows
// (i.e. values like "POS-DEPLOYED"). A module is kept only when its derived
// code is absent from that set.
//
// Example:
//
//	modules := []Module{{Code: "POS"}, {Code: "INV"}}
//	kept := FilterDeployed(modules, []string{"POS-DEPLOYED"})
//	// kept == [{Code: "INV"}]
func FilterDeployed(modules []Module, activeDeployedCodes []string) []Module {
	if len(activeDeployedCodes) == 0 {
		return modules
	}

	deployed := make(map[string]bool, len(activeDeployedCodes))
	for _, code := range activeDeployedCodes {
		deployed[code] = true
	}

	var kept []Module
	for _, m := range modules {
		if deployed[DeployedCode(m.Code)] {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// Dedup collapses a module list to the first occurrence per module code,
// preserving the original order. Duplicate edges in a malformed package are
// dropped silently rather than reported as errors.
func Dedup(modules []Module) []Module {
	if len(modules) < 2 {
		return modules
	}

	seen := make(map[string]bool, len(modules))
	var unique []Module
	for _, m := range modules {
		if seen[m.Code] {
			continue
		}
		seen[m.Code] = true
		unique = append(unique, m)
	}
	return unique
}

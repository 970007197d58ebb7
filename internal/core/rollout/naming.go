package rollout

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Derived Naming Functions
// =============================================================================

// DeployedSuffix distinguishes a tenant's installed module from the shared
// catalog template carrying the same code.
const DeployedSuffix = "-DEPLOYED"

// DeployedCode derives the code of the deployed-module row for a module code.
//
// Example:
//
//	DeployedCode("POS") // returns "POS-DEPLOYED"
func DeployedCode(moduleCode string) string {
	return strings.ToUpper(moduleCode) + DeployedSuffix
}

// IsDeployedCode reports whether code is a derived deployed-module code.
func IsDeployedCode(code string) bool {
	return strings.HasSuffix(code, DeployedSuffix)
}

// ModuleCode recovers the module code from a derived deployed-module code.
// Codes without the suffix are returned unchanged.
func ModuleCode(deployedCode string) string {
	return strings.TrimSuffix(deployedCode, DeployedSuffix)
}

// TransactionNumber generates a tenant-prefixed, time-based number for a
// deployment audit record.
// Pattern: DEP-{TENANTSLUG}-{yyyymmddhhmmss}
//
// Example:
//
//	TransactionNumber("mamas-diner", t) // returns "DEP-MAMAS-DINER-20240301154502"
func TransactionNumber(tenantSlug string, t time.Time) string {
	slug := strings.ToUpper(strings.ReplaceAll(tenantSlug, "_", "-"))
	return fmt.Sprintf("DEP-%s-%s", slug, t.UTC().Format("20060102150405"))
}

package rollout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Derived Code Tests
// =============================================================================

func TestDeployedCode(t *testing.T) {
	assert.Equal(t, "POS-DEPLOYED", DeployedCode("POS"))
	assert.Equal(t, "INV-DEPLOYED", DeployedCode("inv"), "codes are normalized to upper case")
}

func TestIsDeployedCode(t *testing.T) {
	assert.True(t, IsDeployedCode("POS-DEPLOYED"))
	assert.False(t, IsDeployedCode("POS"))
}

func TestModuleCode_RoundTrip(t *testing.T) {
	assert.Equal(t, "POS", ModuleCode(DeployedCode("POS")))
	assert.Equal(t, "POS", ModuleCode("POS"))
}

// =============================================================================
// Transaction Number Tests
// =============================================================================

func TestTransactionNumber(t *testing.T) {
	at := time.Date(2024, 3, 1, 15, 45, 2, 0, time.UTC)

	number := TransactionNumber("mamas-diner", at)

	assert.Equal(t, "DEP-MAMAS-DINER-20240301154502", number)
}

func TestTransactionNumber_NormalizesSlug(t *testing.T) {
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	number := TransactionNumber("mamas_diner", at)

	assert.Contains(t, number, "MAMAS-DINER")
}

package rollout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// FilterDeployed Tests
// =============================================================================

func TestFilterDeployed_RemovesAlreadyDeployed(t *testing.T) {
	modules := []Module{
		{Code: "POS", Name: "Point of Sale"},
		{Code: "INV", Name: "Inventory"},
		{Code: "RCP", Name: "Recipes"},
	}

	kept := FilterDeployed(modules, []string{"POS-DEPLOYED"})

	assert.Len(t, kept, 2)
	assert.Equal(t, "INV", kept[0].Code)
	assert.Equal(t, "RCP", kept[1].Code)
}

func TestFilterDeployed_NoDeployedCodes(t *testing.T) {
	modules := []Module{{Code: "POS"}, {Code: "INV"}}

	kept := FilterDeployed(modules, nil)

	assert.Equal(t, modules, kept)
}

func TestFilterDeployed_AllDeployed(t *testing.T) {
	modules := []Module{{Code: "POS"}, {Code: "INV"}}

	kept := FilterDeployed(modules, []string{"POS-DEPLOYED", "INV-DEPLOYED"})

	assert.Empty(t, kept)
}

func TestFilterDeployed_IgnoresUnrelatedCodes(t *testing.T) {
	modules := []Module{{Code: "POS"}}

	// A plain module code in the deployed set must not match; only the
	// derived -DEPLOYED form marks an installed module.
	kept := FilterDeployed(modules, []string{"POS"})

	assert.Len(t, kept, 1)
}

// =============================================================================
// Dedup Tests
// =============================================================================

func TestDedup_CollapsesDuplicateCodes(t *testing.T) {
	modules := []Module{
		{ID: "tpl_1", Code: "POS"},
		{ID: "tpl_2", Code: "INV"},
		{ID: "tpl_3", Code: "POS"}, // duplicate edge
	}

	unique := Dedup(modules)

	assert.Len(t, unique, 2)
	assert.Equal(t, "POS", unique[0].Code)
	assert.Equal(t, "tpl_1", unique[0].ID, "first occurrence wins")
	assert.Equal(t, "INV", unique[1].Code)
}

func TestDedup_PreservesOrder(t *testing.T) {
	modules := []Module{
		{Code: "RCP"}, {Code: "POS"}, {Code: "INV"}, {Code: "POS"}, {Code: "RCP"},
	}

	unique := Dedup(modules)

	codes := make([]string, len(unique))
	for i, m := range unique {
		codes[i] = m.Code
	}
	assert.Equal(t, []string{"RCP", "POS", "INV"}, codes)
}

func TestDedup_SingleModule(t *testing.T) {
	modules := []Module{{Code: "POS"}}

	assert.Equal(t, modules, Dedup(modules))
}

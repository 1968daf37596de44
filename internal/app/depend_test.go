package app

import (
	"testing"

	"dismod.dev/core/internal/table"
)

func TestDependMarksVarUsedByDataAndPrior(t *testing.T) {
	a, err := Build(parentChildInput())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	deps := a.Depend()
	if len(deps) != a.Packer.Size() {
		t.Fatalf("Depend() returned %d rows, want %d", len(deps), a.Packer.Size())
	}
	for _, d := range deps {
		if !d.UsedByData {
			t.Errorf("var %d: UsedByData = false, want true (a Sincidence data row observes iota's smoothing)", d.VarID)
		}
		if !d.UsedByPrior {
			t.Errorf("var %d: UsedByPrior = false, want true (its value prior is set)", d.VarID)
		}
	}
}

func TestDependLeavesUnreachedSmoothingUnused(t *testing.T) {
	in := parentChildInput()
	in.Data = nil
	a, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, d := range a.Depend() {
		if d.UsedByData {
			t.Errorf("var %d: UsedByData = true, want false with no data rows", d.VarID)
		}
	}
}

func TestRateFeedsIntegrandMatchesSameKindRate(t *testing.T) {
	if !rateFeedsIntegrand(table.Iota, table.Sincidence) {
		t.Error("rateFeedsIntegrand(Iota, Sincidence) = false, want true")
	}
	if rateFeedsIntegrand(table.Rho, table.Sincidence) {
		t.Error("rateFeedsIntegrand(Rho, Sincidence) = true, want false")
	}
}

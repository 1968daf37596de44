package main

import (
	"math"
	"testing"

	"dismod.dev/core/internal/app"
	"dismod.dev/core/internal/logging"
	"dismod.dev/core/internal/store"
	"dismod.dev/core/internal/table"
)

func noopLogger() *logging.Logger { return logging.New(nil, false) }

func buildFixture(t *testing.T) (*store.Mem, *app.App) {
	t.Helper()
	const smoothID table.SmoothID = 0
	const valuePrior table.PriorID = 0
	in := store.InputTables{
		Age:  []table.Age{{ID: 0, Age: 30}},
		Time: []table.Time{{ID: 0, Time: 2000}},
		Node: []table.Node{{ID: 0, Name: "world", ParentID: table.NoID}},
		Rate: []table.Rate{{ID: 0, Kind: table.Iota, ParentSmoothID: smoothID, ChildSmoothID: table.NoID, ChildNSListID: table.NoID}},
		Smooth: []table.Smooth{{ID: smoothID, Name: "s", NAge: 1, NTime: 1}},
		SmoothGrid: []table.SmoothGrid{
			{SmoothID: smoothID, AgeID: 0, TimeID: 0, ValuePrior: valuePrior},
		},
		Prior: []table.Prior{
			{ID: valuePrior, Name: "p", Density: table.Gaussian, Mean: 0.02, Std: 0.01, Lower: 0, Upper: 1, Eta: math.NaN()},
		},
		Integrand: []table.Integrand{{ID: 0, Kind: table.Sincidence}},
		Covariate: []table.Covariate{{ID: 0, Name: "sex"}},
		Mulcov: []table.Mulcov{{
			ID: 0, Type: table.MeasValue, IntegrandID: 0, CovariateID: 0,
			GroupSmoothID: table.NoID, SubgroupSmooth: table.NoID,
		}},
		Option: map[string]string{
			"parent_node_id": "0",
			"rate_case":      "iota_pos_rho_zero",
		},
		Data: []table.Data{
			{
				ID: 0,
				Observation: table.Observation{
					IntegrandID: 0, NodeID: 0, SubgroupID: table.NoID, WeightID: table.NoID,
					AgeLower: 30, AgeUpper: 30, TimeLower: 2000, TimeUpper: 2000,
				},
				Density: table.Gaussian, MeasValue: 0.02, MeasStd: 0.01, Eta: math.NaN(), Nu: math.NaN(),
			},
		},
	}
	a, err := app.Build(in)
	if err != nil {
		t.Fatalf("app.Build: %v", err)
	}
	return store.NewMem(in), a
}

func TestContainsInt(t *testing.T) {
	if !containsInt([]int{3, 4, 5}, 4) {
		t.Error("containsInt([3,4,5], 4) = false, want true")
	}
	if containsInt([]int{3, 4, 5}, 6) {
		t.Error("containsInt([3,4,5], 6) = true, want false")
	}
}

func TestHesTriplesNilInputYieldsNil(t *testing.T) {
	if got := hesTriples(nil); got != nil {
		t.Errorf("hesTriples(nil) = %v, want nil", got)
	}
}

func TestHesTriplesCoversLowerTriangle(t *testing.T) {
	h := fakeHessian{{1, 2}, {2, 3}}
	got := hesTriples(h)
	if len(got) != 3 {
		t.Fatalf("hesTriples() returned %d entries, want 3 (lower triangle of a 2x2)", len(got))
	}
	want := map[[2]int]float64{{0, 0}: 1, {1, 0}: 2, {1, 1}: 3}
	for _, tr := range got {
		v, ok := want[[2]int{tr.Row, tr.Col}]
		if !ok || v != tr.Value {
			t.Errorf("unexpected triple {%d,%d,%g}", tr.Row, tr.Col, tr.Value)
		}
	}
}

type fakeHessian [][]float64

func (h fakeHessian) SymmetricDim() int   { return len(h) }
func (h fakeHessian) At(i, j int) float64 { return h[i][j] }

func TestCmdInitPopulatesDerivedTables(t *testing.T) {
	mem, a := buildFixture(t)
	if err := cmdInit(mem, a, noopLogger()); err != nil {
		t.Fatalf("cmdInit: %v", err)
	}
	if len(mem.Var) != a.Packer.Size() {
		t.Errorf("len(mem.Var) = %d, want %d", len(mem.Var), a.Packer.Size())
	}
	if len(mem.DataSubset) != 1 {
		t.Errorf("len(mem.DataSubset) = %d, want 1", len(mem.DataSubset))
	}
	if mem.StartVar == nil {
		t.Error("mem.StartVar is nil after init")
	}
}

func TestCmdBndMulcovFiltersByCovariate(t *testing.T) {
	mem, a := buildFixture(t)
	if err := cmdBndMulcov([]string{"dismod_at", "db", "bnd_mulcov", "3.5", "sex"}, mem, a); err != nil {
		t.Fatalf("cmdBndMulcov: %v", err)
	}
	if len(mem.BndMulcov) != 1 || mem.BndMulcov[0].MaxAbs != 3.5 {
		t.Errorf("mem.BndMulcov = %v, want one row with MaxAbs 3.5", mem.BndMulcov)
	}
}

func TestCmdBndMulcovRejectsUnparsableMaxAbs(t *testing.T) {
	mem, a := buildFixture(t)
	if err := cmdBndMulcov([]string{"dismod_at", "db", "bnd_mulcov", "not-a-number"}, mem, a); err == nil {
		t.Fatal("expected an error for an unparsable max_abs_effect")
	}
}

func TestCmdSetCopiesPriorMeanIntoStartVar(t *testing.T) {
	mem, a := buildFixture(t)
	if err := cmdSet([]string{"dismod_at", "db", "set", "start_var", "prior_mean"}, mem, a); err != nil {
		t.Fatalf("cmdSet: %v", err)
	}
	want := a.DefaultStartVar()
	if len(mem.StartVar) != len(want) {
		t.Fatalf("len(mem.StartVar) = %d, want %d", len(mem.StartVar), len(want))
	}
	for i := range want {
		if mem.StartVar[i] != want[i] {
			t.Errorf("mem.StartVar[%d] = %g, want %g", i, mem.StartVar[i], want[i])
		}
	}
}

func TestCmdSetRejectsMissingFitVarSource(t *testing.T) {
	mem, a := buildFixture(t)
	if err := cmdSet([]string{"dismod_at", "db", "set", "start_var", "fit_var"}, mem, a); err == nil {
		t.Fatal("expected an error when fit_var has no values yet")
	}
}

func TestCmdDataDensityUpdatesMatchingRowsOnly(t *testing.T) {
	mem, a := buildFixture(t)
	err := cmdDataDensity([]string{"dismod_at", "db", "data_density", "Sincidence", "log_gaussian", "1e-6", ""}, mem, a, noopLogger())
	if err != nil {
		t.Fatalf("cmdDataDensity: %v", err)
	}
	if mem.Input.Data[0].Density != table.LogGaussian {
		t.Errorf("Data[0].Density = %v, want LogGaussian", mem.Input.Data[0].Density)
	}
	if mem.Input.Data[0].Eta != 1e-6 {
		t.Errorf("Data[0].Eta = %g, want 1e-6", mem.Input.Data[0].Eta)
	}
	if !math.IsNaN(mem.Input.Data[0].Nu) {
		t.Errorf("Data[0].Nu = %g, want NaN (blank nu field)", mem.Input.Data[0].Nu)
	}
}

func TestCmdDataDensityRejectsUnrecognizedDensity(t *testing.T) {
	mem, a := buildFixture(t)
	err := cmdDataDensity([]string{"dismod_at", "db", "data_density", "Sincidence", "bogus", "", ""}, mem, a, noopLogger())
	if err == nil {
		t.Fatal("expected an error for an unrecognized density name")
	}
}

func TestSubstituteSimulatedDataAppliesMatchingIndex(t *testing.T) {
	mem, a := buildFixture(t)
	rows := a.DataRows()
	sim := []store.DataSimRow{
		{SimIndex: 0, DataSubsetID: 0, DataSimValue: 0.5},
		{SimIndex: 1, DataSubsetID: 0, DataSimValue: 0.9},
	}
	if err := substituteSimulatedData(rows, sim, 0); err != nil {
		t.Fatalf("substituteSimulatedData: %v", err)
	}
	if rows[0].Row.MeasValue != 0.5 {
		t.Errorf("rows[0].Row.MeasValue = %g, want 0.5", rows[0].Row.MeasValue)
	}
}

func TestSubstituteSimulatedDataErrorsOnUnknownIndex(t *testing.T) {
	mem, a := buildFixture(t)
	rows := a.DataRows()
	sim := []store.DataSimRow{{SimIndex: 0, DataSubsetID: 0, DataSimValue: 0.5}}
	if err := substituteSimulatedData(rows, sim, 7); err == nil {
		t.Fatal("expected an error when no data_sim rows exist for simulate_index")
	}
}

func TestCmdPredictRejectsSourceWithNoValues(t *testing.T) {
	mem, a := buildFixture(t)
	if err := cmdPredict([]string{"dismod_at", "db", "predict", "fit_var"}, mem, a); err == nil {
		t.Fatal("expected an error when fit_var has no values")
	}
}

func TestCmdPredictRejectsUnrecognizedSource(t *testing.T) {
	mem, a := buildFixture(t)
	if err := cmdPredict([]string{"dismod_at", "db", "predict", "bogus"}, mem, a); err == nil {
		t.Fatal("expected an error for an unrecognized predict source")
	}
}

func TestCmdSampleRequiresPriorFit(t *testing.T) {
	mem, a := buildFixture(t)
	err := cmdSample([]string{"dismod_at", "db", "sample", "asymptotic", "fixed", "3"}, mem, a, noopLogger())
	if err == nil {
		t.Fatal("expected an error when no fit_var exists to sample around")
	}
}

func TestCmdSampleRejectsUnrecognizedMethod(t *testing.T) {
	mem, a := buildFixture(t)
	mem.FitVar = store.FitResult{VarValue: a.DefaultStartVar(), Success: true}
	err := cmdSample([]string{"dismod_at", "db", "sample", "bogus", "fixed", "3"}, mem, a, noopLogger())
	if err == nil {
		t.Fatal("expected an error for an unrecognized sample method")
	}
}

func TestCmdDependReportsVariableCounts(t *testing.T) {
	mem, a := buildFixture(t)
	if err := cmdDepend(mem, a, noopLogger()); err != nil {
		t.Fatalf("cmdDepend: %v", err)
	}
}

func TestDispatchRejectsUnrecognizedCommand(t *testing.T) {
	mem, a := buildFixture(t)
	if err := dispatch("bogus", []string{"dismod_at", "db", "bogus"}, mem, a, noopLogger()); err == nil {
		t.Fatal("expected an error for an unrecognized command")
	}
}

func TestMemSinkTranslatesLevelToString(t *testing.T) {
	mem := store.NewMem(store.InputTables{})
	logger := logging.New(memSink{mem}, false)
	logger.Warnf("something happened")
	if len(mem.Log) != 1 || mem.Log[0].Level != "warning" {
		t.Errorf("mem.Log = %+v, want one warning entry", mem.Log)
	}
}

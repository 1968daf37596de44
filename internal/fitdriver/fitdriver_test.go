package fitdriver

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"

	"dismod.dev/core/internal/integrand"
	"dismod.dev/core/internal/likelihood"
	"dismod.dev/core/internal/odesolver"
	"dismod.dev/core/internal/option"
	"dismod.dev/core/internal/packvar"
	"dismod.dev/core/internal/priorindex"
	"dismod.dev/core/internal/quad"
	"dismod.dev/core/internal/smoothgrid"
	"dismod.dev/core/internal/table"
)

// fixedOnlyProblem builds a one-variable (fixed-effect parent iota),
// one-data-row problem with no random effects, for exercising the
// hand-written prior/data density and splitting logic without
// depending on optimize.Minimize's gradient handling.
func fixedOnlyProblem(t *testing.T, priorMean, priorStd, measValue, measStd float64) (*Problem, []float64) {
	t.Helper()
	const smoothID table.SmoothID = 0
	const priorID table.PriorID = 0

	ageOf := map[table.AgeID]float64{0: 30}
	timeOf := map[table.TimeID]float64{0: 2000}
	sm := table.Smooth{ID: smoothID, NAge: 1, NTime: 1}
	rows := []table.SmoothGrid{{SmoothID: smoothID, AgeID: 0, TimeID: 0, ValuePrior: priorID}}
	grid, err := smoothgrid.Build(sm, rows, ageOf, timeOf)
	if err != nil {
		t.Fatalf("smoothgrid.Build: %v", err)
	}

	rate := table.Rate{ID: 0, Kind: table.Iota, ParentSmoothID: smoothID}
	packer, err := packvar.Build(packvar.Inputs{
		Rates:      []table.Rate{rate},
		Smoothings: map[table.SmoothID]packvar.GridDims{smoothID: grid},
		NodeSmooth: func(table.Rate, table.NodeID) table.SmoothID { return table.NoID },
	})
	if err != nil {
		t.Fatalf("packvar.Build: %v", err)
	}

	priors := map[table.PriorID]table.Prior{
		priorID: {ID: priorID, Density: table.Gaussian, Mean: priorMean, Std: priorStd, Lower: 0, Upper: 1, Eta: math.NaN()},
	}
	grids := map[table.SmoothID]*smoothgrid.Grid{smoothID: grid}
	idx := priorindex.Build(packer, grids, priors, math.Inf(1), nil)

	model := &integrand.Model{
		Packer:     packer,
		RateCase:   odesolver.IotaPosRhoZero,
		Integrands: map[table.IntegrandID]table.Integrand{0: {ID: 0, Kind: table.Sincidence}},
	}
	model.Rates[table.Iota] = integrand.RateSet{Row: rate, ParentGrid: grid}

	row := table.Data{
		ID: 0,
		Observation: table.Observation{
			IntegrandID: 0, NodeID: table.NoID, SubgroupID: table.NoID, WeightID: table.NoID,
			AgeLower: 30, AgeUpper: 30, TimeLower: 2000, TimeUpper: 2000,
		},
		Density: table.Gaussian, MeasValue: measValue, MeasStd: measStd, Eta: math.NaN(), Nu: math.NaN(),
	}
	rowEval := RowEval{Row: row, Request: quad.Request{Obs: row.Observation}, Weight: quad.Constant()}

	p := &Problem{
		Model: model, Packer: packer, Priors: idx, PriorRows: priors,
		Rows: []RowEval{rowEval}, AgeTable: []float64{30}, TimeTable: []float64{2000},
		Options: option.Default(),
	}
	return p, make([]float64, packer.Size())
}

func TestSplitVarIDsPutsParentRateInFixedBlock(t *testing.T) {
	p, _ := fixedOnlyProblem(t, 0.03, 10, 0.05, 0.01)
	fixedIDs, randomIDs := splitVarIDs(p)
	if len(fixedIDs) != 1 || fixedIDs[0] != 0 {
		t.Errorf("fixedIDs = %v, want [0]", fixedIDs)
	}
	if len(randomIDs) != 0 {
		t.Errorf("randomIDs = %v, want []", randomIDs)
	}
}

func TestDataNegLogDensityMatchesDirectEvaluation(t *testing.T) {
	p, vec := fixedOnlyProblem(t, 0.03, 10, 0.05, 0.01)
	vec[0] = 0.04
	got, err := p.dataNegLogDensity(vec)
	if err != nil {
		t.Fatalf("dataNegLogDensity: %v", err)
	}
	want, err := likelihood.DataResidual(p.Rows[0].Row, 0.04, 0.01)
	if err != nil {
		t.Fatalf("DataResidual: %v", err)
	}
	if math.Abs(got-want.NegLogDensity) > 1e-12 {
		t.Errorf("dataNegLogDensity() = %g, want %g", got, want.NegLogDensity)
	}
}

func TestDataNegLogDensitySkipsHeldOutRows(t *testing.T) {
	p, vec := fixedOnlyProblem(t, 0.03, 10, 0.05, 0.01)
	p.Rows[0].Row.HoldOut = true
	got, err := p.dataNegLogDensity(vec)
	if err != nil {
		t.Fatalf("dataNegLogDensity: %v", err)
	}
	if got != 0 {
		t.Errorf("dataNegLogDensity() = %g, want 0 for a fully held-out row set", got)
	}
}

func TestPriorNegLogDensityMatchesDirectEvaluation(t *testing.T) {
	p, vec := fixedOnlyProblem(t, 0.03, 0.02, 0.05, 0.01)
	vec[0] = 0.04
	got, err := p.priorNegLogDensity(vec, []int{0})
	if err != nil {
		t.Fatalf("priorNegLogDensity: %v", err)
	}
	want, err := likelihood.PriorResidual(p.PriorRows[0], 0.04, 1)
	if err != nil {
		t.Fatalf("PriorResidual: %v", err)
	}
	if math.Abs(got-want.NegLogDensity) > 1e-12 {
		t.Errorf("priorNegLogDensity() = %g, want %g", got, want.NegLogDensity)
	}
}

func TestClampBoxClampsToPriorBounds(t *testing.T) {
	p, vec := fixedOnlyProblem(t, 0.03, 10, 0.05, 0.01)
	vec[0] = 5
	clampBox(p, vec, []int{0})
	if vec[0] != 1 {
		t.Errorf("clampBox() left vec[0] = %g, want 1 (the prior's upper bound)", vec[0])
	}
	vec[0] = -1
	clampBox(p, vec, []int{0})
	if vec[0] != 0 {
		t.Errorf("clampBox() left vec[0] = %g, want 0 (the prior's lower bound)", vec[0])
	}
}

func TestFitRandomOnlyIsNoOpWithoutRandomEffects(t *testing.T) {
	p, vec := fixedOnlyProblem(t, 0.03, 10, 0.05, 0.01)
	vec[0] = 0.04
	res, err := FitRandomOnly(p, vec)
	if err != nil {
		t.Fatalf("FitRandomOnly: %v", err)
	}
	if !res.Success || res.Status != "random only" {
		t.Errorf("FitRandomOnly() = {Success:%v,Status:%q}, want {true,\"random only\"}", res.Success, res.Status)
	}
	if res.Vec[0] != 0.04 {
		t.Errorf("Vec[0] = %g, want 0.04 unchanged (no random effects to re-solve)", res.Vec[0])
	}
	if got := res.RandomHessian.SymmetricDim(); got != 0 {
		t.Errorf("RandomHessian dimension = %d, want 0", got)
	}
	if len(res.RandomIDs) != 0 {
		t.Errorf("RandomIDs = %v, want empty", res.RandomIDs)
	}
}

func TestAsymptoticWithNoRandomEffectsSamplesOnlyTheFixedEffect(t *testing.T) {
	p, vec := fixedOnlyProblem(t, 0.03, 10, 0.05, 0.01)
	vec[0] = 0.04
	res, err := FitRandomOnly(p, vec)
	if err != nil {
		t.Fatalf("FitRandomOnly: %v", err)
	}
	if res.FixedHessian == nil || res.FixedHessian.SymmetricDim() != 1 {
		t.Fatalf("FixedHessian = %v, want a 1x1 matrix", res.FixedHessian)
	}
	samples, err := Asymptotic(p, res, 1e-10, 200, 1)
	if err != nil {
		t.Fatalf("Asymptotic: %v", err)
	}
	if len(samples) != 200 {
		t.Fatalf("Asymptotic() returned %d samples, want 200", len(samples))
	}
	varied := false
	for _, s := range samples {
		if len(s) != 1 {
			t.Fatalf("sample = %v, want length 1 (no random effects)", s)
		}
		if s[0] != 0.04 {
			varied = true
		}
	}
	if !varied {
		t.Error("Asymptotic() samples never moved off the fixed-effect point estimate")
	}
}

func TestAsymptoticRejectsCollapsedFixedHessian(t *testing.T) {
	p, vec := fixedOnlyProblem(t, 0.03, 10, 0.05, 0.01)
	vec[0] = 0.04
	res, err := FitRandomOnly(p, vec)
	if err != nil {
		t.Fatalf("FitRandomOnly: %v", err)
	}
	res.FixedHessian.SetSym(0, 0, 0)
	if _, err := Asymptotic(p, res, 1e-10, 10, 1); err == nil {
		t.Error("Asymptotic() with a singular fixed Hessian returned no error, want one")
	}
}

// childProblem builds a one-parent, one-child problem with a child
// random-effect smoothing on iota, for exercising solveRandom's real
// optimize.Minimize call (with a nonzero random-effect count) rather
// than its zero-random-effect short-circuit.
func childProblem(t *testing.T) (*Problem, []float64) {
	t.Helper()
	const parentSmooth, childSmooth table.SmoothID = 0, 1
	const parentPrior, childPrior table.PriorID = 0, 1

	ageOf := map[table.AgeID]float64{0: 30}
	timeOf := map[table.TimeID]float64{0: 2000}
	parentGrid, err := smoothgrid.Build(
		table.Smooth{ID: parentSmooth, NAge: 1, NTime: 1},
		[]table.SmoothGrid{{SmoothID: parentSmooth, AgeID: 0, TimeID: 0, ValuePrior: parentPrior}},
		ageOf, timeOf)
	if err != nil {
		t.Fatalf("smoothgrid.Build(parent): %v", err)
	}
	childGrid, err := smoothgrid.Build(
		table.Smooth{ID: childSmooth, NAge: 1, NTime: 1},
		[]table.SmoothGrid{{SmoothID: childSmooth, AgeID: 0, TimeID: 0, ValuePrior: childPrior}},
		ageOf, timeOf)
	if err != nil {
		t.Fatalf("smoothgrid.Build(child): %v", err)
	}

	const childNode table.NodeID = 1
	rate := table.Rate{ID: 0, Kind: table.Iota, ParentSmoothID: parentSmooth, ChildSmoothID: childSmooth, ChildNSListID: table.NoID}
	nodeSmooth := func(r table.Rate, nodeID table.NodeID) table.SmoothID {
		if nodeID == childNode {
			return childSmooth
		}
		return table.NoID
	}
	packer, err := packvar.Build(packvar.Inputs{
		Rates:      []table.Rate{rate},
		ChildNodes: []table.NodeID{childNode},
		Smoothings: map[table.SmoothID]packvar.GridDims{parentSmooth: parentGrid, childSmooth: childGrid},
		NodeSmooth: nodeSmooth,
	})
	if err != nil {
		t.Fatalf("packvar.Build: %v", err)
	}

	priors := map[table.PriorID]table.Prior{
		parentPrior: {ID: parentPrior, Density: table.Gaussian, Mean: 0.03, Std: 10, Lower: 0, Upper: 1},
		childPrior:  {ID: childPrior, Density: table.Gaussian, Mean: 0, Std: 1, Lower: -5, Upper: 5},
	}
	grids := map[table.SmoothID]*smoothgrid.Grid{parentSmooth: parentGrid, childSmooth: childGrid}
	idx := priorindex.Build(packer, grids, priors, math.Inf(1), nil)

	model := &integrand.Model{
		Packer:     packer,
		RateCase:   odesolver.IotaPosRhoZero,
		Integrands: map[table.IntegrandID]table.Integrand{0: {ID: 0, Kind: table.Sincidence}},
	}
	model.Rates[table.Iota] = integrand.RateSet{
		Row:        rate,
		ParentGrid: parentGrid,
		ChildGridOf: func(nodeID table.NodeID) (*smoothgrid.Grid, int, bool) {
			if nodeID != childNode {
				return nil, 0, false
			}
			return childGrid, 0, true
		},
	}

	row := table.Data{
		ID: 0,
		Observation: table.Observation{
			IntegrandID: 0, NodeID: childNode, SubgroupID: table.NoID, WeightID: table.NoID,
			AgeLower: 30, AgeUpper: 30, TimeLower: 2000, TimeUpper: 2000,
		},
		Density: table.Gaussian, MeasValue: 0.05, MeasStd: 0.01, Eta: math.NaN(), Nu: math.NaN(),
	}
	rowEval := RowEval{
		Row:     row,
		Request: quad.Request{Obs: row.Observation, IncludeRandom: true},
		Weight:  quad.Constant(),
	}

	p := &Problem{
		Model: model, Packer: packer, Priors: idx, PriorRows: priors,
		Rows: []RowEval{rowEval}, AgeTable: []float64{30}, TimeTable: []float64{2000},
		Options: option.Default(),
	}
	vec := make([]float64, packer.Size())
	return p, vec
}

func TestFitRandomOnlySolvesNonzeroRandomEffect(t *testing.T) {
	p, vec := childProblem(t)
	fixedIDs, randomIDs := splitVarIDs(p)
	if len(fixedIDs) != 1 || len(randomIDs) != 1 {
		t.Fatalf("splitVarIDs = fixed:%v random:%v, want exactly one of each", fixedIDs, randomIDs)
	}
	vec[fixedIDs[0]] = 0.03 // the parent iota value, held fixed by FitRandomOnly

	res, err := FitRandomOnly(p, vec)
	if err != nil {
		t.Fatalf("FitRandomOnly: %v", err)
	}
	if !res.Success {
		t.Errorf("FitRandomOnly() Success = false, want true")
	}
	// the data row wants iota = 0.05 at the child node; with the parent
	// held at 0.03 the random effect should move off its prior mean of 0
	// towards log(0.05/0.03) to close that gap, which only happens if
	// optimize.Minimize actually ran its gradient-based iterations.
	randomVarID := res.RandomIDs[0]
	if math.Abs(res.Vec[randomVarID]) < 1e-6 {
		t.Errorf("solved random effect = %g, want materially nonzero (gradient-driven optimization ran)", res.Vec[randomVarID])
	}
	if got := res.RandomHessian.SymmetricDim(); got != 1 {
		t.Errorf("RandomHessian dimension = %d, want 1", got)
	}
}

// twoAgeProblem builds a one-rate, two-age parent smoothing with a
// dage prior between the two age points, for exercising
// clampDifferences and DifferenceConstraints directly.
func twoAgeProblem(t *testing.T, dageLower, dageUpper float64) (*Problem, []int) {
	t.Helper()
	const smoothID table.SmoothID = 0
	const valuePrior, dagePrior table.PriorID = 0, 1

	ageOf := map[table.AgeID]float64{0: 20, 1: 40}
	timeOf := map[table.TimeID]float64{0: 2000}
	sm := table.Smooth{ID: smoothID, NAge: 2, NTime: 1}
	rows := []table.SmoothGrid{
		{SmoothID: smoothID, AgeID: 0, TimeID: 0, ValuePrior: valuePrior, DagePrior: dagePrior},
		{SmoothID: smoothID, AgeID: 1, TimeID: 0, ValuePrior: valuePrior},
	}
	grid, err := smoothgrid.Build(sm, rows, ageOf, timeOf)
	if err != nil {
		t.Fatalf("smoothgrid.Build: %v", err)
	}

	rate := table.Rate{ID: 0, Kind: table.Iota, ParentSmoothID: smoothID}
	packer, err := packvar.Build(packvar.Inputs{
		Rates:      []table.Rate{rate},
		Smoothings: map[table.SmoothID]packvar.GridDims{smoothID: grid},
		NodeSmooth: func(table.Rate, table.NodeID) table.SmoothID { return table.NoID },
	})
	if err != nil {
		t.Fatalf("packvar.Build: %v", err)
	}

	priors := map[table.PriorID]table.Prior{
		valuePrior: {ID: valuePrior, Density: table.Gaussian, Mean: 0.03, Std: 10, Lower: 0, Upper: 1},
		dagePrior:  {ID: dagePrior, Density: table.Uniform, Mean: 0, Std: 1, Lower: dageLower, Upper: dageUpper},
	}
	grids := map[table.SmoothID]*smoothgrid.Grid{smoothID: grid}
	idx := priorindex.Build(packer, grids, priors, math.Inf(1), nil)

	p := &Problem{Packer: packer, Priors: idx, PriorRows: priors, Options: option.Default()}
	fixedIDs, _ := splitVarIDs(p)
	return p, fixedIDs
}

func TestClampDifferencesEnforcesEqualityConstraint(t *testing.T) {
	p, fixedIDs := twoAgeProblem(t, 0, 0)
	dcs := p.Priors.DifferenceConstraints()
	if len(dcs) != 1 {
		t.Fatalf("DifferenceConstraints() returned %d entries, want 1", len(dcs))
	}
	dc := dcs[0]

	vec := make([]float64, p.Packer.Size())
	vec[dc.MinusVarID] = 0.02
	vec[dc.PlusVarID] = 0.05
	clampDifferences(p, vec, fixedIDs)
	if diff := vec[dc.PlusVarID] - vec[dc.MinusVarID]; math.Abs(diff) > 1e-12 {
		t.Errorf("difference after clamp = %g, want 0 (lower=upper=0 dage prior)", diff)
	}
	if got, want := vec[dc.PlusVarID], 0.035; math.Abs(got-want) > 1e-12 {
		t.Errorf("PlusVarID = %g, want %g (average of the two starting values)", got, want)
	}
}

func TestClampDifferencesLeavesSatisfiedConstraintAlone(t *testing.T) {
	p, fixedIDs := twoAgeProblem(t, -1, 1)
	dcs := p.Priors.DifferenceConstraints()
	dc := dcs[0]

	vec := make([]float64, p.Packer.Size())
	vec[dc.MinusVarID] = 0.02
	vec[dc.PlusVarID] = 0.05
	clampDifferences(p, vec, fixedIDs)
	if vec[dc.MinusVarID] != 0.02 || vec[dc.PlusVarID] != 0.05 {
		t.Errorf("clampDifferences moved a satisfied constraint: got [%g,%g]", vec[dc.MinusVarID], vec[dc.PlusVarID])
	}
}

func TestScaleOneUnscaleOneRoundTrips(t *testing.T) {
	cases := []struct{ theta, eta float64 }{
		{0.05, 1e-4}, {0.5, 0.01}, {2, 1}, {0.001, 1e-6},
	}
	for _, c := range cases {
		xi := scaleOne(c.theta, c.eta)
		got := unscaleOne(xi, c.eta)
		if math.Abs(got-c.theta) > 1e-9 {
			t.Errorf("unscaleOne(scaleOne(%g,%g),%g) = %g, want %g", c.theta, c.eta, c.eta, got, c.theta)
		}
	}
}

func TestScaleVarOnlyTouchesEtaPriors(t *testing.T) {
	p, vec := fixedOnlyProblem(t, 0.03, 10, 0.05, 0.01)
	vec[0] = 0.04
	plain := ScaleVar(p.Priors, p.PriorRows, vec)
	if plain[0] != vec[0] {
		t.Errorf("ScaleVar() with no eta on the value prior changed vec[0]: got %g, want %g", plain[0], vec[0])
	}

	withEta := map[table.PriorID]table.Prior{0: p.PriorRows[0]}
	pr := withEta[0]
	pr.Eta = 1e-3
	withEta[0] = pr
	scaled := ScaleVar(p.Priors, withEta, vec)
	if scaled[0] == vec[0] {
		t.Error("ScaleVar() with a non-null eta left vec[0] unscaled")
	}
	back := UnscaleVar(p.Priors, withEta, scaled)
	if math.Abs(back[0]-vec[0]) > 1e-9 {
		t.Errorf("UnscaleVar(ScaleVar(vec)) = %g, want %g", back[0], vec[0])
	}
}

func TestComputeMultipliersFlagsActiveBox(t *testing.T) {
	p, vec := fixedOnlyProblem(t, 0.03, 10, 0.05, 0.01)
	vec[0] = 1 // the prior's upper bound
	fixedIDs, randomIDs := splitVarIDs(p)
	box, _ := computeMultipliers(p, vec, fixedIDs, randomIDs)
	if box[0] <= 0 {
		t.Errorf("BoxMultiplier[0] = %g, want positive (bound active at the upper limit, pulling the objective down)", box[0])
	}

	vec[0] = 0.04 // interior point, no bound active
	box, _ = computeMultipliers(p, vec, fixedIDs, randomIDs)
	if box[0] != 0 {
		t.Errorf("BoxMultiplier[0] = %g, want 0 for an interior point", box[0])
	}
}

func TestPriorGradientADMatchesFiniteDifference(t *testing.T) {
	p, vec := fixedOnlyProblem(t, 0.03, 0.02, 0.05, 0.01)
	vec[0] = 0.04
	ids := []int{0}

	adGrad, ok := p.priorGradientAD(vec, ids)
	if !ok {
		t.Fatal("priorGradientAD() ok = false, want true for a gaussian value prior")
	}

	const h = 1e-6
	plus := append([]float64(nil), vec...)
	plus[0] += h
	minus := append([]float64(nil), vec...)
	minus[0] -= h
	fPlus, err := p.priorNegLogDensity(plus, ids)
	if err != nil {
		t.Fatalf("priorNegLogDensity: %v", err)
	}
	fMinus, err := p.priorNegLogDensity(minus, ids)
	if err != nil {
		t.Fatalf("priorNegLogDensity: %v", err)
	}
	fd := (fPlus - fMinus) / (2 * h)
	if math.Abs(adGrad[0]-fd) > 1e-5 {
		t.Errorf("priorGradientAD()[0] = %g, want %g (finite-difference check)", adGrad[0], fd)
	}
}

func TestPerturbRowsPreservesLengthAndShiftsMeasValue(t *testing.T) {
	p, _ := fixedOnlyProblem(t, 0.03, 10, 0.05, 0.01)
	rng := rand.New(rand.NewSource(1))
	out := perturbRows(p.Rows, rng)
	if len(out) != len(p.Rows) {
		t.Fatalf("perturbRows() returned %d rows, want %d", len(out), len(p.Rows))
	}
	if out[0].Row.MeasValue == p.Rows[0].Row.MeasValue {
		t.Error("perturbRows() did not perturb MeasValue")
	}
	if out[0].Row.MeasStd != p.Rows[0].Row.MeasStd {
		t.Errorf("perturbRows() changed MeasStd: got %g, want %g", out[0].Row.MeasStd, p.Rows[0].Row.MeasStd)
	}
}

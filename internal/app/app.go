// Package app wires the command-line surface (cmd/dismod_at) to the
// core packages: it turns one store.InputTables snapshot into a built
// packvar.Packer, priorindex.Index, smoothing grids and an
// integrand.Model ready for any command to consume, since every
// command shares this one assembly step.
package app

import (
	"fmt"
	"sort"

	"dismod.dev/core/internal/fitdriver"
	"dismod.dev/core/internal/integrand"
	"dismod.dev/core/internal/odesolver"
	"dismod.dev/core/internal/option"
	"dismod.dev/core/internal/packvar"
	"dismod.dev/core/internal/priorindex"
	"dismod.dev/core/internal/quad"
	"dismod.dev/core/internal/smoothgrid"
	"dismod.dev/core/internal/store"
	"dismod.dev/core/internal/table"
)

// App is the assembled model for one command invocation.
type App struct {
	In          store.InputTables
	Options     option.Set
	ParentNode  table.NodeID
	ChildNodes  []table.NodeID
	Grids       map[table.SmoothID]*smoothgrid.Grid
	WeightGrids map[table.WeightID]*quad.Grid
	Packer      *packvar.Packer
	Priors      *priorindex.Index
	Model       *integrand.Model
	AgeTable    []float64
	TimeTable   []float64

	ageOf  map[table.AgeID]float64
	timeOf map[table.TimeID]float64

	priorOf     map[table.PriorID]table.Prior
	mulcovBound map[int]float64
}

// Build assembles an App from one read of the input tables.
func Build(in store.InputTables) (*App, error) {
	opts, err := option.Decode(in.Option)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a := &App{In: in, Options: opts, Grids: map[table.SmoothID]*smoothgrid.Grid{}, WeightGrids: map[table.WeightID]*quad.Grid{}}

	a.ageOf = map[table.AgeID]float64{}
	for _, r := range in.Age {
		a.ageOf[r.ID] = r.Age
	}
	a.timeOf = map[table.TimeID]float64{}
	for _, r := range in.Time {
		a.timeOf[r.ID] = r.Time
	}
	a.AgeTable = sortedValues(a.ageOf)
	a.TimeTable = sortedValues(a.timeOf)

	if err := a.resolveParentNode(); err != nil {
		return nil, err
	}
	for _, n := range in.Node {
		if n.ParentID == a.ParentNode {
			a.ChildNodes = append(a.ChildNodes, n.ID)
		}
	}
	sort.Slice(a.ChildNodes, func(i, j int) bool { return a.ChildNodes[i] < a.ChildNodes[j] })

	gridRows := map[table.SmoothID][]table.SmoothGrid{}
	for _, r := range in.SmoothGrid {
		gridRows[r.SmoothID] = append(gridRows[r.SmoothID], r)
	}
	for _, sm := range in.Smooth {
		g, err := smoothgrid.Build(sm, gridRows[sm.ID], a.ageOf, a.timeOf)
		if err != nil {
			return nil, err
		}
		a.Grids[sm.ID] = g
	}

	weightRows := map[table.WeightID][]table.WeightGrid{}
	for _, r := range in.WeightGrid {
		weightRows[r.WeightID] = append(weightRows[r.WeightID], r)
	}
	for _, w := range in.Weight {
		g, err := quad.Build(w, weightRows[w.ID], a.ageOf, a.timeOf)
		if err != nil {
			return nil, err
		}
		a.WeightGrids[w.ID] = g
	}

	nsListOf := map[table.NSListID][]table.NSListPair{}
	for _, r := range in.NSListPair {
		nsListOf[r.NSListID] = append(nsListOf[r.NSListID], r)
	}
	nodeSmooth := func(rate table.Rate, nodeID table.NodeID) table.SmoothID {
		if rate.ChildSmoothID.Valid() {
			return rate.ChildSmoothID
		}
		for _, pair := range nsListOf[rate.ChildNSListID] {
			if pair.NodeID == nodeID {
				return pair.SmoothID
			}
		}
		return table.NoID
	}

	mulstdPriors := map[table.SmoothID][3]table.PriorID{}
	for _, sm := range in.Smooth {
		if sm.MulstdValuePrior.Valid() || sm.MulstdDagePrior.Valid() || sm.MulstdDtimePrior.Valid() {
			mulstdPriors[sm.ID] = [3]table.PriorID{sm.MulstdValuePrior, sm.MulstdDagePrior, sm.MulstdDtimePrior}
		}
	}

	dims := map[table.SmoothID]packvar.GridDims{}
	for id, g := range a.Grids {
		dims[id] = g
	}

	packer, err := packvar.Build(packvar.Inputs{
		Rates:        in.Rate,
		ChildNodes:   a.ChildNodes,
		Mulcovs:      in.Mulcov,
		Subgroups:    in.Subgroup,
		Groups:       in.Group,
		Smoothings:   dims,
		MulstdPriors: mulstdPriors,
		NodeSmooth:   nodeSmooth,
	})
	if err != nil {
		return nil, err
	}
	a.Packer = packer

	priorOf := map[table.PriorID]table.Prior{}
	for _, p := range in.Prior {
		priorOf[p.ID] = p
	}
	a.priorOf = priorOf
	a.mulcovBound = a.boundMulcovVarIDs(priorOf)
	a.Priors = priorindex.Build(packer, a.Grids, priorOf, opts.BoundRandom, a.mulcovBound)
	if err := a.validateEtaScaling(priorOf); err != nil {
		return nil, err
	}

	subgroupsOfGroup := map[table.GroupID][]table.SubgroupID{}
	groupOfSubgroup := map[table.SubgroupID]table.GroupID{}
	for _, sg := range in.Subgroup {
		subgroupsOfGroup[sg.GroupID] = append(subgroupsOfGroup[sg.GroupID], sg.ID)
		groupOfSubgroup[sg.ID] = sg.GroupID
	}

	nodeCovWeight := map[table.NodeID]map[table.CovariateID]float64{}
	for _, r := range in.NodeCov {
		if nodeCovWeight[r.NodeID] == nil {
			nodeCovWeight[r.NodeID] = map[table.CovariateID]float64{}
		}
		nodeCovWeight[r.NodeID][r.CovariateID] = r.Weight
	}

	mulcovGrid := map[table.MulcovID]*smoothgrid.Grid{}
	subGrid := map[table.MulcovID]*smoothgrid.Grid{}
	mulcovByIntegrand := map[table.IntegrandID]table.MulcovID{}
	for _, mc := range in.Mulcov {
		if mc.GroupSmoothID.Valid() {
			mulcovGrid[mc.ID] = a.Grids[mc.GroupSmoothID]
		}
		if mc.SubgroupSmooth.Valid() {
			subGrid[mc.ID] = a.Grids[mc.SubgroupSmooth]
		}
		if mc.Type != table.RateValue && mc.IntegrandID.Valid() {
			mulcovByIntegrand[mc.IntegrandID] = mc.ID
		}
	}

	rateCase, err := parseRateCase(opts.RateCase)
	if err != nil {
		return nil, err
	}

	model := &integrand.Model{
		Packer:            packer,
		RateCase:          rateCase,
		Integrands:        map[table.IntegrandID]table.Integrand{},
		Mulcovs:           in.Mulcov,
		MulcovGrid:        mulcovGrid,
		SubGrid:           subGrid,
		SubgroupsOfGroup:  subgroupsOfGroup,
		GroupOfSubgroup:   groupOfSubgroup,
		NodeCovWeight:     nodeCovWeight,
		MulcovByIntegrand: mulcovByIntegrand,
	}
	for _, integ := range in.Integrand {
		model.Integrands[integ.ID] = integ
	}
	childIndexOf := map[table.NodeID]int{}
	for i, n := range a.ChildNodes {
		childIndexOf[n] = i
	}
	for _, r := range in.Rate {
		if !r.ParentSmoothID.Valid() {
			continue
		}
		rCopy := r
		model.Rates[r.Kind] = integrand.RateSet{
			Row:        rCopy,
			ParentGrid: a.Grids[r.ParentSmoothID],
			ChildGridOf: func(nodeID table.NodeID) (*smoothgrid.Grid, int, bool) {
				sid := nodeSmooth(rCopy, nodeID)
				if !sid.Valid() {
					return nil, 0, false
				}
				idx, ok := childIndexOf[nodeID]
				if !ok {
					return nil, 0, false
				}
				return a.Grids[sid], idx, true
			},
		}
	}
	a.Model = model
	return a, nil
}

func (a *App) resolveParentNode() error {
	if a.Options.ParentNodeID >= 0 {
		a.ParentNode = table.NodeID(a.Options.ParentNodeID)
		return nil
	}
	for _, n := range a.In.Node {
		if n.Name == a.Options.ParentNodeName {
			a.ParentNode = n.ID
			return nil
		}
	}
	return fmt.Errorf("app: parent_node option names %q, not found in node table", a.Options.ParentNodeName)
}

// boundMulcovVarIDs expands bnd_mulcov rows (keyed by mulcov id) into
// a per-packed-variable override map, covering the group-level
// rate/meas_value/meas_noise blocks a mulcov owns.
func (a *App) boundMulcovVarIDs(priorOf map[table.PriorID]table.Prior) map[int]float64 {
	out := map[int]float64{}
	for _, b := range a.In.BndMulcov {
		var block packvar.Block
		var ok bool
		for _, mc := range a.In.Mulcov {
			if mc.ID != b.MulcovID {
				continue
			}
			switch mc.Type {
			case table.RateValue:
				block, ok = a.Packer.GroupRateValueInfo(mc.ID)
			case table.MeasValue:
				block, ok = a.Packer.GroupMeasValueInfo(mc.ID)
			case table.MeasNoise:
				block, ok = a.Packer.GroupMeasNoiseInfo(mc.ID)
			}
		}
		if !ok {
			continue
		}
		for i := 0; i < block.NAge; i++ {
			for j := 0; j < block.NTime; j++ {
				out[block.VarID(i, j)] = b.MaxAbs
			}
		}
	}
	_ = priorOf
	return out
}

func parseRateCase(s string) (odesolver.RateCase, error) {
	switch s {
	case "iota_zero_rho_zero":
		return odesolver.IotaZeroRhoZero, nil
	case "iota_zero_rho_pos":
		return odesolver.IotaZeroRhoPos, nil
	case "iota_pos_rho_zero":
		return odesolver.IotaPosRhoZero, nil
	case "iota_pos_rho_pos":
		return odesolver.IotaPosRhoPos, nil
	default:
		return "", fmt.Errorf("app: unrecognized rate_case %q", s)
	}
}

func sortedValues(m map[table.ID]float64) []float64 {
	ids := make([]table.ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return m[ids[i]] < m[ids[j]] })
	out := make([]float64, len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	return out
}

// DataRows builds the fitdriver.RowEval list for every non-excluded
// data row. Integrands with NeedsODE but an invalid rate_case, or
// covariates out of max_diff, are excluded upstream by the table
// loader; this assembly step assumes in.Data already reflects that.
func (a *App) DataRows() []fitdriver.RowEval {
	covByData := map[table.DataID]map[table.CovariateID]float64{}
	for _, c := range a.In.DataCovValue {
		if covByData[c.DataID] == nil {
			covByData[c.DataID] = map[table.CovariateID]float64{}
		}
		covByData[c.DataID][c.CovariateID] = c.Value
	}
	groupOfSubgroup := a.Model.GroupOfSubgroup
	out := make([]fitdriver.RowEval, 0, len(a.In.Data))
	for _, row := range a.In.Data {
		w := a.WeightGrids[row.WeightID]
		if w == nil {
			w = quad.Constant()
		}
		out = append(out, fitdriver.RowEval{
			Row: row,
			Request: quad.Request{
				Obs:           row.Observation,
				Covariates:    covByData[row.ID],
				GroupID:       groupOfSubgroup[row.SubgroupID],
				IncludeRandom: true,
			},
			Weight: w,
		})
	}
	return out
}

// AvgintRows builds one quad.Request per avgint row, for the predict
// command: no measurement, just the model's prediction.
func (a *App) AvgintRows() ([]table.Avgint, []quad.Request) {
	covByRow := map[table.AvgintID]map[table.CovariateID]float64{}
	for _, c := range a.In.AvgintCovValue {
		if covByRow[c.AvgintID] == nil {
			covByRow[c.AvgintID] = map[table.CovariateID]float64{}
		}
		covByRow[c.AvgintID][c.CovariateID] = c.Value
	}
	groupOfSubgroup := a.Model.GroupOfSubgroup
	reqs := make([]quad.Request, len(a.In.Avgint))
	for i, row := range a.In.Avgint {
		reqs[i] = quad.Request{
			Obs:           row.Observation,
			Covariates:    covByRow[row.ID],
			GroupID:       groupOfSubgroup[row.SubgroupID],
			IncludeRandom: true,
		}
	}
	return a.In.Avgint, reqs
}

// WeightFor resolves the averaging weight grid for an observation,
// falling back to the built-in constant weight.
func (a *App) WeightFor(weightID table.WeightID) *quad.Grid {
	if g, ok := a.WeightGrids[weightID]; ok {
		return g
	}
	return quad.Constant()
}

// DefaultStartVar builds the start_var table's default contents: each
// variable's value prior mean, clamped into its box, or its
// const_value when it has one.
func (a *App) DefaultStartVar() []float64 {
	n := a.Packer.Size()
	out := make([]float64, n)
	for v := 0; v < n; v++ {
		if c, ok := a.Priors.ConstValue(v); ok {
			out[v] = c
			continue
		}
		mean := 0.0
		if prID := a.Priors.ValuePriorID(v); prID.Valid() {
			if pr, ok := a.priorOf[prID]; ok {
				mean = pr.Mean
			}
		}
		lower, upper := a.Priors.Bounds(v)
		if mean < lower {
			mean = lower
		}
		if mean > upper {
			mean = upper
		}
		out[v] = mean
	}
	return out
}

// validateEtaScaling enforces the construction-time rule every fixed
// effect scaled by a non-null value-prior eta must satisfy: lower+eta
// must be strictly positive, so the scaled coordinate's transform
// (fitdriver.ScaleVar) stays a bijection over the whole box. Violating
// this is fatal, the same way a malformed smoothing grid is fatal at
// Build time.
func (a *App) validateEtaScaling(priorOf map[table.PriorID]table.Prior) error {
	for v := 0; v < a.Packer.Size(); v++ {
		if !a.Priors.FixedEffect(v) {
			continue
		}
		prID := a.Priors.ValuePriorID(v)
		if !prID.Valid() {
			continue
		}
		pr, ok := priorOf[prID]
		if !ok || !pr.HasEta() {
			continue
		}
		if pr.Lower+pr.Eta <= 0 {
			return fmt.Errorf("app: variable %d: value prior %q has eta %g incompatible with lower bound %g (lower+eta must be > 0)", v, pr.Name, pr.Eta, pr.Lower)
		}
	}
	return nil
}

// PriorRows exposes the prior table keyed by id, for building a
// fitdriver.Problem.
func (a *App) PriorRows() map[table.PriorID]table.Prior { return a.priorOf }

// PriorsWithBoundRandom rebuilds the prior index with bound_random
// overridden, for "fit fixed"/"sample fixed", which pass 0 so that
// priorindex.Index.Bounds clips every non-constant random effect's box
// to [0, 0] and the random effects stay at zero.
func (a *App) PriorsWithBoundRandom(boundRandom float64) *priorindex.Index {
	return priorindex.Build(a.Packer, a.Grids, a.priorOf, boundRandom, a.mulcovBound)
}

// IntegrandKindOf resolves an integrand_id to its expression kind.
func (a *App) IntegrandKindOf(id table.IntegrandID) table.IntegrandKind {
	for _, r := range a.In.Integrand {
		if r.ID == id {
			return r.Kind
		}
	}
	return table.IntegrandKind(-1)
}

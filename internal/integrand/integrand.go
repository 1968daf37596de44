// Package integrand implements the adjusted integrand evaluator.
// Given a line of (age,time) points it assembles rate functions with
// covariate effects, random effects and measurement-noise effects,
// dispatching to the cohort ODE solver when the requested integrand
// needs it.
package integrand

import (
	"fmt"
	"math"

	"dismod.dev/core/internal/odesolver"
	"dismod.dev/core/internal/packvar"
	"dismod.dev/core/internal/smoothgrid"
	"dismod.dev/core/internal/table"
)

// NumericalError reports a non-finite adjusted rate/integrand, or a
// non-positive S+C where prevalence is required. It carries the full
// point snapshot needed for diagnosis.
type NumericalError struct {
	Integrand table.IntegrandKind
	Age, Time float64
	S, C      float64
	Iota, Rho, Chi, Omega float64
	Reason    string
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("integrand: %s at (age=%g,time=%g): %s (S=%g,C=%g,iota=%g,rho=%g,chi=%g,omega=%g)",
		e.Integrand, e.Age, e.Time, e.Reason, e.S, e.C, e.Iota, e.Rho, e.Chi, e.Omega)
}

// CohortInvariantError reports a line that needed the ODE but was not
// a valid cohort.
type CohortInvariantError struct {
	Reason string
}

func (e *CohortInvariantError) Error() string { return "integrand: cohort invariant violated: " + e.Reason }

// RateSet is one model rate's wiring: its rate table row, its parent
// smoothing grid and the per-child smoothing grid lookup.
type RateSet struct {
	Row          table.Rate
	ParentGrid   *smoothgrid.Grid
	ChildGridOf  func(nodeID table.NodeID) (*smoothgrid.Grid, int, bool) // grid, child-index, ok
}

// Model is the static, per-fit-invocation wiring the evaluator uses.
type Model struct {
	Packer   *packvar.Packer
	Rates    [table.NumRates]RateSet // indexed by RateKind; a zero-value RateSet (nil ParentGrid) is an unmodeled rate
	RateCase odesolver.RateCase

	Integrands map[table.IntegrandID]table.Integrand
	Mulcovs    []table.Mulcov
	MulcovGrid map[table.MulcovID]*smoothgrid.Grid // group-level grid for fixed-effect mulcovs
	SubGrid    map[table.MulcovID]*smoothgrid.Grid // subgroup-level grid, if any

	// SubgroupsOfGroup lists the subgroup ids of a group in packer
	// local-index order matching the packer's per-subgroup block layout.
	SubgroupsOfGroup map[table.GroupID][]table.SubgroupID
	GroupOfSubgroup  map[table.SubgroupID]table.GroupID

	// NodeCovWeight resolves the per-node covariate weight map: the
	// weight to scale a covariate value by at a given node, falling
	// back to 1 (i.e. the raw covariate value) when no entry exists.
	NodeCovWeight map[table.NodeID]map[table.CovariateID]float64

	// MulcovByIntegrand resolves the "mulcov" integrand kind to the
	// multiplier it reports; absent means 0.
	MulcovByIntegrand map[table.IntegrandID]table.MulcovID
}

func (m *Model) covWeight(nodeID table.NodeID, covID table.CovariateID) float64 {
	if byNode, ok := m.NodeCovWeight[nodeID]; ok {
		if w, ok := byNode[covID]; ok {
			return w
		}
	}
	return 1
}

// Line is one evaluation request: parallel age/time coordinates plus
// the observation context (node, subgroup, group, covariate values).
type Line struct {
	Age, Time   []float64
	NodeID      table.NodeID // the data row's own node; random effects look up this node's child index
	SubgroupID  table.SubgroupID
	GroupID     table.GroupID
	Integrand   table.IntegrandID
	Covariates  map[table.CovariateID]float64
	// IncludeRandom controls whether a child random effect is added;
	// false evaluates the "parent only" line (used by, e.g., a
	// avgint row with no node-level random effect requested).
	IncludeRandom bool
}

func blockValue(grid *smoothgrid.Grid, block packvar.Block, vec []float64, age, t float64) float64 {
	return grid.Interpolate(age, t, func(i, j int) float64 {
		return vec[block.VarID(i, j)]
	})
}

// rateLine computes one rate's adjusted value (parent * exp(sum of
// effects)) at every point of the line.
func (m *Model) rateLine(kind table.RateKind, vec []float64, line Line) ([]float64, error) {
	rs := m.Rates[kind]
	if rs.ParentGrid == nil || !rs.Row.ParentSmoothID.Valid() {
		out := make([]float64, len(line.Age))
		return out, nil // unmodeled rate defaults to 0
	}
	n := len(line.Age)
	out := make([]float64, n)

	parentBlock, ok := m.Packer.NodeRateValueInfo(rs.Row.ID, m.Packer.NChild())
	if !ok {
		return nil, fmt.Errorf("integrand: rate %s has no parent block", rs.Row.Kind)
	}

	var childBlock packvar.Block
	var childGrid *smoothgrid.Grid
	haveChild := false
	if line.IncludeRandom && line.NodeID.Valid() && rs.ChildGridOf != nil {
		if g, childIdx, ok := rs.ChildGridOf(line.NodeID); ok {
			if b, ok := m.Packer.NodeRateValueInfo(rs.Row.ID, childIdx); ok {
				childBlock = b
				childGrid = g
				haveChild = true
			}
		}
	}

	// rate_value mulcovs affecting this rate, split group/subgroup.
	type mcEffect struct {
		mc  table.Mulcov
		cov float64
	}
	var groupEffects, subEffects []mcEffect
	for _, mc := range m.Mulcovs {
		if mc.Type != table.RateValue || mc.RateID != rs.Row.ID {
			continue
		}
		cv, ok := line.Covariates[mc.CovariateID]
		if !ok {
			continue
		}
		if mc.GroupSmoothID.Valid() {
			groupEffects = append(groupEffects, mcEffect{mc, cv})
		}
		if mc.SubgroupSmooth.Valid() && mc.GroupID == line.GroupID {
			subEffects = append(subEffects, mcEffect{mc, cv})
		}
	}

	for k := 0; k < n; k++ {
		age, t := line.Age[k], line.Time[k]
		parent := blockValue(rs.ParentGrid, parentBlock, vec, age, t)

		effect := 0.0
		if haveChild {
			effect += blockValue(childGrid, childBlock, vec, age, t)
		}
		for _, e := range groupEffects {
			grid := m.MulcovGrid[e.mc.ID]
			block, _ := m.Packer.GroupRateValueInfo(e.mc.ID)
			mult := blockValue(grid, block, vec, age, t)
			effect += mult * e.cov * m.covWeight(line.NodeID, e.mc.CovariateID)
		}
		for _, e := range subEffects {
			grid := m.SubGrid[e.mc.ID]
			local := subLocalIndex(m, e.mc, line.SubgroupID)
			block, _ := m.Packer.SubgroupRateValueInfo(e.mc.ID, local)
			mult := blockValue(grid, block, vec, age, t)
			effect += mult * e.cov * m.covWeight(line.NodeID, e.mc.CovariateID)
		}
		out[k] = parent * math.Exp(effect)
	}
	return out, nil
}

func subLocalIndex(m *Model, mc table.Mulcov, subgroupID table.SubgroupID) int {
	for i, s := range m.SubgroupsOfGroup[mc.GroupID] {
		if s == subgroupID {
			return i
		}
	}
	return 0
}

// Evaluate returns the adjusted integrand value at every point of
// line.
func (m *Model) Evaluate(vec []float64, line Line) ([]float64, error) {
	integ, ok := m.Integrands[line.Integrand]
	if !ok {
		return nil, fmt.Errorf("integrand: unknown integrand id %d", line.Integrand)
	}
	kind := integ.Kind
	n := len(line.Age)

	if kind == table.MulcovIntegrand {
		return m.evalMulcov(vec, line)
	}

	iotaL, err := m.rateLine(table.Iota, vec, line)
	if err != nil {
		return nil, err
	}
	rhoL, err := m.rateLine(table.Rho, vec, line)
	if err != nil {
		return nil, err
	}
	chiL, err := m.rateLine(table.Chi, vec, line)
	if err != nil {
		return nil, err
	}
	omegaL, err := m.rateLine(table.Omega, vec, line)
	if err != nil {
		return nil, err
	}
	for k := range iotaL {
		iotaL[k], rhoL[k] = m.RateCase.Apply(iotaL[k], rhoL[k])
	}

	var S, C []float64
	if kind.NeedsODE() {
		if err := checkCohort(line.Age, line.Time); err != nil {
			return nil, err
		}
		piniLine := Line{Age: []float64{line.Age[0]}, Time: []float64{line.Time[0]}, NodeID: line.NodeID, SubgroupID: line.SubgroupID, GroupID: line.GroupID, Covariates: line.Covariates, IncludeRandom: line.IncludeRandom}
		piniV, err := m.rateLine(table.Pini, vec, piniLine)
		if err != nil {
			return nil, err
		}
		res, err := odesolver.Integrate(line.Age, iotaL, rhoL, chiL, omegaL, piniV[0])
		if err != nil {
			return nil, &NumericalError{Integrand: kind, Age: line.Age[0], Time: line.Time[0], Reason: err.Error()}
		}
		S, C = res.S, res.C
	}

	out := make([]float64, n)
	for k := 0; k < n; k++ {
		iota, rho, chi, omega := iotaL[k], rhoL[k], chiL[k], omegaL[k]
		var v float64
		switch kind {
		case table.Sincidence:
			v = iota
		case table.Remission:
			v = rho
		case table.MtExcess:
			v = chi
		case table.MtOther:
			v = omega
		case table.MtWith:
			v = omega + chi
		case table.RelRisk:
			v = 1 + chi/omega
		case table.Susceptible:
			v = S[k]
		case table.WithC:
			v = C[k]
		case table.Prevalence, table.TIncidence, table.MtSpecific, table.MtAll, table.MtStandard:
			if S[k]+C[k] <= 0 {
				return nil, &NumericalError{Integrand: kind, Age: line.Age[k], Time: line.Time[k], S: S[k], C: C[k], Iota: iota, Rho: rho, Chi: chi, Omega: omega, Reason: "S+C <= 0 where prevalence is required"}
			}
			P := C[k] / (S[k] + C[k])
			switch kind {
			case table.Prevalence:
				v = P
			case table.TIncidence:
				v = iota * (1 - P)
			case table.MtSpecific:
				v = chi * P
			case table.MtAll:
				v = omega + chi*P
			case table.MtStandard:
				v = (omega + chi) / (omega + chi*P)
			}
		default:
			return nil, fmt.Errorf("integrand: unhandled integrand kind %s", kind)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &NumericalError{Integrand: kind, Age: line.Age[k], Time: line.Time[k], Iota: iota, Rho: rho, Chi: chi, Omega: omega, Reason: "non-finite adjusted integrand"}
		}
		out[k] = v
	}

	return m.applyMeasurementEffects(vec, line, out)
}

// evalMulcov implements the "mulcov" integrand kind: it reports the
// interpolated value of the fixed-effect multiplier named by
// MulcovByIntegrand, or 0 where no such association exists.
func (m *Model) evalMulcov(vec []float64, line Line) ([]float64, error) {
	n := len(line.Age)
	out := make([]float64, n)
	mcID, ok := m.MulcovByIntegrand[line.Integrand]
	if !ok {
		return out, nil
	}
	var mc table.Mulcov
	found := false
	for _, c := range m.Mulcovs {
		if c.ID == mcID {
			mc, found = c, true
			break
		}
	}
	if !found {
		return out, nil
	}
	grid, ok := m.MulcovGrid[mcID]
	if !ok {
		return out, nil
	}
	var block packvar.Block
	switch mc.Type {
	case table.RateValue:
		block, ok = m.Packer.GroupRateValueInfo(mcID)
	case table.MeasValue:
		block, ok = m.Packer.GroupMeasValueInfo(mcID)
	case table.MeasNoise:
		block, ok = m.Packer.GroupMeasNoiseInfo(mcID)
	}
	if !ok {
		return out, nil
	}
	for k := 0; k < n; k++ {
		out[k] = blockValue(grid, block, vec, line.Age[k], line.Time[k])
	}
	return out, nil
}

// applyMeasurementEffects adds the group_meas_value and
// subgroup_meas_value covariate effects in log space, then multiplies
// them back into linear space.
func (m *Model) applyMeasurementEffects(vec []float64, line Line, raw []float64) ([]float64, error) {
	n := len(raw)
	effect := make([]float64, n)
	for _, mc := range m.Mulcovs {
		if mc.Type != table.MeasValue || mc.IntegrandID != line.Integrand {
			continue
		}
		cv, ok := line.Covariates[mc.CovariateID]
		if !ok {
			continue
		}
		w := m.covWeight(line.NodeID, mc.CovariateID)
		if mc.GroupSmoothID.Valid() {
			grid := m.MulcovGrid[mc.ID]
			block, _ := m.Packer.GroupMeasValueInfo(mc.ID)
			for k := 0; k < n; k++ {
				effect[k] += blockValue(grid, block, vec, line.Age[k], line.Time[k]) * cv * w
			}
		}
		if mc.SubgroupSmooth.Valid() && line.SubgroupID.Valid() {
			grid := m.SubGrid[mc.ID]
			local := subLocalIndex(m, mc, line.SubgroupID)
			block, _ := m.Packer.SubgroupMeasValueInfo(mc.ID, local)
			for k := 0; k < n; k++ {
				effect[k] += blockValue(grid, block, vec, line.Age[k], line.Time[k]) * cv * w
			}
		}
	}
	out := make([]float64, n)
	for k := range out {
		out[k] = raw[k] * math.Exp(effect[k])
	}
	return out, nil
}

// checkCohort enforces the cohort invariant: ages strictly
// increasing, age[0] == age_min is the caller's job to ensure before
// calling (we only check internal consistency: monotone ages and
// constant time-age offset), and time-age constant across k.
func checkCohort(age, t []float64) error {
	if len(age) != len(t) || len(age) == 0 {
		return &CohortInvariantError{Reason: "empty or mismatched age/time line"}
	}
	offset := t[0] - age[0]
	for k := 1; k < len(age); k++ {
		if age[k] <= age[k-1] {
			return &CohortInvariantError{Reason: "age sequence not strictly increasing"}
		}
		if math.Abs((t[k]-age[k])-offset) > 1e-9 {
			return &CohortInvariantError{Reason: "time - age not constant across the line"}
		}
	}
	return nil
}

// Package priorindex implements per-variable prior lookup and
// difference-partner resolution.
package priorindex

import (
	"math"

	"dismod.dev/core/internal/packvar"
	"dismod.dev/core/internal/smoothgrid"
	"dismod.dev/core/internal/table"
)

// Index is the built prior lookup table, one entry per packed variable.
type Index struct {
	packer *packvar.Packer
	grids  map[table.SmoothID]*smoothgrid.Grid
	priors map[table.PriorID]table.Prior

	boundRandom float64
	// mulcovBound maps a fixed-effect covariate-multiplier var id to
	// its tightened bound-table maximum absolute value.
	mulcovBound map[int]float64

	entries []entry
}

type entry struct {
	smoothID   table.SmoothID // NoID for mulstd variables
	valuePrior table.PriorID
	constValue float64
	hasConst   bool
	dagePrior  table.PriorID
	dtimePrior table.PriorID
	dageVarID  int // -1 if none
	dtimeVarID int // -1 if none
	fixed      bool
}

// Build constructs the prior index for every variable packer knows
// about, given the built smoothing grids and prior table.
func Build(packer *packvar.Packer, grids map[table.SmoothID]*smoothgrid.Grid, priors map[table.PriorID]table.Prior, boundRandom float64, mulcovBound map[int]float64) *Index {
	n := packer.Size()
	entries := make([]entry, n)
	for v := 0; v < n; v++ {
		smoothID, ai, ti, isMulstd := packer.CellInfo(v)
		fixed := packer.FixedEffect(v)
		e := entry{smoothID: smoothID, fixed: fixed, dageVarID: -1, dtimeVarID: -1}
		if isMulstd || smoothID == table.NoID {
			e.smoothID = table.NoID
			e.dagePrior, e.dtimePrior = table.NoID, table.NoID
			entries[v] = e
			continue
		}
		g := grids[smoothID]
		cell := g.Cell(ai, ti)
		e.valuePrior, e.constValue, e.hasConst = cell.ValuePrior, cell.ConstValue, cell.HasConst
		e.dagePrior, e.dtimePrior = cell.DagePrior, cell.DtimePrior
		if cell.DagePrior.Valid() {
			e.dageVarID = v + g.NTime()
		}
		if cell.DtimePrior.Valid() {
			e.dtimeVarID = v + 1
		}
		entries[v] = e
	}
	return &Index{packer: packer, grids: grids, priors: priors, boundRandom: boundRandom, mulcovBound: mulcovBound, entries: entries}
}

// SmoothID returns the smoothing owning varID, or table.NoID for a
// standard-deviation-multiplier variable.
func (x *Index) SmoothID(varID int) table.SmoothID { return x.entries[varID].smoothID }

// ValuePriorID and ConstValue: exactly one of the two is defined.
func (x *Index) ValuePriorID(varID int) table.PriorID { return x.entries[varID].valuePrior }
func (x *Index) ConstValue(varID int) (float64, bool) {
	e := x.entries[varID]
	return e.constValue, e.hasConst
}

// DagePriorID is NoID if varID sits at the maximum age of its
// smoothing (or is a mulstd variable).
func (x *Index) DagePriorID(varID int) table.PriorID { return x.entries[varID].dagePrior }

// DtimePriorID is NoID if varID sits at the maximum time of its
// smoothing.
func (x *Index) DtimePriorID(varID int) table.PriorID { return x.entries[varID].dtimePrior }

// DageVarID returns varID + n_time_of_smoothing, or -1 if no dage
// prior governs varID.
func (x *Index) DageVarID(varID int) int { return x.entries[varID].dageVarID }

// DtimeVarID returns varID + 1, or -1 if no dtime prior governs varID.
func (x *Index) DtimeVarID(varID int) int { return x.entries[varID].dtimeVarID }

// FixedEffect reports whether varID is in the fixed-effect block.
func (x *Index) FixedEffect(varID int) bool { return x.entries[varID].fixed }

// MaxAbs returns the variable's bound-random or covariate-bound
// override: +inf for fixed effects unless a bound_mulcov
// row tightens it; bound_random for random effects unless the value
// prior has lower==upper (then the bound is irrelevant, the variable
// is constant).
func (x *Index) MaxAbs(varID int) float64 {
	e := x.entries[varID]
	if e.fixed {
		if b, ok := x.mulcovBound[varID]; ok {
			return b
		}
		return math.Inf(1)
	}
	if e.hasConst {
		return math.Inf(1)
	}
	if pr, ok := x.priors[e.valuePrior]; ok && pr.Lower == pr.Upper {
		return math.Inf(1)
	}
	return x.boundRandom
}

// IsConstant reports whether varID is a fixed number, not a degree of
// freedom: a const_value cell, or lower==upper on its
// value prior.
func (x *Index) IsConstant(varID int) bool {
	e := x.entries[varID]
	if e.hasConst {
		return true
	}
	pr, ok := x.priors[e.valuePrior]
	return ok && pr.Lower == pr.Upper
}

// Bounds returns the value prior's (lower, upper) clipped to
// [-MaxAbs, MaxAbs], so bound_random limits random effects and
// bound_mulcov rows limit the multipliers they cover; it returns (c,c)
// if the variable is a const_value cell.
func (x *Index) Bounds(varID int) (lower, upper float64) {
	e := x.entries[varID]
	if e.hasConst {
		return e.constValue, e.constValue
	}
	pr := x.priors[e.valuePrior]
	m := x.MaxAbs(varID)
	return math.Max(pr.Lower, -m), math.Min(pr.Upper, m)
}

// DiffConstraint is one entry of the difference-constraints list:
// var[PlusVarID] - var[MinusVarID] in [Lower, Upper].
type DiffConstraint struct {
	PlusVarID, MinusVarID int
	PriorID               table.PriorID
	Lower, Upper          float64
	IsDage                bool // false means it is a dtime constraint
}

// DifferenceConstraints derives the list: one entry per variable with
// a non-null dage or dtime prior whose lower/upper are finite.
func (x *Index) DifferenceConstraints() []DiffConstraint {
	var out []DiffConstraint
	for v, e := range x.entries {
		if e.dagePrior.Valid() {
			pr := x.priors[e.dagePrior]
			if !math.IsInf(pr.Lower, 0) && !math.IsInf(pr.Upper, 0) {
				out = append(out, DiffConstraint{PlusVarID: e.dageVarID, MinusVarID: v, PriorID: e.dagePrior, Lower: pr.Lower, Upper: pr.Upper, IsDage: true})
			}
		}
		if e.dtimePrior.Valid() {
			pr := x.priors[e.dtimePrior]
			if !math.IsInf(pr.Lower, 0) && !math.IsInf(pr.Upper, 0) {
				out = append(out, DiffConstraint{PlusVarID: e.dtimeVarID, MinusVarID: v, PriorID: e.dtimePrior, Lower: pr.Lower, Upper: pr.Upper, IsDage: false})
			}
		}
	}
	return out
}

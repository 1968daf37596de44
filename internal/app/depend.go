package app

import (
	"gonum.org/v1/gonum/stat"

	"dismod.dev/core/internal/table"
)

// VarDependency is one row of the depend command's report: whether a
// packed variable is reachable from any non-held-out data row through
// its owning smoothing, whether it carries a non-uniform prior, and
// the mean/spread of the ages of the data rows that reached it.
type VarDependency struct {
	VarID       int
	UsedByData  bool
	UsedByPrior bool
	MeanAge     float64
	StdAge      float64
}

// Depend reports, for every packed variable, whether it is exercised
// by the model. A variable counts as used by data if its owning
// smoothing is a rate's parent or child smoothing and some
// non-held-out data row observes an integrand of that rate's kind; it
// counts as used by prior if its value prior is not uniform.
func (a *App) Depend() []VarDependency {
	reachedBySmooth := map[table.SmoothID]bool{}
	ageBySmooth := map[table.SmoothID][]float64{}
	for _, re := range a.DataRows() {
		if re.Row.HoldOut {
			continue
		}
		mid := 0.5 * (re.Row.AgeLower + re.Row.AgeUpper)
		ik := a.IntegrandKindOf(re.Row.IntegrandID)
		for _, r := range a.In.Rate {
			if !rateFeedsIntegrand(r.Kind, ik) {
				continue
			}
			if r.ParentSmoothID.Valid() {
				reachedBySmooth[r.ParentSmoothID] = true
				ageBySmooth[r.ParentSmoothID] = append(ageBySmooth[r.ParentSmoothID], mid)
			}
			if r.ChildSmoothID.Valid() {
				reachedBySmooth[r.ChildSmoothID] = true
				ageBySmooth[r.ChildSmoothID] = append(ageBySmooth[r.ChildSmoothID], mid)
			}
		}
	}

	n := a.Packer.Size()
	out := make([]VarDependency, n)
	for v := 0; v < n; v++ {
		smoothID, _, _, isMulstd := a.Packer.CellInfo(v)
		dep := VarDependency{VarID: v}
		if !isMulstd {
			dep.UsedByData = reachedBySmooth[smoothID]
			if ages := ageBySmooth[smoothID]; len(ages) > 0 {
				dep.MeanAge = stat.Mean(ages, nil)
				if len(ages) > 1 {
					dep.StdAge = stat.StdDev(ages, nil)
				}
			}
		}
		if prID := a.Priors.ValuePriorID(v); prID.Valid() {
			if pr, ok := a.priorOf[prID]; ok && !pr.IsUniform() {
				dep.UsedByPrior = true
			}
		}
		out[v] = dep
	}
	return out
}

// rateFeedsIntegrand is a coarse reachability rule: an integrand that
// needs the ODE can in principle depend on every rate, since mtall,
// mtspecific and the prevalence-weighted kinds all read the solved
// cohort; Sincidence, remission, mtexcess and mtother depend only on
// iota, rho, chi and omega respectively; every other integrand (mtwith,
// relrisk, mulcov) is treated as depending on every rate. This
// over-approximates true reachability in exchange for a cheap,
// data-row-local check with no ODE evaluation.
func rateFeedsIntegrand(kind table.RateKind, ik table.IntegrandKind) bool {
	if ik.NeedsODE() {
		return true
	}
	switch ik {
	case table.Sincidence:
		return kind == table.Iota
	case table.Remission:
		return kind == table.Rho
	case table.MtExcess:
		return kind == table.Chi
	case table.MtOther:
		return kind == table.Omega
	default:
		return true
	}
}

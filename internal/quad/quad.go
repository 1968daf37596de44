// Package quad implements the weighted average of an adjusted
// integrand over an observation's age/time rectangle.
//
// The rectangle is sampled on the age and time table's own points that
// fall strictly inside [age_lower,age_upper] and [time_lower,
// time_upper], plus the rectangle's own corners: quadrature resolution
// follows wherever the model's own age/time tables already have
// structure, with no separate subdivision count to configure.
// Integrands needing the ODE are evaluated one birth cohort per time
// sample (the time coordinate advances with age at a fixed offset,
// preserving the cohort invariant the integrand package enforces);
// integrands that don't need the ODE are evaluated directly on the
// full age×time product grid.
package quad

import (
	"sort"

	"gonum.org/v1/gonum/floats"

	"dismod.dev/core/internal/integrand"
	"dismod.dev/core/internal/table"
)

// Request bundles one observation's averaging context.
type Request struct {
	Obs           table.Observation
	Covariates    map[table.CovariateID]float64
	GroupID       table.GroupID
	IncludeRandom bool
}

// Average computes the weighted average of the integrand named in
// req.Obs.IntegrandID over the observation rectangle, using ageTable
// and timeTable (the full sorted sets of model age/time values) to
// build the quadrature grid and weight for the averaging weight.
func Average(model *integrand.Model, vec []float64, weight *Grid, req Request, ageTable, timeTable []float64) (float64, error) {
	ages := refinePoints(req.Obs.AgeLower, req.Obs.AgeUpper, ageTable)
	times := refinePoints(req.Obs.TimeLower, req.Obs.TimeUpper, timeTable)

	integ, ok := model.Integrands[req.Obs.IntegrandID]
	if !ok {
		return 0, errUnknownIntegrand(req.Obs.IntegrandID)
	}

	var val [][]float64 // [age index][time index]
	if integ.Kind.NeedsODE() {
		val = make([][]float64, len(ages))
		for i := range val {
			val[i] = make([]float64, len(times))
		}
		for j, tj := range times {
			offset := tj - ages[0]
			cohortTimes := make([]float64, len(ages))
			for i, a := range ages {
				cohortTimes[i] = a + offset
			}
			line := integrand.Line{
				Age: ages, Time: cohortTimes,
				NodeID: req.Obs.NodeID, SubgroupID: req.Obs.SubgroupID, GroupID: req.GroupID,
				Integrand: req.Obs.IntegrandID, Covariates: req.Covariates, IncludeRandom: req.IncludeRandom,
			}
			out, err := model.Evaluate(vec, line)
			if err != nil {
				return 0, err
			}
			for i := range ages {
				val[i][j] = out[i]
			}
		}
	} else {
		n := len(ages) * len(times)
		flatAge := make([]float64, 0, n)
		flatTime := make([]float64, 0, n)
		for _, a := range ages {
			for _, t := range times {
				flatAge = append(flatAge, a)
				flatTime = append(flatTime, t)
			}
		}
		line := integrand.Line{
			Age: flatAge, Time: flatTime,
			NodeID: req.Obs.NodeID, SubgroupID: req.Obs.SubgroupID, GroupID: req.GroupID,
			Integrand: req.Obs.IntegrandID, Covariates: req.Covariates, IncludeRandom: req.IncludeRandom,
		}
		out, err := model.Evaluate(vec, line)
		if err != nil {
			return 0, err
		}
		val = make([][]float64, len(ages))
		for i := range ages {
			val[i] = out[i*len(times) : (i+1)*len(times)]
		}
	}

	wA := trapzWeights(ages)
	wT := trapzWeights(times)

	rowNum := make([]float64, len(ages))
	rowDen := make([]float64, len(ages))
	wRow := make([]float64, len(times))
	for i, a := range ages {
		for j, t := range times {
			wRow[j] = wT[j] * weight.Value(a, t)
		}
		rowNum[i] = floats.Dot(wRow, val[i])
		rowDen[i] = floats.Sum(wRow)
	}
	num := floats.Dot(wA, rowNum)
	den := floats.Dot(wA, rowDen)
	if den == 0 {
		return 0, errZeroWeight()
	}
	return num / den, nil
}

// refinePoints returns lower, every table point strictly between
// lower and upper (sorted, table already sorted), and upper; lower ==
// upper collapses to the single point.
func refinePoints(lower, upper float64, table []float64) []float64 {
	if lower >= upper {
		return []float64{lower}
	}
	out := []float64{lower}
	lo := sort.SearchFloat64s(table, lower)
	for ; lo < len(table) && table[lo] <= lower; lo++ {
	}
	for ; lo < len(table) && table[lo] < upper; lo++ {
		out = append(out, table[lo])
	}
	out = append(out, upper)
	return out
}

// trapzWeights returns the composite-trapezoidal-rule node weights for
// the (not necessarily uniform) points xs.
func trapzWeights(xs []float64) []float64 {
	n := len(xs)
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := 0; i < n-1; i++ {
		h := xs[i+1] - xs[i]
		w[i] += h / 2
		w[i+1] += h / 2
	}
	return w
}

type unknownIntegrandError struct{ id table.IntegrandID }

func (e unknownIntegrandError) Error() string { return "quad: unknown integrand id" }
func errUnknownIntegrand(id table.IntegrandID) error { return unknownIntegrandError{id} }

type zeroWeightError struct{}

func (zeroWeightError) Error() string { return "quad: averaging weight integrates to zero over the rectangle" }
func errZeroWeight() error { return zeroWeightError{} }

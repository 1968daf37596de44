package quad

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/interp"

	"dismod.dev/core/internal/table"
)

// Grid is a plain age/time averaging-weight value grid,
// bilinear-interpolated with boundary clamping exactly like a
// smoothing grid, but carrying raw float64 values instead of prior
// references: weight grids have no degrees of freedom. A grid that is
// constant in one dimension (n_age==1 or n_time==1, the common case
// for a weight that only varies with age) is truly 1-D; that case is
// fitted with interp.PiecewiseLinear instead of the hand-written
// bilinear path, since a genuine 1-D interpolant is exactly the shape
// gonum/interp covers.
type Grid struct {
	ages, times []float64
	values      [][]float64 // [age index][time index]

	oneD     *interp.PiecewiseLinear
	oneDOverAge bool // true: oneD is indexed by age; false: by time
}

// Constant returns the built-in weight that is 1 everywhere, used
// by an observation whose weight_id is NULL.
func Constant() *Grid {
	return &Grid{ages: []float64{0}, times: []float64{0}, values: [][]float64{{1}}}
}

// Build constructs a Grid from a weight table's rows.
func Build(w table.Weight, rows []table.WeightGrid, ageOf map[table.AgeID]float64, timeOf map[table.TimeID]float64) (*Grid, error) {
	ageSet := map[table.AgeID]bool{}
	timeSet := map[table.TimeID]bool{}
	for _, r := range rows {
		ageSet[r.AgeID] = true
		timeSet[r.TimeID] = true
	}
	ageIDs := make([]table.AgeID, 0, len(ageSet))
	for a := range ageSet {
		ageIDs = append(ageIDs, a)
	}
	sort.Slice(ageIDs, func(i, j int) bool { return ageOf[ageIDs[i]] < ageOf[ageIDs[j]] })
	timeIDs := make([]table.TimeID, 0, len(timeSet))
	for t := range timeSet {
		timeIDs = append(timeIDs, t)
	}
	sort.Slice(timeIDs, func(i, j int) bool { return timeOf[timeIDs[i]] < timeOf[timeIDs[j]] })

	if len(ageIDs) != w.NAge || len(timeIDs) != w.NTime {
		return nil, fmt.Errorf("quad: weight %d: stated (n_age=%d,n_time=%d) does not match unique grid rows (%d,%d)",
			w.ID, w.NAge, w.NTime, len(ageIDs), len(timeIDs))
	}

	ageIndex := make(map[table.AgeID]int, len(ageIDs))
	for i, a := range ageIDs {
		ageIndex[a] = i
	}
	timeIndex := make(map[table.TimeID]int, len(timeIDs))
	for j, t := range timeIDs {
		timeIndex[t] = j
	}

	values := make([][]float64, len(ageIDs))
	seen := make([][]bool, len(ageIDs))
	for i := range values {
		values[i] = make([]float64, len(timeIDs))
		seen[i] = make([]bool, len(timeIDs))
	}
	for _, r := range rows {
		i, j := ageIndex[r.AgeID], timeIndex[r.TimeID]
		if seen[i][j] {
			return nil, fmt.Errorf("quad: weight %d: (age_id=%d,time_id=%d) appears more than once", w.ID, r.AgeID, r.TimeID)
		}
		seen[i][j] = true
		values[i][j] = r.Weight
	}
	for i := range seen {
		for j := range seen[i] {
			if !seen[i][j] {
				return nil, fmt.Errorf("quad: weight %d: missing cell (age index %d, time index %d)", w.ID, i, j)
			}
		}
	}

	ages := make([]float64, len(ageIDs))
	for i, a := range ageIDs {
		ages[i] = ageOf[a]
	}
	times := make([]float64, len(timeIDs))
	for j, t := range timeIDs {
		times[j] = timeOf[t]
	}
	g := &Grid{ages: ages, times: times, values: values}
	switch {
	case len(times) == 1 && len(ages) > 1:
		col := make([]float64, len(ages))
		for i := range ages {
			col[i] = values[i][0]
		}
		var pl interp.PiecewiseLinear
		if err := pl.Fit(ages, col); err == nil {
			g.oneD, g.oneDOverAge = &pl, true
		}
	case len(ages) == 1 && len(times) > 1:
		var pl interp.PiecewiseLinear
		if err := pl.Fit(times, values[0]); err == nil {
			g.oneD, g.oneDOverAge = &pl, false
		}
	}
	return g, nil
}

// Value interpolates the grid at (age,time), clamping to the grid's
// own boundary: the 1-D case uses interp.PiecewiseLinear, the general
// case a hand-written clamped bilinear lookup.
func (g *Grid) Value(age, t float64) float64 {
	if g.oneD != nil {
		x := t
		lo, hi := g.times[0], g.times[len(g.times)-1]
		if g.oneDOverAge {
			x, lo, hi = age, g.ages[0], g.ages[len(g.ages)-1]
		}
		if x < lo {
			x = lo
		}
		if x > hi {
			x = hi
		}
		return g.oneD.Predict(x)
	}
	ai, afrac := locate(g.ages, age)
	ti, tfrac := locate(g.times, t)
	na, nt := len(g.ages), len(g.times)
	ai1, ti1 := ai, ti
	if ai+1 < na {
		ai1 = ai + 1
	}
	if ti+1 < nt {
		ti1 = ti + 1
	}
	v00 := g.values[ai][ti]
	v10 := g.values[ai1][ti]
	v01 := g.values[ai][ti1]
	v11 := g.values[ai1][ti1]
	v0 := v00 + afrac*(v10-v00)
	v1 := v01 + afrac*(v11-v01)
	return v0 + tfrac*(v1-v0)
}

func locate(xs []float64, x float64) (idx int, frac float64) {
	n := len(xs)
	if x <= xs[0] {
		return 0, 0
	}
	if x >= xs[n-1] {
		return n - 1, 0
	}
	i := sort.Search(n, func(i int) bool { return xs[i] >= x })
	if xs[i] == x {
		return i, 0
	}
	lo, hi := i-1, i
	return lo, (x - xs[lo]) / (xs[hi] - xs[lo])
}

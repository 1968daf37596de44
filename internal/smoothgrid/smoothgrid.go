// Package smoothgrid implements the per-smoothing rectangular
// age/time grid with value, forward-age-difference and
// forward-time-difference priors.
package smoothgrid

import (
	"fmt"
	"sort"

	"dismod.dev/core/internal/table"
)

// Cell is one grid point's prior references.
type Cell struct {
	ValuePrior table.PriorID // NoID if ConstValue is used
	DagePrior  table.PriorID // NoID on the last age row, or if const
	DtimePrior table.PriorID // NoID on the last time column, or if const
	ConstValue float64
	HasConst   bool
}

// IsConstant reports whether this cell contributes no degree of
// freedom.
func (c Cell) IsConstant(priorLowerEqualsUpper func(table.PriorID) bool) bool {
	if c.HasConst {
		return true
	}
	return c.ValuePrior.Valid() && priorLowerEqualsUpper(c.ValuePrior)
}

// Grid is one built smoothing: its sorted unique age/time id sets and
// the dense cell table over their Cartesian product.
type Grid struct {
	SmoothID table.SmoothID
	AgeIDs   []table.AgeID // strictly increasing by underlying age value
	TimeIDs  []table.TimeID
	ageVal   map[table.AgeID]float64
	timeVal  map[table.TimeID]float64
	cells    [][]Cell // [age index][time index]
}

// NAge and NTime return the grid's dimensions.
func (g *Grid) NAge() int  { return len(g.AgeIDs) }
func (g *Grid) NTime() int { return len(g.TimeIDs) }

// Cell returns the grid point at (age index i, time index j).
func (g *Grid) Cell(i, j int) Cell { return g.cells[i][j] }

// AgeValue and TimeValue return the underlying table value for a grid
// index.
func (g *Grid) AgeValue(i int) float64  { return g.ageVal[g.AgeIDs[i]] }
func (g *Grid) TimeValue(j int) float64 { return g.timeVal[g.TimeIDs[j]] }

// Build constructs a Grid for one smoothing id from its raw rows.
func Build(sm table.Smooth, rows []table.SmoothGrid, ageOf map[table.AgeID]float64, timeOf map[table.TimeID]float64) (*Grid, error) {
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

	if len(ageIDs) != sm.NAge || len(timeIDs) != sm.NTime {
		return nil, fmt.Errorf("smoothgrid: smoothing %d: stated (n_age=%d,n_time=%d) does not match unique grid rows (%d,%d)",
			sm.ID, sm.NAge, sm.NTime, len(ageIDs), len(timeIDs))
	}

	ageIndex := make(map[table.AgeID]int, len(ageIDs))
	for i, a := range ageIDs {
		ageIndex[a] = i
	}
	timeIndex := make(map[table.TimeID]int, len(timeIDs))
	for j, t := range timeIDs {
		timeIndex[t] = j
	}

	cells := make([][]Cell, len(ageIDs))
	seen := make([][]bool, len(ageIDs))
	for i := range cells {
		cells[i] = make([]Cell, len(timeIDs))
		seen[i] = make([]bool, len(timeIDs))
	}

	for _, r := range rows {
		i, j := ageIndex[r.AgeID], timeIndex[r.TimeID]
		if seen[i][j] {
			return nil, fmt.Errorf("smoothgrid: smoothing %d: (age_id=%d,time_id=%d) appears more than once", sm.ID, r.AgeID, r.TimeID)
		}
		seen[i][j] = true
		cells[i][j] = Cell{
			ValuePrior: r.ValuePrior,
			DagePrior:  r.DagePrior,
			DtimePrior: r.DtimePrior,
			ConstValue: r.ConstValue,
			HasConst:   r.HasConst,
		}
	}
	for i := range seen {
		for j := range seen[i] {
			if !seen[i][j] {
				return nil, fmt.Errorf("smoothgrid: smoothing %d: missing cell (age index %d, time index %d)", sm.ID, i, j)
			}
		}
	}

	// Nullify dage priors on the last age row and dtime priors on the
	// last time column: those differences are not defined.
	for j := range timeIDs {
		cells[len(ageIDs)-1][j].DagePrior = table.NoID
	}
	for i := range ageIDs {
		cells[i][len(timeIDs)-1].DtimePrior = table.NoID
	}

	return &Grid{
		SmoothID: sm.ID,
		AgeIDs:   ageIDs,
		TimeIDs:  timeIDs,
		ageVal:   ageOf,
		timeVal:  timeOf,
		cells:    cells,
	}, nil
}

// AllConstValue reports whether every cell of the grid is effectively
// constant.
func (g *Grid) AllConstValue(priorLowerEqualsUpper func(table.PriorID) bool) bool {
	for i := range g.cells {
		for j := range g.cells[i] {
			if !g.cells[i][j].IsConstant(priorLowerEqualsUpper) {
				return false
			}
		}
	}
	return true
}

// Value returns the cell's numeric value given a slot accessor that
// resolves non-constant cells to their packed variable's current
// value; at(i,j) is consulted only for cells without a ConstValue.
func (g *Grid) Value(i, j int, at func(i, j int) float64) float64 {
	c := g.cells[i][j]
	if c.HasConst {
		return c.ConstValue
	}
	return at(i, j)
}

// Interpolate evaluates the grid at (age, time), bilinear with
// clamping at the boundaries of the grid's own age/time sets.
// at(i,j) supplies the cell value (see Value).
func (g *Grid) Interpolate(age, timeVal float64, at func(i, j int) float64) float64 {
	ai, afrac := locate(g.AgeIDs, g.ageVal, age)
	ti, tfrac := locate(g.TimeIDs, g.timeVal, timeVal)

	v00 := g.Value(ai, ti, at)
	if afrac == 0 && tfrac == 0 {
		return v00
	}
	na, nt := len(g.AgeIDs), len(g.TimeIDs)
	ai1 := ai
	if ai+1 < na {
		ai1 = ai + 1
	}
	ti1 := ti
	if ti+1 < nt {
		ti1 = ti + 1
	}
	v10 := g.Value(ai1, ti, at)
	v01 := g.Value(ai, ti1, at)
	v11 := g.Value(ai1, ti1, at)

	v0 := v00 + afrac*(v10-v00)
	v1 := v01 + afrac*(v11-v01)
	return v0 + tfrac*(v1-v0)
}

// locate finds the grid index at or below x among ids (sorted by
// their values via vals), clamped to [0,len-1], and the fractional
// offset toward the next index (0 at or below the first point, 0 at
// or above the last).
func locate(ids []table.ID, vals map[table.ID]float64, x float64) (idx int, frac float64) {
	n := len(ids)
	if x <= vals[ids[0]] {
		return 0, 0
	}
	if x >= vals[ids[n-1]] {
		return n - 1, 0
	}
	i := sort.Search(n, func(i int) bool { return vals[ids[i]] >= x })
	if vals[ids[i]] == x {
		return i, 0
	}
	lo, hi := i-1, i
	span := vals[ids[hi]] - vals[ids[lo]]
	return lo, (x - vals[ids[lo]]) / span
}

// Package packvar implements the bijection between the flat
// packed variable vector and its (smoothing × age × time ×
// child/subgroup) tensor slices.
//
// Construction performs a single monotone pass:
// random-effect blocks first (per-rate per-child node-rate grids,
// subgroup-rate-value grids, subgroup-meas-value grids), then
// fixed-effect blocks (per-smoothing std-multipliers, per-rate parent
// node-rate grids, group-meas-value/noise grids, group-rate-value
// grids), assigning each block a contiguous offset.
package packvar

import (
	"fmt"
	"sort"

	"dismod.dev/core/internal/table"
)

// MulstdKind selects which of the three standard-deviation
// multipliers a mulstd block scales.
type MulstdKind int

const (
	MulstdValue MulstdKind = iota
	MulstdDage
	MulstdDtime
)

// Block describes one rectangular (age × time) slice of the packed
// vector, stored in time-major order: offset + i*n_time + j for age
// index i, time index j.
type Block struct {
	SmoothID table.SmoothID
	Offset   int
	NAge     int
	NTime    int
}

// NVar returns the number of packed variables in the block.
func (b Block) NVar() int { return b.NAge * b.NTime }

// VarID returns the packed index of grid cell (ageIndex, timeIndex).
func (b Block) VarID(ageIndex, timeIndex int) int {
	return b.Offset + ageIndex*b.NTime + timeIndex
}

// rateChildKey identifies a per-rate per-(child or parent) block.
// ChildIndex == nChild is the parent sentinel.
type rateChildKey struct {
	RateID     table.RateID
	ChildIndex int
}

// subKey identifies a per-mulcov per-subgroup-local-index block.
type subKey struct {
	MulcovID   table.MulcovID
	LocalIndex int
}

type mulstdKey struct {
	SmoothID table.SmoothID
	Kind     MulstdKind
}

// cellRef is the reverse mapping from a packed var id back to its
// owning smoothing cell, for prior lookup to resolve priors from.
type cellRef struct {
	SmoothID   table.SmoothID
	AgeIndex   int
	TimeIndex  int
	IsMulstd   bool
	IsFixed    bool
	NodeID     table.NodeID // owning child node, NoID for fixed/parent/group
	SubgroupID table.SubgroupID
}

// Packer is the built packed-variable bijection.
type Packer struct {
	nVar       int
	randomSize int
	nChild     int

	mulstd map[mulstdKey]int // smoothID,kind -> single var offset

	nodeRateValue  map[rateChildKey]Block
	groupRateValue map[table.MulcovID]Block
	groupMeasValue map[table.MulcovID]Block
	groupMeasNoise map[table.MulcovID]Block
	subRateValue   map[subKey]Block
	subMeasValue   map[subKey]Block

	cells []cellRef // length nVar
}

// Size returns n_var, the total packed vector length.
func (p *Packer) Size() int { return p.nVar }

// RandomSize returns n_random, the boundary between the random-effect
// prefix [0,n_random) and the fixed-effect suffix [n_random,n_var).
func (p *Packer) RandomSize() int { return p.randomSize }

// MulstdOffset returns the packed index of the standard-deviation
// multiplier for (smoothID, kind), or -1 (NULL) if that smoothing has
// no such prior.
func (p *Packer) MulstdOffset(smoothID table.SmoothID, kind MulstdKind) int {
	if off, ok := p.mulstd[mulstdKey{smoothID, kind}]; ok {
		return off
	}
	return -1
}

// NodeRateValueInfo returns the block for rate rateID at
// childOrParentIndex, where childOrParentIndex == NChild() signals the
// parent: the n_child sentinel is used uniformly, never a
// distinguished "parent" constant.
func (p *Packer) NodeRateValueInfo(rateID table.RateID, childOrParentIndex int) (Block, bool) {
	b, ok := p.nodeRateValue[rateChildKey{rateID, childOrParentIndex}]
	return b, ok
}

// NChild returns the number of children of the parent node; it is
// also the sentinel index meaning "parent" in NodeRateValueInfo.
func (p *Packer) NChild() int { return p.nChild }

func (p *Packer) GroupRateValueInfo(mulcovID table.MulcovID) (Block, bool) {
	b, ok := p.groupRateValue[mulcovID]
	return b, ok
}

func (p *Packer) GroupMeasValueInfo(mulcovID table.MulcovID) (Block, bool) {
	b, ok := p.groupMeasValue[mulcovID]
	return b, ok
}

func (p *Packer) GroupMeasNoiseInfo(mulcovID table.MulcovID) (Block, bool) {
	b, ok := p.groupMeasNoise[mulcovID]
	return b, ok
}

// SubgroupRateValueInfo returns the block for mulcovID's subgroup
// grid at the subgroup's local index within its group.
func (p *Packer) SubgroupRateValueInfo(mulcovID table.MulcovID, localIndex int) (Block, bool) {
	b, ok := p.subRateValue[subKey{mulcovID, localIndex}]
	return b, ok
}

func (p *Packer) SubgroupMeasValueInfo(mulcovID table.MulcovID, localIndex int) (Block, bool) {
	b, ok := p.subMeasValue[subKey{mulcovID, localIndex}]
	return b, ok
}

// FixedEffect reports whether varID lies in the fixed-effect suffix.
func (p *Packer) FixedEffect(varID int) bool { return p.cells[varID].IsFixed }

// CellInfo exposes the reverse mapping prior lookup needs: the smoothing and
// grid cell a packed variable belongs to (a mulstd variable has no grid
// cell: smoothID is the smoothing it multiplies and both indices are -1).
func (p *Packer) CellInfo(varID int) (smoothID table.SmoothID, ageIndex, timeIndex int, isMulstd bool) {
	c := p.cells[varID]
	return c.SmoothID, c.AgeIndex, c.TimeIndex, c.IsMulstd
}

// NodeOf returns the owning child node for a random-effect variable,
// or table.NoID for fixed-effect and group/parent variables.
func (p *Packer) NodeOf(varID int) table.NodeID { return p.cells[varID].NodeID }

// SubgroupOf returns the owning subgroup for a subgroup-rate-value or
// subgroup-meas-value variable, or table.NoID otherwise.
func (p *Packer) SubgroupOf(varID int) table.SubgroupID { return p.cells[varID].SubgroupID }

// GridDims is the minimal shape information packvar needs from a
// built smoothing grid; smoothgrid.Grid satisfies this directly via
// its NAge/NTime accessor methods.
type GridDims interface {
	NAge() int
	NTime() int
}

// Inputs groups the tables Build needs to construct a Packer.
type Inputs struct {
	Rates      []table.Rate
	ChildNodes []table.NodeID // ordered child-of-parent node ids
	Mulcovs    []table.Mulcov
	Subgroups  []table.Subgroup // all rows, any group
	Groups     []table.Group
	Smoothings map[table.SmoothID]GridDims
	// MulstdPriors gives, for each smoothing that carries a
	// standard-deviation-multiplier prior, the (value, dage, dtime)
	// prior ids (table.NoID where absent).
	MulstdPriors map[table.SmoothID][3]table.PriorID
	// NodeSmooth resolves a rate's per-child smoothing at nodeID,
	// whether the rate uses one smoothing for every child or a
	// per-child node-smoothing list; it returns table.NoID if the
	// rate has no random effect at that node.
	NodeSmooth func(rate table.Rate, nodeID table.NodeID) table.SmoothID
}

// Build performs the single monotone packing pass.
// Duplicate (integrand-or-rate, covariate) pairs for a given mulcov
// type, and group/subgroup inconsistencies, are reported against the
// offending mulcov row id as a *DuplicateMulcovError.
func Build(in Inputs) (*Packer, error) {
	p := &Packer{
		mulstd:         map[mulstdKey]int{},
		nodeRateValue:  map[rateChildKey]Block{},
		groupRateValue: map[table.MulcovID]Block{},
		groupMeasValue: map[table.MulcovID]Block{},
		groupMeasNoise: map[table.MulcovID]Block{},
		subRateValue:   map[subKey]Block{},
		subMeasValue:   map[subKey]Block{},
		nChild:         len(in.ChildNodes),
	}

	if err := checkDuplicateMulcovs(in.Mulcovs); err != nil {
		return nil, err
	}

	subgroupsOfGroup := map[table.GroupID][]table.SubgroupID{}
	for _, sg := range in.Subgroups {
		subgroupsOfGroup[sg.GroupID] = append(subgroupsOfGroup[sg.GroupID], sg.ID)
	}

	var cells []cellRef
	offset := 0

	appendBlock := func(smoothID table.SmoothID, isFixed bool, nodeID table.NodeID, subgroupID table.SubgroupID) Block {
		dims, ok := in.Smoothings[smoothID]
		if !ok {
			panic(fmt.Sprintf("packvar: unknown smoothing id %d", smoothID))
		}
		b := Block{SmoothID: smoothID, Offset: offset, NAge: dims.NAge(), NTime: dims.NTime()}
		for i := 0; i < b.NAge; i++ {
			for j := 0; j < b.NTime; j++ {
				cells = append(cells, cellRef{
					SmoothID: smoothID, AgeIndex: i, TimeIndex: j,
					IsFixed: isFixed, NodeID: nodeID, SubgroupID: subgroupID,
				})
			}
		}
		offset += b.NVar()
		return b
	}

	// (a) random-effect block ----------------------------------------

	// per-rate per-child node-rate grids.
	for _, r := range in.Rates {
		if !r.ParentSmoothID.Valid() {
			continue
		}
		for ci, nodeID := range in.ChildNodes {
			sid := in.NodeSmooth(r, nodeID)
			if !sid.Valid() {
				continue
			}
			p.nodeRateValue[rateChildKey{r.ID, ci}] = appendBlock(sid, false, nodeID, table.NoID)
		}
	}
	// subgroup-rate-value and subgroup-meas-value grids.
	for _, mc := range in.Mulcovs {
		if mc.Type != table.RateValue && mc.Type != table.MeasValue {
			continue
		}
		if !mc.SubgroupSmooth.Valid() {
			continue
		}
		subs := subgroupsOfGroup[mc.GroupID]
		for local, sgID := range subs {
			b := appendBlock(mc.SubgroupSmooth, false, table.NoID, sgID)
			if mc.Type == table.RateValue {
				p.subRateValue[subKey{mc.ID, local}] = b
			} else {
				p.subMeasValue[subKey{mc.ID, local}] = b
			}
		}
	}

	p.randomSize = offset

	// (b) fixed-effect block ------------------------------------------

	// per-smoothing standard-deviation multipliers.
	noteSmooth := func(sm table.SmoothID, priors [3]table.PriorID) {
		for kind := MulstdValue; kind <= MulstdDtime; kind++ {
			if !priors[kind].Valid() {
				continue
			}
			p.mulstd[mulstdKey{sm, kind}] = offset
			cells = append(cells, cellRef{SmoothID: sm, AgeIndex: -1, TimeIndex: -1, IsMulstd: true, IsFixed: true, NodeID: table.NoID})
			offset++
		}
	}
	mulstdSmooths := make([]table.SmoothID, 0, len(in.MulstdPriors))
	for sm := range in.MulstdPriors {
		mulstdSmooths = append(mulstdSmooths, sm)
	}
	sort.Slice(mulstdSmooths, func(i, j int) bool { return mulstdSmooths[i] < mulstdSmooths[j] })
	for _, sm := range mulstdSmooths {
		noteSmooth(sm, in.MulstdPriors[sm])
	}

	// per-rate parent node-rate grids.
	for _, r := range in.Rates {
		if !r.ParentSmoothID.Valid() {
			continue
		}
		p.nodeRateValue[rateChildKey{r.ID, p.nChild}] = appendBlock(r.ParentSmoothID, true, table.NoID, table.NoID)
	}

	// group-meas-value, group-meas-noise, group-rate-value grids.
	for _, mc := range in.Mulcovs {
		if !mc.GroupSmoothID.Valid() {
			continue
		}
		b := appendBlock(mc.GroupSmoothID, true, table.NoID, table.NoID)
		switch mc.Type {
		case table.RateValue:
			p.groupRateValue[mc.ID] = b
		case table.MeasValue:
			p.groupMeasValue[mc.ID] = b
		case table.MeasNoise:
			p.groupMeasNoise[mc.ID] = b
		}
	}

	p.nVar = offset
	p.cells = cells
	return p, nil
}

// DuplicateMulcovError reports two mulcov rows that collide on
// (type, rate-or-integrand, covariate), which is a fatal error.
type DuplicateMulcovError struct {
	First, Second table.MulcovID
}

func (e *DuplicateMulcovError) Error() string {
	return fmt.Sprintf("packvar: mulcov rows %d and %d have the same (type, rate/integrand, covariate)", e.First, e.Second)
}

func checkDuplicateMulcovs(mulcovs []table.Mulcov) error {
	type key struct {
		Type  table.MulcovType
		Rate  table.RateID
		Integ table.IntegrandID
		Cov   table.CovariateID
	}
	seen := map[key]table.MulcovID{}
	for _, mc := range mulcovs {
		k := key{mc.Type, mc.RateID, mc.IntegrandID, mc.CovariateID}
		if first, ok := seen[k]; ok {
			return &DuplicateMulcovError{First: first, Second: mc.ID}
		}
		seen[k] = mc.ID
	}
	return nil
}

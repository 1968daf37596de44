package app

import (
	"dismod.dev/core/internal/packvar"
	"dismod.dev/core/internal/store"
	"dismod.dev/core/internal/table"
)

// VarTable builds one store.VarRow per packed variable, recovering
// each variable's owning rate or mulcov by replaying the same block
// lookups Build used to assemble the packer: packvar.Packer keeps the
// reverse (var id -> smoothing cell) mapping but not the rate/mulcov
// that requested the block, so that mapping is rebuilt here instead of
// widening packvar's own bookkeeping for a command-reporting concern.
func (a *App) VarTable() []store.VarRow {
	rateOf := map[int]table.RateID{}
	for _, r := range a.In.Rate {
		if !r.ParentSmoothID.Valid() {
			continue
		}
		if b, ok := a.Packer.NodeRateValueInfo(r.ID, a.Packer.NChild()); ok {
			markBlock(rateOf, b, r.ID)
		}
		for ci := range a.ChildNodes {
			if b, ok := a.Packer.NodeRateValueInfo(r.ID, ci); ok {
				markBlock(rateOf, b, r.ID)
			}
		}
	}

	mulcovOf := map[int]table.MulcovID{}
	for _, mc := range a.In.Mulcov {
		if b, ok := a.Packer.GroupRateValueInfo(mc.ID); ok {
			markBlock(mulcovOf, b, mc.ID)
		}
		if b, ok := a.Packer.GroupMeasValueInfo(mc.ID); ok {
			markBlock(mulcovOf, b, mc.ID)
		}
		if b, ok := a.Packer.GroupMeasNoiseInfo(mc.ID); ok {
			markBlock(mulcovOf, b, mc.ID)
		}
		for local := range a.Model.SubgroupsOfGroup[mc.GroupID] {
			if b, ok := a.Packer.SubgroupRateValueInfo(mc.ID, local); ok {
				markBlock(mulcovOf, b, mc.ID)
			}
			if b, ok := a.Packer.SubgroupMeasValueInfo(mc.ID, local); ok {
				markBlock(mulcovOf, b, mc.ID)
			}
		}
	}

	n := a.Packer.Size()
	out := make([]store.VarRow, n)
	for v := 0; v < n; v++ {
		smoothID, ai, ti, isMulstd := a.Packer.CellInfo(v)
		row := store.VarRow{
			VarID:      table.VarID(v),
			RateID:     table.NoID,
			MulcovID:   table.NoID,
			SmoothID:   smoothID,
			NodeID:     a.Packer.NodeOf(v),
			SubgroupID: a.Packer.SubgroupOf(v),
			AgeID:      table.NoID,
			TimeID:     table.NoID,
		}
		if r, ok := rateOf[v]; ok {
			row.RateID = r
		}
		if m, ok := mulcovOf[v]; ok {
			row.MulcovID = m
		}
		if !isMulstd {
			if g := a.Grids[smoothID]; g != nil && ai < g.NAge() && ti < g.NTime() {
				row.AgeID = g.AgeIDs[ai]
				row.TimeID = g.TimeIDs[ti]
			}
		}
		out[v] = row
	}
	return out
}

func markBlock(dst map[int]table.ID, b packvar.Block, id table.ID) {
	for i := 0; i < b.NAge; i++ {
		for j := 0; j < b.NTime; j++ {
			dst[b.VarID(i, j)] = id
		}
	}
}

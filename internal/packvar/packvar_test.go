package packvar

import (
	"testing"

	"dismod.dev/core/internal/table"
)

// fixedDims is a GridDims with a constant shape, for tests that don't
// need smoothgrid.Grid's full age/time value bookkeeping.
type fixedDims struct{ nAge, nTime int }

func (d fixedDims) NAge() int  { return d.nAge }
func (d fixedDims) NTime() int { return d.nTime }

func TestBuildSubgroupBlocksTrackOwningSubgroup(t *testing.T) {
	const subSmooth table.SmoothID = 1
	subs := []table.Subgroup{
		{ID: 0, Name: "a", GroupID: 0},
		{ID: 1, Name: "b", GroupID: 0},
	}
	mulcovs := []table.Mulcov{
		{ID: 0, Type: table.RateValue, RateID: 0, CovariateID: 0, GroupID: 0, GroupSmoothID: table.NoID, SubgroupSmooth: subSmooth},
	}
	in := Inputs{
		Mulcovs:   mulcovs,
		Subgroups: subs,
		Smoothings: map[table.SmoothID]GridDims{
			subSmooth: fixedDims{nAge: 1, nTime: 1},
		},
		NodeSmooth: func(table.Rate, table.NodeID) table.SmoothID { return table.NoID },
	}

	p, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if got, want := p.Size(), 2; got != want {
		t.Fatalf("Size() = %d, want %d", got, want)
	}
	if got, want := p.RandomSize(), 2; got != want {
		t.Fatalf("RandomSize() = %d, want %d (subgroup blocks are random-effect)", got, want)
	}

	for local, sg := range subs {
		block, ok := p.SubgroupRateValueInfo(0, local)
		if !ok {
			t.Fatalf("SubgroupRateValueInfo(0, %d): not found", local)
		}
		varID := block.VarID(0, 0)
		if got := p.SubgroupOf(varID); got != sg.ID {
			t.Errorf("SubgroupOf(%d) = %d, want %d", varID, got, sg.ID)
		}
		if got := p.NodeOf(varID); got != table.NoID {
			t.Errorf("NodeOf(%d) = %d, want NoID for a subgroup variable", varID, got)
		}
		if p.FixedEffect(varID) {
			t.Errorf("var %d: FixedEffect = true, want false (subgroup blocks are random)", varID)
		}
	}
}

func TestSubgroupOfIsNoIDOutsideSubgroupBlocks(t *testing.T) {
	const parentSmooth table.SmoothID = 0
	rates := []table.Rate{{ID: 0, Kind: table.Iota, ParentSmoothID: parentSmooth}}
	in := Inputs{
		Rates: rates,
		Smoothings: map[table.SmoothID]GridDims{
			parentSmooth: fixedDims{nAge: 1, nTime: 1},
		},
		NodeSmooth: func(table.Rate, table.NodeID) table.SmoothID { return table.NoID },
	}
	p, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	block, ok := p.NodeRateValueInfo(0, p.NChild())
	if !ok {
		t.Fatal("NodeRateValueInfo(0, NChild()): not found")
	}
	varID := block.VarID(0, 0)
	if got := p.SubgroupOf(varID); got != table.NoID {
		t.Errorf("SubgroupOf(%d) = %d, want NoID for a parent rate variable", varID, got)
	}
	if !p.FixedEffect(varID) {
		t.Error("parent rate variable should be fixed-effect")
	}
}

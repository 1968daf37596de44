package app

import "testing"

func TestVarTableTagsParentRateVariables(t *testing.T) {
	a, err := Build(parentChildInput())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	rows := a.VarTable()
	if len(rows) != a.Packer.Size() {
		t.Fatalf("VarTable() returned %d rows, want %d", len(rows), a.Packer.Size())
	}
	for _, row := range rows {
		if row.RateID != 0 {
			t.Errorf("var %d: RateID = %d, want 0", row.VarID, row.RateID)
		}
		if row.SmoothID != 0 {
			t.Errorf("var %d: SmoothID = %d, want 0", row.VarID, row.SmoothID)
		}
		if !row.AgeID.Valid() || !row.TimeID.Valid() {
			t.Errorf("var %d: AgeID/TimeID not resolved: %v/%v", row.VarID, row.AgeID, row.TimeID)
		}
	}
}

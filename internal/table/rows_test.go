package table

import (
	"math"
	"testing"
)

func TestIDValid(t *testing.T) {
	if NoID.Valid() {
		t.Error("NoID.Valid() = true, want false")
	}
	if !ID(0).Valid() {
		t.Error("ID(0).Valid() = false, want true")
	}
}

func TestPriorHasEta(t *testing.T) {
	if (Prior{Eta: math.NaN()}).HasEta() {
		t.Error("HasEta() = true for a NaN eta, want false")
	}
	if !(Prior{Eta: 1e-6}).HasEta() {
		t.Error("HasEta() = false for a set eta, want true")
	}
}

func TestPriorIsUniform(t *testing.T) {
	if !(Prior{Density: Uniform}).IsUniform() {
		t.Error("IsUniform() = false for Density: Uniform, want true")
	}
	if (Prior{Density: Gaussian}).IsUniform() {
		t.Error("IsUniform() = true for Density: Gaussian, want false")
	}
}

package option

import (
	"math"
	"testing"
)

func TestDefaultMatchesDocumentedValues(t *testing.T) {
	s := Default()
	if s.RateCase != "iota_pos_rho_zero" {
		t.Errorf("RateCase = %q, want iota_pos_rho_zero", s.RateCase)
	}
	if !math.IsInf(s.BoundRandom, 1) {
		t.Errorf("BoundRandom = %g, want +Inf", s.BoundRandom)
	}
	if s.MeasNoiseEffect != AddStdScaleAll {
		t.Errorf("MeasNoiseEffect = %v, want AddStdScaleAll", s.MeasNoiseEffect)
	}
	if !s.QuasiFixed {
		t.Error("QuasiFixed = false, want true")
	}
	if s.Fixed.Tolerance != 1e-8 || s.Random.Tolerance != 1e-8 {
		t.Errorf("Tolerance (fixed=%g, random=%g), want 1e-8 for both", s.Fixed.Tolerance, s.Random.Tolerance)
	}
}

func TestDecodeOverridesOnlyGivenKeys(t *testing.T) {
	s, err := Decode(map[string]string{
		"bound_random":        "2.5",
		"quasi_fixed":         "false",
		"max_num_iter_fixed":  "50",
		"meas_noise_effect":   "add_var_scale_log",
		"hold_out_integrand":  "mtall mtother",
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s.BoundRandom != 2.5 {
		t.Errorf("BoundRandom = %g, want 2.5", s.BoundRandom)
	}
	if s.QuasiFixed {
		t.Error("QuasiFixed = true, want false")
	}
	if s.Fixed.MaxNumIter != 50 {
		t.Errorf("Fixed.MaxNumIter = %d, want 50", s.Fixed.MaxNumIter)
	}
	if s.MeasNoiseEffect != AddVarScaleLog {
		t.Errorf("MeasNoiseEffect = %v, want AddVarScaleLog", s.MeasNoiseEffect)
	}
	if !s.HoldOutIntegrand["mtall"] || !s.HoldOutIntegrand["mtother"] {
		t.Errorf("HoldOutIntegrand = %v, want mtall and mtother set", s.HoldOutIntegrand)
	}
	// untouched keys keep their documented default.
	if s.Random.Tolerance != 1e-8 {
		t.Errorf("Random.Tolerance = %g, want unchanged default 1e-8", s.Random.Tolerance)
	}
}

func TestDecodeRejectsUnparsableValue(t *testing.T) {
	if _, err := Decode(map[string]string{"bound_random": "not-a-number"}); err == nil {
		t.Fatal("expected an error for an unparsable bound_random value")
	}
}

func TestDecodeRejectsUnrecognizedMeasNoiseEffect(t *testing.T) {
	if _, err := Decode(map[string]string{"meas_noise_effect": "bogus"}); err == nil {
		t.Fatal("expected an error for an unrecognized meas_noise_effect value")
	}
}

func TestDecodeIgnoresUnknownKeys(t *testing.T) {
	s, err := Decode(map[string]string{"some_future_option": "1"})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := Default()
	if s.RateCase != want.RateCase || s.QuasiFixed != want.QuasiFixed || s.Fixed.Tolerance != want.Fixed.Tolerance {
		t.Errorf("Decode() with only an unknown key changed a default field: got %+v", s)
	}
}

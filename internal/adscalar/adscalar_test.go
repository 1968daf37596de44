package adscalar

import (
	"math"
	"testing"
)

func TestFloat64Arithmetic(t *testing.T) {
	a := NewFloat64(3)
	b := NewFloat64(4)
	if got := a.Add(b).Value(); got != 7 {
		t.Errorf("Add = %g, want 7", got)
	}
	if got := a.Mul(b).Value(); got != 12 {
		t.Errorf("Mul = %g, want 12", got)
	}
	if got := a.Div(b).Value(); got != 0.75 {
		t.Errorf("Div = %g, want 0.75", got)
	}
	if got := a.Neg().Value(); got != -3 {
		t.Errorf("Neg = %g, want -3", got)
	}
}

func TestFloat64IsFiniteDetectsInfAndNaN(t *testing.T) {
	if !NewFloat64(1).IsFinite() {
		t.Error("IsFinite(1) = false, want true")
	}
	if NewFloat64(math.Inf(1)).IsFinite() {
		t.Error("IsFinite(+Inf) = true, want false")
	}
	if NewFloat64(math.NaN()).IsFinite() {
		t.Error("IsFinite(NaN) = true, want false")
	}
}

func TestDualTracksProductRuleDerivative(t *testing.T) {
	x := NewDual(3, 1)
	y := NewDual(4, 0)
	got := x.Mul(y).(Dual)
	if got.Value() != 12 {
		t.Errorf("Mul value = %g, want 12", got.Value())
	}
	if got.Deriv() != 4 {
		t.Errorf("Mul derivative = %g, want 4 (d/dx[x*y] = y)", got.Deriv())
	}
}

func TestDualExpDerivativeIsItself(t *testing.T) {
	x := NewDual(0, 1)
	got := x.Exp().(Dual)
	if math.Abs(got.Value()-1) > 1e-12 {
		t.Errorf("Exp value = %g, want 1", got.Value())
	}
	if math.Abs(got.Deriv()-1) > 1e-12 {
		t.Errorf("Exp derivative = %g, want 1 (d/dx[exp(x)] at 0)", got.Deriv())
	}
}

func TestDualMixedWithFloat64ContributesNoDerivative(t *testing.T) {
	x := NewDual(3, 1)
	c := NewFloat64(10)
	got := x.Add(c).(Dual)
	if got.Value() != 13 {
		t.Errorf("Add value = %g, want 13", got.Value())
	}
	if got.Deriv() != 1 {
		t.Errorf("Add derivative = %g, want 1 (the Float64 operand carries no derivative)", got.Deriv())
	}
}

func TestFloat64AccumulatorPromotesWhenAddingDual(t *testing.T) {
	var total Number = Float64(0)
	total = total.Add(NewDual(5, 1))
	got, ok := total.(Dual)
	if !ok {
		t.Fatalf("Float64(0).Add(Dual) = %T, want Dual (accumulator must promote, not collapse the derivative)", total)
	}
	if got.Value() != 5 {
		t.Errorf("Add value = %g, want 5", got.Value())
	}
	if got.Deriv() != 1 {
		t.Errorf("Add derivative = %g, want 1", got.Deriv())
	}
}

func TestFloat64SubMulDivPromoteWhenOperandIsDual(t *testing.T) {
	x := NewDual(4, 1)
	if got := Float64(10).Sub(x).(Dual); got.Value() != 6 || got.Deriv() != -1 {
		t.Errorf("Sub = (value %g, deriv %g), want (6, -1)", got.Value(), got.Deriv())
	}
	if got := Float64(3).Mul(x).(Dual); got.Value() != 12 || got.Deriv() != 3 {
		t.Errorf("Mul = (value %g, deriv %g), want (12, 3)", got.Value(), got.Deriv())
	}
	if got := Float64(8).Div(x).(Dual); got.Value() != 2 || math.Abs(got.Deriv()-(-0.5)) > 1e-12 {
		t.Errorf("Div = (value %g, deriv %g), want (2, -0.5)", got.Value(), got.Deriv())
	}
}

func TestConstLiftsToMatchingKindWithZeroDerivative(t *testing.T) {
	if _, ok := Const(5, NewFloat64(0)).(Float64); !ok {
		t.Error("Const() did not return a Float64 for a Float64 like-argument")
	}
	d, ok := Const(5, NewDual(0, 1)).(Dual)
	if !ok {
		t.Fatal("Const() did not return a Dual for a Dual like-argument")
	}
	if d.Value() != 5 {
		t.Errorf("Const() value = %g, want 5", d.Value())
	}
	if d.Deriv() != 0 {
		t.Errorf("Const() derivative = %g, want 0", d.Deriv())
	}
}

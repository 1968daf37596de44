// Package adscalar provides the dual (double- and AD-valued) scalar
// abstraction the original's "template-generic over scalar type"
// numeric kernels rely on. Go has no templates, so that instantiation
// is expressed here as an interface with two concrete
// implementations: Float64 for plain evaluation and Dual, a thin
// wrapper over gonum's forward-mode automatic differentiation number
// (gonum.org/v1/gonum/num/dual). likelihood.EvaluateAD and
// fitdriver.priorGradientAD seed a Dual per packed variable to get an
// exact prior-term gradient; everything downstream of an ODE solve
// (the data term, and every Hessian) still goes through
// gonum/diff/fd's finite differences, since Dual only carries a
// first-order derivative.
package adscalar

import (
	"math"

	"gonum.org/v1/gonum/num/dual"
)

// Number is the scalar interface every AD-aware numeric kernel in
// this module is written against.
type Number interface {
	Add(Number) Number
	Sub(Number) Number
	Mul(Number) Number
	Div(Number) Number
	Neg() Number
	Exp() Number
	Log() Number
	Sqrt() Number
	Pow(p float64) Number
	Value() float64
	IsFinite() bool
}

// Float64 is the plain double-precision Number implementation.
type Float64 float64

func NewFloat64(x float64) Float64 { return Float64(x) }

// Add through Div promote to Dual when o is Dual, so that summing a
// Float64 accumulator with a Dual term (the common case in a loop that
// starts its total at a plain constant) keeps the tracked derivative
// instead of silently collapsing it to a value.
func (f Float64) Add(o Number) Number {
	if d, ok := o.(Dual); ok {
		return f.promote().Add(d)
	}
	return Float64(float64(f) + o.Value())
}
func (f Float64) Sub(o Number) Number {
	if d, ok := o.(Dual); ok {
		return f.promote().Sub(d)
	}
	return Float64(float64(f) - o.Value())
}
func (f Float64) Mul(o Number) Number {
	if d, ok := o.(Dual); ok {
		return f.promote().Mul(d)
	}
	return Float64(float64(f) * o.Value())
}
func (f Float64) Div(o Number) Number {
	if d, ok := o.(Dual); ok {
		return f.promote().Div(d)
	}
	return Float64(float64(f) / o.Value())
}

func (f Float64) promote() Dual { return Dual{dual.Number{Real: float64(f)}} }
func (f Float64) Neg() Number         { return Float64(-float64(f)) }
func (f Float64) Exp() Number         { return Float64(math.Exp(float64(f))) }
func (f Float64) Log() Number         { return Float64(math.Log(float64(f))) }
func (f Float64) Sqrt() Number        { return Float64(math.Sqrt(float64(f))) }
func (f Float64) Pow(p float64) Number { return Float64(math.Pow(float64(f), p)) }
func (f Float64) Value() float64      { return float64(f) }
func (f Float64) IsFinite() bool      { return !math.IsInf(float64(f), 0) && !math.IsNaN(float64(f)) }

// Dual is the forward-mode AD Number implementation, carrying one
// directional derivative alongside the real part (gonum num/dual).
type Dual struct{ d dual.Number }

// NewDual returns a Dual seeded at real with derivative deriv (1 for
// the variable being differentiated, 0 for every other input).
func NewDual(real, deriv float64) Dual { return Dual{dual.Number{Real: real, Emag: deriv}} }

// Deriv returns the tracked derivative.
func (d Dual) Deriv() float64 { return d.d.Emag }

func (d Dual) Add(o Number) Number { return Dual{dual.Add(d.d, toDual(o))} }
func (d Dual) Sub(o Number) Number { return Dual{dual.Sub(d.d, toDual(o))} }
func (d Dual) Mul(o Number) Number { return Dual{dual.Mul(d.d, toDual(o))} }
func (d Dual) Div(o Number) Number { return Dual{dual.Div(d.d, toDual(o))} }
func (d Dual) Neg() Number         { return Dual{dual.Scale(-1, d.d)} }
func (d Dual) Exp() Number         { return Dual{dual.Exp(d.d)} }
func (d Dual) Log() Number         { return Dual{dual.Log(d.d)} }
func (d Dual) Sqrt() Number        { return Dual{dual.Sqrt(d.d)} }
func (d Dual) Pow(p float64) Number { return Dual{dual.PowReal(d.d, p)} }
func (d Dual) Value() float64      { return d.d.Real }
func (d Dual) IsFinite() bool {
	return !math.IsInf(d.d.Real, 0) && !math.IsNaN(d.d.Real) &&
		!math.IsInf(d.d.Emag, 0) && !math.IsNaN(d.d.Emag)
}

func toDual(n Number) dual.Number {
	if d, ok := n.(Dual); ok {
		return d.d
	}
	return dual.Number{Real: n.Value()}
}

// Const lifts a plain float64 constant into whatever Number kind like
// is, with zero derivative if like is a Dual. Kernels that mix
// variables and constants (e.g. covariate values) use this so the
// constant does not spuriously contribute a derivative term.
func Const(x float64, like Number) Number {
	switch like.(type) {
	case Dual:
		return Dual{dual.Number{Real: x}}
	default:
		return Float64(x)
	}
}

// Package odesolver implements integration of the four-
// compartment disease ODE along a cohort.
//
// State is (S, C): susceptible and with-condition fractions, S+C<=1.
// Transitions: S->C at rate iota, C->S at rate rho, S->dead at rate
// omega, C->dead at rate omega+chi. Between consecutive cohort ages
// the rates are treated as piecewise linear; each step's local 2x2
// linear ODE is solved in closed form via the Sylvester/Lagrange
// two-term matrix-exponential formula, specializing to the repeated-
// eigenvalue limit when the two eigenvalues nearly coincide.
package odesolver

import (
	"fmt"
	"math"
)

// RateCase restricts which of (iota, rho) may be non-zero. The four values are dismod_at's documented rate cases.
type RateCase string

const (
	IotaZeroRhoZero RateCase = "iota_zero_rho_zero"
	IotaZeroRhoPos  RateCase = "iota_zero_rho_pos"
	IotaPosRhoZero  RateCase = "iota_pos_rho_zero"
	IotaPosRhoPos   RateCase = "iota_pos_rho_pos"
)

// Apply zeroes iota and/or rho according to the case, matching the
// rate_case restriction documented in the integrand table.
func (c RateCase) Apply(iota, rho float64) (float64, float64) {
	switch c {
	case IotaZeroRhoZero:
		return 0, 0
	case IotaZeroRhoPos:
		return 0, rho
	case IotaPosRhoZero:
		return iota, 0
	default:
		return iota, rho
	}
}

// Result holds the per-age cohort samples produced by Integrate.
type Result struct {
	S, C []float64
}

// Integrate solves the cohort ODE at the given ages, which must be
// strictly increasing (this is part of the cohort invariant the
// caller is responsible for establishing). iota, rho, chi, omega
// are the rate values at each age (already case-restricted and
// covariate-adjusted); pini is the initial prevalence at ages[0].
func Integrate(ages, iota, rho, chi, omega []float64, pini float64) (Result, error) {
	n := len(ages)
	if n == 0 {
		return Result{}, fmt.Errorf("odesolver: empty age list")
	}
	if len(iota) != n || len(rho) != n || len(chi) != n || len(omega) != n {
		return Result{}, fmt.Errorf("odesolver: rate slice length mismatch with %d ages", n)
	}
	if pini < 0 || pini > 1 {
		return Result{}, fmt.Errorf("odesolver: pini=%g out of [0,1]", pini)
	}
	S := make([]float64, n)
	C := make([]float64, n)
	S[0] = 1 - pini
	C[0] = pini
	for k := 0; k < n-1; k++ {
		h := ages[k+1] - ages[k]
		if h <= 0 {
			return Result{}, fmt.Errorf("odesolver: ages not strictly increasing at index %d", k)
		}
		// Piecewise-linear rates: use the step-average coefficient
		// matrix, the standard dismod_at approximation for eigen_ode2.
		avgIota := 0.5 * (iota[k] + iota[k+1])
		avgRho := 0.5 * (rho[k] + rho[k+1])
		avgChi := 0.5 * (chi[k] + chi[k+1])
		avgOmega := 0.5 * (omega[k] + omega[k+1])
		s1, c1 := step(S[k], C[k], h, avgIota, avgRho, avgChi, avgOmega)
		S[k+1], C[k+1] = s1, c1
	}
	return Result{S: S, C: C}, nil
}

// step advances (s0,c0) by h under the constant-coefficient matrix
//
//	M = [ -(iota+omega)      rho          ]
//	    [  iota         -(rho+omega+chi)  ]
//
// via exp(Mh), using the 2x2 Sylvester/Lagrange closed form.
func step(s0, c0, h, iota, rho, chi, omega float64) (s1, c1 float64) {
	a := -(iota + omega)
	b := rho
	c := iota
	d := -(rho + omega + chi)

	tr := a + d
	det := a*d - b*c
	disc := tr*tr - 4*det // (l1-l2)^2

	const tol = 1e-8
	if disc < 0 {
		disc = 0 // guards tiny negative noise; the matrix is a sub-generator and has real eigenvalues
	}
	sqrtDisc := math.Sqrt(disc)
	l1 := 0.5 * (tr + sqrtDisc)
	l2 := 0.5 * (tr - sqrtDisc)

	var e [2][2]float64 // exp(Mh)
	if sqrtDisc < tol*math.Max(1, math.Abs(tr)) {
		// Nearly-equal eigenvalues: exp(Mh) = exp(l h) (I + h (M - l I)).
		l := 0.5 * tr
		el := math.Exp(l * h)
		e[0][0] = el * (1 + h*(a-l))
		e[0][1] = el * (h * b)
		e[1][0] = el * (h * c)
		e[1][1] = el * (1 + h*(d-l))
	} else {
		el1 := math.Exp(l1 * h)
		el2 := math.Exp(l2 * h)
		// (M - l2 I)/(l1-l2)
		denom := l1 - l2
		p1 := [2][2]float64{{(a - l2) / denom, b / denom}, {c / denom, (d - l2) / denom}}
		p2 := [2][2]float64{{(a - l1) / -denom, b / -denom}, {c / -denom, (d - l1) / -denom}}
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				e[i][j] = el1*p1[i][j] + el2*p2[i][j]
			}
		}
	}
	s1 = e[0][0]*s0 + e[0][1]*c0
	c1 = e[1][0]*s0 + e[1][1]*c0
	return s1, c1
}

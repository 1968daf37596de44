// Package likelihood implements the residual and log-density
// primitives shared by data and prior likelihoods.
package likelihood

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"dismod.dev/core/internal/adscalar"
	"dismod.dev/core/internal/option"
	"dismod.dev/core/internal/table"
)

// Point is one evaluated residual: the standardized residual (useful
// for diagnostics and for the Gaussian/Laplace-equivalent gradient)
// and its contribution to the total negative log density minimized by
// the fit driver.
type Point struct {
	Residual      float64
	NegLogDensity float64
}

// NonSmoothDensityError reports a laplace or log_laplace density
// governing a variable whose model depends on a non-constant random
// effect: the Laplace approximation needs two derivatives and these
// densities don't have them at zero.
type NonSmoothDensityError struct {
	Density table.DensityKind
}

func (e *NonSmoothDensityError) Error() string {
	return fmt.Sprintf("likelihood: %s is not twice differentiable and cannot govern a random-effect-dependent row", e.Density)
}

// AdjustedDelta computes the measurement-noise-adjusted standard
// deviation delta from the raw measurement std, the summed
// meas_noise_effect covariate multiplier effect, and the adjusted
// integrand's mean value, following the six meas_noise_effect modes:
// "_all" scales the effect by the mean, "_none" leaves it unscaled,
// "_log" scales only when the governing density is one of the log_*
// kinds; the add_var_* family accumulates the effect in variance space
// instead of standard-deviation space.
func AdjustedDelta(effect option.MeasNoiseEffect, isLogDensity bool, measStd, noiseEffect, mean float64) float64 {
	scaleByMean := false
	switch effect {
	case option.AddStdScaleAll, option.AddVarScaleAll:
		scaleByMean = true
	case option.AddStdScaleLog, option.AddVarScaleLog:
		scaleByMean = isLogDensity
	}
	scale := 1.0
	if scaleByMean {
		scale = mean
	}
	switch effect {
	case option.AddStdScaleAll, option.AddStdScaleNone, option.AddStdScaleLog:
		return measStd + noiseEffect*scale
	default:
		v := measStd*measStd + noiseEffect*scale*noiseEffect*scale
		if v < 0 {
			v = 0
		}
		return math.Sqrt(v)
	}
}

// Evaluate computes the residual and negative-log-density contribution
// of measuring value meas against model mean with adjusted standard
// deviation sigma, under density. eta is the log-offset (required for
// the log_* and cen_* kinds), nu the Student's-t degrees of freedom
// (students/log_students).
func Evaluate(density table.DensityKind, meas, mean, sigma, eta, nu float64) (Point, error) {
	if sigma <= 0 && density != table.Uniform {
		return Point{}, fmt.Errorf("likelihood: non-positive adjusted standard deviation %g", sigma)
	}
	m, mu := meas, mean
	if density.IsLog() {
		if meas+eta <= 0 || mean+eta <= 0 {
			return Point{}, fmt.Errorf("likelihood: log density requires meas+eta>0 and mean+eta>0, got meas=%g mean=%g eta=%g", meas, mean, eta)
		}
		m, mu = math.Log(meas+eta), math.Log(mean+eta)
	}
	r := 0.0
	if sigma > 0 {
		r = (m - mu) / sigma
	}

	switch density {
	case table.Uniform:
		return Point{Residual: 0, NegLogDensity: 0}, nil

	case table.Gaussian, table.LogGaussian:
		return Point{Residual: r, NegLogDensity: 0.5*r*r + math.Log(sigma) + 0.5*math.Log(2*math.Pi)}, nil

	case table.CenGaussian, table.CenLogGaussian:
		if meas <= eta {
			bound := 0.0
			if density == table.CenLogGaussian {
				bound = math.Log(eta + eta)
			}
			d := distuv.Normal{Mu: mu, Sigma: sigma}
			p := d.CDF(bound)
			if p <= 0 {
				p = 1e-300
			}
			return Point{Residual: (bound - mu) / sigma, NegLogDensity: -math.Log(p)}, nil
		}
		return Point{Residual: r, NegLogDensity: 0.5*r*r + math.Log(sigma) + 0.5*math.Log(2*math.Pi)}, nil

	case table.Laplace, table.LogLaplace:
		b := sigma / math.Sqrt2
		return Point{Residual: r, NegLogDensity: math.Abs(m-mu)/b + math.Log(2*b)}, nil

	case table.CenLaplace, table.CenLogLaplace:
		if meas <= eta {
			bound := 0.0
			if density == table.CenLogLaplace {
				bound = math.Log(eta + eta)
			}
			b := sigma / math.Sqrt2
			z := (bound - mu) / b
			var p float64
			if z <= 0 {
				p = 0.5 * math.Exp(z)
			} else {
				p = 1 - 0.5*math.Exp(-z)
			}
			if p <= 0 {
				p = 1e-300
			}
			return Point{Residual: (bound - mu) / sigma, NegLogDensity: -math.Log(p)}, nil
		}
		b := sigma / math.Sqrt2
		return Point{Residual: r, NegLogDensity: math.Abs(m-mu)/b + math.Log(2*b)}, nil

	case table.Students, table.LogStudents:
		d := distuv.StudentsT{Mu: mu, Sigma: sigma, Nu: nu}
		p := d.Prob(m)
		if p <= 0 {
			p = 1e-300
		}
		return Point{Residual: r, NegLogDensity: -math.Log(p)}, nil

	case table.Binomial:
		p := meas // meas carries the modeled probability's companion count fraction; mean is the modeled probability
		_ = p
		prob := mean
		if prob <= 0 {
			prob = 1e-12
		}
		if prob >= 1 {
			prob = 1 - 1e-12
		}
		variance := sigma * sigma
		n := prob * (1 - prob) / math.Max(variance, 1e-12)
		nInt := math.Max(1, math.Round(n))
		k := math.Round(meas * nInt)
		d := distuv.Binomial{N: nInt, P: prob}
		prb := d.Prob(k)
		if prb <= 0 {
			prb = 1e-300
		}
		return Point{Residual: r, NegLogDensity: -math.Log(prb)}, nil

	default:
		return Point{}, fmt.Errorf("likelihood: unhandled density %s", density)
	}
}

// DataResidual evaluates one data row's residual given its adjusted
// mean (the assembled integrand value) and adjusted delta.
func DataResidual(row table.Data, adjustedMean, delta float64) (Point, error) {
	return Evaluate(row.Density, row.MeasValue, adjustedMean, delta, row.Eta, row.Nu)
}

// PriorResidual evaluates one value/dage/dtime prior's residual given
// the current variable value (or the variable difference, for dage and
// dtime priors) and the prior's own (mean, std), scaled by the
// smoothing's standard-deviation multiplier if any.
func PriorResidual(pr table.Prior, value, mulstd float64) (Point, error) {
	if pr.IsUniform() {
		return Point{}, nil
	}
	std := pr.Std
	if mulstd > 0 {
		std *= mulstd
	}
	if !pr.Density.IsSmooth() {
		// Laplace priors are valid on fixed effects; callers governing
		// a random-effect variable must reject this density themselves,
		// since PriorResidual has no view of which.
	}
	return Evaluate(pr.Density, value, pr.Mean, std, pr.Eta, pr.Nu)
}

// EvaluateAD is Evaluate's exact-derivative counterpart for the
// uniform/gaussian/log_gaussian/laplace/log_laplace family: value
// carries the one packed variable being differentiated (or a constant
// Number for a forward pass that isn't differentiating with respect to
// it), mean, sigma and eta are the density's own constants. ok is
// false for every other density (the censored and Student's kinds need
// a distuv CDF/PDF with no Number-generic form, and binomial needs an
// integer count derived from meas), and the caller must fall back to a
// finite difference.
func EvaluateAD(density table.DensityKind, value adscalar.Number, mean, sigma, eta float64) (result adscalar.Number, ok bool) {
	if sigma <= 0 && density != table.Uniform {
		return nil, false
	}
	switch density {
	case table.Uniform:
		return adscalar.Const(0, value), true

	case table.Gaussian:
		r := value.Sub(adscalar.Const(mean, value)).Div(adscalar.Const(sigma, value))
		nll := r.Mul(r).Mul(adscalar.Const(0.5, value)).Add(adscalar.Const(math.Log(sigma)+0.5*math.Log(2*math.Pi), value))
		return nll, true

	case table.LogGaussian:
		if value.Value()+eta <= 0 || mean+eta <= 0 {
			return nil, false
		}
		m := value.Add(adscalar.Const(eta, value)).Log()
		mu := math.Log(mean + eta)
		r := m.Sub(adscalar.Const(mu, value)).Div(adscalar.Const(sigma, value))
		nll := r.Mul(r).Mul(adscalar.Const(0.5, value)).Add(adscalar.Const(math.Log(sigma)+0.5*math.Log(2*math.Pi), value))
		return nll, true

	case table.Laplace:
		b := sigma / math.Sqrt2
		diff := absNumber(value.Sub(adscalar.Const(mean, value)))
		nll := diff.Div(adscalar.Const(b, value)).Add(adscalar.Const(math.Log(2*b), value))
		return nll, true

	case table.LogLaplace:
		if value.Value()+eta <= 0 || mean+eta <= 0 {
			return nil, false
		}
		b := sigma / math.Sqrt2
		m := value.Add(adscalar.Const(eta, value)).Log()
		mu := math.Log(mean + eta)
		diff := absNumber(m.Sub(adscalar.Const(mu, value)))
		nll := diff.Div(adscalar.Const(b, value)).Add(adscalar.Const(math.Log(2*b), value))
		return nll, true

	default:
		return nil, false
	}
}

func absNumber(n adscalar.Number) adscalar.Number {
	if n.Value() < 0 {
		return n.Neg()
	}
	return n
}

// PriorResidualAD is PriorResidual's exact-derivative counterpart,
// used when value is the one packed variable being differentiated.
func PriorResidualAD(pr table.Prior, value adscalar.Number, mulstd float64) (adscalar.Number, bool) {
	if pr.IsUniform() {
		return adscalar.Const(0, value), true
	}
	std := pr.Std
	if mulstd > 0 {
		std *= mulstd
	}
	return EvaluateAD(pr.Density, value, pr.Mean, std, pr.Eta)
}

// Total sums a batch of residual contributions into the aggregate
// negative log density the fit driver minimizes; the overall,
// fixed-only and random-only totals are just different choices of
// which points go into the batch.
func Total(points []Point) float64 {
	sum := 0.0
	for _, p := range points {
		sum += p.NegLogDensity
	}
	return sum
}

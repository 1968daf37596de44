package table

// RateKind enumerates the five rates of the compartmental model.
// pini is the initial prevalence at age_min; the others vary over age
// and time.
type RateKind int

const (
	Pini RateKind = iota
	Iota
	Rho
	Chi
	Omega
	NumRates
)

func (r RateKind) String() string {
	switch r {
	case Pini:
		return "pini"
	case Iota:
		return "iota"
	case Rho:
		return "rho"
	case Chi:
		return "chi"
	case Omega:
		return "omega"
	default:
		return "rate(invalid)"
	}
}

// MulcovType enumerates the three kinds of covariate multiplier.
type MulcovType int

const (
	RateValue MulcovType = iota
	MeasValue
	MeasNoise
)

func (m MulcovType) String() string {
	switch m {
	case RateValue:
		return "rate_value"
	case MeasValue:
		return "meas_value"
	case MeasNoise:
		return "meas_noise"
	default:
		return "mulcov(invalid)"
	}
}

// DensityKind enumerates the wire-visible density kinds.
type DensityKind int

const (
	Uniform DensityKind = iota
	Gaussian
	CenGaussian
	Laplace
	CenLaplace
	Students
	LogGaussian
	CenLogGaussian
	LogLaplace
	CenLogLaplace
	LogStudents
	Binomial
)

var densityNames = [...]string{
	Uniform:        "uniform",
	Gaussian:       "gaussian",
	CenGaussian:    "cen_gaussian",
	Laplace:        "laplace",
	CenLaplace:     "cen_laplace",
	Students:       "students",
	LogGaussian:    "log_gaussian",
	CenLogGaussian: "cen_log_gaussian",
	LogLaplace:     "log_laplace",
	CenLogLaplace:  "cen_log_laplace",
	LogStudents:    "log_students",
	Binomial:       "binomial",
}

func (d DensityKind) String() string {
	if int(d) < 0 || int(d) >= len(densityNames) {
		return "density(invalid)"
	}
	return densityNames[d]
}

// IsLog reports whether d is one of the log_* or cen_log_* kinds,
// which transform the standard deviation in log space.
func (d DensityKind) IsLog() bool {
	switch d {
	case LogGaussian, CenLogGaussian, LogLaplace, CenLogLaplace, LogStudents:
		return true
	default:
		return false
	}
}

// IsCensored reports whether d is one of the cen_* kinds.
func (d DensityKind) IsCensored() bool {
	switch d {
	case CenGaussian, CenLaplace, CenLogGaussian, CenLogLaplace:
		return true
	default:
		return false
	}
}

// IsSmooth reports whether d admits the second derivatives the
// Laplace approximation of the random effects needs. laplace and
// log_laplace are non-smooth and must not govern a data
// row whose model depends on a non-constant random effect.
func (d DensityKind) IsSmooth() bool {
	switch d {
	case Laplace, CenLaplace, LogLaplace, CenLogLaplace:
		return false
	default:
		return true
	}
}

// DensityNameToKind resolves the wire-visible density name to its
// DensityKind, requiring that the density_id assigned on table load
// be consistent within a database.
func DensityNameToKind(name string) (DensityKind, bool) {
	for k, n := range densityNames {
		if n == name {
			return DensityKind(k), true
		}
	}
	return 0, false
}

// IntegrandKind enumerates the integrand expressions.
type IntegrandKind int

const (
	Sincidence IntegrandKind = iota
	Remission
	MtExcess
	MtOther
	MtWith
	RelRisk
	Susceptible
	WithC
	Prevalence
	TIncidence
	MtSpecific
	MtAll
	MtStandard
	MulcovIntegrand
)

var integrandNames = [...]string{
	Sincidence:      "Sincidence",
	Remission:       "remission",
	MtExcess:        "mtexcess",
	MtOther:         "mtother",
	MtWith:          "mtwith",
	RelRisk:         "relrisk",
	Susceptible:     "susceptible",
	WithC:           "withC",
	Prevalence:      "prevalence",
	TIncidence:      "Tincidence",
	MtSpecific:      "mtspecific",
	MtAll:           "mtall",
	MtStandard:      "mtstandard",
	MulcovIntegrand: "mulcov",
}

func (k IntegrandKind) String() string {
	if int(k) < 0 || int(k) >= len(integrandNames) {
		return "integrand(invalid)"
	}
	return integrandNames[k]
}

// NeedsODE reports whether evaluating k requires a solved cohort,
// i.e. whether it is computed from S and C rather than from rates
// alone.
func (k IntegrandKind) NeedsODE() bool {
	switch k {
	case Prevalence, Susceptible, WithC, TIncidence, MtSpecific, MtAll, MtStandard:
		return true
	default:
		return false
	}
}

// NeedsPrevalence reports whether k's expression divides by S+C.
func (k IntegrandKind) NeedsPrevalence() bool {
	switch k {
	case Prevalence, TIncidence, MtSpecific, MtAll, MtStandard:
		return true
	default:
		return false
	}
}

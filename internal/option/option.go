// Package option decodes the flat option key/value table into a typed
// settings struct, following gonum's own plain-struct-of-settings
// convention (optimize.Settings) rather than reaching for an external
// decoder.
package option

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MeasNoiseEffect selects the adjusted-delta formula.
type MeasNoiseEffect int

const (
	AddStdScaleAll MeasNoiseEffect = iota
	AddStdScaleNone
	AddStdScaleLog
	AddVarScaleAll
	AddVarScaleNone
	AddVarScaleLog
)

func parseMeasNoiseEffect(s string) (MeasNoiseEffect, error) {
	switch s {
	case "add_std_scale_all":
		return AddStdScaleAll, nil
	case "add_std_scale_none":
		return AddStdScaleNone, nil
	case "add_std_scale_log":
		return AddStdScaleLog, nil
	case "add_var_scale_all":
		return AddVarScaleAll, nil
	case "add_var_scale_none":
		return AddVarScaleNone, nil
	case "add_var_scale_log":
		return AddVarScaleLog, nil
	default:
		return 0, fmt.Errorf("option: unrecognized meas_noise_effect %q", s)
	}
}

// OptimizerSettings groups the per-(fixed|random) tolerance/iteration
// knobs.
type OptimizerSettings struct {
	Tolerance                float64
	MaxNumIter               int
	PrintLevel               int
	DerivativeTest           string
	AcceptAfterMaxSteps      int
	MethodRandom             string
	BoundFracFixed           float64
	LimitedMemoryMaxHistory  int
}

// Set is the decoded option table. Fields correspond 1:1
// to the listed option keys; unknown keys are ignored and missing
// required keys use the documented dismod_at defaults.
type Set struct {
	RateCase            string
	OdeStepSize         float64
	AgeAvgSplit         []float64
	ParentNodeID        int
	ParentNodeName      string
	BoundRandom         float64 // +Inf if unset
	ZeroSumChildRate    map[string]bool
	ZeroSumMulcovGroup  map[string]bool
	QuasiFixed          bool
	MeasNoiseEffect     MeasNoiseEffect
	RandomSeed          int64
	HoldOutIntegrand    map[string]bool
	AsymptoticRcondLower float64
	WarnOnStderr        bool
	TraceInitFitModel   bool
	Fixed               OptimizerSettings
	Random              OptimizerSettings
}

// Default returns the documented dismod_at option defaults.
func Default() Set {
	return Set{
		RateCase:             "iota_pos_rho_zero",
		OdeStepSize:          10,
		ParentNodeID:         -1,
		BoundRandom:          math.Inf(1),
		ZeroSumChildRate:     map[string]bool{},
		ZeroSumMulcovGroup:   map[string]bool{},
		QuasiFixed:           true,
		MeasNoiseEffect:      AddStdScaleAll,
		RandomSeed:           0,
		HoldOutIntegrand:     map[string]bool{},
		AsymptoticRcondLower: 1e-10,
		WarnOnStderr:         true,
		TraceInitFitModel:    false,
		Fixed: OptimizerSettings{
			Tolerance:               1e-8,
			MaxNumIter:              100,
			PrintLevel:              0,
			DerivativeTest:          "none",
			AcceptAfterMaxSteps:     -1,
			BoundFracFixed:          1e-2,
			LimitedMemoryMaxHistory: 30,
		},
		Random: OptimizerSettings{
			Tolerance:   1e-8,
			MaxNumIter:  100,
			PrintLevel:  0,
			MethodRandom: "ipopt_random",
		},
	}
}

// Decode parses the flat key/value rows into a Set, starting from
// Default() and overwriting whatever keys are present.
func Decode(rows map[string]string) (Set, error) {
	s := Default()
	for k, v := range rows {
		var err error
		switch k {
		case "rate_case":
			s.RateCase = v
		case "ode_step_size":
			s.OdeStepSize, err = strconv.ParseFloat(v, 64)
		case "age_avg_split":
			s.AgeAvgSplit, err = parseFloatList(v)
		case "parent_node_id":
			var n int64
			n, err = strconv.ParseInt(v, 10, 32)
			s.ParentNodeID = int(n)
		case "parent_node_name":
			s.ParentNodeName = v
		case "bound_random":
			s.BoundRandom, err = strconv.ParseFloat(v, 64)
		case "zero_sum_child_rate":
			s.ZeroSumChildRate = parseRateSet(v)
		case "zero_sum_mulcov_group":
			s.ZeroSumMulcovGroup = parseNameSet(v)
		case "quasi_fixed":
			s.QuasiFixed, err = strconv.ParseBool(v)
		case "meas_noise_effect":
			s.MeasNoiseEffect, err = parseMeasNoiseEffect(v)
		case "random_seed":
			s.RandomSeed, err = strconv.ParseInt(v, 10, 64)
		case "hold_out_integrand":
			s.HoldOutIntegrand = parseNameSet(v)
		case "asymptotic_rcond_lower":
			s.AsymptoticRcondLower, err = strconv.ParseFloat(v, 64)
		case "warn_on_stderr":
			s.WarnOnStderr, err = strconv.ParseBool(v)
		case "trace_init_fit_model":
			s.TraceInitFitModel, err = strconv.ParseBool(v)
		case "tolerance_fixed":
			s.Fixed.Tolerance, err = strconv.ParseFloat(v, 64)
		case "max_num_iter_fixed":
			var n int64
			n, err = strconv.ParseInt(v, 10, 32)
			s.Fixed.MaxNumIter = int(n)
		case "print_level_fixed":
			var n int64
			n, err = strconv.ParseInt(v, 10, 32)
			s.Fixed.PrintLevel = int(n)
		case "derivative_test_fixed":
			s.Fixed.DerivativeTest = v
		case "accept_after_max_steps_fixed":
			var n int64
			n, err = strconv.ParseInt(v, 10, 32)
			s.Fixed.AcceptAfterMaxSteps = int(n)
		case "bound_frac_fixed":
			s.Fixed.BoundFracFixed, err = strconv.ParseFloat(v, 64)
		case "limited_memory_max_history_fixed":
			var n int64
			n, err = strconv.ParseInt(v, 10, 32)
			s.Fixed.LimitedMemoryMaxHistory = int(n)
		case "tolerance_random":
			s.Random.Tolerance, err = strconv.ParseFloat(v, 64)
		case "max_num_iter_random":
			var n int64
			n, err = strconv.ParseInt(v, 10, 32)
			s.Random.MaxNumIter = int(n)
		case "method_random":
			s.Random.MethodRandom = v
		default:
			// unknown keys are forward-compatible no-ops.
		}
		if err != nil {
			return Set{}, fmt.Errorf("option: key %q: %w", k, err)
		}
	}
	return s, nil
}

func parseFloatList(v string) ([]float64, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	fields := strings.Fields(v)
	out := make([]float64, len(fields))
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = x
	}
	return out, nil
}

func parseNameSet(v string) map[string]bool {
	out := map[string]bool{}
	for _, f := range strings.Fields(v) {
		out[f] = true
	}
	return out
}

func parseRateSet(v string) map[string]bool { return parseNameSet(v) }

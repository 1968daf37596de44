// Command dismod_at is the command-line surface over the core
// packages: dismod_at <database> <command> [args...], where database
// is a JSON document (store.JSONFile) standing in for the external
// tabular store.
package main

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/exp/rand"

	"dismod.dev/core/internal/app"
	"dismod.dev/core/internal/fitdriver"
	"dismod.dev/core/internal/likelihood"
	"dismod.dev/core/internal/logging"
	"dismod.dev/core/internal/quad"
	"dismod.dev/core/internal/store"
	"dismod.dev/core/internal/table"
)

// arities lists the accepted os.Args lengths per command, program name
// included as arg 0, matching the command-line surface's arity table.
var arities = map[string][]int{
	"bnd_mulcov":   {4, 5},
	"data_density": {3, 7},
	"depend":       {3},
	"fit":          {4, 5, 6},
	"hold_out":     {5, 8},
	"init":         {3},
	"old2new":      {3},
	"predict":      {4},
	"sample":       {6, 7},
	"set":          {5, 6},
	"simulate":     {4},
}

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	if len(args) < 3 {
		usage()
		return 1
	}
	dbPath, cmdName := args[1], args[2]
	arity, known := arities[cmdName]
	if !known || !containsInt(arity, len(args)) {
		usage()
		return 1
	}

	jf := store.JSONFile{Path: dbPath}
	mem, err := jf.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	a, err := app.Build(mem.Input)
	if err != nil {
		mem.LogEntry(store.LogEntry{Level: "error", Message: err.Error(), RowID: -1})
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger := logging.New(memSink{mem}, a.Options.WarnOnStderr)

	if err := dispatch(cmdName, args, mem, a, logger); err != nil {
		logger.Errorf("", -1, "%s", err)
		return 1
	}
	if err := jf.Save(mem); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dismod_at <database> <command> [args...]")
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// memSink adapts store.Mem's store.LogEntry shape to logging.Sink's
// logging.Entry shape; the two are kept distinct so store does not
// import logging.
type memSink struct{ m *store.Mem }

func (s memSink) LogEntry(e logging.Entry) {
	s.m.LogEntry(store.LogEntry{Level: e.Level.String(), Message: e.Message, Table: e.Table, RowID: e.RowID})
}

func dispatch(cmdName string, args []string, mem *store.Mem, a *app.App, logger *logging.Logger) error {
	switch cmdName {
	case "init":
		return cmdInit(mem, a, logger)
	case "fit":
		return cmdFit(args, mem, a, logger)
	case "predict":
		return cmdPredict(args, mem, a)
	case "sample":
		return cmdSample(args, mem, a, logger)
	case "simulate":
		return cmdSimulate(args, mem, a)
	case "depend":
		return cmdDepend(mem, a, logger)
	case "old2new":
		logger.Infof("old2new: no schema migration needed")
		return nil
	case "hold_out":
		return cmdHoldOut(args, mem, a)
	case "set":
		return cmdSet(args, mem, a)
	case "data_density":
		return cmdDataDensity(args, mem, a, logger)
	case "bnd_mulcov":
		return cmdBndMulcov(args, mem, a)
	default:
		return fmt.Errorf("dismod_at: unrecognized command %q", cmdName)
	}
}

func cmdInit(mem *store.Mem, a *app.App, logger *logging.Logger) error {
	mem.Var = a.VarTable()
	mem.DataSubset = make([]store.DataSubsetRow, len(a.In.Data))
	for i, row := range a.In.Data {
		mem.DataSubset[i] = store.DataSubsetRow{DataSubsetID: table.DataSubsetID(i), DataID: row.ID}
	}
	mem.StartVar = a.DefaultStartVar()
	mem.ScaleVar = fitdriver.ScaleVar(a.Priors, a.PriorRows(), mem.StartVar)
	mem.BndMulcov = append([]table.BndMulcov(nil), a.In.BndMulcov...)
	mem.FitVar = store.FitResult{}
	mem.FitDataSubset = nil
	mem.Sample = nil
	mem.TraceFixed = nil
	mem.HesFixed = nil
	mem.HesRandom = nil
	logger.Infof("init: %d variables, %d data rows", len(mem.Var), len(mem.DataSubset))
	return nil
}

func cmdFit(args []string, mem *store.Mem, a *app.App, logger *logging.Logger) error {
	variables := args[3]
	if variables != "fixed" && variables != "random" && variables != "both" {
		return fmt.Errorf("fit: variables must be fixed, random or both, got %q", variables)
	}
	simulateIndex := -1
	useWarmStart := false
	switch len(args) {
	case 5:
		if args[4] == "warm_start" {
			useWarmStart = true
		} else if n, err := strconv.Atoi(args[4]); err == nil {
			simulateIndex = n
		}
	case 6:
		n, err := strconv.Atoi(args[4])
		if err != nil {
			return fmt.Errorf("fit: simulate_index %q: %w", args[4], err)
		}
		simulateIndex = n
		if args[5] != "warm_start" {
			return fmt.Errorf("fit: dismod_at fit command syntax error")
		}
		useWarmStart = true
	}
	if useWarmStart && variables == "random" {
		return fmt.Errorf("fit: warm_start is invalid with random")
	}

	priors := a.Priors
	if variables == "fixed" {
		priors = a.PriorsWithBoundRandom(0)
	}
	rows := a.DataRows()
	if simulateIndex >= 0 {
		if err := substituteSimulatedData(rows, mem.DataSim, simulateIndex); err != nil {
			return err
		}
	}
	problem := &fitdriver.Problem{
		Model: a.Model, Packer: a.Packer, Priors: priors, PriorRows: a.PriorRows(),
		Rows: rows, AgeTable: a.AgeTable, TimeTable: a.TimeTable, Options: a.Options,
	}

	start := mem.StartVar
	if useWarmStart && mem.FitVar.VarValue != nil {
		start = mem.FitVar.VarValue
	}
	if start == nil {
		start = a.DefaultStartVar()
	}

	var result *fitdriver.Result
	var err error
	if variables == "random" {
		result, err = fitdriver.FitRandomOnly(problem, start)
	} else {
		result, err = fitdriver.Fit(problem, start)
	}
	if err != nil {
		return fmt.Errorf("fit: %w", err)
	}

	mem.FitVar = store.FitResult{
		VarValue: result.Vec, BoxMultiplier: result.BoxMultiplier, DiffMultiplier: result.DiffMultiplier,
		Success: result.Success, Status: result.Status,
	}
	mem.TraceFixed = result.Trace
	mem.HesRandom = hesTriples(result.RandomHessian)
	mem.HesFixed = hesTriples(result.FixedHessian)

	subset := make([]store.DataSubsetResult, 0, len(rows))
	for i, re := range rows {
		mean, err := quad.Average(a.Model, result.Vec, re.Weight, re.Request, a.AgeTable, a.TimeTable)
		if err != nil {
			logger.Warnf("fit: data row %d average: %v", re.Row.ID, err)
			continue
		}
		delta := likelihood.AdjustedDelta(a.Options.MeasNoiseEffect, re.Row.Density.IsLog(), re.Row.MeasStd, 0, mean)
		pt, err := likelihood.DataResidual(re.Row, mean, delta)
		if err != nil {
			logger.Warnf("fit: data row %d residual: %v", re.Row.ID, err)
			continue
		}
		subset = append(subset, store.DataSubsetResult{
			DataSubsetID: table.DataSubsetID(i), AvgIntegrand: mean, WeightedResidual: pt.Residual,
		})
	}
	mem.FitDataSubset = subset
	logger.Infof("fit %s: success=%v status=%s", variables, result.Success, result.Status)
	return nil
}

func substituteSimulatedData(rows []fitdriver.RowEval, sim []store.DataSimRow, index int) error {
	byID := map[table.DataSubsetID]float64{}
	for _, s := range sim {
		if s.SimIndex == index {
			byID[s.DataSubsetID] = s.DataSimValue
		}
	}
	if len(byID) == 0 {
		return fmt.Errorf("fit: no data_sim rows for simulate_index %d", index)
	}
	for i := range rows {
		if v, ok := byID[table.DataSubsetID(i)]; ok {
			rows[i].Row.MeasValue = v
		}
	}
	return nil
}

func cmdPredict(args []string, mem *store.Mem, a *app.App) error {
	source := args[3]
	var vec []float64
	switch source {
	case "fit_var":
		vec = mem.FitVar.VarValue
	case "truth_var":
		vec = mem.TruthVar
	case "sample":
		if len(mem.Sample) == 0 {
			return fmt.Errorf("predict: sample source requested but no sample rows exist")
		}
		vec = mem.Sample[0].Value
	default:
		return fmt.Errorf("predict: unrecognized source %q", source)
	}
	if vec == nil {
		return fmt.Errorf("predict: source %q has no values", source)
	}

	rows, reqs := a.AvgintRows()
	out := make([]store.PredictRow, len(rows))
	for i, row := range rows {
		mean, err := quad.Average(a.Model, vec, a.WeightFor(row.WeightID), reqs[i], a.AgeTable, a.TimeTable)
		if err != nil {
			return fmt.Errorf("predict: avgint row %d: %w", row.ID, err)
		}
		out[i] = store.PredictRow{AvgintID: row.ID, AvgIntegrand: mean}
	}
	return mem.WritePredict(out)
}

func cmdSample(args []string, mem *store.Mem, a *app.App, logger *logging.Logger) error {
	method := args[3]
	variables := args[4]
	nSample, err := strconv.Atoi(args[5])
	if err != nil {
		return fmt.Errorf("sample: number_sample %q: %w", args[5], err)
	}
	if method != "asymptotic" && method != "simulate" {
		return fmt.Errorf("sample: method must be asymptotic or simulate, got %q", method)
	}
	if mem.FitVar.VarValue == nil {
		return fmt.Errorf("sample: no fit_var to sample around; run fit first")
	}

	priors := a.Priors
	if variables == "fixed" {
		priors = a.PriorsWithBoundRandom(0)
	}
	problem := &fitdriver.Problem{
		Model: a.Model, Packer: a.Packer, Priors: priors, PriorRows: a.PriorRows(),
		Rows: a.DataRows(), AgeTable: a.AgeTable, TimeTable: a.TimeTable, Options: a.Options,
	}
	fitted, err := fitdriver.FitRandomOnly(problem, mem.FitVar.VarValue)
	if err != nil {
		return fmt.Errorf("sample: recovering random Hessian: %w", err)
	}
	// Hessian tables are written regardless of whether sampling itself
	// succeeds, so a rank-deficient fit can still be diagnosed.
	mem.HesRandom = hesTriples(fitted.RandomHessian)
	mem.HesFixed = hesTriples(fitted.FixedHessian)

	var draws [][]float64
	switch method {
	case "asymptotic":
		draws, err = fitdriver.Asymptotic(problem, fitted, a.Options.AsymptoticRcondLower, nSample, a.Options.RandomSeed)
		if err != nil {
			mem.Sample = nil
			logger.Warnf("sample asymptotic: %v", err)
			return nil
		}
	case "simulate":
		draws, err = fitdriver.Simulate(problem, fitted, nSample, a.Options.RandomSeed)
		if err != nil {
			return fmt.Errorf("sample simulate: %w", err)
		}
	}
	samples := make([]store.Sample, len(draws))
	for i, d := range draws {
		samples[i] = store.Sample{Index: i, Value: d}
	}
	mem.Sample = samples
	logger.Infof("sample %s %s: %d draws", method, variables, len(samples))
	return nil
}

func cmdSimulate(args []string, mem *store.Mem, a *app.App) error {
	nSimulate, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("simulate: number_simulate %q: %w", args[3], err)
	}
	rows := a.DataRows()
	src := rand.NewSource(uint64(a.Options.RandomSeed))
	rng := rand.New(src)

	var dataSim []store.DataSimRow
	var priorSim []store.PriorSimRow
	for sim := 0; sim < nSimulate; sim++ {
		for i, re := range rows {
			noise := rng.NormFloat64() * re.Row.MeasStd
			dataSim = append(dataSim, store.DataSimRow{
				SimIndex: sim, DataSubsetID: table.DataSubsetID(i), DataSimValue: re.Row.MeasValue + noise,
			})
		}
		for v := 0; v < a.Packer.Size(); v++ {
			prID := a.Priors.ValuePriorID(v)
			if !prID.Valid() {
				continue
			}
			pr, ok := a.PriorRows()[prID]
			if !ok || pr.Std <= 0 {
				continue
			}
			priorSim = append(priorSim, store.PriorSimRow{
				SimIndex: sim, VarID: table.VarID(v), ValuePriorMean: pr.Mean + rng.NormFloat64()*pr.Std,
			})
		}
	}
	mem.DataSim = dataSim
	mem.PriorSim = priorSim
	return nil
}

func cmdDepend(mem *store.Mem, a *app.App, logger *logging.Logger) error {
	deps := a.Depend()
	unused := 0
	for _, d := range deps {
		if !d.UsedByData && !d.UsedByPrior {
			unused++
		}
	}
	logger.Infof("depend: %d variables, %d used by neither data nor prior", len(deps), unused)
	return nil
}

func cmdHoldOut(args []string, mem *store.Mem, a *app.App) error {
	integrandName := args[3]
	maxFit, err := strconv.Atoi(args[4])
	if err != nil {
		return fmt.Errorf("hold_out: max_fit %q: %w", args[4], err)
	}
	var covName string
	var covValue1, covValue2 float64
	balanced := len(args) == 8
	if balanced {
		covName = args[5]
		if covValue1, err = strconv.ParseFloat(args[6], 64); err != nil {
			return fmt.Errorf("hold_out: covariate_value_1 %q: %w", args[6], err)
		}
		if covValue2, err = strconv.ParseFloat(args[7], 64); err != nil {
			return fmt.Errorf("hold_out: covariate_value_2 %q: %w", args[7], err)
		}
	}

	covIDByName := map[string]table.CovariateID{}
	for _, c := range a.In.Covariate {
		covIDByName[c.Name] = c.ID
	}
	covByData := map[table.DataID]map[table.CovariateID]float64{}
	for _, c := range a.In.DataCovValue {
		if covByData[c.DataID] == nil {
			covByData[c.DataID] = map[table.CovariateID]float64{}
		}
		covByData[c.DataID][c.CovariateID] = c.Value
	}

	buckets := map[int][]int{} // bucket -> indices into a.In.Data
	for i, row := range a.In.Data {
		if a.IntegrandKindOf(row.IntegrandID).String() != integrandName {
			continue
		}
		bucket := 0
		if balanced {
			v := covByData[row.ID][covIDByName[covName]]
			if math.Abs(v-covValue2) < math.Abs(v-covValue1) {
				bucket = 1
			}
		}
		buckets[bucket] = append(buckets[bucket], i)
	}

	rng := rand.New(rand.NewSource(uint64(a.Options.RandomSeed)))
	for _, idxs := range buckets {
		if len(idxs) <= maxFit {
			continue
		}
		sort.Ints(idxs)
		perm := rng.Perm(len(idxs))
		hold := len(idxs) - maxFit
		for _, p := range perm[:hold] {
			a.In.Data[idxs[p]].HoldOut = true
		}
	}
	return nil
}

func cmdSet(args []string, mem *store.Mem, a *app.App) error {
	tableOut := args[3]
	source := args[4]
	sampleIndex := 0
	if len(args) == 6 {
		n, err := strconv.Atoi(args[5])
		if err != nil {
			return fmt.Errorf("set: sample_index %q: %w", args[5], err)
		}
		sampleIndex = n
	}

	var value []float64
	switch source {
	case "prior_mean":
		value = a.DefaultStartVar()
	case "fit_var":
		value = mem.FitVar.VarValue
	case "truth_var":
		value = mem.TruthVar
	case "sample":
		if sampleIndex < 0 || sampleIndex >= len(mem.Sample) {
			return fmt.Errorf("set: sample index %d out of range", sampleIndex)
		}
		value = mem.Sample[sampleIndex].Value
	default:
		return fmt.Errorf("set: unrecognized source %q", source)
	}
	if value == nil {
		return fmt.Errorf("set: source %q has no values", source)
	}

	switch tableOut {
	case "start_var":
		mem.StartVar = append([]float64(nil), value...)
	case "scale_var":
		mem.ScaleVar = fitdriver.ScaleVar(a.Priors, a.PriorRows(), value)
	case "truth_var":
		mem.TruthVar = append([]float64(nil), value...)
	default:
		return fmt.Errorf("set: unrecognized table_out %q", tableOut)
	}
	return nil
}

func cmdDataDensity(args []string, mem *store.Mem, a *app.App, logger *logging.Logger) error {
	if len(args) == 3 {
		logger.Infof("data_density: %d data rows, no change requested", len(mem.Input.Data))
		return nil
	}
	integrandName, densityName, etaStr, nuStr := args[3], args[4], args[5], args[6]
	density, ok := table.DensityNameToKind(densityName)
	if !ok {
		return fmt.Errorf("data_density: unrecognized density %q", densityName)
	}
	eta, nu := math.NaN(), math.NaN()
	if strings.TrimSpace(etaStr) != "" {
		v, err := strconv.ParseFloat(etaStr, 64)
		if err != nil {
			return fmt.Errorf("data_density: eta %q: %w", etaStr, err)
		}
		eta = v
	}
	if strings.TrimSpace(nuStr) != "" {
		v, err := strconv.ParseFloat(nuStr, 64)
		if err != nil {
			return fmt.Errorf("data_density: nu %q: %w", nuStr, err)
		}
		nu = v
	}
	changed := 0
	for i, row := range mem.Input.Data {
		if integrandName != "" && a.IntegrandKindOf(row.IntegrandID).String() != integrandName {
			continue
		}
		mem.Input.Data[i].Density = density
		mem.Input.Data[i].Eta = eta
		mem.Input.Data[i].Nu = nu
		changed++
	}
	logger.Infof("data_density: updated %d data rows to %s", changed, densityName)
	return nil
}

func cmdBndMulcov(args []string, mem *store.Mem, a *app.App) error {
	maxAbs, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		return fmt.Errorf("bnd_mulcov: max_abs_effect %q: %w", args[3], err)
	}
	covName := ""
	if len(args) == 5 {
		covName = args[4]
	}
	covIDByName := map[string]table.CovariateID{}
	for _, c := range a.In.Covariate {
		covIDByName[c.Name] = c.ID
	}
	var out []table.BndMulcov
	for _, mc := range a.In.Mulcov {
		if covName != "" && mc.CovariateID != covIDByName[covName] {
			continue
		}
		out = append(out, table.BndMulcov{MulcovID: mc.ID, MaxAbs: maxAbs})
	}
	mem.BndMulcov = out
	return nil
}

func hesTriples(hess interface {
	SymmetricDim() int
	At(i, j int) float64
}) []store.HesTriple {
	if hess == nil {
		return nil
	}
	n := hess.SymmetricDim()
	var out []store.HesTriple
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			out = append(out, store.HesTriple{Row: i, Col: j, Value: hess.At(i, j)})
		}
	}
	return out
}

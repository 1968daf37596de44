// Package store defines the interfaces the core uses to talk to the
// persistent tabular store. The store itself — a
// read-only input side and a write-only result side — is an external
// collaborator out of scope for this module; only the interfaces are
// specified here, plus an in-memory implementation used by tests and
// by command-line tools that want an embeddable store without a
// database dependency.
package store

import "dismod.dev/core/internal/table"

// InputTables is the read-only snapshot loaded once per command
// invocation.
type InputTables struct {
	Age            []table.Age
	Time           []table.Time
	Node           []table.Node
	NodeCov        []table.NodeCov
	Covariate      []table.Covariate
	Rate           []table.Rate
	Smooth         []table.Smooth
	SmoothGrid     []table.SmoothGrid
	Prior          []table.Prior
	Integrand      []table.Integrand
	Mulcov         []table.Mulcov
	BndMulcov      []table.BndMulcov
	Subgroup       []table.Subgroup
	Group          []table.Group
	NSListPair     []table.NSListPair
	Option         map[string]string
	Weight         []table.Weight
	WeightGrid     []table.WeightGrid
	Data           []table.Data
	Avgint         []table.Avgint
	AvgintCovValue []table.AvgintCovValue
	DataCovValue   []table.DataCovValue
}

// Reader loads the read-only input tables. Implementations
// talk to whatever persistent store backs a command invocation; this
// module only consumes the interface.
type Reader interface {
	ReadInputTables() (InputTables, error)
}

// FitResult is one packed-variable solution together with its
// Lagrange multipliers, produced by the fit driver.
type FitResult struct {
	VarValue        []float64
	BoxMultiplier   []float64 // one per variable
	DiffMultiplier  []float64 // one per difference constraint, same order as priorindex.DifferenceConstraints
	Success         bool
	Status          string
}

// Sample is one posterior draw over the full variable vector.
type Sample struct {
	Index int
	Value []float64
}

// DataSubsetResult is one row of fit_data_subset: the model's
// prediction for one data_subset row at the fitted variables.
type DataSubsetResult struct {
	DataSubsetID table.DataSubsetID
	AvgIntegrand float64
	WeightedResidual float64
}

// Writer receives every derived table this core produces. Each method corresponds to one derived table
// or table family; Writer implementations are responsible for
// truncate-then-insert semantics per command, matching "an init
// command recreates the derived tables".
type Writer interface {
	// WriteVar writes the var table: one row per packed variable,
	// with its owning rate/mulcov/smoothing back-reference.
	WriteVar(rows []VarRow) error
	WriteDataSubset(rows []DataSubsetRow) error
	WriteStartVar(value []float64) error
	WriteScaleVar(value []float64) error
	WriteFitVar(result FitResult) error
	WriteFitDataSubset(rows []DataSubsetResult) error
	WriteSample(samples []Sample) error
	WriteTraceFixed(iterations []TraceRow) error
	WriteHesFixed(triples []HesTriple) error
	WriteHesRandom(triples []HesTriple) error
	WriteMixedInfo(info map[string]string) error
	WriteIpoptInfo(blob []byte) error
	WriteAgeAvg(ages []float64) error
	WritePriorSim(rows []PriorSimRow) error
	WriteDataSim(rows []DataSimRow) error
	WriteBndMulcov(rows []table.BndMulcov) error
	WritePredict(rows []PredictRow) error

	logSink
}

// PredictRow is one row of the derived predict table: one avgint row's
// model-average value at a chosen source variable vector.
type PredictRow struct {
	AvgintID     table.AvgintID
	AvgIntegrand float64
}

type logSink interface {
	LogEntry(entry LogEntry)
}

// LogEntry mirrors logging.Entry without importing the logging
// package, keeping store free of a dependency on it.
type LogEntry struct {
	Level   string
	Message string
	Table   string
	RowID   int64
}

// VarRow is one row of the derived var table.
type VarRow struct {
	VarID      table.VarID
	RateID     table.RateID   // NoID unless this is a rate variable
	MulcovID   table.MulcovID // NoID unless this is a mulcov variable
	SmoothID   table.SmoothID
	NodeID     table.NodeID // owning node for random effects, NoID for fixed
	SubgroupID table.SubgroupID
	AgeID      table.AgeID
	TimeID     table.TimeID
}

// DataSubsetRow records which data rows are in the subset for the
// current parent node (one row per included data row).
type DataSubsetRow struct {
	DataSubsetID table.DataSubsetID
	DataID       table.DataID
}

// TraceRow is one outer-iteration summary line.
type TraceRow struct {
	Iteration   int
	ObjValue    float64
	GradInfNorm float64
}

// HesTriple is one (row, col, value) entry of a sparse lower
// triangular Hessian.
type HesTriple struct {
	Row, Col int
	Value    float64
}

// PriorSimRow is one simulated prior mean draw.
type PriorSimRow struct {
	SimIndex int
	VarID    table.VarID
	ValuePriorMean float64
	DagePriorMean  float64
	DtimePriorMean float64
}

// DataSimRow is one simulated measurement draw.
type DataSimRow struct {
	SimIndex     int
	DataSubsetID table.DataSubsetID
	DataSimValue float64
}

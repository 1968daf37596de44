package store

import "dismod.dev/core/internal/table"

// Mem is an in-memory Reader+Writer, standing in for the external
// tabular store in tests and for embedding this core without a
// database dependency. It is not a production persistence layer: the
// real store is an out-of-scope external collaborator.
type Mem struct {
	Input InputTables

	Var            []VarRow
	DataSubset     []DataSubsetRow
	StartVar       []float64
	ScaleVar       []float64
	FitVar         FitResult
	FitDataSubset  []DataSubsetResult
	Sample         []Sample
	TruthVar       []float64
	PredictRows    []PredictRow
	TraceFixed     []TraceRow
	HesFixed       []HesTriple
	HesRandom      []HesTriple
	MixedInfo      map[string]string
	IpoptInfo      []byte
	AgeAvg         []float64
	PriorSim       []PriorSimRow
	DataSim        []DataSimRow
	BndMulcov      []table.BndMulcov
	Log            []LogEntry
}

// NewMem returns an empty in-memory store preloaded with in.
func NewMem(in InputTables) *Mem {
	return &Mem{Input: in}
}

func (m *Mem) ReadInputTables() (InputTables, error) { return m.Input, nil }

func (m *Mem) WriteVar(rows []VarRow) error                 { m.Var = rows; return nil }
func (m *Mem) WriteDataSubset(rows []DataSubsetRow) error    { m.DataSubset = rows; return nil }
func (m *Mem) WriteStartVar(value []float64) error           { m.StartVar = value; return nil }
func (m *Mem) WriteScaleVar(value []float64) error           { m.ScaleVar = value; return nil }
func (m *Mem) WriteFitVar(result FitResult) error             { m.FitVar = result; return nil }
func (m *Mem) WriteFitDataSubset(rows []DataSubsetResult) error {
	m.FitDataSubset = rows
	return nil
}
func (m *Mem) WriteSample(samples []Sample) error            { m.Sample = samples; return nil }
func (m *Mem) WriteTraceFixed(rows []TraceRow) error          { m.TraceFixed = rows; return nil }
func (m *Mem) WriteHesFixed(triples []HesTriple) error        { m.HesFixed = triples; return nil }
func (m *Mem) WriteHesRandom(triples []HesTriple) error       { m.HesRandom = triples; return nil }
func (m *Mem) WriteMixedInfo(info map[string]string) error    { m.MixedInfo = info; return nil }
func (m *Mem) WriteIpoptInfo(blob []byte) error                { m.IpoptInfo = blob; return nil }
func (m *Mem) WriteAgeAvg(ages []float64) error                { m.AgeAvg = ages; return nil }
func (m *Mem) WritePriorSim(rows []PriorSimRow) error          { m.PriorSim = rows; return nil }
func (m *Mem) WriteDataSim(rows []DataSimRow) error            { m.DataSim = rows; return nil }
func (m *Mem) WriteBndMulcov(rows []table.BndMulcov) error     { m.BndMulcov = rows; return nil }
func (m *Mem) WritePredict(rows []PredictRow) error            { m.PredictRows = rows; return nil }

func (m *Mem) LogEntry(e LogEntry) { m.Log = append(m.Log, e) }

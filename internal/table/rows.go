package table

// Row types for the read-only input tables and the mutable grid/prior
// tables. Column names mirror the writer/reader
// routines' schema; REAL columns are float64, id columns are ID,
// NoID is the null sentinel.

// Age is one row of the strictly increasing age table.
type Age struct {
	ID  AgeID
	Age float64
}

// Time is one row of the strictly increasing time table.
type Time struct {
	ID   TimeID
	Time float64
}

// Node is one row of the node hierarchy table.
type Node struct {
	ID       NodeID
	Name     string
	ParentID NodeID // NoID for the root node
}

// Covariate is one row of the covariate table: a reference covariate
// value and a maximum allowed absolute difference from it.
type Covariate struct {
	ID        CovariateID
	Name      string
	Reference float64
	MaxDiff   float64 // +Inf if unrestricted
}

// Rate is one row of the rate table: a rate kind with its parent and
// child smoothings.
type Rate struct {
	ID               RateID
	Kind             RateKind
	ParentSmoothID   SmoothID // NoID if the rate is not modeled
	ChildSmoothID    SmoothID // NoID when using per-child smoothings
	ChildNSListID    NSListID // NoID when using a single child smoothing
}

// Smooth is one row of the smoothing table: dimensions and default
// standard-deviation-multiplier priors.
type Smooth struct {
	ID               SmoothID
	Name             string
	NAge             int
	NTime            int
	MulstdValuePrior PriorID // NoID if absent
	MulstdDagePrior  PriorID
	MulstdDtimePrior PriorID
}

// SmoothGrid is one cell of a smoothing's rectangular age/time grid.
type SmoothGrid struct {
	SmoothID    SmoothID
	AgeID       AgeID
	TimeID      TimeID
	ValuePrior  PriorID // NoID if ConstValue is set
	DagePrior   PriorID // NoID if this is the last age row, or const
	DtimePrior  PriorID // NoID if this is the last time column, or const
	ConstValue  float64
	HasConst    bool
}

// Prior is one row of the prior table. A null prior
// (Density == Uniform with infinite bounds) is uniform on (-inf,inf).
type Prior struct {
	ID      PriorID
	Name    string
	Density DensityKind
	Mean    float64
	Std     float64
	Lower   float64 // -Inf if unbounded
	Upper   float64 // +Inf if unbounded
	Eta     float64 // NaN if absent
	Nu      float64 // NaN if absent
}

// HasEta reports whether the prior carries a log-offset.
func (p Prior) HasEta() bool { return p.Eta == p.Eta } // !IsNaN

// IsUniform reports whether p imposes no density penalty.
func (p Prior) IsUniform() bool { return p.Density == Uniform }

// Mulcov is one row of the covariate-multiplier table.
type Mulcov struct {
	ID             MulcovID
	Type           MulcovType
	RateID         RateID        // valid iff Type == RateValue
	IntegrandID    IntegrandID   // valid iff Type != RateValue
	CovariateID    CovariateID
	GroupID        GroupID
	GroupSmoothID  SmoothID
	SubgroupSmooth SmoothID // NoID if the group smoothing spans the group
}

// BndMulcov is a bound-table override for a fixed-effect covariate
// multiplier variable.
type BndMulcov struct {
	MulcovID MulcovID
	MaxAbs   float64
}

// Subgroup is one row of the subgroup table; subgroups partition into
// groups in contiguous id blocks.
type Subgroup struct {
	ID      SubgroupID
	Name    string
	GroupID GroupID
}

// Group describes one contiguous block of subgroup ids.
type Group struct {
	ID          GroupID
	Name        string
	FirstSub    SubgroupID
	NumSub      int
}

// NSListPair is one (node, smoothing) pair within a child
// node-smoothing list.
type NSListPair struct {
	NSListID NSListID
	NodeID   NodeID
	SmoothID SmoothID
}

// Weight is a named averaging weight function, realized as a grid
// (used by the quadrature package when an observation's Weight is not the built-in
// constant weight).
type Weight struct {
	ID    WeightID
	Name  string
	NAge  int
	NTime int
}

// WeightGrid is one cell of a weight's age/time grid.
type WeightGrid struct {
	WeightID WeightID
	AgeID    AgeID
	TimeID   TimeID
	Weight   float64
}

// Integrand is one row of the integrand table: the kind plus the
// minimum coefficient-of-variation floor applied to its data rows.
type Integrand struct {
	ID            IntegrandID
	Kind          IntegrandKind
	MinimumMeasCV float64
}

// Observation fields shared between the data and avgint tables.
type Observation struct {
	IntegrandID IntegrandID
	NodeID      NodeID
	SubgroupID  SubgroupID
	WeightID    WeightID // NoID means the constant weight
	AgeLower    float64
	AgeUpper    float64
	TimeLower   float64
	TimeUpper   float64
}

// Data is one row of the data table: an Observation plus the
// measurement and its density.
type Data struct {
	ID DataID
	Observation
	Density    DensityKind
	MeasValue  float64
	MeasStd    float64
	Eta        float64 // NaN if absent
	Nu         float64 // NaN if absent
	HoldOut    bool
}

// Avgint is one row of the avgint table: an Observation with no
// measurement, used by the predict command.
type Avgint struct {
	ID AvgintID
	Observation
}

// DataCovValue is one (data row, covariate) value.
type DataCovValue struct {
	DataID      DataID
	CovariateID CovariateID
	Value       float64
}

// AvgintCovValue is one (avgint row, covariate) value.
type AvgintCovValue struct {
	AvgintID    AvgintID
	CovariateID CovariateID
	Value       float64
}

// NodeCov gives the per-node covariate weight map: the weight to
// apply to a covariate multiplier's effect for observations at a
// given node, when it differs from 1.
type NodeCov struct {
	NodeID      NodeID
	CovariateID CovariateID
	Weight      float64
}

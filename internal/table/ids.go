// Package table holds the row types for the input and derived
// tables. Tables are read once per command invocation and referenced
// throughout a fit by integer id; this package defines the id types
// and row shapes only, not storage.
package table

// ID is the common underlying type for every table's primary key.
// NoID is the null sentinel: it is distinct from the zero row id, so
// a present reference to row 0 never reads as absent.
type ID int32

// NoID marks an absent reference (a SQL NULL in the external store).
const NoID ID = -1

// Valid reports whether id refers to an actual row.
func (id ID) Valid() bool { return id != NoID }

type (
	AgeID        = ID
	TimeID       = ID
	NodeID       = ID
	CovariateID  = ID
	RateID       = ID
	SmoothID     = ID
	PriorID      = ID
	DensityID    = ID
	IntegrandID  = ID
	MulcovID     = ID
	SubgroupID   = ID
	GroupID      = ID
	NSListID     = ID
	WeightID     = ID
	DataID       = ID
	AvgintID     = ID
	VarID        = ID
	DataSubsetID = ID
)

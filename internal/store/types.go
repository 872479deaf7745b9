// Package store implements the relational persistence contract of
// SPEC_FULL.md §4.6: runs, signal/spec catalogues, signal/spec samples,
// action events, and monitor errors, over database/sql with the
// mattn/go-sqlite3 driver against a single embedded file path. Grounded on
// the original Python trajectory/sqlite_store.py's schema and on the
// teacher pack's estuary-flow SQLite materialization driver for the
// database/sql + "sqlite3" registration idiom.
package store

// Run is a named monitoring session; never mutated after creation.
type Run struct {
	ID           int64
	RunName      string
	StartedAtUTC string
}

// SignalCatalog identifies the segment a SignalSample belongs to.
type SignalCatalog struct {
	ID           int64
	RunID        int64
	SignalLabel  string
	Unit         string
	MetadataJSON string
}

// SpecCatalog identifies the segment a SpecSample belongs to.
type SpecCatalog struct {
	ID           int64
	RunID        int64
	SpecLabel    string
	Unit         string
	MetadataJSON string
}

// SignalSample is one fast-changing-readout row.
type SignalSample struct {
	ID          int64
	RunID       int64
	SignalID    int64
	DtS         float64
	ValuesJSON  string
}

// SpecSample is one slowly-changing-setting row.
type SpecSample struct {
	ID         int64
	RunID      int64
	SpecID     int64
	DtS        float64
	ValsJSON   string
}

// ActionEvent records a detected spec-value change between two ticks.
type ActionEvent struct {
	ID                    int64
	RunID                 int64
	DtS                   float64
	ActionKind            string
	DetectedAtUTC         string
	SpecLabel             string
	SignalWindowStartDtS  float64
	SignalWindowEndDtS    float64
	DeltaValue            *float64
	OldValueJSON          string
	NewValueJSON          string
}

// MonitorError records a poller failure observed during a tick; the tick
// that produced it was not otherwise persisted.
type MonitorError struct {
	ID          int64
	RunID       *int64
	DtS         *float64
	ErrorType   string
	Message     string
	DetailsJSON string
}

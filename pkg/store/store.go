// Package store defines the remote tabular inventory contract and its
// Google Sheets implementation. Calls are expensive (hundreds of
// milliseconds) and rate-limited upstream, so callers are expected to
// batch: the allocator turns any take of N rows into one ReadAll and one
// BatchWrite.
package store

import "context"

// CellUpdate stages one cell-range write in A1 notation (sheet-local,
// e.g. "E7"), with row-major values.
type CellUpdate struct {
	Range  string
	Values [][]string
}

// RemoteStore is the remote inventory table. Row 1 is the header; data
// rows start at row 2. BatchWrite atomicity across ranges is the
// store's responsibility.
type RemoteStore interface {
	// ReadAll returns every row of the sheet in order, each row as its
	// ordered cell strings.
	ReadAll(ctx context.Context) ([][]string, error)

	// BatchWrite applies all staged updates in a single remote call.
	BatchWrite(ctx context.Context, updates []CellUpdate) error

	// Append adds rows after the last filled row in a single remote call.
	Append(ctx context.Context, rows [][]string) error
}

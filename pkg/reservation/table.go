// Package reservation arbitrates concurrent claims on inventory rows
// before any remote write happens. Claims live in process memory, carry a
// TTL, and self-heal: an expired claim is treated as absent everywhere.
package reservation

import (
	"log/slog"
	"sync"
	"time"

	"proxy-allocator/pkg/models"
)

// Reservation is a short-lived claim on one sheet row.
type Reservation struct {
	RowIndex    int
	Purpose     string
	RequesterID string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the claim's TTL has passed.
func (r *Reservation) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Stats is a point-in-time view of the table for diagnostics.
type Stats struct {
	TotalReservations int
	ActiveRequesters  int
	MaxPerRequester   int
}

// Table is the process-wide reservation map. At most one live claim
// exists per row at any instant; first requester to install a claim wins
// until release or expiry.
type Table struct {
	ttl     time.Duration
	logger  *slog.Logger
	nowFunc func() time.Time

	mu      sync.Mutex
	claims  map[int]*Reservation
	byOwner map[string]map[int]struct{}
}

func NewTable(ttl time.Duration, logger *slog.Logger) *Table {
	return &Table{
		ttl:     ttl,
		logger:  logger,
		nowFunc: time.Now,
		claims:  make(map[int]*Reservation),
		byOwner: make(map[string]map[int]struct{}),
	}
}

// Reserve installs a claim on the row. It fails only when a live claim
// owned by a different requester exists; re-reserving one's own row
// refreshes the TTL and purpose. Expired claims are overwritten.
func (t *Table) Reserve(rowIndex int, purpose, requesterID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reserveLocked(rowIndex, purpose, requesterID)
}

// ReserveMany attempts each row independently in the given order and
// returns the rows actually reserved. Partial success is expected, not
// an error.
func (t *Table) ReserveMany(rowIndices []int, purpose, requesterID string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var reserved []int
	for _, rowIndex := range rowIndices {
		if t.reserveLocked(rowIndex, purpose, requesterID) {
			reserved = append(reserved, rowIndex)
		}
	}

	t.logger.Debug("Batch reserve",
		"requester", requesterID,
		"requested", len(rowIndices),
		"reserved", len(reserved))
	return reserved
}

func (t *Table) reserveLocked(rowIndex int, purpose, requesterID string) bool {
	now := t.nowFunc()

	if existing, ok := t.claims[rowIndex]; ok {
		if !existing.Expired(now) && existing.RequesterID != requesterID {
			return false
		}
		t.dropLocked(existing)
	}

	claim := &Reservation{
		RowIndex:    rowIndex,
		Purpose:     models.NormalizePurpose(purpose),
		RequesterID: requesterID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(t.ttl),
	}
	t.claims[rowIndex] = claim

	owned, ok := t.byOwner[requesterID]
	if !ok {
		owned = make(map[int]struct{})
		t.byOwner[requesterID] = owned
	}
	owned[rowIndex] = struct{}{}

	return true
}

// Release removes the claim on the row if it is owned by the requester.
// Releasing a row that is not claimed, or claimed by someone else, is a
// no-op. Safe to call repeatedly.
func (t *Table) Release(rowIndex int, requesterID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	claim, ok := t.claims[rowIndex]
	if !ok {
		return false
	}
	if claim.RequesterID != requesterID {
		t.logger.Warn("Release of claim owned by another requester",
			"row", rowIndex, "requester", requesterID, "owner", claim.RequesterID)
		return false
	}

	t.dropLocked(claim)
	return true
}

// ReleaseAll removes every claim owned by the requester and returns the
// count. Used for cleanup on abort or cancel; idempotent.
func (t *Table) ReleaseAll(requesterID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	owned := t.byOwner[requesterID]
	count := len(owned)
	for rowIndex := range owned {
		delete(t.claims, rowIndex)
	}
	delete(t.byOwner, requesterID)

	if count > 0 {
		t.logger.Debug("Released all claims", "requester", requesterID, "count", count)
	}
	return count
}

// SweepExpired removes every claim whose TTL has passed and returns the
// count removed.
func (t *Table) SweepExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	count := 0
	for _, claim := range t.claims {
		if claim.Expired(now) {
			t.dropLocked(claim)
			t.logger.Info("Expired reservation removed",
				"row", claim.RowIndex,
				"requester", claim.RequesterID,
				"purpose", claim.Purpose)
			count++
		}
	}
	return count
}

// Owner returns a copy of the live claim on the row, if any.
func (t *Table) Owner(rowIndex int) (Reservation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	claim, ok := t.claims[rowIndex]
	if !ok || claim.Expired(t.nowFunc()) {
		return Reservation{}, false
	}
	return *claim, true
}

// ReservedRows returns the set of rows with a live claim, optionally
// excluding one requester's own claims (so callers can show a requester
// their own selections as available).
func (t *Table) ReservedRows(excludeRequesterID string) map[int]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	reserved := make(map[int]struct{})
	for rowIndex, claim := range t.claims {
		if claim.Expired(now) {
			continue
		}
		if excludeRequesterID != "" && claim.RequesterID == excludeRequesterID {
			continue
		}
		reserved[rowIndex] = struct{}{}
	}
	return reserved
}

// RequesterRows returns the rows currently claimed by the requester.
func (t *Table) RequesterRows(requesterID string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	var rows []int
	for rowIndex := range t.byOwner[requesterID] {
		if claim, ok := t.claims[rowIndex]; ok && !claim.Expired(now) {
			rows = append(rows, rowIndex)
		}
	}
	return rows
}

// Stats returns diagnostic counters over live claims. Expired claims the
// sweeper has not reached yet are not counted.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	s := Stats{}
	perOwner := make(map[string]int)
	for _, claim := range t.claims {
		if claim.Expired(now) {
			continue
		}
		s.TotalReservations++
		perOwner[claim.RequesterID]++
	}
	for _, n := range perOwner {
		s.ActiveRequesters++
		if n > s.MaxPerRequester {
			s.MaxPerRequester = n
		}
	}
	return s
}

func (t *Table) dropLocked(claim *Reservation) {
	delete(t.claims, claim.RowIndex)
	if owned, ok := t.byOwner[claim.RequesterID]; ok {
		delete(owned, claim.RowIndex)
		if len(owned) == 0 {
			delete(t.byOwner, claim.RequesterID)
		}
	}
}

package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"proxy-allocator/pkg/inventory"
	"proxy-allocator/pkg/models"
	"proxy-allocator/pkg/reservation"
	"proxy-allocator/pkg/store"
)

// usedForColumn is the sheet column holding the usage list.
const usedForColumn = "E"

// RegionLookupFunc resolves an IP address to a country code. Used only on
// the add path, never during commits.
type RegionLookupFunc func(ctx context.Context, ip string) (string, error)

// AuditLog records committed allocations. Optional; a nil log disables
// auditing.
type AuditLog interface {
	RecordAllocations(ctx context.Context, events []models.AllocationEvent) error
}

// Stats is the read-only diagnostic snapshot returned by Service.Stats.
type Stats struct {
	TotalRecords        int
	Available           int
	Expired             int
	SkippedRows         int
	PendingReservations int
	CacheValid          bool
	CacheAgeSeconds     float64
}

// Service composes the inventory cache, the reservation table and the
// remote store. Queries and reservations never touch the remote store;
// a commit performs exactly one read and one batched write regardless of
// batch size.
type Service struct {
	store   store.RemoteStore
	cache   *inventory.Cache
	table   *reservation.Table
	lookup  RegionLookupFunc
	audit   AuditLog
	logger  *slog.Logger
	nowFunc func() time.Time
}

func NewService(st store.RemoteStore, cache *inventory.Cache, table *reservation.Table,
	lookup RegionLookupFunc, audit AuditLog, logger *slog.Logger) *Service {
	return &Service{
		store:   st,
		cache:   cache,
		table:   table,
		lookup:  lookup,
		audit:   audit,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// QueryAvailable returns proxies that are unexpired, not yet used for the
// purpose, and not reserved by anyone, sorted by days left descending.
// Longer-lived proxies surface first; ties keep sheet order.
func (s *Service) QueryAvailable(ctx context.Context, purpose string) ([]models.Proxy, error) {
	return s.queryFiltered(ctx, purpose, "", "")
}

// QueryByRegion is QueryAvailable narrowed to one region. A positive
// limit truncates after sorting.
func (s *Service) QueryByRegion(ctx context.Context, purpose, region string, limit int) ([]models.Proxy, error) {
	proxies, err := s.queryFiltered(ctx, purpose, region, "")
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(proxies) > limit {
		proxies = proxies[:limit]
	}
	return proxies, nil
}

// QueryForRequester returns available proxies where the requester's own
// reservations still show up, plus the set of rows they hold. Lets a
// caller render a selection the requester is in the middle of.
func (s *Service) QueryForRequester(ctx context.Context, purpose, region, requesterID string) ([]models.Proxy, map[int]bool, error) {
	proxies, err := s.queryFiltered(ctx, purpose, region, requesterID)
	if err != nil {
		return nil, nil, err
	}

	held := make(map[int]bool)
	for _, rowIndex := range s.table.RequesterRows(requesterID) {
		held[rowIndex] = true
	}
	return proxies, held, nil
}

// RegionCounts returns how many proxies are available per region for the
// purpose.
func (s *Service) RegionCounts(ctx context.Context, purpose string) (map[string]int, error) {
	proxies, err := s.QueryAvailable(ctx, purpose)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, p := range proxies {
		counts[p.Region]++
	}
	return counts, nil
}

func (s *Service) queryFiltered(ctx context.Context, purpose, region, excludeRequesterID string) ([]models.Proxy, error) {
	all, err := s.cache.Get(ctx, false)
	if err != nil {
		return nil, err
	}

	now := s.nowFunc()
	reserved := s.table.ReservedRows(excludeRequesterID)

	var available []models.Proxy
	for _, p := range all {
		if region != "" && !regionEqual(p.Region, region) {
			continue
		}
		if p.IsExpired(now) {
			continue
		}
		if p.IsUsedFor(purpose) {
			continue
		}
		if _, taken := reserved[p.RowIndex]; taken {
			continue
		}
		available = append(available, p)
	}

	// Stable: ties keep original sheet order.
	sort.SliceStable(available, func(i, j int) bool {
		return available[i].DaysLeft(now) > available[j].DaysLeft(now)
	})

	return available, nil
}

// ReserveBatch claims the rows for the requester without touching the
// remote store. Returns the rows actually reserved; rows held by other
// requesters are simply absent from the result.
func (s *Service) ReserveBatch(rowIndices []int, purpose, requesterID string) []int {
	return s.table.ReserveMany(rowIndices, purpose, requesterID)
}

// Release drops the requester's claim on a single row.
func (s *Service) Release(rowIndex int, requesterID string) bool {
	return s.table.Release(rowIndex, requesterID)
}

// ReleaseAll drops every claim the requester holds. Safe to call
// speculatively on error or cancel paths.
func (s *Service) ReleaseAll(requesterID string) int {
	return s.table.ReleaseAll(requesterID)
}

// CommitBatch durably marks the reserved rows as used for the purpose.
//
// The protocol keeps remote traffic constant in the batch size: after
// validating reservations in memory, it performs exactly one ReadAll to
// get authoritative rows, re-validates each row against that fresh read,
// and applies all surviving updates in exactly one BatchWrite.
//
// Per-row problems land in the returned failed list and never abort the
// batch. Only a store-level failure returns an error; in that case no
// reservations are released, so the caller can retry or let them expire.
func (s *Service) CommitBatch(ctx context.Context, rowIndices []int, purpose, requesterID string) ([]models.Proxy, []int, error) {
	if len(rowIndices) == 0 {
		return nil, nil, nil
	}
	purpose = models.NormalizePurpose(purpose)

	// Step 1: commit never reserves implicitly. Anything not reserved by
	// this requester is dropped up front.
	var pending []int
	var failed []int
	for _, rowIndex := range rowIndices {
		claim, ok := s.table.Owner(rowIndex)
		if !ok || claim.RequesterID != requesterID {
			s.logger.Warn("Commit without live reservation", "row", rowIndex, "requester", requesterID)
			failed = append(failed, rowIndex)
			continue
		}
		pending = append(pending, rowIndex)
	}

	if len(pending) == 0 {
		return nil, failed, nil
	}

	// Step 2: one authoritative read. The cache may be stale; out-of-band
	// edits to the sheet are caught here.
	rows, err := s.store.ReadAll(ctx)
	if err != nil {
		return nil, rowIndices, fmt.Errorf("commit aborted, inventory read failed: %v", err)
	}

	now := s.nowFunc()
	var updates []store.CellUpdate
	var taken []models.Proxy
	var committed []int

	for _, rowIndex := range pending {
		// Steps 3-4: re-validate against the fresh row, then stage the
		// usage update.
		if rowIndex < 2 || rowIndex > len(rows) {
			failed = append(failed, rowIndex)
			continue
		}
		row := rows[rowIndex-1]
		if len(row) == 0 || row[0] == "" {
			failed = append(failed, rowIndex)
			continue
		}

		p, err := inventory.DecodeRow(rowIndex, row, now)
		if err != nil {
			s.logger.Warn("Commit row no longer decodable", "row", rowIndex, "error", err)
			failed = append(failed, rowIndex)
			continue
		}
		if p.IsExpired(now) {
			failed = append(failed, rowIndex)
			continue
		}
		if p.IsUsedFor(purpose) {
			s.logger.Warn("Proxy already used for purpose", "row", rowIndex, "purpose", purpose)
			failed = append(failed, rowIndex)
			continue
		}

		p.AddUsage(purpose)
		updates = append(updates, store.CellUpdate{
			Range:  fmt.Sprintf("%s%d", usedForColumn, rowIndex),
			Values: [][]string{{p.UsedForString()}},
		})
		taken = append(taken, p)
		committed = append(committed, rowIndex)
	}

	if len(updates) == 0 {
		return nil, failed, nil
	}

	// Step 5: one batched write covering every staged row.
	if err := s.store.BatchWrite(ctx, updates); err != nil {
		// Reservations stay in place for retry or TTL expiry.
		return nil, rowIndices, fmt.Errorf("commit aborted, batch write failed: %v", err)
	}

	// Step 6: consume reservations and force the next read to observe
	// the write.
	for _, rowIndex := range committed {
		s.table.Release(rowIndex, requesterID)
	}
	s.cache.Invalidate()

	s.logger.Info("Batch commit applied",
		"requester", requesterID,
		"purpose", purpose,
		"taken", len(taken),
		"failed", len(failed))

	s.recordAudit(ctx, taken, purpose, requesterID)

	return taken, failed, nil
}

// TakeOne reserves and commits a single row. Kept for call sites that
// allocate one proxy at a time.
func (s *Service) TakeOne(ctx context.Context, rowIndex int, purpose, requesterID string) (*models.Proxy, error) {
	if !s.table.Reserve(rowIndex, purpose, requesterID) {
		return nil, fmt.Errorf("row %d is reserved by another requester", rowIndex)
	}

	taken, failed, err := s.CommitBatch(ctx, []int{rowIndex}, purpose, requesterID)
	if err != nil {
		return nil, err
	}
	if len(taken) == 0 {
		s.table.Release(rowIndex, requesterID)
		return nil, fmt.Errorf("row %d failed commit validation (failed rows: %v)", rowIndex, failed)
	}
	return &taken[0], nil
}

// Stats returns a diagnostic snapshot. Reads through the cache; no side
// effects beyond a possible cache refresh.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	all, err := s.cache.Get(ctx, false)
	if err != nil {
		return Stats{}, err
	}

	now := s.nowFunc()
	st := Stats{
		TotalRecords:        len(all),
		SkippedRows:         s.cache.SkippedRows(),
		PendingReservations: s.table.Stats().TotalReservations,
		CacheValid:          s.cache.Valid(),
		CacheAgeSeconds:     s.cache.Age().Seconds(),
	}
	for _, p := range all {
		if p.IsExpired(now) {
			st.Expired++
		} else {
			st.Available++
		}
	}
	return st, nil
}

func (s *Service) recordAudit(ctx context.Context, taken []models.Proxy, purpose, requesterID string) {
	if s.audit == nil || len(taken) == 0 {
		return
	}

	events := make([]models.AllocationEvent, 0, len(taken))
	now := s.nowFunc()
	for _, p := range taken {
		events = append(events, models.AllocationEvent{
			ID:          uuid.NewString(),
			RowIndex:    p.RowIndex,
			Proxy:       p.HostPort(),
			Region:      p.Region,
			Purpose:     purpose,
			RequesterID: requesterID,
			TakenAt:     now,
		})
	}

	// Auditing is best-effort: the sheet write already succeeded.
	if err := s.audit.RecordAllocations(ctx, events); err != nil {
		s.logger.Error("Failed to record allocation events", "error", err)
	}
}

func regionEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

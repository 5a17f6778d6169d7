package allocator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"proxy-allocator/pkg/inventory"
	"proxy-allocator/pkg/models"
	"proxy-allocator/pkg/reservation"
	"proxy-allocator/pkg/store"
)

// fakeStore counts remote calls and applies batch writes to its rows so
// post-commit reads observe them, like the real sheet would.
type fakeStore struct {
	mu       sync.Mutex
	rows     [][]string
	reads    int
	writes   int
	appends  int
	readErr  error
	writeErr error
}

func (f *fakeStore) ReadAll(ctx context.Context) ([][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := make([][]string, len(f.rows))
	for i, row := range f.rows {
		out[i] = append([]string(nil), row...)
	}
	return out, nil
}

func (f *fakeStore) BatchWrite(ctx context.Context, updates []store.CellUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.writeErr != nil {
		return f.writeErr
	}
	for _, u := range updates {
		if !strings.HasPrefix(u.Range, "E") {
			return fmt.Errorf("unexpected range %q", u.Range)
		}
		rowIndex, err := strconv.Atoi(u.Range[1:])
		if err != nil || rowIndex < 1 || rowIndex > len(f.rows) {
			return fmt.Errorf("bad range %q", u.Range)
		}
		row := f.rows[rowIndex-1]
		for len(row) < 5 {
			row = append(row, "")
		}
		row[4] = u.Values[0][0]
		f.rows[rowIndex-1] = row
	}
	return nil
}

func (f *fakeStore) Append(ctx context.Context, rows [][]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends++
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeStore) counts() (reads, writes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads, f.writes
}

// sheetRows builds a header plus one data row per daysLeft value. Row N+2
// gets proxy 10.0.0.N:8080 and expires daysLeft[N] days from today.
func sheetRows(daysLeft ...int) [][]string {
	rows := [][]string{{"proxy", "country", "added_date", "expires_date", "used_for", "proxy_type"}}
	now := time.Now()
	for i, days := range daysLeft {
		rows = append(rows, []string{
			fmt.Sprintf("10.0.0.%d:8080", i+1),
			"US",
			now.Format(models.DateLayout),
			now.AddDate(0, 0, days).Format(models.DateLayout),
			"",
			"http",
		})
	}
	return rows
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(fs *fakeStore) (*Service, *reservation.Table) {
	logger := testLogger()
	cache := inventory.New(fs, time.Minute, logger)
	table := reservation.NewTable(5*time.Minute, logger)
	return NewService(fs, cache, table, nil, nil, logger), table
}

func TestCommitBatchCallCounts(t *testing.T) {
	for _, n := range []int{1, 5, 50} {
		t.Run(fmt.Sprintf("batch of %d", n), func(t *testing.T) {
			days := make([]int, n)
			for i := range days {
				days[i] = 30
			}
			fs := &fakeStore{rows: sheetRows(days...)}
			svc, _ := newTestService(fs)

			rows := make([]int, n)
			for i := range rows {
				rows[i] = i + 2
			}

			reserved := svc.ReserveBatch(rows, "sitex", "alice")
			if len(reserved) != n {
				t.Fatalf("ReserveBatch() reserved %d, want %d", len(reserved), n)
			}

			taken, failed, err := svc.CommitBatch(context.Background(), reserved, "sitex", "alice")
			if err != nil {
				t.Fatalf("CommitBatch() error = %v", err)
			}
			if len(taken) != n || len(failed) != 0 {
				t.Fatalf("CommitBatch() = %d taken, %d failed; want %d, 0", len(taken), len(failed), n)
			}

			reads, writes := fs.counts()
			if reads != 1 {
				t.Errorf("store reads = %d, want exactly 1 regardless of batch size", reads)
			}
			if writes != 1 {
				t.Errorf("store writes = %d, want exactly 1 regardless of batch size", writes)
			}
		})
	}
}

func TestQueryAvailableFilteringAndOrder(t *testing.T) {
	// Rows 2-5 carry days left [3, 10, 1, 10]; row 6 is expired, row 7 is
	// already used for the purpose, row 8 is reserved by someone else.
	fs := &fakeStore{rows: sheetRows(3, 10, 1, 10, 0, 20, 20)}
	fs.rows[6][4] = "sitex"
	svc, table := newTestService(fs)
	table.Reserve(8, "sitex", "bob")

	got, err := svc.QueryAvailable(context.Background(), "SiteX")
	if err != nil {
		t.Fatalf("QueryAvailable() error = %v", err)
	}

	var gotRows []int
	for _, p := range got {
		gotRows = append(gotRows, p.RowIndex)
	}
	// [10, 10, 3, 1] by days left; the two 10s keep sheet order (3 then 5).
	want := []int{3, 5, 2, 4}
	if len(gotRows) != len(want) {
		t.Fatalf("QueryAvailable() rows = %v, want %v", gotRows, want)
	}
	for i := range want {
		if gotRows[i] != want[i] {
			t.Fatalf("QueryAvailable() rows = %v, want %v", gotRows, want)
		}
	}
}

func TestQueryByRegionLimit(t *testing.T) {
	fs := &fakeStore{rows: sheetRows(5, 10, 15)}
	fs.rows[2][1] = "DE"
	svc, _ := newTestService(fs)

	got, err := svc.QueryByRegion(context.Background(), "sitex", "us", 1)
	if err != nil {
		t.Fatalf("QueryByRegion() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("QueryByRegion() = %d rows, want 1 after limit", len(got))
	}
	// Highest days left among US rows is row 4 (15 days).
	if got[0].RowIndex != 4 {
		t.Errorf("QueryByRegion() row = %d, want 4", got[0].RowIndex)
	}

	counts, err := svc.RegionCounts(context.Background(), "sitex")
	if err != nil {
		t.Fatalf("RegionCounts() error = %v", err)
	}
	if counts["US"] != 2 || counts["DE"] != 1 {
		t.Errorf("RegionCounts() = %v, want US:2 DE:1", counts)
	}
}

func TestEndToEndTwoRequesters(t *testing.T) {
	fs := &fakeStore{rows: sheetRows(30, 30, 30, 30, 30)} // rows 2-6
	svc, _ := newTestService(fs)
	ctx := context.Background()

	if got := svc.ReserveBatch([]int{2, 3, 4}, "sitex", "alice"); len(got) != 3 {
		t.Fatalf("alice ReserveBatch() = %v, want all three", got)
	}

	// Bob collides on 3 and 4; only 5 is left for him.
	got := svc.ReserveBatch([]int{3, 4, 5}, "sitex", "bob")
	if len(got) != 1 || got[0] != 5 {
		t.Fatalf("bob ReserveBatch() = %v, want [5]", got)
	}

	taken, failed, err := svc.CommitBatch(ctx, []int{2, 3, 4}, "siteX", "alice")
	if err != nil {
		t.Fatalf("CommitBatch() error = %v", err)
	}
	if len(taken) != 3 || len(failed) != 0 {
		t.Fatalf("CommitBatch() = %d taken, %d failed; want 3, 0", len(taken), len(failed))
	}
	for _, p := range taken {
		if !p.IsUsedFor("sitex") {
			t.Errorf("taken row %d not marked used for sitex: %v", p.RowIndex, p.UsedFor)
		}
	}

	// Committed rows are gone for this purpose; bob's reservation hides 5.
	available, err := svc.QueryAvailable(ctx, "sitex")
	if err != nil {
		t.Fatalf("QueryAvailable() error = %v", err)
	}
	if len(available) != 1 || available[0].RowIndex != 6 {
		var rows []int
		for _, p := range available {
			rows = append(rows, p.RowIndex)
		}
		t.Errorf("QueryAvailable() rows = %v, want [6]", rows)
	}
}

func TestQueryForRequesterShowsOwnReservations(t *testing.T) {
	fs := &fakeStore{rows: sheetRows(10, 20, 30)}
	svc, _ := newTestService(fs)
	ctx := context.Background()

	svc.ReserveBatch([]int{2}, "sitex", "alice")
	svc.ReserveBatch([]int{3}, "sitex", "bob")

	proxies, held, err := svc.QueryForRequester(ctx, "sitex", "", "alice")
	if err != nil {
		t.Fatalf("QueryForRequester() error = %v", err)
	}

	var rows []int
	for _, p := range proxies {
		rows = append(rows, p.RowIndex)
	}
	// Alice sees her own row 2 plus unreserved row 4; bob's row 3 is hidden.
	if len(rows) != 2 || rows[0] != 4 || rows[1] != 2 {
		t.Errorf("QueryForRequester() rows = %v, want [4 2]", rows)
	}
	if !held[2] || held[3] || held[4] {
		t.Errorf("held = %v, want only row 2", held)
	}
}

func TestCommitRequiresReservation(t *testing.T) {
	fs := &fakeStore{rows: sheetRows(30, 30)}
	svc, _ := newTestService(fs)

	taken, failed, err := svc.CommitBatch(context.Background(), []int{2, 3}, "sitex", "alice")
	if err != nil {
		t.Fatalf("CommitBatch() error = %v", err)
	}
	if len(taken) != 0 || len(failed) != 2 {
		t.Fatalf("CommitBatch() = %d taken, %d failed; want 0, 2", len(taken), len(failed))
	}

	// Nothing was reserved, so no remote call should have happened.
	reads, writes := fs.counts()
	if reads != 0 || writes != 0 {
		t.Errorf("store calls = %d reads, %d writes; want none", reads, writes)
	}
}

func TestCommitStaleValidation(t *testing.T) {
	fs := &fakeStore{rows: sheetRows(30, 30)}
	svc, _ := newTestService(fs)
	ctx := context.Background()

	svc.ReserveBatch([]int{2, 3}, "sitex", "alice")

	// Row 2 is updated out-of-band between reservation and commit.
	fs.mu.Lock()
	fs.rows[1][4] = "sitex"
	fs.mu.Unlock()

	taken, failed, err := svc.CommitBatch(ctx, []int{2, 3}, "sitex", "alice")
	if err != nil {
		t.Fatalf("CommitBatch() error = %v", err)
	}
	if len(taken) != 1 || taken[0].RowIndex != 3 {
		t.Fatalf("CommitBatch() taken = %v, want only row 3", taken)
	}
	if len(failed) != 1 || failed[0] != 2 {
		t.Fatalf("CommitBatch() failed = %v, want [2]", failed)
	}
}

func TestCommitRowOutOfRange(t *testing.T) {
	fs := &fakeStore{rows: sheetRows(30)}
	svc, _ := newTestService(fs)

	svc.ReserveBatch([]int{99}, "sitex", "alice")
	taken, failed, err := svc.CommitBatch(context.Background(), []int{99}, "sitex", "alice")
	if err != nil {
		t.Fatalf("CommitBatch() error = %v", err)
	}
	if len(taken) != 0 || len(failed) != 1 {
		t.Errorf("CommitBatch() = %d taken, failed %v; want 0 taken, [99]", len(taken), failed)
	}
}

func TestCommitWriteFailureKeepsReservations(t *testing.T) {
	fs := &fakeStore{rows: sheetRows(30, 30)}
	svc, table := newTestService(fs)
	ctx := context.Background()

	svc.ReserveBatch([]int{2, 3}, "sitex", "alice")
	fs.writeErr = fmt.Errorf("rate limited")

	taken, failed, err := svc.CommitBatch(ctx, []int{2, 3}, "sitex", "alice")
	if err == nil {
		t.Fatal("CommitBatch() error = nil, want store failure")
	}
	if len(taken) != 0 {
		t.Errorf("CommitBatch() taken = %v, want none on store failure", taken)
	}
	if len(failed) != 2 {
		t.Errorf("CommitBatch() failed = %v, want the full input batch", failed)
	}

	// Reservations survive so the caller can retry.
	for _, rowIndex := range []int{2, 3} {
		claim, ok := table.Owner(rowIndex)
		if !ok || claim.RequesterID != "alice" {
			t.Errorf("reservation on row %d lost after failed write", rowIndex)
		}
	}

	// Retry succeeds once the store recovers.
	fs.writeErr = nil
	taken, failed, err = svc.CommitBatch(ctx, []int{2, 3}, "sitex", "alice")
	if err != nil {
		t.Fatalf("retry CommitBatch() error = %v", err)
	}
	if len(taken) != 2 || len(failed) != 0 {
		t.Errorf("retry CommitBatch() = %d taken, %d failed; want 2, 0", len(taken), len(failed))
	}
}

func TestTakeOne(t *testing.T) {
	fs := &fakeStore{rows: sheetRows(30, 30)}
	svc, _ := newTestService(fs)
	ctx := context.Background()

	p, err := svc.TakeOne(ctx, 2, "sitex", "alice")
	if err != nil {
		t.Fatalf("TakeOne() error = %v", err)
	}
	if p.RowIndex != 2 || !p.IsUsedFor("sitex") {
		t.Errorf("TakeOne() = %+v", p)
	}

	// Row held by another requester cannot be taken.
	svc.ReserveBatch([]int{3}, "sitex", "bob")
	if _, err := svc.TakeOne(ctx, 3, "sitex", "alice"); err == nil {
		t.Error("TakeOne() on a foreign reservation should fail")
	}
}

func TestStats(t *testing.T) {
	fs := &fakeStore{rows: sheetRows(30, 0, 10)}
	svc, _ := newTestService(fs)

	svc.ReserveBatch([]int{2}, "sitex", "alice")

	st, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.TotalRecords != 3 || st.Available != 2 || st.Expired != 1 {
		t.Errorf("Stats() = %+v, want 3 total, 2 available, 1 expired", st)
	}
	if st.PendingReservations != 1 {
		t.Errorf("PendingReservations = %d, want 1", st.PendingReservations)
	}
	if !st.CacheValid {
		t.Error("CacheValid = false right after a read")
	}
}

func TestReleaseAllClearsRequester(t *testing.T) {
	fs := &fakeStore{rows: sheetRows(30, 30, 30)}
	svc, _ := newTestService(fs)

	svc.ReserveBatch([]int{2, 3, 4}, "sitex", "alice")
	if got := svc.ReleaseAll("alice"); got != 3 {
		t.Errorf("ReleaseAll() = %d, want 3", got)
	}
	// Speculative second call is safe.
	if got := svc.ReleaseAll("alice"); got != 0 {
		t.Errorf("second ReleaseAll() = %d, want 0", got)
	}

	got, err := svc.QueryAvailable(context.Background(), "sitex")
	if err != nil {
		t.Fatalf("QueryAvailable() error = %v", err)
	}
	if len(got) != 3 {
		t.Errorf("QueryAvailable() = %d rows after release, want 3", len(got))
	}
}

func TestAddProxies(t *testing.T) {
	fs := &fakeStore{rows: sheetRows()}
	logger := testLogger()
	cache := inventory.New(fs, time.Minute, logger)
	table := reservation.NewTable(5*time.Minute, logger)
	lookup := func(ctx context.Context, ip string) (string, error) {
		if ip == "1.1.1.1" {
			return "AU", nil
		}
		return "", fmt.Errorf("no data")
	}
	svc := NewService(fs, cache, table, lookup, nil, logger)

	results, err := svc.AddProxies(context.Background(),
		[]string{"1.1.1.1:8080:u:p", "2.2.2.2:1080", "garbage", ""},
		[]string{"SiteA"}, 30, models.SchemeSOCKS5)
	if err != nil {
		t.Fatalf("AddProxies() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("AddProxies() = %d results, want 2 (bad lines skipped)", len(results))
	}
	if results[0].Region != "AU" || results[1].Region != "UNKNOWN" {
		t.Errorf("regions = %q, %q; want AU, UNKNOWN", results[0].Region, results[1].Region)
	}

	fs.mu.Lock()
	appended := fs.rows[1:]
	fs.mu.Unlock()
	if len(appended) != 2 {
		t.Fatalf("store has %d data rows, want 2", len(appended))
	}
	if appended[0][0] != "1.1.1.1:8080:u:p" || appended[0][4] != "sitea" || appended[0][5] != "socks5" {
		t.Errorf("appended row = %v", appended[0])
	}

	// The add must invalidate the cache so the next query sees new rows.
	got, err := svc.QueryAvailable(context.Background(), "siteb")
	if err != nil {
		t.Fatalf("QueryAvailable() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("QueryAvailable() = %d rows after add, want 2", len(got))
	}
}

// Package inventory holds the in-memory view of the remote proxy sheet.
// A snapshot is immutable once fetched; refreshes replace it wholesale so
// readers never observe a half-decoded sheet.
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"proxy-allocator/pkg/models"
	"proxy-allocator/pkg/proxyparse"
	"proxy-allocator/pkg/store"
)

type snapshot struct {
	proxies   []models.Proxy
	fetchedAt time.Time
	skipped   int
}

// Cache reads through to the RemoteStore at most once per TTL window.
// Concurrent callers that arrive while a refresh is in flight share it
// instead of issuing duplicate remote reads.
type Cache struct {
	store   store.RemoteStore
	ttl     time.Duration
	logger  *slog.Logger
	nowFunc func() time.Time

	mu    sync.Mutex
	snap  *snapshot
	gen   uint64
	group singleflight.Group
}

func New(st store.RemoteStore, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		store:   st,
		ttl:     ttl,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Get returns the cached snapshot, refreshing from the remote store if
// the snapshot is missing, stale, or forceRefresh is set.
func (c *Cache) Get(ctx context.Context, forceRefresh bool) ([]models.Proxy, error) {
	c.mu.Lock()
	if !forceRefresh && c.validLocked() {
		proxies := c.snap.proxies
		c.mu.Unlock()
		return proxies, nil
	}
	c.mu.Unlock()

	// All callers that arrive during a refresh get the same result.
	v, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Proxy), nil
}

// Last returns the most recently fetched records without checking
// staleness, for callers that tolerate stale data. Nil if never fetched.
func (c *Cache) Last() []models.Proxy {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap == nil {
		return nil
	}
	return c.snap.proxies
}

// Invalidate marks the snapshot stale without clearing it; the next Get
// forces a refresh. Bumping the generation also stales any refresh that
// was already in flight, whose rows may predate the write that triggered
// the invalidation.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.snap != nil {
		c.snap = &snapshot{proxies: c.snap.proxies, skipped: c.snap.skipped}
	}
}

// Valid reports whether the snapshot is within its TTL.
func (c *Cache) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validLocked()
}

// Age returns the time since the snapshot was fetched, or zero if there
// is no valid snapshot.
func (c *Cache) Age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap == nil || c.snap.fetchedAt.IsZero() {
		return 0
	}
	return c.nowFunc().Sub(c.snap.fetchedAt)
}

// SkippedRows returns the number of rows the last refresh failed to decode.
func (c *Cache) SkippedRows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap == nil {
		return 0
	}
	return c.snap.skipped
}

func (c *Cache) validLocked() bool {
	return c.snap != nil && !c.snap.fetchedAt.IsZero() &&
		c.nowFunc().Sub(c.snap.fetchedAt) < c.ttl
}

// refresh performs the remote read outside any lock, then installs the
// new snapshot under the lock. An Invalidate that arrives while the read
// is in flight installs the snapshot with a zero fetchedAt, so it is
// readable via Last but the next Get still refreshes.
func (c *Cache) refresh(ctx context.Context) ([]models.Proxy, error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	rows, err := c.store.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh inventory: %v", err)
	}

	now := c.nowFunc()
	proxies, skipped := DecodeRows(rows, now, c.logger)

	c.mu.Lock()
	fetchedAt := now
	if c.gen != gen {
		fetchedAt = time.Time{}
	}
	c.snap = &snapshot{proxies: proxies, fetchedAt: fetchedAt, skipped: skipped}
	c.mu.Unlock()

	c.logger.Debug("Inventory refreshed", "proxies", len(proxies), "skipped", skipped)
	return proxies, nil
}

// DecodeRows converts raw sheet rows into proxy records. Row 1 is the
// header. Blank rows are ignored; rows that fail to parse are logged and
// skipped, never fatal.
func DecodeRows(rows [][]string, now time.Time, logger *slog.Logger) ([]models.Proxy, int) {
	var proxies []models.Proxy
	skipped := 0

	for i, row := range rows {
		rowIndex := i + 1
		if rowIndex == 1 {
			continue // header
		}
		if len(row) == 0 || row[0] == "" {
			continue
		}

		p, err := DecodeRow(rowIndex, row, now)
		if err != nil {
			logger.Warn("Skipping undecodable row", "row", rowIndex, "error", err)
			skipped++
			continue
		}
		proxies = append(proxies, p)
	}

	return proxies, skipped
}

// DecodeRow decodes a single sheet row into a proxy record.
// Columns: proxy | country | added_date | expires_date | used_for | proxy_type.
func DecodeRow(rowIndex int, row []string, now time.Time) (models.Proxy, error) {
	parsed, err := proxyparse.Parse(cell(row, 0))
	if err != nil {
		return models.Proxy{}, err
	}

	region := cell(row, 1)
	if region == "" {
		region = "UNKNOWN"
	}

	// The proxy_type column overrides the parsed scheme, but only when it
	// names a scheme we can actually dial.
	scheme := parsed.Scheme
	switch s := models.Scheme(strings.ToLower(strings.TrimSpace(cell(row, 5)))); s {
	case models.SchemeHTTP, models.SchemeHTTPS, models.SchemeSOCKS5:
		scheme = s
	}

	return models.Proxy{
		RowIndex:  rowIndex,
		Address:   parsed.Address,
		Port:      parsed.Port,
		Username:  parsed.Username,
		Password:  parsed.Password,
		Scheme:    scheme,
		Region:    region,
		AddedAt:   models.ParseSheetDate(cell(row, 2), now),
		ExpiresAt: models.ParseSheetDate(cell(row, 3), now),
		UsedFor:   models.ParseUsedFor(cell(row, 4)),
	}, nil
}

func cell(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

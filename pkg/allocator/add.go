package allocator

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"proxy-allocator/pkg/models"
	"proxy-allocator/pkg/proxyparse"
)

// maxLookupWorkers bounds concurrent region lookups so the geo API does
// not rate-limit us.
const maxLookupWorkers = 5

// AddResult describes one proxy appended to the inventory.
type AddResult struct {
	Proxy   string
	Region  string
	Expires time.Time
}

// AddProxies parses raw proxy lines, resolves their regions, and appends
// them to the remote sheet in a single Append call. Lines that fail to
// parse are logged and skipped. Purposes are stamped into the usage
// column so the new proxies are never offered for those purposes again.
func (s *Service) AddProxies(ctx context.Context, rawLines []string, purposes []string, durationDays int, scheme models.Scheme) ([]AddResult, error) {
	var parsed []*proxyparse.Parsed
	for _, line := range rawLines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		p, err := proxyparse.Parse(line)
		if err != nil {
			s.logger.Error("Error parsing proxy line", "line", line, "error", err)
			continue
		}
		if scheme != "" {
			p.Scheme = scheme
		}
		parsed = append(parsed, p)
	}
	if len(parsed) == 0 {
		return nil, nil
	}

	regions := s.lookupRegions(ctx, parsed)

	now := s.nowFunc()
	expires := now.AddDate(0, 0, durationDays)

	var usedFor string
	for i, purpose := range purposes {
		if i > 0 {
			usedFor += ","
		}
		usedFor += models.NormalizePurpose(purpose)
	}

	rows := make([][]string, 0, len(parsed))
	results := make([]AddResult, 0, len(parsed))
	for i, p := range parsed {
		record := models.Proxy{
			Address:  p.Address,
			Port:     p.Port,
			Username: p.Username,
			Password: p.Password,
			Scheme:   p.Scheme,
		}
		rows = append(rows, []string{
			record.StorageString(),
			regions[i],
			now.Format(models.DateLayout),
			expires.Format(models.DateLayout),
			usedFor,
			string(p.Scheme),
		})
		results = append(results, AddResult{
			Proxy:   record.HostPort(),
			Region:  regions[i],
			Expires: expires,
		})
	}

	if err := s.store.Append(ctx, rows); err != nil {
		return nil, fmt.Errorf("failed to append proxies: %v", err)
	}
	s.cache.Invalidate()

	s.logger.Info("Proxies added", "count", len(rows))
	return results, nil
}

// AddProxiesFromFile reads one proxy string per line and adds them all.
func (s *Service) AddProxiesFromFile(ctx context.Context, filename string, purposes []string, durationDays int, scheme models.Scheme) ([]AddResult, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %v", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %v", err)
	}

	return s.AddProxies(ctx, lines, purposes, durationDays, scheme)
}

// lookupRegions resolves regions for all parsed proxies with a bounded
// number of concurrent lookups. Failures degrade to "UNKNOWN".
func (s *Service) lookupRegions(ctx context.Context, parsed []*proxyparse.Parsed) []string {
	regions := make([]string, len(parsed))
	if s.lookup == nil {
		for i := range regions {
			regions[i] = "UNKNOWN"
		}
		return regions
	}

	sem := make(chan struct{}, maxLookupWorkers)
	var wg sync.WaitGroup
	for i, p := range parsed {
		wg.Add(1)
		go func(i int, ip string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			region, err := s.lookup(ctx, ip)
			if err != nil || region == "" {
				if err != nil {
					s.logger.Warn("Region lookup failed", "ip", ip, "error", err)
				}
				region = "UNKNOWN"
			}
			regions[i] = region
		}(i, p.Address)
	}
	wg.Wait()

	return regions
}

// Package checker probes inventory proxies through their own transports
// to weed out dead entries before they are offered to requesters.
package checker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"

	"proxy-allocator/pkg/fetch"
	"proxy-allocator/pkg/models"
)

// Result is the outcome of probing one proxy.
type Result struct {
	Proxy      models.Proxy
	Alive      bool
	DurationMs int64
	Error      string
}

// Checker runs liveness probes with a bounded worker pool. Two probe
// layers: a TCP dial through the proxy transport, then an HTTP fetch of
// the probe URL for proxies that pass the dial.
type Checker struct {
	probeURL   string
	probeAddr  string
	maxWorkers int
	timeoutSec int
	logger     *slog.Logger
}

func New(probeURL, probeAddr string, maxWorkers, timeoutSec int, logger *slog.Logger) *Checker {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if timeoutSec < 1 {
		timeoutSec = 10
	}
	return &Checker{
		probeURL:   probeURL,
		probeAddr:  probeAddr,
		maxWorkers: maxWorkers,
		timeoutSec: timeoutSec,
		logger:     logger,
	}
}

// CheckAll probes every proxy and returns one result per input, in
// completion order.
func (c *Checker) CheckAll(ctx context.Context, proxies []models.Proxy) []Result {
	jobs := make(chan models.Proxy, len(proxies))
	out := make(chan Result, len(proxies))

	var wg sync.WaitGroup
	for i := 0; i < c.maxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				out <- c.checkOne(ctx, p)
			}
		}()
	}

	for _, p := range proxies {
		jobs <- p
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(out)
	}()

	results := make([]Result, 0, len(proxies))
	for r := range out {
		if r.Alive {
			c.logger.Debug("Proxy alive", "proxy", r.Proxy.HostPort(), "durationMs", r.DurationMs)
		} else {
			c.logger.Info("Proxy dead", "proxy", r.Proxy.HostPort(), "error", r.Error)
		}
		results = append(results, r)
	}
	return results
}

func (c *Checker) checkOne(ctx context.Context, p models.Proxy) Result {
	start := time.Now()
	result := Result{Proxy: p}

	if err := c.probeTCP(ctx, p); err != nil {
		result.Error = err.Error()
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	if c.probeURL != "" {
		if err := c.probeHTTP(ctx, p); err != nil {
			result.Error = err.Error()
			result.DurationMs = time.Since(start).Milliseconds()
			return result
		}
	}

	result.Alive = true
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// probeTCP dials the probe address through the proxy transport.
func (c *Checker) probeTCP(ctx context.Context, p models.Proxy) error {
	dialer, err := newDialer(p.TransportURL())
	if err != nil {
		return fmt.Errorf("could not create dialer: %w", err)
	}

	dctx, cancel := context.WithTimeout(ctx, time.Duration(c.timeoutSec)*time.Second)
	defer cancel()

	conn, err := dialer.DialStream(dctx, c.probeAddr)
	if err != nil {
		return fmt.Errorf("tcp probe failed: %w", err)
	}
	return conn.Close()
}

// probeHTTP fetches the probe URL through the proxy transport.
func (c *Checker) probeHTTP(ctx context.Context, p models.Proxy) error {
	result, err := fetch.Fetch(ctx, c.probeURL, fetch.Options{
		Transport:  p.TransportURL(),
		TimeoutSec: c.timeoutSec,
	})
	if err != nil {
		return fmt.Errorf("http probe failed: %w", err)
	}
	if result.Response.StatusCode >= 500 {
		return fmt.Errorf("http probe returned status %d", result.Response.StatusCode)
	}
	return nil
}

func newDialer(config string) (transport.StreamDialer, error) {
	return configurl.NewDefaultConfigToDialer().NewStreamDialer(config)
}

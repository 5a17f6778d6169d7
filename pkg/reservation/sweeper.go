package reservation

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically removes expired claims from a Table. It runs
// independently of other operations; reservations also self-heal on
// access, so the sweeper only bounds how long dead claims linger.
type Sweeper struct {
	table    *Table
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(table *Table, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{table: table, interval: interval, logger: logger}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Reservation sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reservation sweeper stopped")
			return
		case <-ticker.C:
			if n := s.table.SweepExpired(); n > 0 {
				s.logger.Info("Swept expired reservations", "count", n)
			}
		}
	}
}

package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/Tyrowin/chatgate/internal/registry"
)

// Stats is an aggregate count of registered sessions.
type Stats struct {
	Connected int
	Federated int
	Local     int
}

// StatsReporter periodically logs and exports registry counts.
type StatsReporter struct {
	registry *registry.Registry
	interval time.Duration
	log      *slog.Logger
	metrics  *Metrics
}

func NewStatsReporter(reg *registry.Registry, interval time.Duration, log *slog.Logger, metrics *Metrics) *StatsReporter {
	return &StatsReporter{registry: reg, interval: interval, log: log, metrics: metrics}
}

// Collect counts the sessions in a registry snapshot. The registry lock is
// held only while the snapshot is copied.
func (r *StatsReporter) Collect() Stats {
	records := r.registry.SnapshotAll()
	federated := lo.CountBy(records, func(rec registry.SessionRecord) bool {
		return rec.Identity.IsFederated()
	})
	return Stats{
		Connected: len(records),
		Federated: federated,
		Local:     len(records) - federated,
	}
}

// Run reports every interval until ctx is done.
func (r *StatsReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *StatsReporter) report() {
	stats := r.Collect()
	r.metrics.RecordSessions(stats)
	r.log.Info("Session stats",
		"connected", stats.Connected,
		"federated", stats.Federated,
		"local", stats.Local)
}

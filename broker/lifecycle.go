package broker

import (
	"context"
	"time"

	"github.com/gil906/witnessreplay-inference/quota"
)

// Start restores persisted state, starts the queue drain loop and the
// archive worker, and launches the alert, flush and snapshot loops.
func (b *Broker) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.restore(ctx)
	b.queue.Start(ctx)
	if b.archive != nil {
		b.archive.Start(ctx)
	}
	go b.run(ctx)
	b.log.Info("Broker started", "models", len(b.cfg.Models), "chains", len(b.cfg.Chains))
}

// Close stops the loops in dependency order: the queue first so no new work
// lands mid-flush, then the broker loops, a final state flush, and last the
// archive and store. Close is one-shot.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	started := b.started
	b.started = false
	b.mu.Unlock()

	b.queue.Stop()
	if started {
		close(b.stopChan)
		select {
		case <-b.stoppedChan:
		case <-ctx.Done():
		}
	}

	b.flush(ctx)
	if started && b.archive != nil {
		if err := b.archive.Stop(); err != nil {
			b.log.Error("Failed to stop archive", "error", err)
		}
	}
	if err := b.store.Close(); err != nil {
		b.log.Error("Failed to close store", "error", err)
		return err
	}
	b.log.Info("Broker stopped")
	return nil
}

// restore seeds the cache and the metric aggregates from the last snapshot.
func (b *Broker) restore(ctx context.Context) {
	entries, err := b.store.LoadCacheEntries(ctx)
	if err != nil {
		b.log.Warn("Failed to restore cache entries", "error", err)
	} else if len(entries) > 0 {
		restored := b.cache.Import(entries)
		b.log.Info("Restored cache entries", "count", restored)
	}

	stats, err := b.store.LoadMetricsSnapshot(ctx)
	if err != nil {
		b.log.Warn("Failed to restore metrics snapshot", "error", err)
	} else if len(stats) > 0 {
		b.metrics.SeedDaily(stats)
		b.log.Info("Restored metrics snapshot", "models", len(stats))
	}
}

func (b *Broker) run(ctx context.Context) {
	defer close(b.stoppedChan)

	alertInterval := b.cfg.Alerts.CheckInterval
	if alertInterval <= 0 {
		alertInterval = 5 * time.Minute
	}
	flushInterval := b.cfg.PersistFlushInterval
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}

	alertTicker := time.NewTicker(alertInterval)
	defer alertTicker.Stop()
	flushTicker := time.NewTicker(flushInterval)
	defer flushTicker.Stop()
	snapshotTicker := time.NewTicker(time.Hour)
	defer snapshotTicker.Stop()

	lastDate := b.now().UTC().Format("2006-01-02")
	for {
		select {
		case <-b.stopChan:
			return
		case <-ctx.Done():
			return
		case <-alertTicker.C:
			b.checkQuotaAlerts()
		case <-flushTicker.C:
			b.flush(ctx)
		case <-snapshotTicker.C:
			today := b.now().UTC().Format("2006-01-02")
			if today != lastDate {
				b.writeDailySnapshot(ctx, lastDate)
				lastDate = today
			}
		}
	}
}

// checkQuotaAlerts warns for every model past the configured fraction of its
// daily request limit.
func (b *Broker) checkQuotaAlerts() {
	threshold := b.cfg.Alerts.UsageThreshold
	if threshold <= 0 {
		return
	}

	for model, usage := range b.tracker.Status() {
		fraction := usage.DailyFraction()
		if fraction >= threshold {
			b.log.Warn("Model approaching daily quota",
				"model", model,
				"used", usage.DailyRequests,
				"limit", usage.Limits.RequestsPerDay,
				"fraction", fraction)
		}
	}
}

// flush pushes cache entries and daily metric aggregates to the store.
func (b *Broker) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := b.store.SaveCacheEntries(ctx, b.cache.Export()); err != nil {
		b.log.Error("Failed to flush cache entries", "error", err)
	}
	if err := b.store.SaveMetricsSnapshot(ctx, b.metrics.DailySnapshot()); err != nil {
		b.log.Error("Failed to flush metrics snapshot", "error", err)
	}
}

// writeDailySnapshot uploads yesterday's aggregates once the UTC date flips.
// The quota rows describe the state at write time; counters for the closed
// day live in the metric aggregates.
func (b *Broker) writeDailySnapshot(ctx context.Context, date string) {
	if b.snapshot == nil {
		return
	}

	status := b.tracker.Status()
	usage := make([]quota.Usage, 0, len(status))
	for _, u := range status {
		usage = append(usage, u)
	}

	timeout := b.cfg.Snapshot.UploadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	key, err := b.snapshot.WriteDaily(ctx, date, b.metrics.DailySnapshot(), usage)
	if err != nil {
		b.log.Error("Failed to write daily snapshot", "date", date, "error", err)
		return
	}
	if key != "" {
		b.log.Info("Daily snapshot written", "date", date, "key", key)
	}
}

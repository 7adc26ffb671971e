package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Dedup is a time-windowed set of recently seen telegram fingerprints.
// Entries older than the window are evicted lazily on lookup and by a
// periodic sweep, so the set never outgrows one window of traffic.
type Dedup struct {
	mu      sync.Mutex
	window  time.Duration
	enabled bool
	seen    map[uint64]time.Time
	logger  *slog.Logger

	now func() time.Time // test hook
}

// NewDedup creates a dedup filter. When disabled, Admit always returns true.
func NewDedup(window time.Duration, enabled bool, logger *slog.Logger) *Dedup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dedup{
		window:  window,
		enabled: enabled,
		seen:    make(map[uint64]time.Time),
		logger:  logger,
		now:     time.Now,
	}
}

// Admit reports whether a telegram with this fingerprint may enter the
// queue. A repeat within the window is rejected; otherwise the entry is
// inserted or refreshed.
func (d *Dedup) Admit(fingerprint uint64) bool {
	if !d.enabled {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if seenAt, ok := d.seen[fingerprint]; ok && now.Sub(seenAt) < d.window {
		return false
	}

	d.seen[fingerprint] = now
	return true
}

// Forget removes a fingerprint so the telegram may be resubmitted
// immediately. Called when an admitted telegram fails to enter the queue,
// otherwise the gateway's retry would be swallowed as a duplicate.
func (d *Dedup) Forget(fingerprint uint64) {
	if !d.enabled {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, fingerprint)
}

// Sweep evicts expired entries and returns how many were removed.
func (d *Dedup) Sweep() int {
	if !d.enabled {
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	evicted := 0
	for fp, seenAt := range d.seen {
		if now.Sub(seenAt) >= d.window {
			delete(d.seen, fp)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of retained fingerprints.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Run sweeps expired entries on the given interval until the context is
// canceled. Intended to run as a background goroutine.
func (d *Dedup) Run(ctx context.Context, interval time.Duration) {
	if !d.enabled || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := d.Sweep(); evicted > 0 {
				d.logger.Debug("Dedup sweep evicted expired fingerprints",
					slog.Int("evicted", evicted),
				)
			}
		}
	}
}

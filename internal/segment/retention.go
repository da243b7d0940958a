// SPDX-License-Identifier: MIT

package segment

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// RetentionPolicy bounds how much segment data a store is allowed to keep.
// Zero values mean "no limit" for that dimension.
type RetentionPolicy struct {
	MaxAge        time.Duration
	MaxTotalBytes int64
}

// Retention periodically lists a Store's segments and prunes the oldest
// ones that violate the configured policy.
type Retention struct {
	store    *Store
	policy   RetentionPolicy
	interval time.Duration
	logger   *slog.Logger

	prunedCount uint64
	prunedBytes int64
}

// NewRetention creates a Retention sweeper for store, enforcing policy every
// interval.
func NewRetention(store *Store, policy RetentionPolicy, interval time.Duration, logger *slog.Logger) *Retention {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Retention{
		store:    store,
		policy:   policy,
		interval: interval,
		logger:   logger.With("component", "retention"),
	}
}

// Name implements supervisor.Service.
func (r *Retention) Name() string {
	return "retention-" + r.store.SessionID()
}

// Run implements supervisor.Service: it sweeps on a fixed interval until ctx
// is cancelled.
func (r *Retention) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Sweep(); err != nil {
				r.logger.Warn("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep lists the store's segments and deletes the oldest ones that exceed
// MaxAge or push the store's total size over MaxTotalBytes. The segment the
// encoder is actively writing to is never considered for deletion (it is
// excluded from List's completed tail by construction of how this method
// walks from oldest-first, but — to be safe against races with a very short
// SegmentSeconds — the newest entry is always skipped explicitly).
func (r *Retention) Sweep() error {
	segments, err := r.store.List()
	if err != nil {
		return err
	}
	if len(segments) <= 1 {
		return nil // nothing completed yet to prune
	}
	candidates := segments[:len(segments)-1]

	now := time.Now()
	var total int64
	for _, seg := range segments {
		total += seg.Size
	}

	for _, seg := range candidates {
		expired := r.policy.MaxAge > 0 && now.Sub(seg.ModTime) > r.policy.MaxAge
		overBudget := r.policy.MaxTotalBytes > 0 && total > r.policy.MaxTotalBytes
		if !expired && !overBudget {
			continue
		}

		if err := removeWithRetry(seg.Path, 3); err != nil {
			r.logger.Warn("failed to prune segment", "path", seg.Path, "error", err)
			continue
		}

		total -= seg.Size
		r.prunedCount++
		r.prunedBytes += seg.Size
		r.logger.Debug("pruned segment", "path", seg.Path, "expired", expired, "over_budget", overBudget)
	}

	return nil
}

// removeWithRetry retries deletion a few times, since on Windows a segment
// file can briefly stay locked by the encoder process (or an antivirus
// scanner) right after it's closed.
func removeWithRetry(path string, attempts int) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := os.Remove(path); err == nil || os.IsNotExist(err) {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(50 * time.Millisecond)
	}
	return lastErr
}

// PrunedCount returns the lifetime count of segments removed by this sweeper.
func (r *Retention) PrunedCount() uint64 {
	return r.prunedCount
}

// PrunedBytes returns the lifetime total bytes freed by this sweeper.
func (r *Retention) PrunedBytes() int64 {
	return r.prunedBytes
}

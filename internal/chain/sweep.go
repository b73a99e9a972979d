package chain

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// RunRetentionSweep collapses per-stream state to head-only past
// retentionHorizon, ticking at sweepInterval until ctx is cancelled.
// The on-disk representation already stores heads only (events beyond
// the head are never persisted by this package), so a sweep pass here
// is limited to trimming the equivocation log, which does accumulate
// full event bodies.
func (v *Vine) RunRetentionSweep(ctx context.Context, sweepInterval time.Duration) {
	if v.retentionHorizon <= 0 {
		// retention_horizon_ms == 0 means "never collapse" (used by the
		// gateway's audit stream); no sweep goroutine is needed.
		return
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := v.sweepOnce(); err != nil {
				v.logger.Error("retention sweep failed", zap.Error(err))
			}
		}
	}
}

func (v *Vine) sweepOnce() error {
	cutoff := time.Now().UTC().Add(-v.retentionHorizon)
	var stale [][]byte
	err := v.store.IteratePrefix([]byte(equivocationKeyPrefix), func(key, value []byte) error {
		var entry EquivocationEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return err
		}
		if entry.RecordedAt.Before(cutoff) {
			stale = append(stale, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := v.store.Delete(key); err != nil {
			return err
		}
	}
	if len(stale) > 0 {
		v.logger.Info("retention sweep collapsed stale equivocation entries", zap.Int("count", len(stale)))
	}
	return nil
}

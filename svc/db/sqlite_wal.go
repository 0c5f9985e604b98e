package db

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"pokebin/metrics"
	"pokebin/svc/util"
)

const (
	// WALCheckpointInterval is how often serve checkpoints the SQLite WAL.
	WALCheckpointInterval = 5 * time.Minute
	truncateAfterPages    = 1000
	checkpointTimeout     = 30 * time.Second
)

// MaintainWAL checkpoints every interval until ctx is done, then runs one
// last checkpoint before returning.
func (s *SQLite) MaintainWAL(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Checkpoint(ctx); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
			if err := s.Checkpoint(final); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			cancel()
			return
		}
	}
}

// Checkpoint folds the WAL back into pastes_comp and checks integrity. It
// counts against the store's circuit breaker like any other query.
func (s *SQLite) Checkpoint(ctx context.Context) error {
	if err := s.checkCircuit(); err != nil {
		metrics.WALCheckpoints.WithLabelValues("skipped").Inc()
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, checkpointTimeout)
	defer cancel()
	start := time.Now()
	mode, err := s.checkpoint(ctx)
	s.recordError(err)
	if err != nil {
		metrics.WALCheckpoints.WithLabelValues("failed").Inc()
		return err
	}
	metrics.WALCheckpoints.WithLabelValues(mode).Inc()
	util.Debug().Str("mode", mode).Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}

// checkpoint runs a PASSIVE pass and escalates to TRUNCATE when readers held
// pages back or the log grew large.
func (s *SQLite) checkpoint(ctx context.Context) (string, error) {
	busy, logPages, err := s.walCheckpoint(ctx, "PASSIVE")
	if err != nil {
		return "", err
	}
	mode := "passive"
	if busy > 0 || logPages > truncateAfterPages {
		util.Info().Int("busy", busy).Int("log_pages", logPages).Msg("escalating to TRUNCATE checkpoint")
		if _, _, err := s.walCheckpoint(ctx, "TRUNCATE"); err != nil {
			return "", err
		}
		mode = "truncate"
	}
	if err := s.verifyIntegrity(ctx); err != nil {
		util.Error().Err(err).Msg("database integrity check failed after checkpoint")
		return "", err
	}
	return mode, nil
}

func (s *SQLite) walCheckpoint(ctx context.Context, mode string) (busy, logPages int, err error) {
	var checkpointed int
	err = s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint("+mode+")").Scan(&busy, &logPages, &checkpointed)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "%s checkpoint", mode)
	}
	return busy, logPages, nil
}

func (s *SQLite) verifyIntegrity(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return errors.Wrap(err, "integrity check")
	}
	if result != "ok" {
		return errors.Errorf("integrity check returned %q", result)
	}
	return nil
}

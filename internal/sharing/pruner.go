package sharing

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var errInvalidPruneInterval = errors.New("sharing: prune interval must be positive")

// RunPruner calls PruneExpired every interval until ctx ends. Failed passes
// are logged and retried on the next tick.
func (s *Service) RunPruner(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errInvalidPruneInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.PruneExpired(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.loggerOrDefault().Warn("prune pass failed", zap.Error(err))
			}
		}
	}
}

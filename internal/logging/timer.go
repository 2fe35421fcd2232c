package logging

import (
	"time"

	"go.uber.org/zap"
)

// OperationTimer reports how long service operations take.
type OperationTimer struct {
	logger *zap.Logger
	clock  func() time.Time
}

// NewOperationTimer constructs a timer that logs durations at debug level.
func NewOperationTimer(logger *zap.Logger, clock func() time.Time) *OperationTimer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &OperationTimer{logger: logger, clock: clock}
}

// Start begins timing operation; the returned func ends it.
func (t *OperationTimer) Start(operation string) func() {
	started := t.clock()
	return func() {
		t.logger.Debug("operation timing",
			zap.String("operation", operation),
			zap.Duration("duration", t.clock().Sub(started)))
	}
}

package engine

import (
	"log/slog"
	"sync/atomic"
)

// ActivityListener is notified around each visible unit of work (folder
// subtree copy, file download, file upload). Calls nest.
type ActivityListener interface {
	ActivityStarted()
	ActivityStopped()
}

// NopActivity ignores all notifications.
type NopActivity struct{}

func (NopActivity) ActivityStarted() {}
func (NopActivity) ActivityStopped() {}

// LogActivity logs when the engine becomes busy and idle again.
type LogActivity struct {
	logger *slog.Logger
	depth  atomic.Int32
}

// NewLogActivity returns a listener that logs transitions between idle and
// busy.
func NewLogActivity(logger *slog.Logger) *LogActivity {
	return &LogActivity{logger: logger}
}

func (a *LogActivity) ActivityStarted() {
	if a.depth.Add(1) == 1 {
		a.logger.Debug("activity started")
	}
}

func (a *LogActivity) ActivityStopped() {
	if a.depth.Add(-1) == 0 {
		a.logger.Debug("activity stopped")
	}
}

// Busy reports whether any unit of work is in progress.
func (a *LogActivity) Busy() bool {
	return a.depth.Load() > 0
}

package oracle

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	// ModeHeuristic selects the built-in opponent.
	ModeHeuristic = "heuristic"
	// ModeHTTP selects the remote solver.
	ModeHTTP = "http"
)

// New creates an oracle for mode.
func New(mode, url string, timeout time.Duration, logger *slog.Logger) (Oracle, error) {
	switch mode {
	case ModeHeuristic, "":
		logger.Info("using built-in heuristic oracle")
		return NewHeuristic(0), nil
	case ModeHTTP:
		logger.Info("using remote solver", "url", url, "timeout", timeout)
		return NewClient(url, timeout), nil
	}
	return nil, fmt.Errorf("unknown oracle mode %q", mode)
}

package runner

import (
	"errors"
	"fmt"
	"log/slog"
)

// Runner kinds accepted by Resolve.
const (
	KindAuto     = "auto"
	KindParallel = "parallel"
	KindPool     = "pool"
)

// Resolve picks the fan-out runner for kind. "auto" prefers GNU parallel and
// falls back to the in-process pool. An explicit "parallel" without the
// binary is an error whenever more than one CPU is requested.
func Resolve(kind string, cpus int, l Launcher, logger *slog.Logger) (FanOut, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch kind {
	case KindParallel:
		g, err := NewGNUParallel(logger)
		if err != nil {
			if cpus > 1 {
				return nil, fmt.Errorf("parallel execution was selected but GNU parallel is not available: %w", err)
			}
			logger.Warn("GNU parallel not found, running batches in-process", "cpus", cpus)
			return NewPool(l, logger), nil
		}
		return g, nil
	case KindPool:
		return NewPool(l, logger), nil
	case KindAuto, "":
		g, err := NewGNUParallel(logger)
		if errors.Is(err, ErrRunnerNotFound) {
			logger.Info("GNU parallel not found, using in-process pool")
			return NewPool(l, logger), nil
		}
		if err != nil {
			return nil, err
		}
		return g, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownRunner, kind)
}

// ValidKind reports whether kind names a runner.
func ValidKind(kind string) bool {
	switch kind {
	case KindAuto, KindParallel, KindPool:
		return true
	}
	return false
}

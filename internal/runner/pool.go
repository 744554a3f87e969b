package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
)

// Semaphore provides a counting semaphore for bounded concurrency.
// A nil Semaphore never blocks.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore returns nil for n <= 0.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		return nil
	}
	return &Semaphore{ch: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free. It returns false if ctx ends first.
func (s *Semaphore) Acquire(ctx context.Context) bool {
	if s == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Release frees a slot.
func (s *Semaphore) Release() {
	if s != nil {
		<-s.ch
	}
}

// Capacity returns 0 for an unlimited semaphore.
func (s *Semaphore) Capacity() int {
	if s == nil {
		return 0
	}
	return cap(s.ch)
}

// Pool is an in-process fan-out runner: each batch line runs through the
// Launcher on its own goroutine, bounded by Batch.Concurrency.
type Pool struct {
	launcher Launcher
	logger   *slog.Logger
}

// NewPool creates a pool fan-out on top of the given launcher.
func NewPool(l Launcher, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{launcher: l, logger: logger.With("component", "pool")}
}

// Name implements FanOut.
func (p *Pool) Name() string { return KindPool }

// RunBatch runs every command of the batch file and blocks until all have
// finished. Captured output is written to the batch writers in input order.
func (p *Pool) RunBatch(ctx context.Context, b Batch) (*BatchResult, error) {
	commands, err := ReadBatch(b.File)
	if err != nil {
		return nil, err
	}
	if len(commands) == 0 {
		return nil, ErrEmptyBatch
	}

	n := b.Concurrency
	if n <= 0 {
		n = runtime.NumCPU()
	}
	sem := NewSemaphore(n)
	p.logger.Debug("running batch", "file", b.File, "commands", len(commands), "concurrency", n)

	results := make([]*Result, len(commands))
	errs := make([]error, len(commands))
	var wg sync.WaitGroup

	for i, command := range commands {
		if !sem.Acquire(ctx) {
			errs[i] = ctx.Err()
			break
		}
		wg.Add(1)
		go func(i int, command string) {
			defer wg.Done()
			defer sem.Release()
			res, err := p.launcher.Run(ctx, Spec{
				Command: command,
				WorkDir: b.WorkDir,
				Timeout: b.Timeout,
			})
			if err != nil {
				errs[i] = fmt.Errorf("command %d: %w", i, err)
				return
			}
			results[i] = res
		}(i, command)
	}
	wg.Wait()

	out := &BatchResult{Results: results}
	for _, res := range results {
		if res == nil {
			continue
		}
		writeCaptured(b.Stdout, res.Stdout)
		writeCaptured(b.Stderr, res.Stderr)
		if res.Failed() {
			out.Failed++
		}
	}
	return out, errors.Join(errs...)
}

func writeCaptured(w io.Writer, s string) {
	if w != nil && s != "" {
		_, _ = io.WriteString(w, s)
	}
}

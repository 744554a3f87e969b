// Package runner launches rendered command strings as local processes,
// one at a time or as a bounded fan-out batch.
package runner

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sentinel errors.
var (
	ErrEmptyCommand   = errors.New("empty command")
	ErrRunnerNotFound = errors.New("fan-out runner not found")
	ErrUnknownRunner  = errors.New("unknown runner kind")
	ErrEmptyBatch     = errors.New("batch file contains no commands")
)

// Launcher runs a single shell command line.
type Launcher interface {
	Run(ctx context.Context, spec Spec) (*Result, error)
}

// Spec describes one command to run.
type Spec struct {
	Command string            // full shell command line
	WorkDir string            // working directory; empty keeps the caller's
	Env     map[string]string // extra environment variables
	Timeout time.Duration     // 0 means no limit
	Stdout  io.Writer         // optional; captured into Result when nil
	Stderr  io.Writer         // optional; captured into Result when nil
}

// Result holds the outcome of a command that was started.
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Failed reports whether the command exited non-zero or timed out.
func (r *Result) Failed() bool {
	return r.ExitCode != 0 || r.TimedOut
}

// FanOut runs every line of a batch file as an independent command with at
// most Concurrency running at once. Output is kept in input order.
type FanOut interface {
	Name() string
	RunBatch(ctx context.Context, batch Batch) (*BatchResult, error)
}

// Batch is one fan-out request.
type Batch struct {
	File        string // one command per line
	Concurrency int
	WorkDir     string
	Timeout     time.Duration // per command
	Stdout      io.Writer
	Stderr      io.Writer
}

// BatchResult summarizes a fan-out run. Results is per command, in input
// order, when the runner can report it; external runners only report the
// number of failed commands.
type BatchResult struct {
	Results []*Result
	Failed  int
}

package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// ParallelExecutable is the GNU parallel binary name.
const ParallelExecutable = "parallel"

// ClusterFileName is the sshloginfile looked up in the home directory. When
// present, batches are spread over the listed hosts.
const ClusterFileName = ".pos_cluster"

// GNUParallel hands batch files to GNU parallel with ordered output (-k).
type GNUParallel struct {
	Path        string // resolved parallel binary
	ClusterFile string // optional --sshloginfile
	logger      *slog.Logger
}

// NewGNUParallel locates the parallel binary on PATH. The cluster file is
// picked up from the home directory when it exists.
func NewGNUParallel(logger *slog.Logger) (*GNUParallel, error) {
	path, err := exec.LookPath(ParallelExecutable)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRunnerNotFound, ParallelExecutable, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &GNUParallel{Path: path, logger: logger.With("component", "parallel")}
	if home, err := os.UserHomeDir(); err == nil {
		cluster := filepath.Join(home, ClusterFileName)
		if st, err := os.Stat(cluster); err == nil && st.Mode().IsRegular() {
			g.ClusterFile = cluster
		}
	}
	return g, nil
}

// Name implements FanOut.
func (g *GNUParallel) Name() string { return KindParallel }

// Args returns the parallel argument list for a batch.
func (g *GNUParallel) Args(b Batch) []string {
	var args []string
	if g.ClusterFile != "" {
		args = append(args, "--sshloginfile", g.ClusterFile)
	}
	args = append(args, "-a", b.File, "-k", "-j", strconv.Itoa(b.Concurrency))
	if b.Timeout > 0 {
		args = append(args, "--timeout", strconv.FormatFloat(b.Timeout.Seconds(), 'f', -1, 64))
	}
	if g.ClusterFile != "" {
		wd := b.WorkDir
		if wd == "" {
			wd, _ = os.Getwd()
		}
		args = append(args,
			"--env", "PATH",
			"--env", "LD_LIBRARY_PATH",
			"--workdir", wd)
	}
	return args
}

// RunBatch runs GNU parallel and waits for the whole batch. GNU parallel
// exits with the number of failed jobs, which is reported as Failed.
func (g *GNUParallel) RunBatch(ctx context.Context, b Batch) (*BatchResult, error) {
	if b.Concurrency <= 0 {
		return nil, fmt.Errorf("parallel: concurrency must be positive, got %d", b.Concurrency)
	}
	args := g.Args(b)
	g.logger.Debug("executing", "command", g.Path, "args", args)

	cmd := exec.CommandContext(ctx, g.Path, args...)
	cmd.Dir = b.WorkDir
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	if b.Stdout != nil {
		cmd.Stdout = b.Stdout
	}
	if b.Stderr != nil {
		cmd.Stderr = b.Stderr
	}

	start := time.Now()
	err := cmd.Run()
	g.logger.Debug("batch finished", "file", b.File, "duration", time.Since(start))
	if stdoutBuf.Len() > 0 {
		g.logger.Debug("batch stdout", "output", stdoutBuf.String())
	}
	if stderrBuf.Len() > 0 {
		g.logger.Debug("batch stderr", "output", stderrBuf.String())
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run parallel: %w", err)
		}
		return &BatchResult{Failed: exitErr.ExitCode()}, nil
	}
	return &BatchResult{}, nil
}

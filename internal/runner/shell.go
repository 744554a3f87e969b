package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Shell runs command lines through /bin/sh -c.
type Shell struct {
	// Path of the shell binary; defaults to /bin/sh.
	Path string
}

// Run executes spec.Command and waits for it. A non-zero exit is reported in
// the Result, not as an error; errors are reserved for commands that could
// not be started.
func (s *Shell) Run(ctx context.Context, spec Spec) (*Result, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, ErrEmptyCommand
	}

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	shell := s.Path
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", spec.Command)
	cmd.Dir = spec.WorkDir
	cmd.WaitDelay = time.Second

	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	} else {
		cmd.Stdout = &stdoutBuf
	}
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	} else {
		cmd.Stderr = &stderrBuf
	}

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Command:  spec.Command,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
		if spec.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
		}
	}
	return result, nil
}

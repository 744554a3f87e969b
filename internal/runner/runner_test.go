package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestShell_Run(t *testing.T) {
	dir := t.TempDir()
	s := &Shell{}

	res, err := s.Run(context.Background(), Spec{
		Command: "echo hello && echo oops 1>&2 && pwd",
		WorkDir: dir,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if !strings.HasPrefix(res.Stdout, "hello\n") {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if !strings.Contains(res.Stdout, filepath.Base(dir)) {
		t.Errorf("command did not run in workdir, Stdout = %q", res.Stdout)
	}
	if res.Stderr != "oops\n" {
		t.Errorf("Stderr = %q, want oops", res.Stderr)
	}
}

func TestShell_NonZeroExitIsNotAnError(t *testing.T) {
	s := &Shell{}
	res, err := s.Run(context.Background(), Spec{Command: "exit 3"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 3 || !res.Failed() {
		t.Errorf("ExitCode = %d, Failed = %v", res.ExitCode, res.Failed())
	}
}

func TestShell_Env(t *testing.T) {
	s := &Shell{}
	res, err := s.Run(context.Background(), Spec{
		Command: "echo $SPECIMEN",
		Env:     map[string]string{"SPECIMEN": "rat01"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Stdout != "rat01\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
}

func TestShell_Timeout(t *testing.T) {
	s := &Shell{}
	res, err := s.Run(context.Background(), Spec{Command: "sleep 5", Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut")
	}
	if !res.Failed() {
		t.Error("timed out command should count as failed")
	}
}

func TestShell_EmptyCommand(t *testing.T) {
	s := &Shell{}
	if _, err := s.Run(context.Background(), Spec{Command: "  "}); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("err = %v, want ErrEmptyCommand", err)
	}
}

func TestWriteReadBatch(t *testing.T) {
	dir := t.TempDir()
	cmds := []string{"echo 1", "echo 2", "echo 3"}

	path, err := WriteBatch(dir, cmds)
	if err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	if filepath.Dir(path) != dir || !strings.HasSuffix(path, BatchExt) {
		t.Errorf("unexpected batch path %s", path)
	}

	got, err := ReadBatch(path)
	if err != nil {
		t.Fatalf("ReadBatch() error = %v", err)
	}
	if !reflect.DeepEqual(got, cmds) {
		t.Errorf("ReadBatch() = %v, want %v", got, cmds)
	}

	if _, err := WriteBatch(dir, []string{"echo a\necho b"}); err == nil {
		t.Error("expected error for multi-line command")
	}
}

func TestNewBatchName_Unique(t *testing.T) {
	now := time.Now()
	a := NewBatchName(now)
	b := NewBatchName(now.Add(time.Millisecond))
	if a == b {
		t.Errorf("batch names collide: %s", a)
	}
	if a > b {
		t.Errorf("batch names not time-sortable: %s > %s", a, b)
	}
}

// countingLauncher records concurrency and echoes the command as output.
type countingLauncher struct {
	current int32
	max     int32
	mu      sync.Mutex
	seen    []string
}

func (l *countingLauncher) Run(ctx context.Context, spec Spec) (*Result, error) {
	c := atomic.AddInt32(&l.current, 1)
	for {
		old := atomic.LoadInt32(&l.max)
		if c <= old || atomic.CompareAndSwapInt32(&l.max, old, c) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	atomic.AddInt32(&l.current, -1)

	l.mu.Lock()
	l.seen = append(l.seen, spec.Command)
	l.mu.Unlock()

	code := 0
	if strings.HasPrefix(spec.Command, "fail") {
		code = 1
	}
	return &Result{Command: spec.Command, ExitCode: code, Stdout: spec.Command + "\n"}, nil
}

func TestPool_RunBatch(t *testing.T) {
	dir := t.TempDir()
	var cmds []string
	for i := 0; i < 10; i++ {
		cmds = append(cmds, "cmd"+string(rune('a'+i)))
	}
	cmds[4] = "fail-e"
	path, err := WriteBatch(dir, cmds)
	if err != nil {
		t.Fatal(err)
	}

	l := &countingLauncher{}
	var stdout bytes.Buffer
	res, err := NewPool(l, nil).RunBatch(context.Background(), Batch{File: path, Concurrency: 3, Stdout: &stdout})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	if l.max > 3 {
		t.Errorf("max concurrency %d exceeded limit 3", l.max)
	}
	if len(l.seen) != len(cmds) {
		t.Errorf("launched %d commands, want %d", len(l.seen), len(cmds))
	}
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}
	want := strings.Join(cmds, "\n") + "\n"
	if stdout.String() != want {
		t.Errorf("output not in input order:\n%s", stdout.String())
	}
	for i, r := range res.Results {
		if r.Command != cmds[i] {
			t.Errorf("Results[%d] = %s, want %s", i, r.Command, cmds[i])
		}
	}
}

func TestPool_EmptyBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty"+BatchExt)
	if err := os.WriteFile(path, []byte("\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewPool(&countingLauncher{}, nil).RunBatch(context.Background(), Batch{File: path, Concurrency: 2})
	if !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("err = %v, want ErrEmptyBatch", err)
	}
}

func TestPool_WithShell(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteBatch(dir, []string{"echo one", "echo two", "exit 2"})
	if err != nil {
		t.Fatal(err)
	}
	var stdout bytes.Buffer
	res, err := NewPool(&Shell{}, nil).RunBatch(context.Background(), Batch{File: path, Concurrency: 2, WorkDir: dir, Stdout: &stdout})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if stdout.String() != "one\ntwo\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if res.Failed != 1 || res.Results[2].ExitCode != 2 {
		t.Errorf("Failed = %d", res.Failed)
	}
}

func TestSemaphore(t *testing.T) {
	var nilSem *Semaphore
	if !nilSem.Acquire(context.Background()) || nilSem.Capacity() != 0 {
		t.Error("nil semaphore should be unlimited")
	}
	nilSem.Release()

	if NewSemaphore(0) != nil {
		t.Error("NewSemaphore(0) should return nil")
	}

	sem := NewSemaphore(1)
	sem.Acquire(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sem.Acquire(ctx) {
		t.Error("Acquire should fail on a cancelled context")
	}
	sem.Release()
}

func TestGNUParallel_Args(t *testing.T) {
	g := &GNUParallel{Path: "/usr/bin/parallel"}
	got := g.Args(Batch{File: "/dev/shm/job/x.cmds", Concurrency: 8})
	want := []string{"-a", "/dev/shm/job/x.cmds", "-k", "-j", "8"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Args() = %v, want %v", got, want)
	}

	g.ClusterFile = "/home/u/.pos_cluster"
	got = g.Args(Batch{File: "b.cmds", Concurrency: 2, WorkDir: "/data", Timeout: 90 * time.Second})
	want = []string{
		"--sshloginfile", "/home/u/.pos_cluster",
		"-a", "b.cmds", "-k", "-j", "2",
		"--timeout", "90",
		"--env", "PATH", "--env", "LD_LIBRARY_PATH", "--workdir", "/data",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Args() = %v, want %v", got, want)
	}
}

func TestResolve(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	f, err := Resolve(KindAuto, 4, &Shell{}, nil)
	if err != nil {
		t.Fatalf("Resolve(auto) error = %v", err)
	}
	if f.Name() != KindPool {
		t.Errorf("auto without parallel = %s, want pool", f.Name())
	}

	if _, err := Resolve(KindParallel, 4, &Shell{}, nil); !errors.Is(err, ErrRunnerNotFound) {
		t.Errorf("explicit parallel without binary: err = %v", err)
	}
	if f, err := Resolve(KindParallel, 1, &Shell{}, nil); err != nil || f.Name() != KindPool {
		t.Errorf("single cpu should fall back to pool, got %v, %v", f, err)
	}
	if _, err := Resolve("slurm", 1, &Shell{}, nil); !errors.Is(err, ErrUnknownRunner) {
		t.Errorf("err = %v, want ErrUnknownRunner", err)
	}
	if !ValidKind(KindPool) || ValidKind("slurm") {
		t.Error("ValidKind mismatch")
	}
}

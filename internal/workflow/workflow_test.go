package workflow

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/morales-gregorio/poSSum3/internal/command"
	"github.com/morales-gregorio/poSSum3/internal/param"
	"github.com/morales-gregorio/poSSum3/internal/runner"
	"github.com/morales-gregorio/poSSum3/pkg/model"
)

type fakeLauncher struct {
	specs []runner.Spec
	codes map[string]int
}

func (l *fakeLauncher) Run(_ context.Context, spec runner.Spec) (*runner.Result, error) {
	l.specs = append(l.specs, spec)
	return &runner.Result{Command: spec.Command, ExitCode: l.codes[spec.Command]}, nil
}

type fakeFanOut struct {
	batches []runner.Batch
	lines   [][]string
	failed  int
}

func (f *fakeFanOut) Name() string { return "fake" }

func (f *fakeFanOut) RunBatch(_ context.Context, b runner.Batch) (*runner.BatchResult, error) {
	lines, err := runner.ReadBatch(b.File)
	if err != nil {
		return nil, err
	}
	f.batches = append(f.batches, b)
	f.lines = append(f.lines, lines)
	return &runner.BatchResult{Failed: f.failed}, nil
}

type fakeRecorder struct {
	states     []model.JobState
	executions []*model.Execution
}

func (r *fakeRecorder) SaveJob(_ context.Context, job *model.Job) error {
	r.states = append(r.states, job.State)
	return nil
}

func (r *fakeRecorder) SaveExecution(_ context.Context, exec *model.Execution) error {
	r.executions = append(r.executions, exec)
	return nil
}

type fakeCatalogue map[string]*command.Template

func (c fakeCatalogue) Template(name string) (*command.Template, bool) {
	t, ok := c[name]
	return t, ok
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	shared     string
	persistent string
	launcher   *fakeLauncher
	fanOut     *fakeFanOut
	stdout     *bytes.Buffer
	exitCode   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		shared:     t.TempDir(),
		persistent: t.TempDir(),
		launcher:   &fakeLauncher{codes: map[string]int{}},
		fanOut:     &fakeFanOut{},
		stdout:     &bytes.Buffer{},
		exitCode:   -1,
	}
}

func (h *harness) options(extra ...Option) []Option {
	opts := []Option{
		WithLogger(quietLogger()),
		WithExit(func(code int) { h.exitCode = code }),
		WithLauncher(h.launcher),
		WithFanOut(h.fanOut),
		WithStdout(h.stdout),
		WithScratchRoots(h.shared, h.persistent),
	}
	return append(opts, extra...)
}

func (h *harness) newWorkflow(t *testing.T, opts Options, extra ...Option) *Workflow {
	t.Helper()
	w, err := New("demo", opts, h.options(extra...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return w
}

func literals(cmds ...string) []Renderer {
	out := make([]Renderer, len(cmds))
	for i, c := range cmds {
		out[i] = Literal(c)
	}
	return out
}

func entries(t *testing.T, dir string) []string {
	t.Helper()
	des, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir(%s): %v", dir, err)
	}
	var names []string
	for _, de := range des {
		names = append(names, de.Name())
	}
	return names
}

func TestNew_ReachesConfigured(t *testing.T) {
	h := newHarness(t)
	rec := &fakeRecorder{}
	w := h.newWorkflow(t, Options{SpecimenID: "rat01"}, WithRecorder(rec))

	if w.State() != model.JobStateConfigured {
		t.Errorf("State() = %s, want CONFIGURED", w.State())
	}
	want := []model.JobState{
		model.JobStateOptionsValidated,
		model.JobStateDirectoryReady,
		model.JobStateConfigured,
	}
	if !reflect.DeepEqual(rec.states, want) {
		t.Errorf("recorded states = %v, want %v", rec.states, want)
	}
	if w.CPUs() != runtime.NumCPU() {
		t.Errorf("CPUs() = %d, want %d", w.CPUs(), runtime.NumCPU())
	}
}

func TestNew_DirectorySelection(t *testing.T) {
	h := newHarness(t)

	shared := h.newWorkflow(t, Options{SpecimenID: "s", JobID: "job_a"})
	if want := filepath.Join(h.shared, "job_a"); shared.WorkDir() != want {
		t.Errorf("shared WorkDir = %s, want %s", shared.WorkDir(), want)
	}

	persistent := h.newWorkflow(t, Options{SpecimenID: "s", JobID: "job_b", DisableSharedMemory: true})
	if want := filepath.Join(h.persistent, "job_b"); persistent.WorkDir() != want {
		t.Errorf("persistent WorkDir = %s, want %s", persistent.WorkDir(), want)
	}

	explicit := filepath.Join(t.TempDir(), "custom", "dir")
	for _, disable := range []bool{false, true} {
		w := h.newWorkflow(t, Options{SpecimenID: "s", WorkDir: explicit, DisableSharedMemory: disable})
		if w.WorkDir() != explicit {
			t.Errorf("explicit WorkDir = %s, want %s", w.WorkDir(), explicit)
		}
	}

	for _, dir := range []string{shared.WorkDir(), persistent.WorkDir(), explicit} {
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			t.Errorf("work directory %s not created: %v", dir, err)
		}
	}
}

func TestNew_MissingSpecimenID(t *testing.T) {
	h := newHarness(t)
	rec := &fakeRecorder{}

	w, err := New("demo", Options{JobID: "demo_1"}, h.options(WithRecorder(rec))...)
	if !errors.Is(err, model.ErrMissingSpecimenID) {
		t.Fatalf("err = %v, want ErrMissingSpecimenID", err)
	}
	if w != nil {
		t.Error("expected nil workflow")
	}
	if h.exitCode != 1 {
		t.Errorf("exit code = %d, want 1", h.exitCode)
	}
	if got := entries(t, h.shared); len(got) != 0 {
		t.Errorf("scratch root should be untouched, found %v", got)
	}
	if len(h.launcher.specs) != 0 || len(h.fanOut.batches) != 0 {
		t.Error("no command may run without a specimen id")
	}
	if len(rec.states) != 0 {
		t.Errorf("nothing should be recorded, got %v", rec.states)
	}
}

func TestNewJobID(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
	a := NewJobID("demo", t0)
	b := NewJobID("demo", t0.Add(time.Second))

	if a == b {
		t.Errorf("job ids one second apart collide: %s", a)
	}
	if !strings.HasPrefix(a, "demo_2024-03-05-14_07-09_") {
		t.Errorf("unexpected job id %s", a)
	}
	if !regexp.MustCompile(`^demo_\d{4}-\d{2}-\d{2}-\d{2}_\d{2}-\d{2}_\d+$`).MatchString(a) {
		t.Errorf("job id %s does not match layout", a)
	}
}

func TestNew_GeneratedJobIDsDiffer(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	w1 := h.newWorkflow(t, Options{SpecimenID: "s"}, WithClock(func() time.Time { return now }))
	w2 := h.newWorkflow(t, Options{SpecimenID: "s"}, WithClock(func() time.Time { return now.Add(time.Second) }))
	if w1.JobID() == w2.JobID() {
		t.Errorf("job ids collide: %s", w1.JobID())
	}
	if w1.WorkDir() == w2.WorkDir() {
		t.Errorf("work dirs collide: %s", w1.WorkDir())
	}
}

func TestNew_SkipWorkDir(t *testing.T) {
	h := newHarness(t)
	w := h.newWorkflow(t, Options{SpecimenID: "s", WorkDir: SkipWorkDir},
		WithFiles(FileTemplate{Name: "out", Dir: "out", Pattern: "x.txt"}))

	if w.WorkDir() != SkipWorkDir {
		t.Errorf("WorkDir() = %s", w.WorkDir())
	}
	if got := entries(t, h.shared); len(got) != 0 {
		t.Errorf("nothing should be created, found %v", got)
	}
	f, _ := w.File("out")
	if p, _ := f.Path(nil); p != filepath.Join("out", "x.txt") {
		t.Errorf("Path() = %s", p)
	}
}

func TestNew_Hooks(t *testing.T) {
	h := newHarness(t)
	w := h.newWorkflow(t, Options{SpecimenID: "s"}, WithHooks(Hooks{
		Configure: func(w *Workflow) error {
			w.SetCPUs(2)
			return nil
		},
	}))
	if w.CPUs() != 2 {
		t.Errorf("CPUs() = %d, want 2", w.CPUs())
	}

	boom := errors.New("resolution must be isotropic")
	_, err := New("demo", Options{SpecimenID: "s", JobID: "j"}, h.options(WithHooks(Hooks{
		Validate: func(*Workflow) error { return boom },
	}))...)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want validate error", err)
	}
	if _, statErr := os.Stat(filepath.Join(h.shared, "j")); !os.IsNotExist(statErr) {
		t.Error("validation failure must not create the work directory")
	}
}

func TestFiles(t *testing.T) {
	h := newHarness(t)
	templates := []FileTemplate{
		{Name: "slice", Dir: "01_slices", Pattern: "{idx:04d}.nii.gz"},
		{Name: "mask", Dir: "01_slices", Pattern: "{_name}_{idx:04d}.nii.gz"},
		{Name: "volume", Dir: "02_volume", Pattern: "volume.nii.gz"},
	}
	w1 := h.newWorkflow(t, Options{SpecimenID: "s", JobID: "j1"}, WithFiles(templates...))
	w2 := h.newWorkflow(t, Options{SpecimenID: "s", JobID: "j2"}, WithFiles(templates...))

	got := entries(t, w1.WorkDir())
	if !reflect.DeepEqual(got, []string{"01_slices", "02_volume"}) {
		t.Errorf("created dirs = %v", got)
	}

	slice, _ := w1.File("slice")
	p, err := slice.Path(map[string]any{"idx": 7})
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	if want := filepath.Join(w1.WorkDir(), "01_slices", "0007.nii.gz"); p != want {
		t.Errorf("Path() = %s, want %s", p, want)
	}

	mask, _ := w1.File("mask")
	if p, _ := mask.Path(map[string]any{"idx": 12}); filepath.Base(p) != "mask_0012.nii.gz" {
		t.Errorf("mask path = %s", p)
	}
	if _, err := slice.Path(nil); !errors.Is(err, model.ErrUnknownPlaceholder) {
		t.Errorf("missing var: err = %v", err)
	}

	slice.OverrideDir("/elsewhere")
	if p, _ := slice.Path(map[string]any{"idx": 1}); p != "/elsewhere/0001.nii.gz" {
		t.Errorf("OverrideDir path = %s", p)
	}
	slice.OverrideName("fixed.nii.gz")
	if p, _ := slice.Path(nil); p != "/elsewhere/fixed.nii.gz" {
		t.Errorf("OverrideName path = %s", p)
	}
	slice.OverridePath("/abs/path.nii.gz")
	if p, _ := slice.Path(nil); p != "/abs/path.nii.gz" {
		t.Errorf("OverridePath path = %s", p)
	}

	other, _ := w2.File("slice")
	if p, _ := other.Path(map[string]any{"idx": 1}); p != filepath.Join(w2.WorkDir(), "01_slices", "0001.nii.gz") {
		t.Errorf("overrides leaked across jobs: %s", p)
	}
	if len(w1.Files()) != 3 {
		t.Errorf("Files() = %d entries, want 3", len(w1.Files()))
	}
}

func TestExecute_DryRun(t *testing.T) {
	h := newHarness(t)
	w := h.newWorkflow(t, Options{SpecimenID: "s", DryRun: true, CPUs: 4})

	rep, err := w.Execute(context.Background(), literals("cmd one", "cmd two", "cmd three"), true)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := h.stdout.String(); got != "cmd one\ncmd two\ncmd three\n" {
		t.Errorf("stdout = %q", got)
	}
	if rep.Mode != model.ExecutionModeDryRun {
		t.Errorf("Mode = %s", rep.Mode)
	}
	if len(h.launcher.specs) != 0 || len(h.fanOut.batches) != 0 {
		t.Error("dry run must not launch anything")
	}
	if got := entries(t, w.WorkDir()); len(got) != 0 {
		t.Errorf("dry run must not write batch files, found %v", got)
	}
}

func TestExecute_ParallelBatch(t *testing.T) {
	h := newHarness(t)
	w := h.newWorkflow(t, Options{SpecimenID: "s", CPUs: 3})

	tmpl := command.MustNew("touch", "touch {files}", []param.Parameter{param.List("files").Require()})
	var cmds []Renderer
	var want []string
	for i := 0; i < 5; i++ {
		c := tmpl.Bind(w.WorkDir()).MustFill(command.Args{"files": []string{"a" + string(rune('0'+i)), "b"}})
		cmds = append(cmds, c)
		want = append(want, c.String())
	}

	rep, err := w.Execute(context.Background(), cmds, true)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(h.fanOut.batches) != 1 {
		t.Fatalf("fan-out invoked %d times, want 1", len(h.fanOut.batches))
	}
	b := h.fanOut.batches[0]
	if b.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3", b.Concurrency)
	}
	if !reflect.DeepEqual(h.fanOut.lines[0], want) {
		t.Errorf("batch lines = %v, want %v", h.fanOut.lines[0], want)
	}

	files := entries(t, w.WorkDir())
	if len(files) != 1 || !strings.HasSuffix(files[0], runner.BatchExt) {
		t.Fatalf("expected exactly one batch file, found %v", files)
	}
	if rep.BatchFile != filepath.Join(w.WorkDir(), files[0]) {
		t.Errorf("BatchFile = %s", rep.BatchFile)
	}
	data, err := os.ReadFile(rep.BatchFile)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n"); len(lines) != 5 {
		t.Errorf("batch file has %d lines, want 5", len(lines))
	}
	if len(h.launcher.specs) != 0 {
		t.Error("parallel mode must go through the fan-out runner only")
	}

	if _, err := w.Execute(context.Background(), literals("x", "y"), true); err != nil {
		t.Fatal(err)
	}
	if len(entries(t, w.WorkDir())) != 2 || len(h.fanOut.batches) != 2 {
		t.Error("each Execute call should write its own batch file")
	}
}

func TestExecute_Serial(t *testing.T) {
	h := newHarness(t)
	h.launcher.codes["false"] = 1
	rec := &fakeRecorder{}
	w := h.newWorkflow(t, Options{SpecimenID: "s", Timeout: time.Minute}, WithRecorder(rec))

	rep, err := w.Execute(context.Background(), literals("first", "false", "third"), false)
	if err != nil {
		t.Fatalf("non-zero exit must not be an error, got %v", err)
	}
	var order []string
	for _, s := range h.launcher.specs {
		order = append(order, s.Command)
		if s.WorkDir != w.WorkDir() || s.Timeout != time.Minute {
			t.Errorf("spec = %+v", s)
		}
	}
	if !reflect.DeepEqual(order, []string{"first", "false", "third"}) {
		t.Errorf("execution order = %v", order)
	}
	if rep.Failed != 1 || rep.Mode != model.ExecutionModeSerial {
		t.Errorf("Failed = %d, Mode = %s", rep.Failed, rep.Mode)
	}
	if w.State() != model.JobStateExecuting {
		t.Errorf("State() = %s", w.State())
	}

	if len(rec.executions) != 1 {
		t.Fatalf("recorded %d executions, want 1", len(rec.executions))
	}
	if got := rec.executions[0].ExitCodes; !reflect.DeepEqual(got, []int{0, 1, 0}) {
		t.Errorf("ExitCodes = %v", got)
	}

	if _, err := w.ExecuteOne(context.Background(), Literal("again")); err != nil {
		t.Errorf("EXECUTING must be re-entrant: %v", err)
	}
}

func TestExecute_RenderErrorHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	w := h.newWorkflow(t, Options{SpecimenID: "s"})
	tmpl := command.MustNew("copy", "cp {src} {dst}", []param.Parameter{
		param.Filename("src").Require(),
		param.Filename("dst").Require(),
	})

	bad := tmpl.Bind(w.WorkDir()).MustFill(command.Args{"src": "a"})
	_, err := w.Execute(context.Background(), []Renderer{Literal("ok"), bad}, true)
	if !errors.Is(err, model.ErrMissingRequired) {
		t.Fatalf("err = %v, want ErrMissingRequired", err)
	}
	if len(h.launcher.specs) != 0 || len(h.fanOut.batches) != 0 {
		t.Error("nothing may run when a command fails to render")
	}
	if got := entries(t, w.WorkDir()); len(got) != 0 {
		t.Errorf("no batch file expected, found %v", got)
	}
	if w.State() != model.JobStateConfigured {
		t.Errorf("State() = %s, want CONFIGURED", w.State())
	}
}

func TestLaunch_ArchiveAndCleanup(t *testing.T) {
	h := newHarness(t)
	archiveDir := filepath.Join(t.TempDir(), "archive")
	w := h.newWorkflow(t, Options{SpecimenID: "s", JobID: "job_x", ArchiveWorkDir: archiveDir, Cleanup: true})

	var order []string
	w.hooks = Hooks{
		PreLaunch:  func(context.Context, *Workflow) error { order = append(order, "pre"); return nil },
		PostLaunch: func(context.Context, *Workflow) error { order = append(order, "post"); return nil },
	}
	err := w.Launch(context.Background(), func(ctx context.Context) error {
		order = append(order, "body")
		_, err := w.ExecuteOne(ctx, Literal("echo hi"))
		return err
	})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}

	if !reflect.DeepEqual(order, []string{"pre", "body", "post"}) {
		t.Errorf("order = %v", order)
	}
	last := h.launcher.specs[len(h.launcher.specs)-1].Command
	want := "tar -cvvzf " + filepath.Join(archiveDir, "job_x") + ".tgz " + filepath.Join(h.shared, "job_x")
	if last != want {
		t.Errorf("archive command = %q, want %q", last, want)
	}
	if _, err := os.Stat(w.WorkDir()); !os.IsNotExist(err) {
		t.Error("work directory should be removed after cleanup")
	}
	if w.State() != model.JobStateCleanedUp {
		t.Errorf("State() = %s, want CLEANED_UP", w.State())
	}

	var te *model.InvalidTransitionError
	if _, err := w.ExecuteOne(context.Background(), Literal("late")); !errors.As(err, &te) {
		t.Errorf("Execute after cleanup: err = %v", err)
	}
}

func TestLaunch_BodyErrorSkipsCleanup(t *testing.T) {
	h := newHarness(t)
	w := h.newWorkflow(t, Options{SpecimenID: "s", Cleanup: true})
	boom := errors.New("stage failed")

	if err := w.Launch(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Stat(w.WorkDir()); err != nil {
		t.Errorf("work directory must survive a failed run: %v", err)
	}
}

func TestArchive_FailureKeepsWorkDir(t *testing.T) {
	h := newHarness(t)
	archiveDir := t.TempDir()
	w := h.newWorkflow(t, Options{SpecimenID: "s", JobID: "job_y", ArchiveWorkDir: archiveDir, Cleanup: true})
	h.launcher.codes["tar -cvvzf "+filepath.Join(archiveDir, "job_y")+".tgz "+w.WorkDir()] = 2

	err := w.Launch(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrArchiveFailed) {
		t.Fatalf("err = %v, want ErrArchiveFailed", err)
	}
	if _, err := os.Stat(w.WorkDir()); err != nil {
		t.Error("work directory must be kept when archiving fails")
	}
}

func TestArchive_DryRunPrints(t *testing.T) {
	h := newHarness(t)
	w := h.newWorkflow(t, Options{SpecimenID: "s", JobID: "job_z", DryRun: true, ArchiveWorkDir: "/archive"})
	if err := w.Archive(context.Background()); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	want := "tar -cvvzf /archive/job_z.tgz " + w.WorkDir() + "\n"
	if h.stdout.String() != want {
		t.Errorf("stdout = %q, want %q", h.stdout.String(), want)
	}
}

func TestCommand(t *testing.T) {
	h := newHarness(t)
	cat := fakeCatalogue{
		"mkdir": command.MustNew("mkdir", "mkdir -p {dir_list}", []param.Parameter{param.List("dir_list")}),
	}
	w := h.newWorkflow(t, Options{SpecimenID: "s"}, WithCatalogue(cat))

	c, err := w.Command("mkdir")
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	if c.JobDir() != w.WorkDir() {
		t.Errorf("JobDir() = %s, want %s", c.JobDir(), w.WorkDir())
	}
	if _, err := w.Command("nope"); !errors.Is(err, ErrUnknownTemplate) {
		t.Errorf("err = %v, want ErrUnknownTemplate", err)
	}
}

func TestNew_LogFile(t *testing.T) {
	h := newHarness(t)
	logPath := filepath.Join(t.TempDir(), "job.log")
	w, err := New("demo", Options{SpecimenID: "s", LogFilename: logPath, LogLevel: "INFO"},
		WithExit(func(int) {}), WithScratchRoots(h.shared, h.persistent), WithLauncher(h.launcher))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "name=specimenId value=s") {
		t.Errorf("options not logged:\n%s", data)
	}
}

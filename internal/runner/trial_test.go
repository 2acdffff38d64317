package runner_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/wedgelab/fusewedge/internal/config"
	"github.com/wedgelab/fusewedge/internal/detect"
	"github.com/wedgelab/fusewedge/internal/diag"
	"github.com/wedgelab/fusewedge/internal/proc"
	"github.com/wedgelab/fusewedge/internal/result"
	"github.com/wedgelab/fusewedge/internal/runner"
)

type fakeHandle struct {
	pid     int
	alive   bool
	signals []syscall.Signal
}

func (f *fakeHandle) Pid() int                  { return f.pid }
func (f *fakeHandle) Alive() bool               { return f.alive }
func (f *fakeHandle) Signal(sig syscall.Signal) { f.signals = append(f.signals, sig) }

// eventLog records the order of trial phases across the fakes. Trigger
// launches run concurrently, hence the lock.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(s string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.events = append(e.events, s)
	e.mu.Unlock()
}

func (e *eventLog) indexOf(s string) int {
	for i, ev := range e.events {
		if ev == s {
			return i
		}
	}
	return -1
}

// fakeLauncher hands out deterministic pids: the daemon gets basePid, the
// i-th trigger basePid+1+i.
type fakeLauncher struct {
	mu          sync.Mutex
	basePid     int
	next        int
	daemonAlive bool
	launched    []*fakeHandle
	log         *eventLog
}

func (f *fakeLauncher) launch(spec *proc.LaunchSpec) (runner.Handle, error) {
	f.log.add(string(spec.Role))
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &fakeHandle{pid: f.basePid + f.next, alive: true}
	if spec.Role == proc.RoleDaemon {
		h.alive = f.daemonAlive
	}
	f.next++
	f.launched = append(f.launched, h)
	return h, nil
}

type fakeDetector struct {
	states    map[int32]detect.State
	conn      string
	waitq     int
	waitqConn string
	log       *eventLog
}

func (f *fakeDetector) Observe(ctx context.Context, name string) (map[int32]detect.State, error) {
	out := make(map[int32]detect.State, len(f.states))
	for pid, st := range f.states {
		out[pid] = st
	}
	return out, nil
}

func (f *fakeDetector) Connection(mountpoint string) string {
	f.log.add("resolve")
	return f.conn
}

func (f *fakeDetector) WaitQueue(conn string) int {
	f.log.add("waitqueue")
	f.waitqConn = conn
	return f.waitq
}

func testScenario() *config.Scenario {
	inject := true
	return &config.Scenario{
		DaemonBin:    "abba_fs",
		DaemonArgs:   []string{"/tmp/abba_mnt"},
		TriggerBin:   "cat",
		TriggerArgs:  []string{"/tmp/abba_mnt/target_file"},
		TriggerMatch: "cat",
		Mountpoint:   "/tmp/abba_mnt",
		FaultEnv:     "BLOCK_FAULT",
		InjectFault:  &inject,
	}
}

type trialEnv struct {
	dir     string
	metrics *result.MetricsLog
	diag    *diag.Log
	resets  []runner.Handle
	// metricsAtReset captures the metrics file as recovery saw it, to pin
	// the record-before-recover ordering.
	metricsAtReset []string
}

func newTrialEnv(t *testing.T) *trialEnv {
	t.Helper()
	dir := t.TempDir()
	metrics, err := result.CreateMetricsLog(dir)
	if err != nil {
		t.Fatalf("CreateMetricsLog: %v", err)
	}
	dlog, err := diag.Create(filepath.Join(dir, result.DiagFile))
	if err != nil {
		t.Fatalf("diag.Create: %v", err)
	}
	return &trialEnv{dir: dir, metrics: metrics, diag: dlog}
}

func (e *trialEnv) reset(ctx context.Context, daemon runner.Handle) {
	e.resets = append(e.resets, daemon)
	data, _ := os.ReadFile(e.metrics.Path())
	e.metricsAtReset = append(e.metricsAtReset, string(data))
}

func (e *trialEnv) opts(run, triggers int, launch func(*proc.LaunchSpec) (runner.Handle, error), det runner.Detector) *runner.Opts {
	return &runner.Opts{
		Scenario:  testScenario(),
		Run:       run,
		Triggers:  triggers,
		DaemonLog: filepath.Join(e.dir, result.DaemonLogFile),
		Launch:    launch,
		Det:       det,
		Diag:      e.diag,
		Reset:     e.reset,
		Metrics:   e.metrics,
		Out:       io.Discard,
	}
}

func (e *trialEnv) metricsLines(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(e.metrics.Path())
	if err != nil {
		t.Fatalf("reading metrics: %v", err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func (e *trialEnv) diagBlocks(t *testing.T) int {
	t.Helper()
	data, err := os.ReadFile(e.diag.Path())
	if err != nil {
		t.Fatalf("reading diagnostics: %v", err)
	}
	return strings.Count(string(data), "--- Run ")
}

func TestTrialDeadlock(t *testing.T) {
	// One trigger observed in uninterruptible sleep: DEADLOCK with one
	// diagnostic block, regardless of daemon state or log content.
	env := newTrialEnv(t)
	launcher := &fakeLauncher{basePid: 100, daemonAlive: true}
	det := &fakeDetector{
		states: map[int32]detect.State{101: detect.StateBlocked},
		waitq:  7,
	}

	rec := runner.RunTrial(context.Background(), env.opts(1, 1, launcher.launch, det))
	if rec.Status != "DEADLOCK" {
		t.Errorf("status: got %q, want DEADLOCK", rec.Status)
	}
	if rec.BlockedThreads != 1 {
		t.Errorf("blocked: got %d, want 1", rec.BlockedThreads)
	}

	lines := env.metricsLines(t)
	if len(lines) != 2 {
		t.Fatalf("metrics lines: got %d, want 2", len(lines))
	}
	if lines[1] != "1,DEADLOCK,1,7" {
		t.Errorf("record: got %q, want %q", lines[1], "1,DEADLOCK,1,7")
	}
	if got := env.diagBlocks(t); got != 1 {
		t.Errorf("diag blocks: got %d, want 1", got)
	}
}

func TestTrialHoldTime(t *testing.T) {
	// Two triggers, nothing blocked, hold marker in the daemon log: the
	// verdict carries the duration and no diagnostics are written.
	env := newTrialEnv(t)
	launcher := &fakeLauncher{basePid: 200, daemonAlive: true}
	det := &fakeDetector{
		states: map[int32]detect.State{
			201: detect.StateRunning,
			202: detect.StateRunning,
		},
		waitq: 3,
	}

	daemonLog := filepath.Join(env.dir, result.DaemonLogFile)
	if err := os.WriteFile(daemonLog, []byte("Reentrancy hold 42ms\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := runner.RunTrial(context.Background(), env.opts(1, 2, launcher.launch, det))
	if rec.Status != "42ms" {
		t.Errorf("status: got %q, want 42ms", rec.Status)
	}
	lines := env.metricsLines(t)
	if lines[len(lines)-1] != "1,42ms,0,3" {
		t.Errorf("record: got %q, want %q", lines[len(lines)-1], "1,42ms,0,3")
	}
	if got := env.diagBlocks(t); got != 0 {
		t.Errorf("diag blocks: got %d, want 0", got)
	}
}

func TestTrialCrashSeries(t *testing.T) {
	// Dead daemon, no marker, nothing blocked: CRASH on every trial; the
	// metrics log ends with header + N records.
	env := newTrialEnv(t)
	det := &fakeDetector{}

	const trials = 3
	for run := 1; run <= trials; run++ {
		launcher := &fakeLauncher{basePid: 300 + run*10, daemonAlive: false}
		rec := runner.RunTrial(context.Background(), env.opts(run, 1, launcher.launch, det))
		if rec.Status != "CRASH" {
			t.Errorf("run %d: status %q, want CRASH", run, rec.Status)
		}
	}
	lines := env.metricsLines(t)
	if len(lines) != trials+1 {
		t.Fatalf("metrics lines: got %d, want %d", len(lines), trials+1)
	}
	for i, line := range lines[1:] {
		if !strings.Contains(line, ",CRASH,") {
			t.Errorf("record %d: got %q", i+1, line)
		}
	}
}

func TestTrialHang(t *testing.T) {
	env := newTrialEnv(t)
	launcher := &fakeLauncher{basePid: 400, daemonAlive: true}
	det := &fakeDetector{}

	rec := runner.RunTrial(context.Background(), env.opts(1, 1, launcher.launch, det))
	if rec.Status != "HANG" {
		t.Errorf("status: got %q, want HANG", rec.Status)
	}
}

func TestTrialRecordsBeforeRecovery(t *testing.T) {
	env := newTrialEnv(t)
	launcher := &fakeLauncher{basePid: 500, daemonAlive: true}
	det := &fakeDetector{states: map[int32]detect.State{501: detect.StateBlocked}}

	runner.RunTrial(context.Background(), env.opts(1, 1, launcher.launch, det))
	if len(env.resets) != 1 {
		t.Fatalf("reset calls: got %d, want 1", len(env.resets))
	}
	if !strings.Contains(env.metricsAtReset[0], "1,DEADLOCK,") {
		t.Error("recovery ran before the trial was recorded")
	}
}

func TestTrialHandlesNotReusedAcrossTrials(t *testing.T) {
	// Recovery of trial i must receive trial i's daemon handle, never a
	// stale one from an earlier trial.
	env := newTrialEnv(t)
	det := &fakeDetector{}

	first := &fakeLauncher{basePid: 600, daemonAlive: true}
	runner.RunTrial(context.Background(), env.opts(1, 1, first.launch, det))
	second := &fakeLauncher{basePid: 700, daemonAlive: true}
	runner.RunTrial(context.Background(), env.opts(2, 1, second.launch, det))

	if len(env.resets) != 2 {
		t.Fatalf("reset calls: got %d, want 2", len(env.resets))
	}
	if env.resets[0].Pid() != 600 {
		t.Errorf("trial 1 recovery saw pid %d, want 600", env.resets[0].Pid())
	}
	if env.resets[1].Pid() != 700 {
		t.Errorf("trial 2 recovery saw pid %d, want 700", env.resets[1].Pid())
	}
}

func TestTrialResolvesConnectionBeforeTriggers(t *testing.T) {
	// Once a trigger wedges the daemon, any path touching the mount blocks
	// in the kernel forever, so the connection id must be resolved while
	// only the daemon is up, and the wait-queue read after detection must
	// use that cached id rather than going back to the mountpoint.
	env := newTrialEnv(t)
	events := &eventLog{}
	launcher := &fakeLauncher{basePid: 800, daemonAlive: true, log: events}
	det := &fakeDetector{
		states: map[int32]detect.State{801: detect.StateBlocked, 802: detect.StateBlocked},
		conn:   "37",
		waitq:  9,
		log:    events,
	}

	rec := runner.RunTrial(context.Background(), env.opts(1, 2, launcher.launch, det))
	if rec.Status != "DEADLOCK" {
		t.Fatalf("status: got %q, want DEADLOCK", rec.Status)
	}

	resolve := events.indexOf("resolve")
	trigger := events.indexOf(string(proc.RoleTrigger))
	if resolve == -1 || trigger == -1 || resolve > trigger {
		t.Errorf("connection resolved after trigger launch: %v", events.events)
	}
	if det.waitqConn != "37" {
		t.Errorf("wait queue read connection %q, want cached %q", det.waitqConn, "37")
	}
}

func TestTrialLaunchFailure(t *testing.T) {
	// A missing daemon binary folds into the verdict channel (no live
	// daemon, no marker, nothing blocked reads as CRASH) and recovery
	// still runs with a nil handle.
	env := newTrialEnv(t)
	det := &fakeDetector{}
	failing := func(spec *proc.LaunchSpec) (runner.Handle, error) {
		return nil, os.ErrNotExist
	}

	rec := runner.RunTrial(context.Background(), env.opts(1, 1, failing, det))
	if rec.Status != "CRASH" {
		t.Errorf("status: got %q, want CRASH", rec.Status)
	}
	if len(env.resets) != 1 || env.resets[0] != nil {
		t.Errorf("recovery should run with a nil daemon handle, got %v", env.resets)
	}
}

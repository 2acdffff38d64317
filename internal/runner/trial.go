package runner

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/wedgelab/fusewedge/internal/classify"
	"github.com/wedgelab/fusewedge/internal/config"
	"github.com/wedgelab/fusewedge/internal/detect"
	"github.com/wedgelab/fusewedge/internal/diag"
	"github.com/wedgelab/fusewedge/internal/proc"
	"github.com/wedgelab/fusewedge/internal/result"
)

// Handle is what the orchestrator holds on a launched child: aliveness and a
// fire-and-forget termination request. Some handles will never honor
// termination; nothing here waits on one.
type Handle interface {
	Pid() int
	Alive() bool
	Signal(sig syscall.Signal)
}

// Detector observes trigger run-states and the subsystem wait queue. The
// connection id is resolved separately from the wait-queue read because
// resolution has to touch the mount, which is only safe before the race is
// triggered.
type Detector interface {
	Observe(ctx context.Context, name string) (map[int32]detect.State, error)
	Connection(mountpoint string) string
	WaitQueue(conn string) int
}

type Opts struct {
	Scenario *config.Scenario
	Run      int
	Triggers int

	// DaemonLog is the trial-scoped file receiving daemon output; the
	// classifier scans it and recovery deletes it.
	DaemonLog string

	DaemonSettle  time.Duration
	TriggerSettle time.Duration

	Launch  func(*proc.LaunchSpec) (Handle, error)
	Det     Detector
	Diag    *diag.Log
	Reset   func(ctx context.Context, daemon Handle)
	Metrics *result.MetricsLog

	// Out receives the live per-trial progress line.
	Out io.Writer
}

// RunTrial drives one complete trial: launch daemon, settle, launch the
// trigger fan-out, settle, observe, classify, collect diagnostics, record,
// recover. It never fails the run: every mishap inside a trial folds into
// the trial's verdict or a logged warning, and recovery always executes.
func RunTrial(ctx context.Context, opts *Opts) *result.TrialRecord {
	sc := opts.Scenario
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	var env []string
	if sc.FaultInjection() {
		env = []string{sc.FaultEnv + "=1"}
	}
	daemon, err := opts.Launch(&proc.LaunchSpec{
		Role:    proc.RoleDaemon,
		Bin:     sc.DaemonBin,
		Args:    sc.DaemonArgs,
		Env:     env,
		LogPath: opts.DaemonLog,
	})
	if err != nil {
		log.Printf("warning: run %d: %v", opts.Run, err)
	}
	sleep(opts.DaemonSettle)

	// Resolve the FUSE connection id while only the daemon is up and the
	// mount still answers requests. Once a trigger wedges the daemon, any
	// path that touches the mount (even a stat) can block forever; from
	// here on the wait queue is read through sysfs only.
	conn := opts.Det.Connection(sc.Mountpoint)

	// The race needs simultaneous client pressure, so all trigger launches
	// are issued concurrently. Everything else in the trial is sequential.
	var (
		mu       sync.Mutex
		triggers = make([]Handle, 0, opts.Triggers)
	)
	for _, err := range FanOut(opts.Triggers, func(int) error {
		h, err := opts.Launch(&proc.LaunchSpec{
			Role: proc.RoleTrigger,
			Bin:  sc.TriggerBin,
			Args: sc.TriggerArgs,
		})
		if err != nil {
			return err
		}
		mu.Lock()
		triggers = append(triggers, h)
		mu.Unlock()
		return nil
	}) {
		log.Printf("warning: run %d: %v", opts.Run, err)
	}
	sleep(opts.TriggerSettle)

	// A detection read failure counts as "nothing observed blocked" for
	// this trial; the next trial gets a fresh attempt.
	states, err := opts.Det.Observe(ctx, sc.TriggerMatch)
	if err != nil {
		log.Printf("warning: run %d: %v", opts.Run, err)
	}
	if states == nil {
		states = make(map[int32]detect.State)
	}
	blocked := detect.Blocked(states)
	waitq := opts.Det.WaitQueue(conn)

	// Resolve the run-state of every handle this trial launched before
	// classifying: triggers absent from the scan have exited, and the
	// daemon is polled through its own handle.
	live := 0
	for _, t := range triggers {
		if _, ok := states[int32(t.Pid())]; !ok {
			states[int32(t.Pid())] = detect.StateExited
		} else {
			live++
		}
	}
	daemonAlive := daemon != nil && daemon.Alive()

	verdict := classify.Classify(len(blocked), readTail(opts.DaemonLog), daemonAlive)

	if len(blocked) > 0 {
		if err := opts.Diag.Collect(opts.Run, blocked); err != nil {
			log.Printf("warning: run %d: %v", opts.Run, err)
		}
	}

	rec := &result.TrialRecord{
		Run:            opts.Run,
		Status:         string(verdict),
		BlockedThreads: len(blocked),
		WaitQueue:      waitq,
	}
	if err := opts.Metrics.Append(rec); err != nil {
		log.Printf("warning: run %d: %v", opts.Run, err)
	}

	opts.Reset(ctx, daemon)

	fmt.Fprintf(out, "run %d: %s (blocked=%d live=%d waitq=%d)\n",
		opts.Run, rec.Status, rec.BlockedThreads, live, rec.WaitQueue)
	return rec
}

// sleep is the trial's only suspension: a bounded settle window giving the
// race time to manifest and the OS time to refresh process-state metadata.
// The harness never waits on a child process itself; a deadlocked child
// will not signal completion.
func sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// readTail returns the trailing portion of the daemon log, best-effort.
func readTail(path string) string {
	const maxTail = 64 << 10
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > maxTail {
		data = data[len(data)-maxTail:]
	}
	return string(data)
}

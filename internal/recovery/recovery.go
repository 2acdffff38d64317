package recovery

import (
	"context"
	"os"
	"os/exec"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// Terminable is the only capability recovery needs from a daemon handle.
type Terminable interface {
	Signal(sig syscall.Signal)
}

// Controller restores the baseline between trials. Every step is
// independently best-effort: a DEADLOCK trial by definition leaves
// processes that no signal can kill, so waiting on any of them would stall
// the whole run. Termination requests are issued and forgotten; a wedged
// mount or stuck process may outlive the trial until the kernel condition
// resolves or the host restarts, which is a documented limitation of the
// approach rather than something to work around.
type Controller struct {
	Mountpoint  string
	TriggerName string
	DaemonLog   string
}

// Reset force-unmounts the trial mount, kills the daemon, sweeps any
// surviving trigger process by name (handles lost to backgrounding or
// forking are caught here), and discards the trial-scoped daemon log.
// Idempotent on an already-clean environment.
func (c *Controller) Reset(ctx context.Context, daemon Terminable) {
	unmount(c.Mountpoint)
	if daemon != nil {
		daemon.Signal(syscall.SIGKILL)
	}
	killByName(ctx, c.TriggerName)
	if c.DaemonLog != "" {
		os.Remove(c.DaemonLog)
	}
}

// unmount tries the FUSE userspace helpers first (lazy detach, so a wedged
// connection does not block), then falls back to a direct MNT_DETACH.
func unmount(target string) {
	if target == "" {
		return
	}
	for _, helper := range []string{"fusermount", "fusermount3"} {
		if exec.Command(helper, "-u", "-z", target).Run() == nil {
			return
		}
	}
	unix.Unmount(target, unix.MNT_DETACH)
}

func killByName(ctx context.Context, name string) {
	if name == "" {
		return
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return
	}
	for _, p := range procs {
		pname, err := p.NameWithContext(ctx)
		if err != nil || pname != name {
			continue
		}
		p.SendSignalWithContext(ctx, syscall.SIGKILL)
	}
}

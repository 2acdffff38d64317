package detect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// State is the observed run-state of a managed process.
type State string

const (
	StateRunning State = "RUNNING"
	StateBlocked State = "BLOCKED"
	StateExited  State = "EXITED"
)

const fuseConnDir = "/sys/fs/fuse/connections"

// Detector classifies trigger processes by their kernel scheduling state.
// A process in uninterruptible sleep (D) cannot be signaled or killed until
// its kernel-side wait resolves, which makes that state an unforgeable
// symptom of the deadlock under study; a slow-but-live process never shows
// it.
type Detector struct{}

// Observe enumerates live processes whose command name matches name and
// classifies each as BLOCKED (uninterruptible sleep) or RUNNING. Processes
// that vanish mid-scan are skipped; the caller treats absence as EXITED.
func (Detector) Observe(ctx context.Context, name string) (map[int32]State, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	states := make(map[int32]State)
	for _, p := range procs {
		pname, err := p.NameWithContext(ctx)
		if err != nil || pname != name {
			continue
		}
		status, err := p.StatusWithContext(ctx)
		if err != nil {
			continue
		}
		if hasStatus(status, process.Blocked) {
			states[p.Pid] = StateBlocked
		} else {
			states[p.Pid] = StateRunning
		}
	}
	return states, nil
}

// Connection resolves the FUSE connection id serving mountpoint. The
// connection directory under /sys/fs/fuse/connections is named after the
// device minor of the mount, which scopes wait-queue readings to the trial's
// own instance instead of every FUSE mount on the host. Must be called while
// the mount still answers requests: the stat issues a GETATTR, and a wedged
// daemon blocks it indefinitely instead of erroring. Returns "" when the
// mountpoint does not back a live connection.
func (Detector) Connection(mountpoint string) string {
	var st unix.Stat_t
	if err := unix.Stat(mountpoint, &st); err != nil {
		return ""
	}
	conn := strconv.FormatUint(uint64(unix.Minor(uint64(st.Dev))), 10)
	if _, ok := readWaiting(filepath.Join(fuseConnDir, conn, "waiting")); !ok {
		return ""
	}
	return conn
}

// WaitQueue reads the pending-request counter of conn, as resolved by
// Connection while the mount was healthy. It touches only
// /sys/fs/fuse/connections, never the mount itself, so it is safe to call
// with the daemon wedged and triggers stuck in uninterruptible sleep. An
// empty conn falls back to summing all connections. Best-effort throughout;
// failure yields 0.
func (Detector) WaitQueue(conn string) int {
	if conn != "" {
		if n, ok := readWaiting(filepath.Join(fuseConnDir, conn, "waiting")); ok {
			return n
		}
	}
	entries, err := os.ReadDir(fuseConnDir)
	if err != nil {
		return 0
	}
	total := 0
	for _, e := range entries {
		if n, ok := readWaiting(filepath.Join(fuseConnDir, e.Name(), "waiting")); ok {
			total += n
		}
	}
	return total
}

// Blocked returns the pids observed in uninterruptible sleep, sorted.
func Blocked(states map[int32]State) []int32 {
	var pids []int32
	for pid, st := range states {
		if st == StateBlocked {
			pids = append(pids, pid)
		}
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

func hasStatus(statuses []string, want string) bool {
	for _, s := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

func readWaiting(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return n, true
}

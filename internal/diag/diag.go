package diag

import (
	"fmt"
	"os"
	"strings"
)

// Log is the append-only kernel stack snapshot file. One block per blocked
// process per trial; blocks are never revisited.
type Log struct {
	path string
}

// Create truncates (or creates) the diagnostics log and writes its header.
func Create(path string) (*Log, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating diagnostics log: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, "Kernel stack snapshots of blocked trigger processes"); err != nil {
		return nil, fmt.Errorf("writing diagnostics header: %w", err)
	}
	return &Log{path: path}, nil
}

func (l *Log) Path() string {
	return l.path
}

// Collect appends one labeled stack block per pid. A pid whose stack cannot
// be read gets an empty block: blocked processes the kernel releases during
// teardown legitimately vanish between detection and capture.
func (l *Log) Collect(run int, pids []int32) error {
	if len(pids) == 0 {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening diagnostics log: %w", err)
	}
	defer f.Close()
	for _, pid := range pids {
		stack, err := os.ReadFile(fmt.Sprintf("/proc/%d/stack", pid))
		if err != nil {
			stack = nil
		}
		text := strings.TrimRight(string(stack), "\n")
		if _, err := fmt.Fprintf(f, "--- Run %d PID %d ---\n%s\n\n", run, pid, text); err != nil {
			return fmt.Errorf("writing stack block: %w", err)
		}
	}
	return nil
}

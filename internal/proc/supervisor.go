package proc

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

type Role string

const (
	RoleDaemon  Role = "daemon"
	RoleTrigger Role = "trigger"
)

type LaunchSpec struct {
	Role Role
	Bin  string
	Args []string
	// Env entries (KEY=VALUE) appended to the parent environment.
	Env []string
	// LogPath receives the child's stdout and stderr; empty discards both.
	LogPath string
}

// Handle is the harness's only grip on a supervised child process. The pid
// is valid until the child is reaped; a handle is owned by the trial that
// launched it and must not be reused afterwards.
type Handle struct {
	role Role
	pid  int
	cmd  *exec.Cmd
	done chan struct{}
}

// Launch starts a child in its own session, so nothing the supervisor does
// (including its own shutdown) implicitly signals the child. Tearing
// children down is entirely the recovery controller's job. Launch never
// blocks on the child; a background goroutine reaps it whenever it exits.
func Launch(spec *LaunchSpec) (*Handle, error) {
	cmd := exec.Command(spec.Bin, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	var logFile *os.File
	if spec.LogPath != "" {
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening %s log: %w", spec.Role, err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("launching %s %s: %w", spec.Role, spec.Bin, err)
	}

	h := &Handle{
		role: spec.Role,
		pid:  cmd.Process.Pid,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		close(h.done)
	}()
	return h, nil
}

func (h *Handle) Pid() int {
	return h.pid
}

func (h *Handle) Role() Role {
	return h.role
}

// Alive reports whether the child has been reaped. A child stuck in an
// uninterruptible kernel wait still counts as alive; it will not exit
// until the kernel-side wait resolves.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Signal delivers sig to the child's session, fire-and-forget. It never
// waits and never reports failure: the target may already be gone, or may
// be unkillable by design (D state).
func (h *Handle) Signal(sig syscall.Signal) {
	if h == nil || !h.Alive() {
		return
	}
	// The child is a session leader, so -pid addresses its whole group and
	// catches anything it forked.
	if err := syscall.Kill(-h.pid, sig); err != nil {
		syscall.Kill(h.pid, sig)
	}
}

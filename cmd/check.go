package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wedgelab/fusewedge/internal/config"
)

// checkResult is one preflight finding. Failures abort before trial 1;
// warnings degrade a best-effort surface (e.g. the wait-queue counter
// reads as 0) without preventing a run.
type checkResult struct {
	name string
	ok   bool
	warn bool
	msg  string
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Preflight the environment before a run",
		Long: "Verify the scenario binaries, the FUSE unmount helper, and the kernel\n" +
			"introspection surfaces the detector depends on. Failures here are the only\n" +
			"errors allowed to stop a run before its first trial.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			results := preflight(cfg)
			failed := 0
			for _, r := range results {
				tag := "ok"
				if !r.ok {
					if r.warn {
						tag = "warn"
					} else {
						tag = "FAIL"
						failed++
					}
				}
				fmt.Printf("%-6s %-28s %s\n", tag, r.name, r.msg)
			}
			if failed > 0 {
				return fmt.Errorf("%d preflight check(s) failed", failed)
			}
			return nil
		},
	}
}

func preflight(cfg *config.Config) []checkResult {
	var results []checkResult

	add := func(name string, ok, warn bool, msg string) {
		results = append(results, checkResult{name: name, ok: ok, warn: warn, msg: msg})
	}

	if path, err := exec.LookPath(cfg.Scenario.DaemonBin); err != nil {
		add("daemon binary", false, false, fmt.Sprintf("%s not found", cfg.Scenario.DaemonBin))
	} else {
		add("daemon binary", true, false, path)
	}
	if path, err := exec.LookPath(cfg.Scenario.TriggerBin); err != nil {
		add("trigger binary", false, false, fmt.Sprintf("%s not found", cfg.Scenario.TriggerBin))
	} else {
		add("trigger binary", true, false, path)
	}

	helper := ""
	for _, h := range []string{"fusermount", "fusermount3"} {
		if path, err := exec.LookPath(h); err == nil {
			helper = path
			break
		}
	}
	if helper == "" {
		add("fusermount helper", false, true, "not found; unmount falls back to MNT_DETACH (needs privileges)")
	} else {
		add("fusermount helper", true, false, helper)
	}

	if _, err := os.Stat("/proc/self/status"); err != nil {
		add("process table", false, false, "/proc is not readable")
	} else {
		add("process table", true, false, "/proc")
	}

	if _, err := os.ReadDir("/sys/fs/fuse/connections"); err != nil {
		add("fuse wait queue", false, true, "/sys/fs/fuse/connections unreadable; WaitQueue reads as 0")
	} else {
		add("fuse wait queue", true, false, "/sys/fs/fuse/connections")
	}

	if err := os.MkdirAll(cfg.Results.Dir, 0o755); err != nil {
		add("results directory", false, false, fmt.Sprintf("cannot create %s", cfg.Results.Dir))
	} else {
		add("results directory", true, false, cfg.Results.Dir)
	}

	if strings.TrimSpace(cfg.Scenario.Mountpoint) == "" {
		add("mountpoint", false, false, "empty mountpoint")
	} else {
		add("mountpoint", true, false, cfg.Scenario.Mountpoint)
	}

	return results
}

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wedgelab/fusewedge/internal/config"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the effective scenario settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			sc := cfg.Scenario
			fmt.Println("Scenario:")
			fmt.Printf("  daemon:     %s %s\n", sc.DaemonBin, strings.Join(sc.DaemonArgs, " "))
			fmt.Printf("  trigger:    %s %s (matched as %q)\n", sc.TriggerBin, strings.Join(sc.TriggerArgs, " "), sc.TriggerMatch)
			fmt.Printf("  mountpoint: %s\n", sc.Mountpoint)
			fmt.Printf("  fault env:  %s (injection %v)\n", sc.FaultEnv, sc.FaultInjection())
			fmt.Println("\nTiming:")
			fmt.Printf("  daemon settle:  %s\n", cfg.Timing.DaemonSettle())
			fmt.Printf("  trigger settle: %s\n", cfg.Timing.TriggerSettle())
			fmt.Printf("\nTrials: %d x %d trigger(s)\n", cfg.Trials, cfg.Triggers)
			fmt.Printf("Results: %s\n", cfg.Results.Dir)
			return nil
		},
	}
}

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/wedgelab/fusewedge/internal/config"
)

var cfgFile string

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fusewedge",
		Short: "Reproduction harness for AB-BA kernel deadlocks in a FUSE daemon",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath, "config file path")
	root.AddCommand(newRunCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newListCmd())
	return root
}

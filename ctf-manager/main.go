package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ctf-manager",
		Short:         "On-demand challenge container manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the background sweeper",
		RunE:  runServe,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run one reclamation cycle and exit",
		RunE:  runSweep,
	})
	return cmd
}

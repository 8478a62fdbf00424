// Package cli defines the initd CLI: the "serve" supervisor entrypoint, the
// hidden "job-exec" reexec trampoline, and a "version" subcommand, built on
// spf13/cobra.
package cli

import (
	"context"
	"os"

	"github.com/tjper/initd/internal/log"

	"github.com/spf13/cobra"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "cli")

// version is set at build time via -ldflags "-X .../cli.version=...".
var version = "dev"

// Execute runs the initd root command and returns a process exit code.
func Execute() int {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "initd",
		Short:         "initd supervises job classes as pid 1",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newJobExecCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the initd build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Println(version)
			return nil
		},
	}
}

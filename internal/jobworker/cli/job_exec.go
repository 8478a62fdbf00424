package cli

import (
	"os"

	"github.com/tjper/initd/internal/jobworker"
	"github.com/tjper/initd/internal/jobworker/reexec"

	"github.com/spf13/cobra"
)

// newJobExecCmd builds the hidden job-exec trampoline subcommand: it reads a
// reexec.ProcessSpec off fd 3, runs the pre-exec setup pipeline (§4.A), and
// either execs the job's command or reports a SetupError on fd 4. It is
// invoked only by internal/jobworker/spawner, never directly by a user.
func newJobExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    jobworker.JobExec,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode, err := reexec.Exec(cmd.Context())
			if err != nil {
				logger.Errorf("job-exec; error: %s", err)
			}
			os.Exit(exitCode)
			return nil
		},
	}
	return cmd
}

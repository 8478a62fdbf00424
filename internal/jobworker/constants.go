// Package jobworker contains shared jobworker constructs: constants, shared
// across the supervisor's subpackages.
package jobworker

const (
	// JobExec is the hidden CLI subcommand the spawner reexecs itself as to
	// run the pre-exec setup trampoline (internal/jobworker/reexec) before
	// becoming a job process.
	JobExec = "job-exec"
)

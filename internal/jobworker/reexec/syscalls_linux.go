package reexec

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// unixSetsid makes the calling process a session leader, detaching it from
// any controlling terminal it inherited (§4.A step a).
func unixSetsid() error {
	_, err := unix.Setsid()
	if err != nil && err != unix.EPERM {
		return err
	}
	// EPERM means we're already a process group leader, which is fine: the
	// job simply inherits the existing session.
	return nil
}

// unixUmask sets the process umask and discards the prior value, mirroring
// upstart's unconditional job_process_spawn umask(2) call (§4.A step e).
func unixUmask(mask int) {
	unix.Umask(mask)
}

// unixSetpriority applies a nice value to the calling process (§4.A step f).
func unixSetpriority(nice int) error {
	// PRIO_PROCESS, pid 0 means "the calling process".
	return unix.Setpriority(unix.PRIO_PROCESS, 0, nice)
}

// writeOOMScoreAdj adjusts the kernel OOM killer's preference for this
// process via /proc/self/oom_score_adj, the modern replacement for
// upstart's /proc/self/oom_adj (§4.A step g). Valid range is [-1000, 1000].
func writeOOMScoreAdj(score int) error {
	if score < -1000 || score > 1000 {
		return fmt.Errorf("oom_score_adj out of range [-1000,1000]: %d", score)
	}
	return os.WriteFile("/proc/self/oom_score_adj", []byte(strconv.Itoa(score)), 0)
}

// unblockAllSignals clears the process signal mask, undoing any blocking the
// parent (or the Go runtime) put in place, so the job process starts with
// every signal deliverable (§4.A step j).
func unblockAllSignals() error {
	var empty unix.Sigset_t
	return unix.PthreadSigmask(unix.SIG_SETMASK, &empty, nil)
}

// ptraceTraceme requests the kernel stop this process and notify its parent
// on the next exec (§4.C "expect fork/daemon" tracing).
func ptraceTraceme() error {
	return unix.PtraceTraceme()
}

// Package spawner implements the process spawner (§4.A): it turns a job
// class's process configuration into a running pid, forking via a reexec
// of the initd binary itself (internal/jobworker/reexec) and reporting
// setup failures back through the fixed-size error-pipe protocol.
package spawner

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/tjper/initd/internal/jobworker"
	"github.com/tjper/initd/internal/jobworker/limits"
	"github.com/tjper/initd/internal/jobworker/reexec"
	"github.com/tjper/initd/internal/log"

	"github.com/pkg/errors"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "spawner")

// maxStartAttempts bounds the retry loop for transient fork failures (e.g.
// EAGAIN because the host is momentarily out of pids/memory); this mirrors
// upstart's tolerance of fork() hiccups without looping forever.
const maxStartAttempts = 5

// Spec is everything the spawner needs to stand up one job process. It is
// class-independent: the job package derives one of these per process kind
// (main, pre-start, post-stop, ...) on each spawn.
type Spec struct {
	// Key and Kind identify the process for logging and, under console
	// "logged" mode, its output file name.
	Key  string
	Kind string

	Cmd reexec.Command
	Env []string

	Dir    string
	Chroot string

	Umask  *uint32
	Nice   *int
	OOMAdj *int

	Console     reexec.Console
	ConsolePath string

	Limits limits.Table

	// DebugPause stops the process immediately before exec, for classes
	// configured to debug-pause a process kind (§4.A).
	DebugPause bool
	// Trace requests ptrace-based fork/exec tracing for "expect fork" /
	// "expect daemon" classes (§4.C).
	Trace bool
}

func (s Spec) processSpec() reexec.ProcessSpec {
	return reexec.ProcessSpec{
		Key:         s.Key,
		Kind:        s.Kind,
		Cmd:         s.Cmd,
		Env:         s.Env,
		Dir:         s.Dir,
		Chroot:      s.Chroot,
		Umask:       s.Umask,
		Nice:        s.Nice,
		OOMAdj:      s.OOMAdj,
		Console:     s.Console,
		ConsolePath: s.ConsolePath,
		Limits:      s.Limits,
		DebugPause:  s.DebugPause,
		Trace:       s.Trace,
	}
}

// Spawn forks a job process per Spec and returns its pid once the pre-exec
// setup pipeline has either succeeded (the process is now running the
// job's command, or stopped at SIGSTOP if Spec.DebugPause) or failed (in
// which case the returned error is a reexec.SetupError).
func Spawn(ctx context.Context, spec Spec) (pid int, err error) {
	self, err := os.Executable()
	if err != nil {
		return 0, errors.Wrap(err, "resolve initd executable")
	}

	procSpec := spec.processSpec()
	body, err := json.Marshal(procSpec)
	if err != nil {
		return 0, errors.Wrap(err, "marshal process spec")
	}

	var lastErr error
	for attempt := 0; attempt < maxStartAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 50 * time.Millisecond
			backoff += time.Duration(rand.Intn(25)) * time.Millisecond
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
		}

		pid, err = trySpawn(self, body, spec)
		if err == nil {
			return pid, nil
		}
		if !transient(err) {
			return 0, err
		}
		lastErr = err
		logger.Warnf("transient spawn failure, retrying; job: %s, attempt: %d, error: %s", spec.Key, attempt+1, err)
	}
	return 0, errors.Wrapf(lastErr, "spawn %s: exhausted %d attempts", spec.Key, maxStartAttempts)
}

// trySpawn performs a single fork attempt: start the job-exec trampoline,
// hand it the process spec over the spec pipe, and read the error pipe
// until either the child closes it (success) or reports a fatal
// reexec.SetupError.
func trySpawn(self string, specBody []byte, spec Spec) (int, error) {
	specRead, specWrite, err := os.Pipe()
	if err != nil {
		return 0, errors.Wrap(err, "spec pipe")
	}
	defer specRead.Close()
	defer specWrite.Close()

	errRead, errWrite, err := os.Pipe()
	if err != nil {
		return 0, errors.Wrap(err, "error pipe")
	}
	defer errRead.Close()
	defer errWrite.Close()

	cmd := exec.Command(self, jobworker.JobExec)
	cmd.ExtraFiles = []*os.File{specRead, errWrite}
	cmd.Env = os.Environ() // the job-exec trampoline itself needs no job env; it sets spec.Env at exec time.

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	// Close the child's copies now owned by the forked process.
	specRead.Close()
	errWrite.Close()

	if _, err := specWrite.Write(specBody); err != nil {
		logger.Errorf("write process spec; job: %s, error: %s", spec.Key, err)
	}
	specWrite.Close()

	setupErr := readSetupErrors(errRead, spec.Key)
	errRead.Close()

	if setupErr != nil {
		_, _ = cmd.Process.Wait()
		return 0, setupErr
	}

	return cmd.Process.Pid, nil
}

// readSetupErrors drains the error pipe. Non-fatal console-fallback records
// are logged and skipped; the first fatal record, or nil on clean EOF, is
// returned.
func readSetupErrors(r io.Reader, key string) error {
	for {
		se, err := reexec.ReadSetupError(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read setup error")
		}
		if se.Type == 0 {
			return nil
		}
		if isConsoleFallback(se) {
			logger.Warnf("job %s: console fell back to null", key)
			continue
		}
		return se
	}
}

func isConsoleFallback(se reexec.SetupError) bool {
	return se.Type == uint32(reexec.ErrConsoleFallback)
}

// transient reports whether err is a fork-time failure worth retrying
// (the host is momentarily short on a resource) as opposed to a
// configuration problem that will recur no matter how many times we try.
func transient(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EAGAIN, syscall.ENOMEM, syscall.ENFILE, syscall.EMFILE:
		return true
	default:
		return false
	}
}


// Package reexec implements the child side of the process spawner (§4.A):
// the trampoline a freshly forked initd process runs to apply pre-exec job
// setup (session, console, resource limits, environment, umask, nice,
// OOM adjustment, chroot, chdir, signal reset, ptrace arm) before replacing
// its own image with the job's command.
//
// initd cannot fork(2) directly — the Go runtime's goroutine scheduler does
// not survive a bare fork without an immediate exec — so the spawner forks
// by starting a copy of the initd binary itself with the hidden "job-exec"
// subcommand (os/exec.Cmd.Start, which does fork+exec of argv[0] under the
// hood) and this package's Exec runs inside that process, finishing the
// setup pipeline and exec'ing into the real target command. The forked pid
// is stable across that final exec, so it is the job's pid from the
// parent's perspective throughout.
package reexec

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/tjper/initd/internal/device"
	"github.com/tjper/initd/internal/jobworker/limits"
	"github.com/tjper/initd/internal/jobworker/output"
	"github.com/tjper/initd/internal/log"

	"github.com/pkg/errors"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "reexec")

// Fixed fd numbers the parent arranges via exec.Cmd.ExtraFiles. Fds 0-2 are
// the job's own stdio, set up by this package prior to exec.
const (
	specFD = 3 // parent -> child: the ProcessSpec, JSON encoded.
	errFD  = 4 // child -> parent: SetupError records; EOF on close means success.
)

var (
	// ErrSpecPipeNotFound indicates the parent process did not properly
	// configure the spec pipe and pass it to the child process.
	ErrSpecPipeNotFound = errors.New("job spec pipe not found")
	// ErrErrorPipeNotFound indicates the parent process did not properly
	// configure the setup-error pipe and pass it to the child process.
	ErrErrorPipeNotFound = errors.New("setup error pipe not found")
)

// Exit codes for the job-exec subcommand itself (distinct from the exit code
// of the job it eventually execs into, which replaces this process).
const (
	ExecSuccess = 0
	// ExecFailure indicates setup failed before exec; the detailed reason was
	// already written to the error pipe as a SetupError.
	ExecFailure = 255
)

// Console is the process's console mode (§3 "console mode").
type Console int

const (
	ConsoleNone Console = iota
	ConsoleOutput
	ConsoleOwner
	ConsoleLogged
)

// Command is the argv (or script body) a ProcessSpec execs into.
type Command struct {
	// Script indicates Name/Args should be ignored in favor of Body, which is
	// delivered to a shell instead of exec'd directly.
	Script bool
	// Name and Args are used when Script is false: the literal argv.
	Name string
	Args []string
	// Body is a shell script, used when Script is true.
	Body string
}

// ProcessSpec carries everything the reexec child needs to stand up one job
// process (§4.A). It is marshalled to JSON by the parent and read from
// specFD by the child — small, infrequent, human-debuggable, unlike the
// error pipe which must stay a fixed-size wire record.
type ProcessSpec struct {
	// Key identifies the process for logging and, when Console is
	// ConsoleLogged, the output file name (instance key + process kind).
	Key  string
	Kind string

	Cmd Command
	Env []string

	Dir    string
	Chroot string

	Umask  *uint32
	Nice   *int
	OOMAdj *int

	Console     Console
	ConsolePath string

	Limits limits.Table

	DebugPause bool
	// Trace requests PTRACE_TRACEME before exec, for classes with
	// expect fork/daemon (§4.C).
	Trace bool
}

// ErrorType enumerates the setup steps that can fail (§6 "spawn-error wire
// format" / §4.A "error taxonomy").
type ErrorType uint32

const (
	ErrNone ErrorType = iota
	ErrConsole
	ErrRLimit
	ErrPriority
	ErrOOMAdj
	ErrChroot
	ErrChdir
	ErrPTrace
	ErrExec
	// ErrConsoleFallback is not a SetupError in the fatal sense: it reports
	// that console mode OUTPUT failed and the child fell back to NONE, per
	// §4.A step b. The caller logs it as a warning and keeps reading the
	// error pipe rather than treating the spawn as failed.
	ErrConsoleFallback
)

func (t ErrorType) String() string {
	switch t {
	case ErrConsole:
		return "console"
	case ErrRLimit:
		return "rlimit"
	case ErrPriority:
		return "priority"
	case ErrOOMAdj:
		return "oom_adj"
	case ErrChroot:
		return "chroot"
	case ErrChdir:
		return "chdir"
	case ErrPTrace:
		return "ptrace"
	case ErrExec:
		return "exec"
	default:
		return "none"
	}
}

// SetupError is the fixed-size record transmitted from child to parent over
// the error pipe (§6). Arg is only meaningful for ErrRLimit, where it
// carries the limits.Resource that failed.
type SetupError struct {
	Type  uint32
	Arg   int32
	Errno int32
}

func (e SetupError) Error() string {
	if e.Type == uint32(ErrRLimit) {
		return fmt.Sprintf("job process setup: rlimit(%s): %s", limits.Resource(e.Arg), syscall.Errno(e.Errno))
	}
	return fmt.Sprintf("job process setup: %s: %s", ErrorType(e.Type), syscall.Errno(e.Errno))
}

// WriteSetupError writes a SetupError record to w in native byte order.
func WriteSetupError(w io.Writer, se SetupError) error {
	return binary.Write(w, binary.NativeEndian, se)
}

// ReadSetupError reads a single SetupError record from r. If r is at EOF
// having read zero bytes, ReadSetupError returns io.EOF: the contract for
// "child setup succeeded".
func ReadSetupError(r io.Reader) (SetupError, error) {
	var se SetupError
	if err := binary.Read(r, binary.NativeEndian, &se); err != nil {
		return SetupError{}, err
	}
	return se, nil
}

// Exec runs the job-exec trampoline: read the ProcessSpec from specFD, run
// the pre-exec setup pipeline in the order §4.A.3 specifies, then exec into
// the job's command. Exec only returns on failure; success replaces this
// process's image entirely.
func Exec(ctx context.Context) (int, error) {
	specFile := os.NewFile(specFD, fmt.Sprintf("/proc/self/fd/%d", specFD))
	if specFile == nil {
		return ExecFailure, ErrSpecPipeNotFound
	}
	errFile := os.NewFile(errFD, fmt.Sprintf("/proc/self/fd/%d", errFD))
	if errFile == nil {
		return ExecFailure, ErrErrorPipeNotFound
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(specFile); err != nil {
		return ExecFailure, errors.WithStack(err)
	}
	var spec ProcessSpec
	if err := json.Unmarshal(buf.Bytes(), &spec); err != nil {
		return ExecFailure, errors.WithStack(err)
	}

	fail := func(t ErrorType, arg int32, err error) (int, error) {
		se := SetupError{Type: uint32(t), Arg: arg, Errno: int32(errnoOf(err))}
		if werr := WriteSetupError(errFile, se); werr != nil {
			logger.Errorf("write setup error; job: %s, error: %s", spec.Key, werr)
		}
		return ExecFailure, se
	}

	// a. session leader.
	if err := unixSetsid(); err != nil {
		return fail(ErrConsole, 0, err)
	}

	// b. console.
	if err := applyConsole(spec, errFile); err != nil {
		return fail(ErrConsole, 0, err)
	}

	// c. resource limits.
	if resource, err := spec.Limits.Apply(); err != nil {
		return fail(ErrRLimit, int32(resource), err)
	}

	// d. environment is applied atomically at exec time (step m); nothing to
	// do here.

	// e. umask.
	if spec.Umask != nil {
		unixUmask(int(*spec.Umask))
	}

	// f. nice.
	if spec.Nice != nil {
		if err := unixSetpriority(*spec.Nice); err != nil {
			return fail(ErrPriority, 0, err)
		}
	}

	// g. OOM adjustment.
	if spec.OOMAdj != nil {
		if err := writeOOMScoreAdj(*spec.OOMAdj); err != nil {
			return fail(ErrOOMAdj, 0, err)
		}
	}

	// h. chroot.
	if spec.Chroot != "" {
		if err := syscall.Chroot(spec.Chroot); err != nil {
			return fail(ErrChroot, 0, err)
		}
	}

	// i. chdir.
	dir := spec.Dir
	if dir == "" {
		dir = "/"
	}
	if err := os.Chdir(dir); err != nil {
		return fail(ErrChdir, 0, err)
	}

	// j. reset signal dispositions and unmask.
	signal.Reset()
	if err := unblockAllSignals(); err != nil {
		return fail(ErrConsole, 0, err)
	}

	// k. debug pause: close the error pipe (parent now sees our EOF — success)
	// and stop ourselves until externally continued.
	if spec.DebugPause {
		errFile.Close()
		if err := syscall.Kill(syscall.Getpid(), syscall.SIGSTOP); err != nil {
			return ExecFailure, errors.WithStack(err)
		}
	}

	// l. ptrace arm.
	if spec.Trace {
		if err := ptraceTraceme(); err != nil {
			return fail(ErrPTrace, 0, err)
		}
	}

	// m. exec, PATH search included.
	argv, cleanup, err := buildArgv(spec)
	if err != nil {
		return fail(ErrExec, 0, err)
	}
	defer cleanup()

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fail(ErrExec, 0, err)
	}

	if !spec.DebugPause {
		// A successful exec closes the pipe (EOF tells the parent setup
		// completed); a failed one can still report ErrExec through it.
		syscall.CloseOnExec(errFD)
	}

	if err := syscall.Exec(path, argv, spec.Env); err != nil {
		return fail(ErrExec, 0, err)
	}
	panic("unreachable: syscall.Exec only returns on error")
}

// buildArgv constructs the final argv for spec.Cmd, handling script
// delivery per §4.A "Script delivery": a "script ... end script" stanza's
// body already travels to the child in the ProcessSpec JSON over specFD, so
// it is handed to the shell as the "-c" argument directly — no separate
// script pipe is needed, regardless of the body's size or line count.
func buildArgv(spec ProcessSpec) (argv []string, cleanup func(), err error) {
	cleanup = func() {}
	if !spec.Cmd.Script {
		if spec.Cmd.Name == "" {
			return nil, cleanup, errors.New("empty command")
		}
		return append([]string{spec.Cmd.Name}, spec.Cmd.Args...), cleanup, nil
	}

	const shell = "/bin/sh"
	return []string{shell, "-e", "-c", spec.Cmd.Body, "initd"}, cleanup, nil
}

func applyConsole(spec ProcessSpec, errFile *os.File) error {
	switch spec.Console {
	case ConsoleNone:
		return attachStdio(device.Null, device.Null, device.Null)
	case ConsoleOutput, ConsoleOwner:
		path := spec.ConsolePath
		if path == "" {
			path = device.Console
		}
		if err := attachStdio(path, path, path); err != nil {
			logger.Warnf("console %s unavailable, falling back to null; error: %s", path, err)
			se := SetupError{Type: uint32(ErrConsoleFallback)}
			_ = WriteSetupError(errFile, se)
			return attachStdio(device.Null, device.Null, device.Null)
		}
		return nil
	case ConsoleLogged:
		file := output.File(spec.Key, spec.Kind)
		if err := os.MkdirAll(output.Root, 0755); err != nil {
			return err
		}
		fd, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, output.FileMode)
		if err != nil {
			return err
		}
		defer fd.Close()
		if err := dup2(int(fd.Fd()), 1); err != nil {
			return err
		}
		if err := dup2(int(fd.Fd()), 2); err != nil {
			return err
		}
		return attachStdin(device.Null)
	default:
		return fmt.Errorf("unknown console mode %d", spec.Console)
	}
}

func attachStdio(stdin, stdout, stderr string) error {
	if err := attachStdin(stdin); err != nil {
		return err
	}
	for fd, path := range map[int]string{1: stdout, 2: stderr} {
		f, err := device.OpenConsole(path)
		if err != nil {
			return err
		}
		if err := dup2(int(f.Fd()), fd); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	return nil
}

func attachStdin(path string) error {
	f, err := device.OpenConsole(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return dup2(int(f.Fd()), 0)
}

func dup2(oldfd, newfd int) error {
	return syscall.Dup2(oldfd, newfd)
}

func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}

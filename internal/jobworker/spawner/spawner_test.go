package spawner

import (
	"bytes"
	"io"
	"syscall"
	"testing"

	"github.com/pkg/errors"

	"github.com/tjper/initd/internal/jobworker/reexec"
)

func TestTransientClassifiesFailures(t *testing.T) {
	tests := map[string]struct {
		err  error
		want bool
	}{
		"eagain is transient":        {err: syscall.EAGAIN, want: true},
		"enomem is transient":        {err: syscall.ENOMEM, want: true},
		"enfile is transient":        {err: syscall.ENFILE, want: true},
		"emfile is transient":        {err: syscall.EMFILE, want: true},
		"enoent is not transient":    {err: syscall.ENOENT, want: false},
		"non-errno is not transient": {err: errors.New("boom"), want: false},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			if actual := transient(test.err); actual != test.want {
				t.Fatalf("unexpected result; actual: %t, expected: %t", actual, test.want)
			}
		})
	}
}

func TestTransientUnwrapsWrappedErrno(t *testing.T) {
	wrapped := errors.Wrap(syscall.EAGAIN, "fork")
	if !transient(wrapped) {
		t.Fatal("expected a wrapped EAGAIN to still be classified as transient")
	}
}

func TestReadSetupErrorsCleanEOFMeansSuccess(t *testing.T) {
	var buf bytes.Buffer
	if err := readSetupErrors(&buf, "web"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}

func TestReadSetupErrorsReturnsFirstFatalRecord(t *testing.T) {
	var buf bytes.Buffer
	fatal := reexec.SetupError{Type: uint32(reexec.ErrExec), Errno: int32(syscall.ENOENT)}
	if err := reexec.WriteSetupError(&buf, fatal); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	err := readSetupErrors(&buf, "web")
	if err == nil {
		t.Fatal("expected the fatal record to be returned as an error")
	}
	se, ok := err.(reexec.SetupError)
	if !ok {
		t.Fatalf("expected a reexec.SetupError; actual: %T", err)
	}
	if se.Type != fatal.Type {
		t.Fatalf("unexpected setup error type; actual: %d, expected: %d", se.Type, fatal.Type)
	}
}

func TestReadSetupErrorsSkipsConsoleFallbackAndReturnsSuccess(t *testing.T) {
	var buf bytes.Buffer
	fallback := reexec.SetupError{Type: uint32(reexec.ErrConsoleFallback)}
	if err := reexec.WriteSetupError(&buf, fallback); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if err := readSetupErrors(&buf, "web"); err != nil {
		t.Fatalf("expected a console fallback record to be non-fatal; error: %s", err)
	}
}

func TestReadSetupErrorsSkipsFallbackThenReturnsSubsequentFatal(t *testing.T) {
	var buf bytes.Buffer
	fallback := reexec.SetupError{Type: uint32(reexec.ErrConsoleFallback)}
	fatal := reexec.SetupError{Type: uint32(reexec.ErrRLimit), Arg: 7, Errno: int32(syscall.EINVAL)}
	if err := reexec.WriteSetupError(&buf, fallback); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := reexec.WriteSetupError(&buf, fatal); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	err := readSetupErrors(&buf, "web")
	se, ok := err.(reexec.SetupError)
	if !ok {
		t.Fatalf("expected a reexec.SetupError after the fallback record; actual: %v (%T)", err, err)
	}
	if se.Type != fatal.Type || se.Arg != fatal.Arg {
		t.Fatalf("unexpected setup error: %+v", se)
	}
}

type shortReader struct{}

func (shortReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestReadSetupErrorsPropagatesReadError(t *testing.T) {
	if err := readSetupErrors(shortReader{}, "web"); err == nil {
		t.Fatal("expected a read error to be propagated")
	}
}

func TestSpecProcessSpecCopiesFields(t *testing.T) {
	s := Spec{
		Key:     "job:web/",
		Kind:    "main",
		Env:     []string{"JOB=web"},
		Dir:     "/srv",
		Chroot:  "/chroot",
		Console: reexec.ConsoleLogged,
	}
	ps := s.processSpec()
	if ps.Key != s.Key || ps.Kind != s.Kind || ps.Dir != s.Dir || ps.Chroot != s.Chroot {
		t.Fatalf("unexpected process spec: %+v", ps)
	}
	if ps.Console != reexec.ConsoleLogged {
		t.Fatalf("unexpected console mode: %v", ps.Console)
	}
	if len(ps.Env) != 1 || ps.Env[0] != "JOB=web" {
		t.Fatalf("unexpected env: %v", ps.Env)
	}
}

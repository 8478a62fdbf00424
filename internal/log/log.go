package log

import (
	"fmt"
	"io"
	"log"
	"runtime"
	"strings"
	"sync/atomic"
)

// Priority is a minimum log level: messages below the current Priority are
// dropped. Every package-level Logger shares the same process-wide
// Priority, consulted via control surface's GetLogPriority/SetLogPriority
// (§4.I).
type Priority int32

const (
	PriorityInfo Priority = iota
	PriorityWarn
	PriorityError
)

func (p Priority) String() string {
	switch p {
	case PriorityWarn:
		return "warn"
	case PriorityError:
		return "error"
	default:
		return "info"
	}
}

// ParsePriority parses a Priority's string form, as accepted by the control
// surface's SetLogPriority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "info":
		return PriorityInfo, nil
	case "warn":
		return PriorityWarn, nil
	case "error":
		return PriorityError, nil
	default:
		return 0, fmt.Errorf("unknown log priority %q", s)
	}
}

var priority atomic.Int32

// GetPriority returns the process-wide minimum log Priority.
func GetPriority() Priority { return Priority(priority.Load()) }

// SetPriority sets the process-wide minimum log Priority.
func SetPriority(p Priority) { priority.Store(int32(p)) }

// New creates a Logger instance.
func New(w io.Writer, prefix string) *Logger {
	return &Logger{
		log.New(
			w,
			prefix,
			log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC|log.Lmsgprefix,
		),
	}
}

// Logger represents a logging object that writes output to an io.Writer. Each
// logging operation makes a single call to the Writer's Write method. Logger
// is thread-safe; it guarantees to serialize access to the Writer.
type Logger struct {
	*log.Logger
}

// Errorf prints an error log-level message.
func (l Logger) Errorf(msg string, args ...interface{}) {
	if GetPriority() > PriorityError {
		return
	}
	file, line := caller(2)
	l.Printf("[ERROR] %s:%d --- %s", file, line, fmt.Sprintf(msg, args...))
}

// Warnf prints a warn log-level message.
func (l Logger) Warnf(msg string, args ...interface{}) {
	if GetPriority() > PriorityWarn {
		return
	}
	file, line := caller(2)
	l.Printf("[WARN] %s:%d --- %s", file, line, fmt.Sprintf(msg, args...))
}

// Infof prints an info log-level message.
func (l Logger) Infof(msg string, args ...interface{}) {
	if GetPriority() > PriorityInfo {
		return
	}
	file, line := caller(2)
	l.Printf("[INFO] %s:%d --- %s", file, line, fmt.Sprintf(msg, args...))
}

func caller(depth int) (string, int) {
	_, file, line, ok := runtime.Caller(depth)
	parts := strings.Split(file, "/")

	// shorten file if it consists of more than 3 parts
	if len(parts) > 3 {
		file = strings.Join(parts[len(parts)-3:], "/")
	}
	if !ok {
		file = "???"
		line = 0
	}
	return file, line
}

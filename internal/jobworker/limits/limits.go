// Package limits provides the POSIX resource-limit table attached to a job
// class (§3 "resource limits per resource kind") and the syscalls needed to
// install it in a child process before exec, mirroring the
// setrlimit(2)-per-resource loop upstart's job_process_spawn runs for each
// class->limits[i] that is non-nil.
package limits

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Resource identifies a single POSIX resource limit kind.
type Resource int

const (
	CPU Resource = iota
	FSize
	Data
	Stack
	Core
	RSS
	NProc
	NoFile
	MemLock
	AS
	Locks
	SigPending
	MsgQueue
	Nice
	RTPrio
	RTTime
)

// resourceCount is one past the last defined Resource.
const resourceCount = RTTime + 1

var names = map[Resource]string{
	CPU: "cpu", FSize: "fsize", Data: "data", Stack: "stack", Core: "core",
	RSS: "rss", NProc: "nproc", NoFile: "nofile", MemLock: "memlock",
	AS: "as", Locks: "locks", SigPending: "sigpending", MsgQueue: "msgqueue",
	Nice: "nice", RTPrio: "rtprio", RTTime: "rttime",
}

func (r Resource) String() string {
	if name, ok := names[r]; ok {
		return name
	}
	return fmt.Sprintf("resource(%d)", int(r))
}

// Parse looks up a Resource by its lower-case config name (e.g. "nofile",
// "rss"), as used in a job class's limit stanza.
func Parse(name string) (Resource, error) {
	for r, n := range names {
		if n == name {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown resource limit %q", name)
}

var sysConst = map[Resource]int{
	CPU: unix.RLIMIT_CPU, FSize: unix.RLIMIT_FSIZE, Data: unix.RLIMIT_DATA,
	Stack: unix.RLIMIT_STACK, Core: unix.RLIMIT_CORE, RSS: unix.RLIMIT_RSS,
	NProc: unix.RLIMIT_NPROC, NoFile: unix.RLIMIT_NOFILE,
	MemLock: unix.RLIMIT_MEMLOCK, AS: unix.RLIMIT_AS, Locks: unix.RLIMIT_LOCKS,
	SigPending: unix.RLIMIT_SIGPENDING, MsgQueue: unix.RLIMIT_MSGQUEUE,
	Nice: unix.RLIMIT_NICE, RTPrio: unix.RLIMIT_RTPRIO, RTTime: unix.RLIMIT_RTTIME,
}

// Limit is a single soft/hard resource limit pair.
type Limit struct {
	Cur uint64
	Max uint64
}

// Table is the fixed-size set of resource limits a job class may declare. A
// Resource absent from the table is inherited from the parent process,
// matching upstart's "class->limits[i] ? setrlimit : inherit" behavior.
type Table map[Resource]Limit

// Clone returns a deep copy of t.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Apply installs every limit in t on the calling process via setrlimit(2).
// It is intended to run in a child process, after fork and before exec. On
// failure it returns the Resource that failed so the caller can report a
// RLIMIT(kind) setup error.
func (t Table) Apply() (failed Resource, err error) {
	for resource, limit := range t {
		sys, ok := sysConst[resource]
		if !ok {
			continue
		}
		rlimit := unix.Rlimit{Cur: limit.Cur, Max: limit.Max}
		if err := unix.Setrlimit(sys, &rlimit); err != nil {
			return resource, err
		}
	}
	return 0, nil
}

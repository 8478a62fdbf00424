// Package device provides an API composed of utilities for interacting
// with /dev.
package device

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Well-known console device paths. These are opened by the spawner when
// setting up a job process's standard streams.
const (
	// Console is the system console device.
	Console = "/dev/console"
	// Null is the null device, used when a job has no console.
	Null = "/dev/null"
)

// OpenConsole opens the passed device path for reading and writing, suited
// for attaching to a child process's stdin/stdout/stderr. The returned file
// carries no O_CLOEXEC; the caller is responsible for placing it at the
// correct fd number before exec.
func OpenConsole(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("open console %s: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

// IsCharDevice reports whether path exists and is a character device, the
// shape every console device takes.
func IsCharDevice(path string) (bool, error) {
	var stat unix.Stat_t
	if err := unix.Stat(path, &stat); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return stat.Mode&unix.S_IFMT == unix.S_IFCHR, nil
}

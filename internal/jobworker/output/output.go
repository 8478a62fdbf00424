// Package output provides utilities for locating the on-disk log files used
// by the "console logged" mode (§4.A), where a spawned process's stdio is
// captured rather than attached to a console device or discarded.
package output

import (
	"fmt"
	"path"
	"strings"
)

const (
	// Root is the default initd log output root directory.
	Root = "/var/log/initd"
	// FileMode is the default FileMode for log output resources.
	FileMode = 0644
)

// File returns the log file location for the given instance key and
// process-kind name, e.g. File("web/1", "main") -> "/var/log/initd/web-1.main.log".
func File(instanceKey, kind string) string {
	safe := strings.ReplaceAll(path.Clean(instanceKey), "/", "-")
	return path.Join(Root, fmt.Sprintf("%s.%s.log", safe, kind))
}

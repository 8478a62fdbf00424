// Command initd is a pid-1 process supervisor: it owns job class
// definitions, drives each instance through its lifecycle state machine,
// and supervises the processes that definition spawns.
package main

import (
	"os"

	"github.com/tjper/initd/internal/jobworker/cli"
)

func main() {
	os.Exit(cli.Execute())
}

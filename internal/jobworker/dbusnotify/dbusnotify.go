// Package dbusnotify emits com.initd.JobWorker.JobStateChanged D-Bus
// signals, giving external tools (a session bus listener, busctl monitor) a
// push feed alongside the pull-based control surface (§4.I, supplemented).
// The serve command sends one when a class definition is loaded (state
// LOADED) or unloaded (UNLOADED); job instance state changes are not
// signalled.
package dbusnotify

import (
	"os"

	"github.com/godbus/dbus/v5"

	"github.com/tjper/initd/internal/log"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "dbusnotify")

const (
	// objectPath is the object this daemon publishes its signals under.
	objectPath = dbus.ObjectPath("/com/initd/JobWorker")
	// interfaceName is the D-Bus interface the JobStateChanged signal
	// belongs to.
	interfaceName = "com.initd.JobWorker"
	// signalName is the member name of the state-change signal.
	signalName = interfaceName + ".JobStateChanged"
)

// Conn is the subset of *dbus.Conn a Notifier needs, kept narrow for
// testing without a real bus connection.
type Conn interface {
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

// Notifier emits JobStateChanged signals on a D-Bus connection.
type Notifier struct {
	conn Conn
}

// Connect opens a connection to the system bus and returns a Notifier.
// Callers without a running D-Bus daemon (containers, minimal init images)
// should treat a non-nil error as non-fatal: the control surface's gRPC
// path still works without D-Bus notification.
func Connect() (*Notifier, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// New wraps an already-established connection (or a fake, in tests).
func New(conn Conn) *Notifier {
	return &Notifier{conn: conn}
}

// JobStateChanged emits a signal reporting that the named instance's event
// has finished its lifecycle transition, carrying the class name, instance
// name, new state, and goal as signal arguments.
func (n *Notifier) JobStateChanged(className, instanceName, state, goal string) {
	if n == nil || n.conn == nil {
		return
	}
	err := n.conn.Emit(objectPath, signalName, className, instanceName, state, goal)
	if err != nil {
		logger.Warnf("emit JobStateChanged; class: %s, instance: %s, error: %s", className, instanceName, err)
	}
}

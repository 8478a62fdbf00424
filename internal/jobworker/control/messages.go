package control

// StartRequest asks the daemon to set an instance's goal to start (§4.I).
type StartRequest struct {
	Class    string `json:"class"`
	Instance string `json:"instance"`
}

// StartResponse is returned once the instance has finished acting on the
// start goal.
type StartResponse struct {
	Failed bool `json:"failed"`
}

// StopRequest asks the daemon to set an instance's goal to stop.
type StopRequest struct {
	Class    string `json:"class"`
	Instance string `json:"instance"`
}

// StopResponse is returned once the instance has finished acting on the
// stop goal.
type StopResponse struct {
	Failed bool `json:"failed"`
}

// RestartRequest asks the daemon to stop then start an instance.
type RestartRequest struct {
	Class    string `json:"class"`
	Instance string `json:"instance"`
}

// RestartResponse reports whether either leg of the restart failed.
type RestartResponse struct {
	Failed bool `json:"failed"`
}

// EmitRequest asks the daemon to emit an arbitrary named event, with KEY=VALUE
// environment pairs, onto the event bus (§4.F).
type EmitRequest struct {
	Name string   `json:"name"`
	Env  []string `json:"env"`
}

// EmitResponse is returned as soon as the event is queued on the bus; the
// server does not wait for the event to finish, and Failed is always false.
type EmitResponse struct {
	Failed bool `json:"failed"`
}

// ListRequest lists every live instance of the named class, or every class
// if Class is empty.
type ListRequest struct {
	Class string `json:"class"`
}

// ListResponse enumerates matching instances.
type ListResponse struct {
	Instances []InstanceStatus `json:"instances"`
}

// StatusRequest looks up one instance's live status.
type StatusRequest struct {
	Class    string `json:"class"`
	Instance string `json:"instance"`
}

// StatusResponse carries the instance's status, if found.
type StatusResponse struct {
	Found  bool           `json:"found"`
	Status InstanceStatus `json:"status"`
}

// InstanceStatus mirrors job.State/job.Goal/pid-table as strings, so the
// wire format does not depend on the job package's internal enums.
type InstanceStatus struct {
	Class    string           `json:"class"`
	Instance string           `json:"instance"`
	State    string           `json:"state"`
	Goal     string           `json:"goal"`
	Pids     map[string]int32 `json:"pids"`
}

// ReloadConfigRequest asks the daemon to rescan its configuration directory
// immediately, rather than waiting for the next watch notification.
type ReloadConfigRequest struct{}

// ReloadConfigResponse is returned once the rescan has completed. The server
// does not fill in Loaded, so it is always 0.
type ReloadConfigResponse struct {
	Loaded int32 `json:"loaded"`
}

// GetLogPriorityRequest asks for the daemon's current log priority.
type GetLogPriorityRequest struct{}

// GetLogPriorityResponse carries the current log priority ("info"/"warn"/"error").
type GetLogPriorityResponse struct {
	Priority string `json:"priority"`
}

// SetLogPriorityRequest sets the daemon's log priority.
type SetLogPriorityRequest struct {
	Priority string `json:"priority"`
}

// SetLogPriorityResponse is empty; success is the absence of an error.
type SetLogPriorityResponse struct{}

// VersionRequest asks for the daemon's build version.
type VersionRequest struct{}

// VersionResponse carries the daemon's build version string.
type VersionResponse struct {
	Version string `json:"version"`
}

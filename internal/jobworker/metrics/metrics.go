// Package metrics exposes prometheus counters and gauges tracking the job
// state machine's behavior: spawn failures, respawns, kill-timer
// escalations, and live instance counts by state, scraped from cmd/initd's
// loopback /metrics listener.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Spawns counts every process spawn attempt, by job class and process
	// kind, labeled by outcome ("ok"/"error").
	Spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "initd",
			Name:      "spawns_total",
			Help:      "Process spawn attempts, by class, process kind, and outcome.",
		},
		[]string{"class", "kind", "outcome"},
	)

	// Respawns counts automatic respawns triggered by an unexpected MAIN
	// process termination (§4.D "respawn").
	Respawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "initd",
			Name:      "respawns_total",
			Help:      "Automatic respawns, by class.",
		},
		[]string{"class"},
	)

	// Runaways counts instances that exceeded their class's respawn limit
	// and were given up on (§4.D "runaway detection").
	Runaways = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "initd",
			Name:      "runaways_total",
			Help:      "Instances exceeding their respawn limit, by class.",
		},
		[]string{"class"},
	)

	// KillEscalations counts kill-timer escalations from TERM to KILL
	// (§4.D "kill-timer escalation").
	KillEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "initd",
			Name:      "kill_escalations_total",
			Help:      "Kill-timer TERM-to-KILL escalations, by class.",
		},
		[]string{"class"},
	)

	// Instances gauges the live instance count per class and state, updated
	// on every job state-machine transition.
	Instances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "initd",
			Name:      "instances",
			Help:      "Live job instances, by class and state.",
		},
		[]string{"class", "state"},
	)

	// EventsPumped counts events the event bus has moved from PENDING to
	// HANDLING (§4.F).
	EventsPumped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "initd",
			Name:      "events_pumped_total",
			Help:      "Events moved from PENDING to HANDLING, by event name.",
		},
		[]string{"event"},
	)
)

// Registry is the collector registry cmd/initd serves over /metrics. A
// dedicated registry (rather than prometheus.DefaultRegisterer) keeps the
// process's own Go runtime metrics off this daemon's scrape surface by
// default, consistent with initd running as pid 1 in a minimal image.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(Spawns, Respawns, Runaways, KillEscalations, Instances, EventsPumped)
}

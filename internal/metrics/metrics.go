// Package metrics tracks operational counters and gauges for the dispatch
// engine. All fields are updated atomically so they can be read from the
// status API without additional locking, and Handler serves them in the
// Prometheus text exposition format.
//
// Metric catalogue:
//
//	casper_inotify_events_dispatched_total – counter: kernel event records processed
//	casper_inotify_events_filtered_total   – counter: records rejected by a rule's pattern
//	casper_inotify_events_ignored_total    – counter: records with no recognised action
//	casper_inotify_spawns_total            – counter: commands started
//	casper_inotify_spawn_errors_total      – counter: spawn attempts that failed
//	casper_inotify_reregistrations_total   – counter: bad rules re-registered by the handler
//	casper_inotify_demotions_total         – counter: rules invalidated by the kernel
//	casper_inotify_rules_good              – gauge:   rules holding a live watch descriptor
//	casper_inotify_rules_bad               – gauge:   rules awaiting registration
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds the engine's counters and gauges. The zero value is ready to
// use.
type Metrics struct {
	EventsDispatched atomic.Int64
	EventsFiltered   atomic.Int64
	EventsIgnored    atomic.Int64
	Spawns           atomic.Int64
	SpawnErrors      atomic.Int64
	Reregistrations  atomic.Int64
	Demotions        atomic.Int64

	RulesGood atomic.Int64
	RulesBad  atomic.Int64
}

// New allocates a Metrics value with all counters at zero.
func New() *Metrics { return &Metrics{} }

// metric couples one exported series with its metadata.
type metric struct {
	name  string
	kind  string // "counter" or "gauge"
	help  string
	value func(*Metrics) int64
}

var catalogue = []metric{
	{"casper_inotify_events_dispatched_total", "counter", "Kernel event records processed.",
		func(m *Metrics) int64 { return m.EventsDispatched.Load() }},
	{"casper_inotify_events_filtered_total", "counter", "Records rejected by a rule's pattern.",
		func(m *Metrics) int64 { return m.EventsFiltered.Load() }},
	{"casper_inotify_events_ignored_total", "counter", "Records with no recognised action.",
		func(m *Metrics) int64 { return m.EventsIgnored.Load() }},
	{"casper_inotify_spawns_total", "counter", "Commands started.",
		func(m *Metrics) int64 { return m.Spawns.Load() }},
	{"casper_inotify_spawn_errors_total", "counter", "Spawn attempts that failed.",
		func(m *Metrics) int64 { return m.SpawnErrors.Load() }},
	{"casper_inotify_reregistrations_total", "counter", "Bad rules re-registered by the handler.",
		func(m *Metrics) int64 { return m.Reregistrations.Load() }},
	{"casper_inotify_demotions_total", "counter", "Rules invalidated by the kernel.",
		func(m *Metrics) int64 { return m.Demotions.Load() }},
	{"casper_inotify_rules_good", "gauge", "Rules holding a live watch descriptor.",
		func(m *Metrics) int64 { return m.RulesGood.Load() }},
	{"casper_inotify_rules_bad", "gauge", "Rules awaiting registration.",
		func(m *Metrics) int64 { return m.RulesBad.Load() }},
}

// WriteTo renders the catalogue in Prometheus text format.
func (m *Metrics) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for _, c := range catalogue {
		n, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %d\n",
			c.name, c.help, c.name, c.kind, c.name, c.value(m))
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Handler returns an http.Handler serving the metrics on every GET request.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m.WriteTo(w) //nolint:errcheck
	})
}

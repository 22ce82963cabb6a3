// Package daemon contains the event dispatch engine: the single-threaded
// loop that reads batched kernel events, resolves each record to a rule,
// applies the rule's pattern filter, synthesizes an event, and either runs
// the built-in re-registration handler or spawns the rule's command.
//
//go:build linux

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/casper2020/casper-inotify/internal/audit"
	"github.com/casper2020/casper-inotify/internal/clock"
	"github.com/casper2020/casper-inotify/internal/config"
	"github.com/casper2020/casper-inotify/internal/eventlog"
	"github.com/casper2020/casper-inotify/internal/inotify"
	"github.com/casper2020/casper-inotify/internal/journal"
	"github.com/casper2020/casper-inotify/internal/metrics"
	"github.com/casper2020/casper-inotify/internal/rules"
	"github.com/casper2020/casper-inotify/internal/spawn"
	"github.com/casper2020/casper-inotify/internal/tmpl"
)

// CommandSpawner runs a rule's command for one dispatched event.
// *spawn.Spawner is the production implementation.
type CommandSpawner interface {
	Spawn(r spawn.Request) (spawn.Result, error)
}

// Event is the per-record event synthesized by the dispatch loop.
type Event struct {
	// Mask is the raw kernel event mask.
	Mask uint32
	// Kind is 'd' when the kernel flagged the object as a directory, else 'f'.
	Kind byte
	// Name is the object name: the in-directory entry name when the event
	// originated inside a watched directory, otherwise the rule's URI.
	Name string
	// Parent is the watched directory's URI in the in-directory case; empty
	// otherwise.
	Parent string
	// InsideWatchedDir marks the in-directory case.
	InsideWatchedDir bool
	// Action is the composite human action name, e.g. "created, modified".
	Action string
	// Timestamp is the dispatch-time ISO-8601 timestamp.
	Timestamp string
}

// ObjectWord returns "directory" or "file" for the event's object kind.
func (e *Event) ObjectWord() string {
	if e.Kind == 'd' {
		return "directory"
	}
	return "file"
}

// Daemon owns the rule table, the kernel watch adapter, and the dispatch
// loop. After Start, the loop goroutine is the only mutator of the table.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	clk     *clock.Clock
	table   *rules.Table
	ino     *inotify.Instance
	spawner CommandSpawner
	metrics *metrics.Metrics

	jrnl *journal.Journal // nil when disabled
	adt  *audit.Log       // nil when disabled

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Option is a functional option for Daemon construction.
type Option func(*Daemon)

// WithJournal enables the dispatch journal.
func WithJournal(j *journal.Journal) Option {
	return func(d *Daemon) { d.jrnl = j }
}

// WithAudit enables the spawn audit log.
func WithAudit(a *audit.Log) Option {
	return func(d *Daemon) { d.adt = a }
}

// New builds a Daemon: it initialises the inotify instance, loads the rule
// table from cfg, and runs the registration pass, partitioning the table
// into good and bad. The resulting table is dumped to the log.
func New(cfg *config.Config, logger *slog.Logger, clk *clock.Clock, spawner CommandSpawner, m *metrics.Metrics, opts ...Option) (*Daemon, error) {
	ino, err := inotify.New()
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	d := &Daemon{
		cfg:     cfg,
		logger:  logger,
		clk:     clk,
		table:   rules.Load(cfg, logger),
		ino:     ino,
		spawner: spawner,
		metrics: m,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.registerAll()
	d.table.DumpTo(logger)
	d.syncGauges()

	return d, nil
}

// Table returns the daemon's rule table for read-only inspection.
func (d *Daemon) Table() *rules.Table { return d.table }

// registerAll attempts registration of every loaded rule. Failures stay in
// the bad view with the error recorded on the rule; other rules proceed.
func (d *Daemon) registerAll() {
	for idx, r := range d.table.All() {
		wd, err := d.ino.Register(r.URI, r.Mask)
		if err != nil {
			d.table.SetError(idx, err.Error())
			d.logger.Warn("daemon: registration failed",
				slog.String("uri", r.URI),
				slog.Any("error", err),
			)
			continue
		}
		d.table.Promote(idx, wd)
		d.logger.Info("daemon: watching",
			slog.String("uri", r.URI),
			slog.Int("wd", wd),
			slog.Bool("synthetic", r.Synthetic),
		)
	}
}

// Start launches the dispatch loop goroutine and returns immediately.
func (d *Daemon) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop wakes the dispatch loop, waits for it to drain the current buffer,
// and releases all resources: every active watch is unregistered
// best-effort, the table and URI sets are cleared, and the inotify instance
// is closed. Stop is idempotent.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.ino.Shutdown()
		d.wg.Wait()

		for _, r := range d.table.All() {
			if r.WD == rules.Unregistered {
				continue
			}
			if err := d.ino.Unregister(r.WD); err != nil {
				d.logger.Debug("daemon: unregister on shutdown",
					slog.String("uri", r.URI),
					slog.Any("error", err),
				)
			}
		}
		d.table.Clear()
		d.ino.Close()
		d.logger.Info("daemon: stopped")
	})
}

// run is the dispatch loop: one blocking read, then every record of the
// returned buffer processed to completion, forever. Errors in a single
// iteration are logged and the loop continues.
func (d *Daemon) run() {
	defer d.wg.Done()

	for {
		buf, err := d.ino.Wait()
		if err != nil {
			if err == inotify.ErrClosed {
				return
			}
			d.logger.Warn("daemon: wait failed", slog.Any("error", err))
			continue
		}
		for _, raw := range inotify.Parse(buf) {
			d.dispatch(raw)
		}
	}
}

// dispatch processes one kernel event record.
func (d *Daemon) dispatch(raw inotify.RawEvent) {
	d.metrics.EventsDispatched.Add(1)

	rule, idx, ok := d.table.Good(int(raw.WD))
	if !ok {
		d.logger.Debug("daemon: event for unknown watch descriptor",
			slog.Int("wd", int(raw.WD)),
			slog.String("mask", fmt.Sprintf("%#x", raw.Mask)),
		)
		return
	}

	ev := d.synthesize(rule, raw)

	if !rule.Matches(ev.Name) {
		d.metrics.EventsFiltered.Add(1)
		d.logger.Debug("daemon: object rejected by pattern",
			slog.String("uri", rule.URI),
			slog.String("pattern", rule.Pattern),
			slog.String("object", ev.Name),
		)
		return
	}

	ev.Action = actionName(raw.Mask)

	if rule.Synthetic {
		// The built-in handler consumes the record; synthetic rules never
		// spawn.
		if !d.reregister(ev) {
			return
		}
	}

	if ev.Action == unknownAction || ev.Action == "" {
		d.metrics.EventsIgnored.Add(1)
		d.logger.Log(context.Background(), eventlog.LevelEvent, "daemon: event ignored",
			slog.String("uri", rule.URI),
			slog.String("object", ev.Name),
			slog.String("mask", fmt.Sprintf("%#x", raw.Mask)),
		)
	} else if raw.Mask&unix.IN_IGNORED == 0 {
		d.spawnFor(rule, ev)
	}

	if raw.Mask&unix.IN_IGNORED != 0 {
		warning := "watch invalidated by the kernel (target deleted, unmounted, or unregistered)"
		d.table.Demote(idx, warning)
		d.metrics.Demotions.Add(1)
		d.syncGauges()
		d.logger.Warn("daemon: rule demoted",
			slog.String("uri", rule.URI),
			slog.String("warning", warning),
		)
	}
}

// synthesize builds the Event for one record. When the record carries a
// name, the event originated inside the watched directory; otherwise the
// object is the watched URI itself.
func (d *Daemon) synthesize(rule *rules.Rule, raw inotify.RawEvent) Event {
	ev := Event{
		Mask:      raw.Mask,
		Kind:      'f',
		Timestamp: d.clk.Now(),
	}
	if raw.Mask&unix.IN_ISDIR != 0 {
		ev.Kind = 'd'
	}
	if raw.Name != "" {
		ev.InsideWatchedDir = true
		ev.Name = raw.Name
		ev.Parent = rule.URI
	} else {
		ev.Name = rule.URI
	}
	return ev
}

// reregister is the built-in handler attached to synthetic directory rules.
// It reacts to the creation of a file the user asked to watch but which did
// not exist at registration time: the matching bad rule is registered and,
// on success, promoted to good. The return value tells dispatch whether to
// continue the per-record pipeline; the handler consumes the record on every
// path.
func (d *Daemon) reregister(ev Event) bool {
	if ev.Kind != 'f' || ev.Mask&unix.IN_CREATE == 0 {
		return false
	}

	candidate := ev.Parent + "/" + ev.Name
	if !d.table.HasFileURI(candidate) {
		return false
	}

	idx := d.table.FindBad(candidate)
	if idx < 0 {
		return false
	}
	r := d.table.Rule(idx)

	wd, err := d.ino.Register(r.URI, r.Mask)
	if err != nil {
		// Still unregistrable: the rule stays in the bad view for the next
		// creation event.
		d.table.SetError(idx, err.Error())
		d.logger.Warn("daemon: re-registration failed",
			slog.String("uri", r.URI),
			slog.Any("error", err),
		)
		return false
	}

	d.table.Promote(idx, wd)
	d.metrics.Reregistrations.Add(1)
	d.syncGauges()
	d.logger.Info("daemon: re-registered",
		slog.String("uri", r.URI),
		slog.Int("wd", wd),
	)
	d.journalRecord(journal.Record{
		Timestamp: ev.Timestamp,
		URI:       r.URI,
		Object:    ev.Name,
		Action:    "created",
		Outcome:   journal.OutcomeHandled,
	})
	return false
}

// spawnFor expands the rule's templates and starts its command.
func (d *Daemon) spawnFor(rule *rules.Rule, ev Event) {
	req := spawn.Request{
		URI:  rule.URI,
		User: rule.User,
		Cmd:  rule.Cmd,
		Msg:  rule.Msg,
		Vars: map[string]string{
			tmpl.VarEvent:    ev.Action,
			tmpl.VarObject:   ev.ObjectWord(),
			tmpl.VarName:     ev.Name,
			tmpl.VarDatetime: ev.Timestamp,
			tmpl.VarHostname: d.clk.Hostname(),
		},
	}

	res, err := d.spawner.Spawn(req)
	if err != nil {
		d.metrics.SpawnErrors.Add(1)
		d.journalRecord(journal.Record{
			Timestamp: ev.Timestamp,
			URI:       rule.URI,
			Object:    ev.Name,
			Action:    ev.Action,
			User:      rule.User,
			Outcome:   journal.OutcomeSpawnError,
		})
		return
	}

	d.metrics.Spawns.Add(1)
	d.logger.Log(context.Background(), eventlog.LevelEvent, res.Message)

	d.journalRecord(journal.Record{
		Timestamp: ev.Timestamp,
		URI:       rule.URI,
		Object:    ev.Name,
		Action:    ev.Action,
		User:      rule.User,
		Cmdline:   res.Cmdline,
		PID:       res.PID,
		Outcome:   journal.OutcomeSpawned,
	})

	if d.adt != nil {
		if _, err := d.adt.Append(audit.Spawn{
			Timestamp: ev.Timestamp,
			URI:       rule.URI,
			Action:    ev.Action,
			User:      rule.User,
			Cmdline:   res.Cmdline,
			PID:       res.PID,
		}); err != nil {
			d.logger.Warn("daemon: audit append failed", slog.Any("error", err))
		}
	}
}

// journalRecord appends r to the journal when one is configured.
func (d *Daemon) journalRecord(r journal.Record) {
	if d.jrnl == nil {
		return
	}
	if err := d.jrnl.Append(context.Background(), r); err != nil {
		d.logger.Warn("daemon: journal append failed", slog.Any("error", err))
	}
}

// syncGauges refreshes the good/bad rule gauges from the table.
func (d *Daemon) syncGauges() {
	d.metrics.RulesGood.Store(int64(d.table.GoodCount()))
	d.metrics.RulesBad.Store(int64(d.table.BadCount()))
}

// unknownAction is the action name for records whose mask matched no token.
const unknownAction = "???"

// actionName walks the mask in canonical order and joins the matching
// tokens. Both delete flags collapse into a single "deleted".
func actionName(mask uint32) string {
	var parts []string
	if mask&unix.IN_OPEN != 0 {
		parts = append(parts, "open")
	}
	if mask&unix.IN_CLOSE != 0 {
		parts = append(parts, "closed")
	}
	if mask&unix.IN_ACCESS != 0 {
		parts = append(parts, "accessed")
	}
	if mask&unix.IN_CREATE != 0 {
		parts = append(parts, "created")
	}
	if mask&unix.IN_MODIFY != 0 {
		parts = append(parts, "modified")
	}
	if mask&(unix.IN_DELETE|unix.IN_DELETE_SELF) != 0 {
		parts = append(parts, "deleted")
	}
	if mask&unix.IN_IGNORED != 0 {
		parts = append(parts, "ignored")
	}
	if len(parts) == 0 {
		return unknownAction
	}
	return strings.Join(parts, ", ")
}

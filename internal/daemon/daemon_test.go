//go:build linux

package daemon

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/casper2020/casper-inotify/internal/clock"
	"github.com/casper2020/casper-inotify/internal/config"
	"github.com/casper2020/casper-inotify/internal/inotify"
	"github.com/casper2020/casper-inotify/internal/metrics"
	"github.com/casper2020/casper-inotify/internal/rules"
	"github.com/casper2020/casper-inotify/internal/spawn"
	"github.com/casper2020/casper-inotify/internal/tmpl"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureSpawner records spawn requests on a channel instead of running
// anything.
type captureSpawner struct {
	reqs chan spawn.Request
}

func newCaptureSpawner() *captureSpawner {
	return &captureSpawner{reqs: make(chan spawn.Request, 16)}
}

func (c *captureSpawner) Spawn(r spawn.Request) (spawn.Result, error) {
	c.reqs <- r
	return spawn.Result{PID: 1, Cmdline: r.Cmd, Message: "spawned"}, nil
}

// failSpawner always errors.
type failSpawner struct{}

func (failSpawner) Spawn(r spawn.Request) (spawn.Result, error) {
	return spawn.Result{}, fmt.Errorf("spawn refused")
}

// startDaemon builds and starts a Daemon over cfg with a capture spawner.
func startDaemon(t *testing.T, cfg *config.Config) (*Daemon, *captureSpawner, *metrics.Metrics) {
	t.Helper()

	clk, err := clock.New()
	if err != nil {
		t.Fatalf("clock.New: %v", err)
	}
	sp := newCaptureSpawner()
	m := metrics.New()

	d, err := New(cfg, discardLogger(), clk, sp, m)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(d.Stop)
	d.Start()
	return d, sp, m
}

// waitSpawn reads one spawn request within timeout.
func waitSpawn(t *testing.T, sp *captureSpawner, timeout time.Duration) spawn.Request {
	t.Helper()
	select {
	case r := <-sp.reqs:
		return r
	case <-time.After(timeout):
		t.Fatal("no spawn within timeout")
		return spawn.Request{}
	}
}

// noSpawn asserts that no spawn request arrives within wait.
func noSpawn(t *testing.T, sp *captureSpawner, wait time.Duration) {
	t.Helper()
	select {
	case r := <-sp.reqs:
		t.Fatalf("unexpected spawn: %+v", r)
	case <-time.After(wait):
	}
}

// eventually polls cond until it holds or the timeout elapses.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func baseConfig() *config.Config {
	return &config.Config{
		User:    "root",
		Command: "logger event",
		Message: config.DefaultMessage,
	}
}

// TestDispatch_CreateInWatchedDirectory is the primary scenario: a file
// created inside a watched directory produces one spawn with the composite
// event metadata bound.
func TestDispatch_CreateInWatchedDirectory(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig()
	cfg.Directories = []config.WatchEntry{{URI: dir, Events: []string{"create"}}}

	_, sp, m := startDaemon(t, cfg)

	if err := os.WriteFile(filepath.Join(dir, "foo"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	req := waitSpawn(t, sp, 2*time.Second)
	if req.Vars[tmpl.VarEvent] != "created" {
		t.Errorf("EVENT = %q, want %q", req.Vars[tmpl.VarEvent], "created")
	}
	if req.Vars[tmpl.VarObject] != "file" {
		t.Errorf("OBJECT = %q, want %q", req.Vars[tmpl.VarObject], "file")
	}
	if req.Vars[tmpl.VarName] != "foo" {
		t.Errorf("NAME = %q, want %q", req.Vars[tmpl.VarName], "foo")
	}
	if req.Vars[tmpl.VarHostname] == "" || req.Vars[tmpl.VarDatetime] == "" {
		t.Error("HOSTNAME and DATETIME must be bound")
	}
	if req.User != "root" || req.Cmd != "logger event" {
		t.Errorf("req = %+v", req)
	}

	eventually(t, time.Second, func() bool { return m.Spawns.Load() == 1 }, "spawn counter not incremented")
}

// TestDispatch_AutoRegistration covers the re-registration protocol: a file
// rule whose target does not exist lands in bad, the synthetic parent rule
// catches the creation, registers the file rule without spawning, and a
// subsequent modification spawns.
func TestDispatch_AutoRegistration(t *testing.T) {
	dir := t.TempDir()
	late := filepath.Join(dir, "late")

	cfg := baseConfig()
	cfg.Files = []config.WatchEntry{{URI: late, Events: []string{"modify"}}}

	d, sp, m := startDaemon(t, cfg)

	// Loader emitted synthetic + file rule; registration of the missing file
	// failed.
	tbl := d.Table()
	if tbl.Len() != 2 {
		t.Fatalf("table len = %d, want 2", tbl.Len())
	}
	if tbl.GoodCount() != 1 || tbl.BadCount() != 1 {
		t.Fatalf("good=%d bad=%d, want 1 and 1", tbl.GoodCount(), tbl.BadCount())
	}
	if idx := tbl.FindBad(late); idx < 0 {
		t.Fatal("file rule must start in bad")
	} else if tbl.Rule(idx).Err == "" {
		t.Error("failed registration must record an error")
	}

	// Create the file: the handler registers it, no spawn.
	if err := os.WriteFile(late, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return tbl.GoodCount() == 2 },
		"file rule was not re-registered after creation")
	eventually(t, time.Second, func() bool { return m.Reregistrations.Load() == 1 },
		"reregistration counter not incremented")
	noSpawn(t, sp, 200*time.Millisecond)

	// Modify the file: now the file rule spawns.
	f, err := os.OpenFile(late, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString("x"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()

	req := waitSpawn(t, sp, 2*time.Second)
	if req.Vars[tmpl.VarEvent] != "modified" {
		t.Errorf("EVENT = %q, want %q", req.Vars[tmpl.VarEvent], "modified")
	}
	if req.Vars[tmpl.VarName] != late {
		t.Errorf("NAME = %q, want the rule URI %q", req.Vars[tmpl.VarName], late)
	}
}

// TestDispatch_PatternFilter covers scenarios 3 and 4: the rule's glob
// rejects non-matching names and accepts matching ones.
func TestDispatch_PatternFilter(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig()
	cfg.Directories = []config.WatchEntry{
		{URI: dir, Events: []string{"create"}, Pattern: "*.log"},
	}

	_, sp, m := startDaemon(t, cfg)

	if err := os.WriteFile(filepath.Join(dir, "foo.txt"), nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return m.EventsFiltered.Load() >= 1 },
		"filtered counter not incremented")
	noSpawn(t, sp, 200*time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "app.log"), nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	req := waitSpawn(t, sp, 2*time.Second)
	if req.Vars[tmpl.VarName] != "app.log" {
		t.Errorf("NAME = %q, want %q", req.Vars[tmpl.VarName], "app.log")
	}
}

// TestDispatch_DeleteDemotesRule covers scenario 5: deleting a watched file
// spawns with action "deleted", and the following kernel invalidation moves
// the rule to bad.
func TestDispatch_DeleteDemotesRule(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "x")
	if err := os.WriteFile(target, []byte("data"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := baseConfig()
	cfg.Files = []config.WatchEntry{{URI: target, Events: []string{"delete"}}}

	d, sp, m := startDaemon(t, cfg)

	if err := os.Remove(target); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	req := waitSpawn(t, sp, 2*time.Second)
	if req.Vars[tmpl.VarEvent] != "deleted" {
		t.Errorf("EVENT = %q, want %q", req.Vars[tmpl.VarEvent], "deleted")
	}

	tbl := d.Table()
	eventually(t, 2*time.Second, func() bool { return tbl.BadCount() == 1 && tbl.GoodCount() == 0 },
		"rule was not demoted after kernel invalidation")
	if idx := tbl.FindBad(target); idx < 0 || tbl.Rule(idx).Warning == "" {
		t.Error("demoted rule must carry a warning")
	}
	eventually(t, time.Second, func() bool { return m.Demotions.Load() == 1 },
		"demotion counter not incremented")
}

// TestDispatch_SpawnErrorCounted verifies that a failing spawner increments
// the error counter and the loop keeps running.
func TestDispatch_SpawnErrorCounted(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig()
	cfg.Directories = []config.WatchEntry{{URI: dir, Events: []string{"create"}}}

	clk, err := clock.New()
	if err != nil {
		t.Fatalf("clock.New: %v", err)
	}
	m := metrics.New()
	d, err := New(cfg, discardLogger(), clk, failSpawner{}, m)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(d.Stop)
	d.Start()

	if err := os.WriteFile(filepath.Join(dir, "a"), nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return m.SpawnErrors.Load() >= 1 },
		"spawn error counter not incremented")

	// The loop survives: a second event still dispatches.
	if err := os.WriteFile(filepath.Join(dir, "b"), nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return m.SpawnErrors.Load() >= 2 },
		"dispatch loop did not survive a spawn failure")
}

func TestDaemon_StopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig()
	cfg.Directories = []config.WatchEntry{{URI: dir, Events: []string{"create"}}}

	d, _, _ := startDaemon(t, cfg)

	done := make(chan struct{})
	go func() {
		d.Stop()
		d.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return within 3 seconds")
	}

	if d.Table().Len() != 0 {
		t.Error("Stop must clear the rule table")
	}
}

// ---------------------------------------------------------------------------
// Unit tests for event synthesis and action naming
// ---------------------------------------------------------------------------

func TestActionName_CanonicalOrder(t *testing.T) {
	cases := []struct {
		mask uint32
		want string
	}{
		{unix.IN_OPEN, "open"},
		{unix.IN_CLOSE_WRITE, "closed"},
		{unix.IN_CLOSE_NOWRITE, "closed"},
		{unix.IN_ACCESS, "accessed"},
		{unix.IN_CREATE, "created"},
		{unix.IN_MODIFY, "modified"},
		{unix.IN_DELETE, "deleted"},
		{unix.IN_DELETE_SELF, "deleted"},
		{unix.IN_DELETE | unix.IN_DELETE_SELF, "deleted"},
		{unix.IN_IGNORED, "ignored"},
		{unix.IN_MODIFY | unix.IN_OPEN | unix.IN_ACCESS, "open, accessed, modified"},
		{unix.IN_CREATE | unix.IN_ISDIR, "created"},
		{unix.IN_UNMOUNT, "???"},
		{0, "???"},
	}
	for _, tc := range cases {
		if got := actionName(tc.mask); got != tc.want {
			t.Errorf("actionName(%#x) = %q, want %q", tc.mask, got, tc.want)
		}
	}
}

func TestSynthesize(t *testing.T) {
	clk, err := clock.New()
	if err != nil {
		t.Fatalf("clock.New: %v", err)
	}
	d := &Daemon{clk: clk}
	rule := &rules.Rule{Kind: rules.Directory, URI: "/tmp/d"}

	// Event inside a watched directory.
	ev := d.synthesize(rule, rawEvent(1, unix.IN_CREATE, "foo"))
	if !ev.InsideWatchedDir || ev.Name != "foo" || ev.Parent != "/tmp/d" {
		t.Errorf("in-directory event = %+v", ev)
	}
	if ev.Kind != 'f' || ev.ObjectWord() != "file" {
		t.Errorf("Kind = %c, want f", ev.Kind)
	}
	if ev.Timestamp == "" {
		t.Error("Timestamp must be set at dispatch time")
	}

	// Event on the watched object itself.
	ev = d.synthesize(rule, rawEvent(1, unix.IN_DELETE_SELF, ""))
	if ev.InsideWatchedDir || ev.Name != "/tmp/d" || ev.Parent != "" {
		t.Errorf("self event = %+v", ev)
	}

	// Directory object kind.
	ev = d.synthesize(rule, rawEvent(1, unix.IN_CREATE|unix.IN_ISDIR, "sub"))
	if ev.Kind != 'd' || ev.ObjectWord() != "directory" {
		t.Errorf("Kind = %c, want d", ev.Kind)
	}
}

func rawEvent(wd int32, mask uint32, name string) inotify.RawEvent {
	return inotify.RawEvent{WD: wd, Mask: mask, Name: name}
}

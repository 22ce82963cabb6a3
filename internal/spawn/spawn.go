// Package spawn runs a rule's command under the rule's target user with a
// sanitized environment. The environment and credentials are fully built in
// the parent and handed to the exec layer, so no user-space work happens
// between fork and exec.
package spawn

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/moby/sys/user"

	"github.com/casper2020/casper-inotify/internal/tmpl"
)

// Identity is the resolved passwd entry a command runs as.
type Identity struct {
	Name   string
	UID    int
	GID    int
	Home   string
	Shell  string
	Groups []int // supplementary groups, primary gid excluded
}

// Syslogger is the subset of the platform syslog writer the spawner needs.
// *srslog.Writer satisfies it.
type Syslogger interface {
	Notice(m string) error
	Err(m string) error
}

// Request carries everything needed for one spawn: the rule's identity and
// templates, plus the per-event placeholder values (event name, object,
// datetime, hostname) synthesized by the dispatch loop.
type Request struct {
	URI  string
	User string
	Cmd  string // command template, unexpanded
	Msg  string // message template, unexpanded
	Vars map[string]string
}

// Result reports a successful spawn.
type Result struct {
	PID     int
	Cmdline string // expanded command handed to /bin/sh -c
	Message string // expanded message template
}

// Spawner forks commands for dispatched events. Create one with New.
type Spawner struct {
	logger *slog.Logger
	sys    Syslogger

	// lookup resolves a username to an Identity; overridable in tests.
	lookup func(name string) (Identity, error)
}

// New returns a Spawner logging to logger and reporting spawn outcomes to
// sys. sys may be nil when the platform syslog is unavailable.
func New(logger *slog.Logger, sys Syslogger) *Spawner {
	return &Spawner{logger: logger, sys: sys, lookup: lookupUser}
}

// Spawn expands the request's templates, resolves the target user, builds
// the child environment and credentials, and starts "/bin/sh -c <cmd>" in
// its own session. The child is detached: its exit status is not collected
// beyond reaping.
//
// The placeholder map handed to the templates and exported to the child
// binds CASPER_INOTIFY_MSG to the expanded message and CASPER_INOTIFY_CMD to
// the unexpanded command template.
func (s *Spawner) Spawn(r Request) (Result, error) {
	vars := make(map[string]string, len(r.Vars)+2)
	for k, v := range r.Vars {
		vars[k] = v
	}
	vars[tmpl.VarCmd] = r.Cmd
	msg := tmpl.Expand(r.Msg, vars)
	vars[tmpl.VarMsg] = msg
	cmdline := tmpl.Expand(r.Cmd, vars)

	id, err := s.lookup(r.User)
	if err != nil {
		s.fail("getpwnam", r, err)
		return Result{}, fmt.Errorf("spawn: user %q: %w", r.User, err)
	}

	cmd := exec.Command("/bin/sh", "-c", cmdline)
	cmd.Dir = "/"
	cmd.Env = buildEnv(id, vars)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	attr := &syscall.SysProcAttr{Setsid: true}
	if id.UID != os.Getuid() {
		groups := make([]uint32, len(id.Groups))
		for i, g := range id.Groups {
			groups[i] = uint32(g)
		}
		attr.Credential = &syscall.Credential{
			Uid:    uint32(id.UID),
			Gid:    uint32(id.GID),
			Groups: groups,
		}
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		s.fail("exec", r, err)
		return Result{}, fmt.Errorf("spawn: start %q: %w", cmdline, err)
	}

	pid := cmd.Process.Pid
	if s.sys != nil {
		s.sys.Notice(fmt.Sprintf("spawned '/bin/sh -c %s' as user '%s' (pid %d)", cmdline, r.User, pid)) //nolint:errcheck
	}
	s.logger.Info("spawn: command started",
		slog.String("uri", r.URI),
		slog.String("user", r.User),
		slog.Int("pid", pid),
	)

	// Reap the child when it exits so it never lingers as a zombie. The
	// status itself is intentionally discarded.
	go cmd.Wait() //nolint:errcheck

	return Result{PID: pid, Cmdline: cmdline, Message: msg}, nil
}

// fail records a spawn failure on the syslog and the event log, naming the
// failing stage.
func (s *Spawner) fail(stage string, r Request, err error) {
	if s.sys != nil {
		s.sys.Err(fmt.Sprintf("spawn failed at %s for '%s' as user '%s': %v", stage, r.URI, r.User, err)) //nolint:errcheck
	}
	s.logger.Error("spawn: failed",
		slog.String("stage", stage),
		slog.String("uri", r.URI),
		slog.String("user", r.User),
		slog.Any("error", err),
	)
}

// buildEnv constructs the child's environment from scratch. Non-root targets
// get a minimal login-like environment from the passwd entry; in all cases
// every CASPER_INOTIFY_* placeholder is exported.
func buildEnv(id Identity, vars map[string]string) []string {
	var env []string
	if id.UID != 0 {
		env = append(env,
			"PATH=/usr/bin:/usr/local/bin",
			"LOGNAME="+id.Name,
			"USER="+id.Name,
			"USERNAME="+id.Name,
			"HOME="+id.Home,
			"SHELL="+id.Shell,
		)
	}
	for _, name := range tmpl.Order {
		env = append(env, name+"="+vars[name])
	}
	return env
}

// lookupUser resolves name against the system passwd and group databases,
// collecting the supplementary groups that list the user as a member.
func lookupUser(name string) (Identity, error) {
	pw, err := user.LookupUser(name)
	if err != nil {
		return Identity{}, err
	}

	id := Identity{
		Name:  pw.Name,
		UID:   pw.Uid,
		GID:   pw.Gid,
		Home:  pw.Home,
		Shell: pw.Shell,
	}

	groupPath, err := user.GetGroupPath()
	if err != nil {
		// No group database: run with the primary group only.
		return id, nil
	}
	groups, err := user.ParseGroupFileFilter(groupPath, func(g user.Group) bool {
		for _, member := range g.List {
			if member == name {
				return true
			}
		}
		return false
	})
	if err != nil {
		return id, nil
	}
	for _, g := range groups {
		if g.Gid != pw.Gid {
			id.Groups = append(id.Groups, g.Gid)
		}
	}
	return id, nil
}

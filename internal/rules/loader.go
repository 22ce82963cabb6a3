package rules

import (
	"log/slog"
	"path/filepath"

	"github.com/gobwas/glob"
	"golang.org/x/sys/unix"

	"github.com/casper2020/casper-inotify/internal/config"
	"github.com/casper2020/casper-inotify/internal/events"
)

// Load translates a validated configuration document into a rule table.
// Entries whose event list resolves to an empty mask are reported and
// skipped. For every file entry requesting modify, an auxiliary synthetic
// rule watching the file's parent directory for create is added first, so a
// file that does not yet exist becomes watched the moment it appears. For
// every file entry, with or without modify, a requested delete is promoted
// to include delete_self so the kernel reports the watched file's own
// removal.
func Load(cfg *config.Config, logger *slog.Logger) *Table {
	t := NewTable()

	for _, e := range cfg.Directories {
		mask := events.Mask(e.Events, logger)
		if mask == 0 {
			logger.Warn("rules: directory entry has no recognised events, skipping",
				slog.String("uri", e.URI))
			continue
		}
		t.Add(&Rule{
			Kind:    Directory,
			URI:     e.URI,
			Mask:    events.DirMask(mask),
			User:    pick(e.User, cfg.User),
			Cmd:     pick(e.Command, cfg.Command),
			Msg:     pick(e.Message, cfg.Message),
			Pattern: e.Pattern,
			Glob:    compile(e.Pattern),
		})
	}

	for _, e := range cfg.Files {
		mask := events.Mask(e.Events, logger)
		if mask == 0 {
			logger.Warn("rules: file entry has no recognised events, skipping",
				slog.String("uri", e.URI))
			continue
		}

		if mask&unix.IN_MODIFY != 0 {
			parent := filepath.Dir(e.URI)
			if parent == e.URI || parent == "." {
				logger.Warn("rules: file entry has no parent component, skipping",
					slog.String("uri", e.URI))
				continue
			}
			t.Add(&Rule{
				Kind:      Directory,
				URI:       parent,
				Mask:      events.DirMask(unix.IN_CREATE),
				User:      pick(e.User, cfg.User),
				Cmd:       pick(e.Command, cfg.Command),
				Msg:       pick(e.Message, cfg.Message),
				Synthetic: true,
			})
		}

		// A file watch never sees IN_DELETE (that flag is reported on the
		// containing directory), so a requested delete is promoted to also
		// cover the watched file's own removal.
		if mask&unix.IN_DELETE != 0 {
			mask |= unix.IN_DELETE_SELF
		}

		t.Add(&Rule{
			Kind:    File,
			URI:     e.URI,
			Mask:    mask,
			User:    pick(e.User, cfg.User),
			Cmd:     pick(e.Command, cfg.Command),
			Msg:     pick(e.Message, cfg.Message),
			Pattern: e.Pattern,
			Glob:    compile(e.Pattern),
		})
	}

	return t
}

// pick returns override when non-empty, else fallback.
func pick(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}

// compile returns the compiled glob for pattern, or nil when pattern is
// empty. Patterns were syntax-checked during config validation, so a compile
// failure here cannot happen; a nil glob (match-all) is the safe fallback.
func compile(pattern string) glob.Glob {
	if pattern == "" {
		return nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil
	}
	return g
}

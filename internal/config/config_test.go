package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeConfig writes content to a temp file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const minimalConfig = `
command: "logger ${CASPER_INOTIFY_MSG}"
directories:
  - uri: /tmp/watched
    events: [create, delete]
files:
  - uri: /tmp/watched/app.conf
    events: [modify]
`

func TestLoad_Minimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.User != "root" {
		t.Errorf("User = %q, want default %q", cfg.User, "root")
	}
	if cfg.Message != DefaultMessage {
		t.Errorf("Message = %q, want DefaultMessage", cfg.Message)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want default %q", cfg.Log.Level, "info")
	}
	if len(cfg.Directories) != 1 || len(cfg.Files) != 1 {
		t.Fatalf("got %d directories and %d files, want 1 and 1", len(cfg.Directories), len(cfg.Files))
	}
	if got := cfg.Directories[0].Events; len(got) != 2 || got[0] != "create" {
		t.Errorf("Directories[0].Events = %v", got)
	}
}

func TestLoad_FullDocument(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
user: nobody
command: "true"
message: "custom ${CASPER_INOTIFY_EVENT}"
log:
  path: /var/log/casper-inotify/events.log
  level: event
status:
  addr: 127.0.0.1:9002
  jwt_public_key: /etc/casper-inotify/status.pub
journal:
  path: /var/lib/casper-inotify/journal.db
audit:
  path: /var/lib/casper-inotify/audit.log
directories:
  - uri: /srv/incoming
    events: [create]
    pattern: "*.csv"
    user: ingest
    command: "ingest ${CASPER_INOTIFY_NAME}"
    message: "picked up ${CASPER_INOTIFY_NAME}"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.User != "nobody" {
		t.Errorf("User = %q", cfg.User)
	}
	if cfg.Log.Level != "event" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Status.Addr != "127.0.0.1:9002" {
		t.Errorf("Status.Addr = %q", cfg.Status.Addr)
	}
	if cfg.Journal.Path == "" || cfg.Audit.Path == "" {
		t.Error("journal and audit paths must be set")
	}
	d := cfg.Directories[0]
	if d.Pattern != "*.csv" || d.User != "ingest" {
		t.Errorf("Directories[0] = %+v", d)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load of a missing file must fail")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "directories: [unclosed"))
	if err == nil {
		t.Error("Load of malformed YAML must fail")
	}
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantSub string
	}{
		{
			name:    "missing uri",
			yaml:    "command: x\ndirectories:\n  - events: [create]\n",
			wantSub: "uri is required",
		},
		{
			name:    "relative uri",
			yaml:    "command: x\ndirectories:\n  - uri: rel/path\n    events: [create]\n",
			wantSub: "must be absolute",
		},
		{
			name:    "missing events",
			yaml:    "command: x\nfiles:\n  - uri: /tmp/f\n",
			wantSub: "events is required",
		},
		{
			name:    "no command anywhere",
			yaml:    "files:\n  - uri: /tmp/f\n    events: [modify]\n",
			wantSub: "command is required",
		},
		{
			name:    "bad log level",
			yaml:    "command: x\nlog:\n  level: loud\n",
			wantSub: "log.level",
		},
		{
			name:    "bad pattern",
			yaml:    "command: x\ndirectories:\n  - uri: /tmp/d\n    events: [create]\n    pattern: \"[\"\n",
			wantSub: "pattern",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatal("Load must fail")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

// TestValidate_EntryCommandFallback verifies that an entry without a command
// is accepted when a top-level default exists.
func TestValidate_EntryCommandFallback(t *testing.T) {
	_, err := Load(writeConfig(t, "command: \"echo ok\"\nfiles:\n  - uri: /tmp/f\n    events: [modify]\n"))
	if err != nil {
		t.Errorf("Load: %v", err)
	}
}

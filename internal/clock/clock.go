// Package clock provides the daemon's notion of time and identity: ISO-8601
// timestamps with an explicit numeric zone offset, the host's name, and the
// daemon's process ID.
package clock

import (
	"fmt"
	"os"
	"time"
)

// Layout is the ISO-8601 timestamp layout used throughout the daemon. The
// numeric offset specifier keeps the suffix "+00:00" for UTC times rather
// than the "Z" shorthand.
const Layout = "2006-01-02T15:04:05-07:00"

// Clock produces timestamps and exposes host identity. The zero value is not
// usable; create one with New.
type Clock struct {
	hostname string
	pid      int

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// New resolves the host's name and the current process ID. It returns an
// error when the hostname cannot be determined, which callers treat as fatal
// at startup.
func New() (*Clock, error) {
	h, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("clock: hostname: %w", err)
	}
	return &Clock{hostname: h, pid: os.Getpid(), now: time.Now}, nil
}

// Now returns the current time in UTC formatted per Layout, e.g.
// "2024-06-01T12:34:56+00:00".
func (c *Clock) Now() string {
	return c.now().UTC().Format(Layout)
}

// Hostname returns the host name resolved at construction time.
func (c *Clock) Hostname() string { return c.hostname }

// PID returns the daemon's process ID.
func (c *Clock) PID() int { return c.pid }

// Package rules holds the canonical registry of watch rules: the
// authoritative ordered list, the active view keyed by kernel watch
// descriptor, the retry list of rules awaiting registration, and the two
// user-facing URI sets.
package rules

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/gobwas/glob"
)

// Unregistered is the watch descriptor sentinel of a rule without an active
// kernel watch.
const Unregistered = -1

// Kind tags a rule's declared intent: watching a file or a directory. It
// records what the user asked for, not what the kernel observed.
type Kind int

const (
	File Kind = iota
	Directory
)

// String returns "file" or "directory".
func (k Kind) String() string {
	if k == Directory {
		return "directory"
	}
	return "file"
}

// Rule is one watch declaration. Rules are created by the loader and mutated
// only by the registration and dispatch pipeline, which sets WD, Err and
// Warning.
type Rule struct {
	Kind    Kind
	URI     string
	Mask    uint32
	WD      int
	User    string
	Cmd     string
	Msg     string
	Pattern string

	// Glob is the compiled Pattern; nil when Pattern is empty.
	Glob glob.Glob

	// Err records the last registration failure; Warning records the last
	// kernel invalidation. Both are cleared on successful (re-)registration.
	Err     string
	Warning string

	// Synthetic marks the auxiliary parent-directory rule created so that a
	// not-yet-existing file can be registered the moment it appears.
	// Synthetic rules never spawn commands and their URIs are absent from
	// the user-facing URI sets.
	Synthetic bool
}

// Matches reports whether name passes the rule's pattern filter. A rule
// without a pattern matches everything.
func (r *Rule) Matches(name string) bool {
	if r.Glob == nil {
		return true
	}
	return r.Glob.Match(name)
}

// Table is the rule registry. Entries are referred to by stable index into
// the authoritative list; the good view maps watch descriptors to indices
// and the bad view is the set of unregistered indices. The dispatch goroutine
// is the only mutator; the lock exists for the status API's read-only
// snapshots.
type Table struct {
	mu   sync.RWMutex
	all  []*Rule
	good map[int]int  // watch descriptor → index
	bad  map[int]bool // index set

	dirURIs  map[string]struct{}
	fileURIs map[string]struct{}
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{
		good:     make(map[int]int),
		bad:      make(map[int]bool),
		dirURIs:  make(map[string]struct{}),
		fileURIs: make(map[string]struct{}),
	}
}

// Add appends r to the authoritative list and returns its index. The rule
// starts unregistered, i.e. in the bad view. Non-synthetic URIs are recorded
// in the matching user-facing URI set.
func (t *Table) Add(r *Rule) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	r.WD = Unregistered
	idx := len(t.all)
	t.all = append(t.all, r)
	t.bad[idx] = true

	if !r.Synthetic {
		if r.Kind == Directory {
			t.dirURIs[r.URI] = struct{}{}
		} else {
			t.fileURIs[r.URI] = struct{}{}
		}
	}
	return idx
}

// Len returns the number of rules.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.all)
}

// Rule returns the rule at idx.
func (t *Table) Rule(idx int) *Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.all[idx]
}

// All returns the authoritative rule list in declaration order. The slice is
// shared; callers must not modify it.
func (t *Table) All() []*Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.all
}

// Good resolves an active watch descriptor to its rule and index.
func (t *Table) Good(wd int) (*Rule, int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.good[wd]
	if !ok {
		return nil, 0, false
	}
	return t.all[idx], idx, true
}

// Promote moves the rule at idx from bad to good under watch descriptor wd,
// clearing any recorded error and warning.
func (t *Table) Promote(idx, wd int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.all[idx]
	r.WD = wd
	r.Err = ""
	r.Warning = ""
	delete(t.bad, idx)
	t.good[wd] = idx
}

// Demote moves the rule at idx from good to bad, clearing its watch
// descriptor and recording warning.
func (t *Table) Demote(idx int, warning string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.all[idx]
	if r.WD != Unregistered {
		delete(t.good, r.WD)
	}
	r.WD = Unregistered
	r.Warning = warning
	t.bad[idx] = true
}

// SetError records a registration failure on the rule at idx.
func (t *Table) SetError(idx int, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.all[idx].Err = msg
}

// FindBad returns the index of the rule in the bad view whose URI equals uri,
// or -1 when none matches.
func (t *Table) FindBad(uri string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for idx := range t.bad {
		if t.all[idx].URI == uri {
			return idx
		}
	}
	return -1
}

// BadIndices returns the unregistered rule indices in ascending order.
func (t *Table) BadIndices() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, 0, len(t.bad))
	for idx := range t.bad {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// GoodCount returns the number of rules holding a live watch descriptor.
func (t *Table) GoodCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.good)
}

// BadCount returns the number of unregistered rules.
func (t *Table) BadCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bad)
}

// HasFileURI reports whether uri is one of the literal file URIs the user
// asked to watch.
func (t *Table) HasFileURI(uri string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.fileURIs[uri]
	return ok
}

// HasDirURI reports whether uri is one of the literal directory URIs the
// user asked to watch.
func (t *Table) HasDirURI(uri string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.dirURIs[uri]
	return ok
}

// Clear empties the table and both URI sets. Used on teardown.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.all = nil
	t.good = make(map[int]int)
	t.bad = make(map[int]bool)
	t.dirURIs = make(map[string]struct{})
	t.fileURIs = make(map[string]struct{})
}

// RuleStatus is the read-only view of one rule exposed by the status API and
// the post-registration table dump.
type RuleStatus struct {
	Index     int    `json:"index"`
	Kind      string `json:"kind"`
	URI       string `json:"uri"`
	WD        int    `json:"wd"`
	User      string `json:"user"`
	Pattern   string `json:"pattern,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`
	Error     string `json:"error,omitempty"`
	Warning   string `json:"warning,omitempty"`
	Good      bool   `json:"good"`
}

// Snapshot returns the current state of every rule in declaration order.
func (t *Table) Snapshot() []RuleStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]RuleStatus, len(t.all))
	for i, r := range t.all {
		out[i] = RuleStatus{
			Index:     i,
			Kind:      r.Kind.String(),
			URI:       r.URI,
			WD:        r.WD,
			User:      r.User,
			Pattern:   r.Pattern,
			Synthetic: r.Synthetic,
			Error:     r.Err,
			Warning:   r.Warning,
			Good:      r.WD != Unregistered,
		}
	}
	return out
}

// DumpTo writes one Info record per rule to logger, used after the
// registration pass.
func (t *Table) DumpTo(logger *slog.Logger) {
	for _, s := range t.Snapshot() {
		logger.Info("rules: table entry",
			slog.Int("index", s.Index),
			slog.String("kind", s.Kind),
			slog.String("uri", s.URI),
			slog.Int("wd", s.WD),
			slog.Bool("good", s.Good),
			slog.Bool("synthetic", s.Synthetic),
			slog.String("error", s.Error),
			slog.String("warning", s.Warning),
		)
	}
}

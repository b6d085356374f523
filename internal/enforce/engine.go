// Package enforce keeps on-disk ownership, permissions and ACLs of managed
// subtrees in line with their policy rule sets, reacting to filesystem
// change notifications in near real time.
package enforce

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/warden/internal/acl"
	"github.com/msageha/warden/internal/clock"
	"github.com/msageha/warden/internal/events"
	"github.com/msageha/warden/internal/logging"
	"github.com/msageha/warden/internal/workers"
)

const (
	DefaultExpireWindow       = 10 * time.Second
	DefaultExpectedTTL        = 30 * time.Second
	DefaultDeletedRewalkDelay = 100 * time.Millisecond
)

// Applier applies a resolved target to one path and reports how many
// metadata mutations it made.
type Applier interface {
	Apply(path string, t acl.Target) (int, error)
}

// RuleSource loads rule sets by name. *acl.Loader implements it.
type RuleSource interface {
	Load(name string, vars map[string]string) (*acl.RuleSet, error)
	Invalidate(name string)
}

// Jobs schedules background work. *workers.Service implements it.
type Jobs interface {
	Enqueue(kind workers.Kind, prio workers.Priority, name string, run func() error, opts ...workers.JobOption) error
}

// Emitter fires events. *events.Bus implements it.
type Emitter interface {
	Emit(ev *events.Event, opts ...events.EmitOption) error
}

// StateStore persists the watched flag of objects.
type StateStore interface {
	SetWatched(id string, watched bool) error
}

// Options describe one enforced object.
type Options struct {
	ID      string
	Kind    string
	Root    string
	RuleSet string
	Vars    map[string]string
	Watched bool
	// Exclusions are glob patterns matched against every path component.
	Exclusions         []string
	ExpireWindow       time.Duration
	ExpectedTTL        time.Duration
	RewalkDelay        time.Duration
	DeletedRewalkDelay time.Duration
}

// Deps are the collaborators of an engine. Events and State are optional.
type Deps struct {
	Notifier Registrar
	Applier  Applier
	Rules    RuleSource
	Jobs     Jobs
	Events   Emitter
	State    StateStore
	IDs      acl.Resolver
	Clock    clock.Clock
	Log      *logging.Logger
}

// Engine enforces the rule set of one subtree.
type Engine struct {
	opts  Options
	root  string
	deps  Deps
	log   *logging.Logger
	clock clock.Clock

	// mu guards the watch table, rules and bookkeeping sets, and is held
	// for the duration of each metadata mutation.
	mu              sync.Mutex
	watches         map[string]WatchID
	rules           *acl.RuleSet
	vars            map[string]string
	// expected maps a path the engine just wrote to the time of the write.
	// The kernel may merge the echoes of several writes into one event, so
	// the first matching event clears the entry.
	expected        map[string]time.Time
	recentlyDeleted map[string]time.Time
	installed       bool
	watched         bool
	closed          bool

	// expiryMu guards lastFastCheck only, so that fast checks never wait
	// behind a long walk holding mu.
	expiryMu      sync.Mutex
	lastFastCheck map[string]time.Time

	// checkMu is held exclusively by a full check and shared by fast checks.
	checkMu  sync.RWMutex
	checking atomic.Bool

	loads singleflight.Group

	fastChecks atomic.Uint64
	coalesced  atomic.Uint64
	suppressed atomic.Uint64
	mutations  atomic.Uint64
	failures   atomic.Uint64
}

// New creates an engine. Watches are not installed until InstallWatches.
func New(opts Options, deps Deps) (*Engine, error) {
	if opts.ID == "" {
		return nil, errors.New("enforce: object id is required")
	}
	if !filepath.IsAbs(opts.Root) {
		return nil, fmt.Errorf("enforce %s: root %q must be absolute", opts.ID, opts.Root)
	}
	if deps.Notifier == nil || deps.Applier == nil || deps.Rules == nil || deps.Jobs == nil {
		return nil, fmt.Errorf("enforce %s: notifier, applier, rules and jobs are required", opts.ID)
	}
	if opts.ExpireWindow <= 0 {
		opts.ExpireWindow = DefaultExpireWindow
	}
	if opts.ExpectedTTL <= 0 {
		opts.ExpectedTTL = DefaultExpectedTTL
	}
	if opts.DeletedRewalkDelay <= 0 {
		opts.DeletedRewalkDelay = DefaultDeletedRewalkDelay
	}
	if deps.IDs == nil {
		deps.IDs = acl.SystemResolver{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}
	vars := make(map[string]string, len(opts.Vars)+2)
	vars["id"] = opts.ID
	vars["root"] = filepath.Clean(opts.Root)
	for k, v := range opts.Vars {
		vars[k] = v
	}
	return &Engine{
		opts:            opts,
		root:            filepath.Clean(opts.Root),
		deps:            deps,
		log:             deps.Log.Named("enforce." + opts.ID),
		clock:           deps.Clock,
		watches:         make(map[string]WatchID),
		vars:            vars,
		expected:        make(map[string]time.Time),
		recentlyDeleted: make(map[string]time.Time),
		lastFastCheck:   make(map[string]time.Time),
		watched:         opts.Watched,
	}, nil
}

func (e *Engine) ID() string   { return e.opts.ID }
func (e *Engine) Root() string { return e.root }

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Watched reports whether the object is under live enforcement.
func (e *Engine) Watched() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watched
}

func (e *Engine) rel(p string) (string, bool) {
	if p == e.root {
		return "", true
	}
	r, err := filepath.Rel(e.root, p)
	if err != nil || r == ".." || strings.HasPrefix(r, "../") {
		return "", false
	}
	return filepath.ToSlash(r), true
}

// Contains reports whether p lies under the object's root.
func (e *Engine) Contains(p string) bool {
	_, ok := e.rel(filepath.Clean(p))
	return ok
}

// RuleSet returns the object's rules, loading them on first use.
// Concurrent callers share one load.
func (e *Engine) RuleSet() (*acl.RuleSet, error) {
	e.mu.Lock()
	rs := e.rules
	e.mu.Unlock()
	if rs != nil {
		return rs, nil
	}
	v, err, _ := e.loads.Do("rules", func() (any, error) {
		e.mu.Lock()
		vars := e.vars
		e.mu.Unlock()
		rs, err := e.deps.Rules.Load(e.opts.RuleSet, vars)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.rules = rs
		e.mu.Unlock()
		e.log.Debugf("loaded rule set %s (%d rules)", rs.Name, len(rs.Rules))
		return rs, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", e.opts.ID, err)
	}
	return v.(*acl.RuleSet), nil
}

// InvalidateRules forgets the loaded rules; the next check reloads them.
func (e *Engine) InvalidateRules() {
	e.deps.Rules.Invalidate(e.opts.RuleSet)
	e.mu.Lock()
	e.rules = nil
	e.mu.Unlock()
}

// ReloadRules replaces the substitution variables and reloads the rules
// immediately. A nil vars keeps the current ones.
func (e *Engine) ReloadRules(vars map[string]string) error {
	e.mu.Lock()
	if vars != nil {
		merged := map[string]string{"id": e.opts.ID, "root": e.root}
		for k, v := range vars {
			merged[k] = v
		}
		e.vars = merged
	}
	e.mu.Unlock()

	e.InvalidateRules()
	rs, err := e.RuleSet()
	if err != nil {
		return err
	}
	e.emit(events.New(events.EventRulesReloaded, e.opts.ID).With("rules", rs.Name), workers.Low)
	return nil
}

// UsesRuleFile reports whether the rule set was loaded from file.
func (e *Engine) UsesRuleFile(file string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rules != nil && e.rules.Source == file
}

// RuleSetName is the configured rule set name.
func (e *Engine) RuleSetName() string { return e.opts.RuleSet }

// excluded reports whether p must be ignored: outside the root, matching a
// global exclusion, or excluded by the rule set.
func (e *Engine) excluded(p string) bool {
	rs, err := e.RuleSet()
	if err != nil {
		rs = nil
	}
	return e.excludedBy(rs, p)
}

func (e *Engine) excludedBy(rs *acl.RuleSet, p string) bool {
	rel, ok := e.rel(p)
	if !ok {
		return true
	}
	if rel == "" {
		return false
	}
	for _, part := range strings.Split(rel, "/") {
		for _, pat := range e.opts.Exclusions {
			if ok, _ := path.Match(pat, part); ok {
				return true
			}
		}
	}
	return rs != nil && rs.Excluded(rel)
}

func (e *Engine) emit(ev *events.Event, prio workers.Priority) {
	if e.deps.Events == nil {
		return
	}
	ev.From("enforce." + e.opts.ID)
	if err := e.deps.Events.Emit(ev, events.WithPriority(prio)); err != nil {
		e.log.Warnf("emit %s: %v", ev.Name, err)
	}
}

func (e *Engine) enqueue(prio workers.Priority, name string, run func() error, opts ...workers.JobOption) {
	if err := e.deps.Jobs.Enqueue(workers.KindFSCheck, prio, name, run, opts...); err != nil {
		e.log.Warnf("enqueue %s: %v", name, err)
	}
}

// Close tears the engine down. Jobs still queued for it return early.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.TeardownWatches()
}

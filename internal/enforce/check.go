package enforce

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/warden/internal/acl"
	"github.com/msageha/warden/internal/events"
	"github.com/msageha/warden/internal/workers"
)

// FastCheck re-applies the policy to p unless p was checked within the
// expiry window.
func (e *Engine) FastCheck(p string) error {
	return e.fastCheck(filepath.Clean(p), true)
}

// ForceFastCheck re-applies the policy to p regardless of the expiry
// window.
func (e *Engine) ForceFastCheck(p string) error {
	return e.fastCheck(filepath.Clean(p), false)
}

func (e *Engine) fastCheck(p string, expiryCheck bool) error {
	if e.isClosed() {
		return nil
	}
	if !e.claimExpiry(p, expiryCheck) {
		e.coalesced.Add(1)
		return nil
	}

	info, err := os.Lstat(p)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("fast check %s: %w", p, err)
		}
		if p == e.root {
			e.log.Warnf("root %s disappeared, removing its watches; re-enable watching once it is back", p)
			e.TeardownWatches()
			return nil
		}
		e.log.Debugf("fast check: %s vanished", p)
		return nil
	}
	if e.excluded(p) {
		return nil
	}
	rs, err := e.RuleSet()
	if err != nil {
		e.failures.Add(1)
		return err
	}
	target, err := e.resolve(rs, p, info)
	if err != nil {
		e.failures.Add(1)
		return err
	}

	e.checkMu.RLock()
	n, err := e.apply(p, target)
	e.checkMu.RUnlock()

	e.fastChecks.Add(1)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		e.failures.Add(1)
		return fmt.Errorf("fast check %s: %w", p, err)
	}
	if n > 0 {
		e.log.Debugf("fast check %s: %d changes (rule %s)", p, n, target.Rule)
	}
	return nil
}

// claimExpiry reports whether p may be checked now and, if so, stamps it.
// Stale entries met on the way are reclaimed.
func (e *Engine) claimExpiry(p string, expiryCheck bool) bool {
	now := e.clock.Now()
	e.expiryMu.Lock()
	defer e.expiryMu.Unlock()
	if last, ok := e.lastFastCheck[p]; ok && expiryCheck && now.Sub(last) < e.opts.ExpireWindow {
		return false
	}
	e.lastFastCheck[p] = now
	return true
}

func (e *Engine) resolve(rs *acl.RuleSet, p string, info fs.FileInfo) (acl.Target, error) {
	rel, ok := e.rel(p)
	if !ok {
		return acl.Target{}, fmt.Errorf("%w: %s is outside %s", acl.ErrPolicy, p, e.root)
	}
	kind := acl.KindFile
	switch {
	case rel == "":
		kind = acl.KindRoot
	case info.IsDir():
		kind = acl.KindDir
	}
	return rs.Resolve(rel, kind, e.deps.IDs)
}

// apply runs the applier under mu and records the expected echo of the
// mutations before mu is released.
func (e *Engine) apply(p string, t acl.Target) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.deps.Applier.Apply(p, t)
	if n > 0 {
		e.expectLocked(p)
		e.mutations.Add(uint64(n))
	}
	return n, err
}

// Report summarizes a full check.
type Report struct {
	ID       string        `json:"id"`
	Checked  int           `json:"checked"`
	Changed  int           `json:"changed"`
	Errors   int           `json:"errors"`
	Skipped  int           `json:"skipped"`
	Rejected bool          `json:"rejected,omitempty"`
	Duration time.Duration `json:"duration"`
}

// FullCheck applies rs, or the object's own rules when rs is nil, to the
// whole subtree. A call made while another full check runs is rejected
// with a warning. A missing root is recreated. Per-path failures are
// counted and logged without aborting the walk.
func (e *Engine) FullCheck(ctx context.Context, rs *acl.RuleSet) (Report, error) {
	rep := Report{ID: e.opts.ID}
	if !e.checking.CompareAndSwap(false, true) {
		e.log.Warnf("%s: somebody is already checking; operation aborted", e.opts.ID)
		rep.Rejected = true
		return rep, nil
	}
	defer e.checking.Store(false)

	e.checkMu.Lock()
	defer e.checkMu.Unlock()

	if rs == nil {
		var err error
		if rs, err = e.RuleSet(); err != nil {
			return rep, err
		}
	}
	start := e.clock.Now()
	e.log.Infof("checking %s", e.root)

	if _, err := os.Lstat(e.root); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(e.root, 0o755); err != nil {
			return rep, fmt.Errorf("recreate root %s: %w", e.root, err)
		}
		e.log.Infof("created missing root %s", e.root)
		if e.Watched() {
			e.InstallWatches(false)
		}
	}

	err := filepath.WalkDir(e.root, func(p string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			rep.Skipped++
			e.log.Debugf("full check walk %s: %v", p, err)
			if d != nil && d.IsDir() && p != e.root {
				return filepath.SkipDir
			}
			return nil
		}
		if p != e.root && e.excludedBy(rs, p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			rep.Skipped++
			return nil
		}
		target, err := e.resolve(rs, p, info)
		if err != nil {
			rep.Errors++
			e.log.Warnf("full check %s: %v", p, err)
			return nil
		}
		n, err := e.apply(p, target)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			rep.Skipped++
			return nil
		case err != nil:
			rep.Errors++
			e.failures.Add(1)
			e.log.Warnf("full check %s: %v", p, err)
		}
		rep.Checked++
		if n > 0 {
			rep.Changed++
		}
		return nil
	})
	rep.Duration = e.clock.Now().Sub(start)
	if err != nil {
		return rep, fmt.Errorf("full check %s: %w", e.opts.ID, err)
	}

	e.log.Infof("checked %s: %d paths, %d changed, %d errors", e.root, rep.Checked, rep.Changed, rep.Errors)
	e.emit(events.New(events.EventCheckFinished, e.opts.ID).
		With("checked", rep.Checked).
		With("changed", rep.Changed).
		With("errors", rep.Errors), workers.Low)
	return rep, nil
}

// Checking reports whether a full check is running.
func (e *Engine) Checking() bool { return e.checking.Load() }

// ExpireEvents drops expiry entries older than the expiry window, and
// expectations and deletion marks older than the expected TTL. It returns
// the number of entries removed.
func (e *Engine) ExpireEvents() int {
	now := e.clock.Now()
	removed := 0

	e.expiryMu.Lock()
	for p, at := range e.lastFastCheck {
		if now.Sub(at) >= e.opts.ExpireWindow {
			delete(e.lastFastCheck, p)
			removed++
		}
	}
	e.expiryMu.Unlock()

	e.mu.Lock()
	for p, at := range e.expected {
		if now.Sub(at) > e.opts.ExpectedTTL {
			delete(e.expected, p)
			removed++
		}
	}
	for p, at := range e.recentlyDeleted {
		if now.Sub(at) > e.opts.ExpectedTTL {
			delete(e.recentlyDeleted, p)
			removed++
		}
	}
	e.mu.Unlock()
	return removed
}

// SetWatched toggles live enforcement. Turning it on installs watches,
// turning it off tears them down. The new state is persisted and
// announced with a watch_state_changed event.
func (e *Engine) SetWatched(on bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("enforce %s: %w", e.opts.ID, ErrNotFound)
	}
	changed := e.watched != on
	e.watched = on
	e.mu.Unlock()
	if !changed {
		return nil
	}

	if on {
		e.InstallWatches(false)
	} else {
		e.TeardownWatches()
	}
	var err error
	if e.deps.State != nil {
		if err = e.deps.State.SetWatched(e.opts.ID, on); err != nil {
			err = fmt.Errorf("persist watch state of %s: %w", e.opts.ID, err)
		}
	}
	e.emit(events.New(events.EventWatchStateChanged, e.opts.ID).With("watched", on), workers.Low)
	return err
}

// Status is a snapshot of an engine.
type Status struct {
	ID         string `json:"id"`
	Kind       string `json:"kind,omitempty"`
	Root       string `json:"root"`
	RuleSet    string `json:"rule_set"`
	Watched    bool   `json:"watched"`
	Installed  bool   `json:"installed"`
	Checking   bool   `json:"checking"`
	Watches    int    `json:"watches"`
	Expected   int    `json:"expected"`
	Expiry     int    `json:"expiry"`
	FastChecks uint64 `json:"fast_checks"`
	Coalesced  uint64 `json:"coalesced"`
	Suppressed uint64 `json:"suppressed"`
	Mutations  uint64 `json:"mutations"`
	Failures   uint64 `json:"failures"`
}

func (e *Engine) Status() Status {
	st := Status{
		ID:         e.opts.ID,
		Kind:       e.opts.Kind,
		Root:       e.root,
		RuleSet:    e.opts.RuleSet,
		Checking:   e.checking.Load(),
		FastChecks: e.fastChecks.Load(),
		Coalesced:  e.coalesced.Load(),
		Suppressed: e.suppressed.Load(),
		Mutations:  e.mutations.Load(),
		Failures:   e.failures.Load(),
	}
	e.mu.Lock()
	st.Watched = e.watched
	st.Installed = e.installed
	st.Watches = len(e.watches)
	st.Expected = len(e.expected)
	e.mu.Unlock()
	e.expiryMu.Lock()
	st.Expiry = len(e.lastFastCheck)
	e.expiryMu.Unlock()
	return st
}

// Watches lists the watched directories.
func (e *Engine) Watches() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.watches))
	for p := range e.watches {
		out = append(out, p)
	}
	return out
}

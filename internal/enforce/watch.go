package enforce

import (
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/warden/internal/workers"
)

// InstallWatches schedules a walk that watches every non-excluded
// directory of the subtree. It is a no-op when watches are installed,
// unless force is set. It reports whether a walk was scheduled.
func (e *Engine) InstallWatches(force bool) bool {
	e.mu.Lock()
	if e.closed || (e.installed && !force) {
		e.mu.Unlock()
		return false
	}
	e.installed = true
	e.mu.Unlock()

	if _, err := e.RuleSet(); err != nil {
		e.log.Warnf("install watches: %v", err)
	}
	e.enqueue(workers.High, "watch "+e.opts.ID, func() error {
		e.watchTree(e.root)
		return nil
	})
	return true
}

func (e *Engine) watchTree(dir string) {
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if e.isClosed() {
			return filepath.SkipAll
		}
		if err != nil {
			e.log.Debugf("walk %s: %v", p, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if e.excluded(p) {
			return filepath.SkipDir
		}
		if e.watchDir(p) {
			n++
		}
		return nil
	})
	if err != nil {
		e.log.Warnf("watch walk of %s: %v", dir, err)
	}
	e.log.Debugf("installed %d watches under %s", n, dir)
}

// watchDir adds a watch on dir unless one exists. It reports whether a
// watch was added.
func (e *Engine) watchDir(dir string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.installed {
		return false
	}
	if _, ok := e.watches[dir]; ok {
		return false
	}
	id, err := e.deps.Notifier.Watch(dir, e)
	if err != nil {
		e.log.Warnf("watch %s: %v", dir, err)
		return false
	}
	e.watches[dir] = id
	return true
}

func (e *Engine) isWatching(dir string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.watches[dir]
	return ok
}

// unwatchSubtree drops the watches of dir and everything below it, and
// remembers them as recently deleted.
func (e *Engine) unwatchSubtree(dir string) {
	prefix := dir + string(filepath.Separator)
	now := e.clock.Now()

	e.mu.Lock()
	var ids []WatchID
	for p, id := range e.watches {
		if p == dir || strings.HasPrefix(p, prefix) {
			delete(e.watches, p)
			e.recentlyDeleted[p] = now
			ids = append(ids, id)
		}
	}
	for p := range e.expected {
		if p == dir || strings.HasPrefix(p, prefix) {
			delete(e.expected, p)
		}
	}
	e.mu.Unlock()

	e.expiryMu.Lock()
	for p := range e.lastFastCheck {
		if p == dir || strings.HasPrefix(p, prefix) {
			delete(e.lastFastCheck, p)
		}
	}
	e.expiryMu.Unlock()

	for _, id := range ids {
		if err := e.deps.Notifier.Unwatch(id); err != nil {
			e.log.Debugf("unwatch under %s: %v", dir, err)
		}
	}
	if len(ids) > 0 {
		e.log.Debugf("unwatched %d directories under %s", len(ids), dir)
	}
}

// TeardownWatches removes every watch and clears the expiry cache and the
// expected-change set.
func (e *Engine) TeardownWatches() {
	e.mu.Lock()
	watches := e.watches
	e.watches = make(map[string]WatchID)
	e.expected = make(map[string]time.Time)
	e.recentlyDeleted = make(map[string]time.Time)
	e.installed = false
	e.mu.Unlock()

	e.expiryMu.Lock()
	e.lastFastCheck = make(map[string]time.Time)
	e.expiryMu.Unlock()

	for p, id := range watches {
		if err := e.deps.Notifier.Unwatch(id); err != nil {
			e.log.Debugf("unwatch %s: %v", p, err)
		}
	}
	if len(watches) > 0 {
		e.log.Infof("removed %d watches under %s", len(watches), e.root)
	}
}

// Dispatch reacts to one notification. It runs on the notifier goroutine
// and never panics.
func (e *Engine) Dispatch(n Notification) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("dispatch %s %s: panic: %v", n.Op, n.Path, r)
		}
	}()
	if e.isClosed() {
		return
	}

	switch n.Op {
	case OpIgnored:
		e.log.Debugf("watch dropped by kernel: %s", n.Path)
		return
	case OpDeleteSelf, OpMovedFrom:
		if n.Dir {
			e.unwatchSubtree(n.Path)
		}
		return
	case OpAttrib:
		if e.consumeExpected(n.Path) {
			e.suppressed.Add(1)
			return
		}
	}

	if e.excluded(n.Path) {
		return
	}

	if n.Dir {
		switch n.Op {
		case OpCreate, OpMovedTo:
			e.watchDir(n.Path)
			e.enqueueRewalk(n.Path, e.opts.RewalkDelay, workers.Normal)
		case OpAttrib:
			e.enqueueFastCheck(n.Path)
		}
		return
	}
	switch n.Op {
	case OpAttrib, OpCreate, OpMovedTo:
		e.enqueueFastCheck(n.Path)
	}
}

func (e *Engine) enqueueFastCheck(p string) {
	e.enqueue(workers.Normal, "fastcheck "+p, func() error {
		return e.FastCheck(p)
	})
}

func (e *Engine) enqueueRewalk(dir string, delay time.Duration, prio workers.Priority) {
	var opts []workers.JobOption
	if delay > 0 {
		opts = append(opts, workers.WithDelay(delay))
	}
	e.enqueue(prio, "rewalk "+dir, func() error {
		e.rewalk(dir)
		return nil
	}, opts...)
}

// rewalk catches entries created under dir faster than their own
// notifications could be handled, e.g. during archive extraction.
func (e *Engine) rewalk(dir string) {
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if e.isClosed() {
			return filepath.SkipAll
		}
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if e.excluded(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			if !e.isExpected(p) {
				e.enqueueFastCheck(p)
			}
			return nil
		}
		if p != dir {
			if e.takeRecentlyDeleted(p) {
				e.enqueueRewalk(p, e.opts.DeletedRewalkDelay, workers.Low)
			}
			if !e.isWatching(p) {
				e.watchDir(p)
			}
		}
		e.enqueueFastCheck(p)
		return nil
	})
	if err != nil {
		e.log.Debugf("rewalk %s: %v", dir, err)
	}
}

func (e *Engine) takeRecentlyDeleted(p string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.recentlyDeleted[p]; !ok {
		return false
	}
	delete(e.recentlyDeleted, p)
	return true
}

// expectLocked records that the engine just changed the metadata of p.
// e.mu must be held.
func (e *Engine) expectLocked(p string) {
	e.expected[p] = e.clock.Now()
}

// consumeExpected reports whether an attribute change on p was caused by
// the engine itself. The expectation is cleared either way; a further
// echo of the same write falls through to a coalesced fast check.
func (e *Engine) consumeExpected(p string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.expected[p]
	if !ok {
		return false
	}
	delete(e.expected, p)
	return e.clock.Now().Sub(at) <= e.opts.ExpectedTTL
}

func (e *Engine) isExpected(p string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.expected[p]
	return ok && e.clock.Now().Sub(at) <= e.opts.ExpectedTTL
}

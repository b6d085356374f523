package enforce

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/msageha/warden/internal/logging"
)

// Op is the kind of a filesystem change notification.
type Op int

const (
	OpCreate Op = iota + 1
	OpDeleteSelf
	OpMovedFrom
	OpMovedTo
	OpAttrib
	// OpIgnored reports a watch the kernel dropped on its own.
	OpIgnored
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpDeleteSelf:
		return "delete"
	case OpMovedFrom:
		return "moved_from"
	case OpMovedTo:
		return "moved_to"
	case OpAttrib:
		return "attrib"
	case OpIgnored:
		return "ignored"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Notification is one change on a watched directory or its entries.
type Notification struct {
	Path string
	Op   Op
	Dir  bool
}

// WatchID is an opaque handle returned by Registrar.Watch.
type WatchID uint64

// Sink receives notifications. Dispatch is called from a single goroutine
// and must not panic.
type Sink interface {
	Dispatch(n Notification)
}

// Registrar installs and removes directory watches.
type Registrar interface {
	Watch(path string, sink Sink) (WatchID, error)
	Unwatch(id WatchID) error
}

type watch struct {
	id   WatchID
	sink Sink
}

// Notifier multiplexes one fsnotify watcher across every engine. Events
// are routed to the sink owning the event path or its parent directory
// and delivered sequentially by Run.
type Notifier struct {
	w   *fsnotify.Watcher
	log *logging.Logger

	overflowLog rate.Sometimes
	onOverflow  func()

	mu     sync.Mutex
	byPath map[string]watch
	byID   map[WatchID]string
	next   WatchID
}

func NewNotifier(log *logging.Logger) (*Notifier, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Notifier{
		w:           w,
		log:         log.Named("notifier"),
		overflowLog: rate.Sometimes{Interval: time.Minute},
		byPath:      make(map[string]watch),
		byID:        make(map[WatchID]string),
	}, nil
}

// OnOverflow sets fn to run when the kernel queue overflowed and events
// were lost. It must be set before Run.
func (n *Notifier) OnOverflow(fn func()) {
	n.onOverflow = fn
}

// Watch starts watching dir on behalf of sink. Watching a path already
// owned by another sink replaces the owner.
func (n *Notifier) Watch(dir string, sink Sink) (WatchID, error) {
	dir = filepath.Clean(dir)
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.byPath[dir]; ok {
		if cur.sink != sink {
			n.log.Warnf("watch %s changes owner", dir)
			cur.sink = sink
			n.byPath[dir] = cur
		}
		return cur.id, nil
	}
	if err := n.w.Add(dir); err != nil {
		return 0, fmt.Errorf("watch %s: %w", dir, err)
	}
	n.next++
	n.byPath[dir] = watch{id: n.next, sink: sink}
	n.byID[n.next] = dir
	return n.next, nil
}

// Unwatch removes the watch id. Watches the kernel already dropped are
// forgotten without error.
func (n *Notifier) Unwatch(id WatchID) error {
	n.mu.Lock()
	dir, ok := n.byID[id]
	if ok {
		delete(n.byID, id)
		delete(n.byPath, dir)
	}
	n.mu.Unlock()
	if !ok {
		return nil
	}
	if err := n.w.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return fmt.Errorf("unwatch %s: %w", dir, err)
	}
	return nil
}

// Len is the number of installed watches.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.byPath)
}

// Run delivers events until ctx is done or the watcher is closed.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-n.w.Events:
			if !ok {
				return
			}
			n.route(ev)
		case err, ok := <-n.w.Errors:
			if !ok {
				return
			}
			n.handleError(err)
		}
	}
}

func (n *Notifier) handleError(err error) {
	if !errors.Is(err, fsnotify.ErrEventOverflow) {
		n.log.Errorf("fsnotify error=%v", err)
		return
	}
	n.overflowLog.Do(func() {
		n.log.Warnf("event queue overflow, changes were lost")
	})
	if n.onOverflow != nil {
		n.onOverflow()
	}
}

func (n *Notifier) route(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	n.mu.Lock()
	self, watched := n.byPath[path]
	parent, parentOK := n.byPath[filepath.Dir(path)]
	n.mu.Unlock()

	var sink Sink
	switch {
	case watched:
		sink = self.sink
	case parentOK:
		sink = parent.sink
	default:
		n.log.Debugf("unrouted event %s %s", ev.Op, path)
		return
	}

	for _, note := range translate(ev, path, watched) {
		sink.Dispatch(note)
	}
}

// translate maps one fsnotify event onto notifications. Removal and rename
// of a watched path are reported as directory events; creations and
// attribute changes stat the path to learn its type.
func translate(ev fsnotify.Event, path string, watched bool) []Notification {
	var out []Notification
	if ev.Has(fsnotify.Remove) {
		out = append(out, Notification{Path: path, Op: OpDeleteSelf, Dir: watched})
	}
	if ev.Has(fsnotify.Rename) {
		out = append(out, Notification{Path: path, Op: OpMovedFrom, Dir: watched})
	}
	if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Chmod) {
		info, err := os.Lstat(path)
		if err != nil {
			return out
		}
		op := OpAttrib
		if ev.Has(fsnotify.Create) {
			op = OpCreate
		}
		out = append(out, Notification{Path: path, Op: op, Dir: info.IsDir()})
	}
	return out
}

// Close stops the watcher; Run returns afterwards.
func (n *Notifier) Close() error {
	return n.w.Close()
}

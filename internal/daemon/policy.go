package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/warden/internal/logging"
)

// policyDebounce collapses the burst of events an editor produces when it
// saves a rule file.
const policyDebounce = 250 * time.Millisecond

// policyWatcher reports changed rule files in the policy directory.
type policyWatcher struct {
	watcher  *fsnotify.Watcher
	log      *logging.Logger
	onChange func(file string)
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func newPolicyWatcher(dir string, log *logging.Logger, onChange func(string)) (*policyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create policy watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &policyWatcher{
		watcher:  w,
		log:      log.Named("policy"),
		onChange: onChange,
		debounce: policyDebounce,
		pending:  make(map[string]*time.Timer),
	}, nil
}

func isRuleFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := filepath.Ext(base)
	return ext == ".yaml" || ext == ".yml"
}

func (p *policyWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(ev.Name) || (ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write)) {
				continue
			}
			p.log.Debugf("fsnotify event=%s file=%s", ev.Op, ev.Name)
			p.schedule(filepath.Clean(ev.Name))
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.log.Errorf("fsnotify error=%v", err)
		}
	}
}

// schedule fires onChange for file once no further event arrived for the
// debounce interval.
func (p *policyWatcher) schedule(file string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.pending[file]; ok {
		t.Reset(p.debounce)
		return
	}
	p.pending[file] = time.AfterFunc(p.debounce, func() {
		p.mu.Lock()
		delete(p.pending, file)
		p.mu.Unlock()
		p.log.Infof("rule file %s changed", file)
		p.onChange(file)
	})
}

func (p *policyWatcher) close() {
	p.mu.Lock()
	for file, t := range p.pending {
		t.Stop()
		delete(p.pending, file)
	}
	p.mu.Unlock()
	_ = p.watcher.Close()
}

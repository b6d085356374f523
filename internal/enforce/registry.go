package enforce

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/msageha/warden/internal/logging"
)

// ErrNotFound is returned for an object id that is not (or no longer)
// registered.
var ErrNotFound = errors.New("object not found")

// Registry maps durable object ids to engines. Background work refers to
// objects by id and resolves them when it runs.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
	log     *logging.Logger
}

func NewRegistry(log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Discard()
	}
	return &Registry{engines: make(map[string]*Engine), log: log.Named("registry")}
}

// Add registers e. Ids must be unique.
func (r *Registry) Add(e *Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[e.ID()]; ok {
		return fmt.Errorf("object %s already registered", e.ID())
	}
	r.engines[e.ID()] = e
	return nil
}

// Get resolves id.
func (r *Registry) Get(id string) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return e, nil
}

// Remove unregisters and closes the engine of id.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	e, ok := r.engines[id]
	delete(r.engines, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	e.Close()
	return nil
}

// List returns the engines sorted by id.
func (r *Registry) List() []*Engine {
	r.mu.RLock()
	out := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Job returns a pool job that resolves id when it runs and calls fn. An
// object removed in the meantime is skipped.
func (r *Registry) Job(id string, fn func(*Engine) error) func() error {
	return func() error {
		e, err := r.Get(id)
		if errors.Is(err, ErrNotFound) {
			r.log.Debugf("skip job for removed object %s", id)
			return nil
		}
		if err != nil {
			return err
		}
		return fn(e)
	}
}

// ExpireEvents sweeps every engine and returns the total entries removed.
func (r *Registry) ExpireEvents() int {
	n := 0
	for _, e := range r.List() {
		n += e.ExpireEvents()
	}
	return n
}

// Close closes every engine.
func (r *Registry) Close() {
	r.mu.Lock()
	engines := r.engines
	r.engines = make(map[string]*Engine)
	r.mu.Unlock()
	for _, e := range engines {
		e.Close()
	}
}

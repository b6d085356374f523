package events

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/warden/internal/clock"
	"github.com/msageha/warden/internal/logging"
	"github.com/msageha/warden/internal/workers"
)

// DefaultCollectorReinitDelay is the delay before collector_reinit fires.
const DefaultCollectorReinitDelay = 6 * time.Second

// Enqueuer schedules background jobs. *workers.Service implements it.
type Enqueuer interface {
	Enqueue(kind workers.Kind, prio workers.Priority, name string, run func() error, opts ...workers.JobOption) error
}

// Bus dispatches named events to registered handlers, then callbacks.
// Asynchronous events are queued by priority and executed on the service
// pool; a single looper goroutine forwards them so that slow handlers
// never hold up dispatch.
type Bus struct {
	jobs  Enqueuer
	log   *logging.Logger
	clock clock.Clock
	queue *workers.Queue[*Event]

	collectorReinitDelay time.Duration

	mu         sync.RWMutex
	handlers   map[string][]Handler
	callbacks  map[string][]Callback
	collectors []Collector

	timerMu   sync.Mutex
	timers    map[uint64]func() bool
	nextTimer uint64

	stateMu   sync.Mutex
	started   bool
	stopped   bool
	emitted   uint64
	processed uint64
	done      chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(b *Bus) { b.clock = c }
}

// WithLogger sets the bus logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) { b.log = l.Named("events") }
}

// WithCollectorReinitDelay overrides DefaultCollectorReinitDelay.
func WithCollectorReinitDelay(d time.Duration) Option {
	return func(b *Bus) { b.collectorReinitDelay = d }
}

// NewBus creates a bus that runs asynchronous events through jobs.
func NewBus(jobs Enqueuer, opts ...Option) *Bus {
	b := &Bus{
		jobs:                 jobs,
		log:                  logging.Discard(),
		clock:                clock.Real(),
		queue:                workers.NewQueue[*Event](),
		collectorReinitDelay: DefaultCollectorReinitDelay,
		handlers:             make(map[string][]Handler),
		callbacks:            make(map[string][]Callback),
		timers:               make(map[uint64]func() bool),
		done:                 make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register appends h to the handlers of name. A handler with the same
// Name already registered for name is ignored with a warning.
func (b *Bus) Register(name string, h Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cur := range b.handlers[name] {
		if cur.Name() == h.Name() {
			b.log.Warnf("handler %s already registered for %s", h.Name(), name)
			return false
		}
	}
	b.handlers[name] = append(b.handlers[name], h)
	return true
}

// Unregister removes the handler called handlerName from name.
func (b *Bus) Unregister(name, handlerName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	list, ok := b.handlers[name]
	if !ok {
		b.log.Warnf("unregister handler %s: unknown event %s", handlerName, name)
		return false
	}
	for i, cur := range list {
		if cur.Name() == handlerName {
			b.handlers[name] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	b.log.Warnf("handler %s not registered for %s", handlerName, name)
	return false
}

// RegisterCallback appends c to the callbacks of name.
func (b *Bus) RegisterCallback(name string, c Callback) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cur := range b.callbacks[name] {
		if cur.Name() == c.Name() {
			b.log.Warnf("callback %s already registered for %s", c.Name(), name)
			return false
		}
	}
	b.callbacks[name] = append(b.callbacks[name], c)
	return true
}

// UnregisterCallback removes the callback called callbackName from name.
func (b *Bus) UnregisterCallback(name, callbackName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	list, ok := b.callbacks[name]
	if !ok {
		b.log.Warnf("unregister callback %s: unknown event %s", callbackName, name)
		return false
	}
	for i, cur := range list {
		if cur.Name() == callbackName {
			b.callbacks[name] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	b.log.Warnf("callback %s not registered for %s", callbackName, name)
	return false
}

// RegisterCollector adds c and schedules a collector_reinit event so
// publishers can replay state to it.
func (b *Bus) RegisterCollector(c Collector) bool {
	b.mu.Lock()
	for _, cur := range b.collectors {
		if cur.Name() == c.Name() {
			b.mu.Unlock()
			b.log.Warnf("collector %s already registered", c.Name())
			return false
		}
	}
	b.collectors = append(b.collectors, c)
	b.mu.Unlock()

	ev := New(EventCollectorReinit).With("collector", c.Name()).From("events")
	if err := b.Emit(ev, WithPriority(workers.High), WithDelay(b.collectorReinitDelay)); err != nil {
		b.log.Warnf("schedule %s: %v", EventCollectorReinit, err)
	}
	return true
}

// UnregisterCollector removes the collector called name.
func (b *Bus) UnregisterCollector(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.collectors {
		if cur.Name() == name {
			b.collectors = append(b.collectors[:i:i], b.collectors[i+1:]...)
			return true
		}
	}
	b.log.Warnf("collector %s not registered", name)
	return false
}

type emitConfig struct {
	priority    workers.Priority
	delay       time.Duration
	synchronous bool
}

// EmitOption configures one Emit call.
type EmitOption func(*emitConfig)

// WithPriority sets the dispatch priority. The default is normal.
func WithPriority(p workers.Priority) EmitOption {
	return func(c *emitConfig) { c.priority = p }
}

// WithDelay queues the event after d.
func WithDelay(d time.Duration) EmitOption {
	return func(c *emitConfig) { c.delay = d }
}

// Synchronous runs the handlers and callbacks on the caller's goroutine.
func Synchronous() EmitOption {
	return func(c *emitConfig) { c.synchronous = true }
}

// Emit fires ev. In synchronous mode it returns once every handler and
// callback has run, or returns ErrStop when one of them stopped the
// event. Delay and synchronous mode cannot be combined.
func (b *Bus) Emit(ev *Event, opts ...EmitOption) error {
	cfg := emitConfig{priority: workers.Normal}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.synchronous && cfg.delay > 0 {
		return fmt.Errorf("emit %s: delay with synchronous: %w", ev.Name, ErrConfiguration)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = b.clock.Now()
	}

	b.stateMu.Lock()
	if b.stopped {
		b.stateMu.Unlock()
		b.log.Debugf("bus stopped, dropping %s", ev)
		return nil
	}
	b.emitted++
	b.stateMu.Unlock()

	switch {
	case cfg.synchronous:
		b.collect(ev)
		return b.runEvent(ev, true)
	case cfg.delay > 0:
		b.schedule(cfg.delay, cfg.priority, ev)
	default:
		b.queue.Push(cfg.priority, ev)
	}
	return nil
}

func (b *Bus) schedule(d time.Duration, prio workers.Priority, ev *Event) {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	b.nextTimer++
	id := b.nextTimer
	b.timers[id] = b.clock.AfterFunc(d, func() {
		b.timerMu.Lock()
		delete(b.timers, id)
		b.timerMu.Unlock()

		b.stateMu.Lock()
		stopped := b.stopped
		b.stateMu.Unlock()
		if !stopped {
			b.queue.Push(prio, ev)
		}
	})
}

// Start launches the looper. It is a no-op on a started bus.
func (b *Bus) Start() {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.started || b.stopped {
		return
	}
	b.started = true
	go b.loop()
}

func (b *Bus) loop() {
	defer close(b.done)
	for {
		e := b.queue.Pop()
		if e.Stop {
			return
		}
		ev := e.Value
		b.collect(ev)
		err := b.jobs.Enqueue(workers.KindService, e.Priority, "event "+ev.Name, func() error {
			b.runEvent(ev, false)
			return nil
		})
		if err != nil {
			b.log.Warnf("dispatch %s: %v", ev, err)
		}
	}
}

// collect hands ev to every collector on a high priority job.
func (b *Bus) collect(ev *Event) {
	b.mu.RLock()
	n := len(b.collectors)
	b.mu.RUnlock()
	if n == 0 || b.jobs == nil {
		return
	}
	err := b.jobs.Enqueue(workers.KindService, workers.High, "collect "+ev.Name, func() error {
		b.mu.RLock()
		collectors := append([]Collector(nil), b.collectors...)
		b.mu.RUnlock()
		for _, c := range collectors {
			if err := c.Collect(ev); err != nil {
				b.log.Warnf("collector %s failed on %s, unregistering: %v", c.Name(), ev, err)
				b.UnregisterCollector(c.Name())
			}
		}
		return nil
	})
	if err != nil {
		b.log.Warnf("collect %s: %v", ev, err)
	}
}

// runEvent executes the handlers then the callbacks of ev.Name. A failing
// handler or callback is logged and the rest still run. ErrStop ends the
// event only when sync is set.
func (b *Bus) runEvent(ev *Event, sync bool) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Name]...)
	callbacks := append([]Callback(nil), b.callbacks[ev.Name]...)
	b.mu.RUnlock()

	defer func() {
		b.stateMu.Lock()
		b.processed++
		b.stateMu.Unlock()
	}()

	for _, h := range handlers {
		if err := b.invoke(ev, "handler", h.Name(), h.HandleEvent, sync); err != nil {
			return err
		}
	}
	for _, c := range callbacks {
		if err := b.invoke(ev, "callback", c.Name(), c.EventCallback, sync); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) invoke(ev *Event, kind, name string, fn func(*Event) error, sync bool) error {
	err := safeCall(fn, ev)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStop) && sync:
		b.log.Debugf("%s %s stopped %s", kind, name, ev)
		return err
	case errors.Is(err, ErrStop):
		b.log.Errorf("%s %s returned stop for asynchronous %s, ignoring", kind, name, ev)
	default:
		b.log.Errorf("%s %s failed on %s: %v", kind, name, ev, err)
	}
	return nil
}

func safeCall(fn func(*Event) error, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ev)
}

// Stop cancels delayed emits and ends the looper. Queued events that were
// not yet forwarded are dropped.
func (b *Bus) Stop() {
	b.stateMu.Lock()
	if b.stopped {
		b.stateMu.Unlock()
		return
	}
	b.stopped = true
	started := b.started
	b.stateMu.Unlock()

	b.timerMu.Lock()
	for id, stop := range b.timers {
		stop()
		delete(b.timers, id)
	}
	b.timerMu.Unlock()

	if started {
		b.queue.PushStop()
		<-b.done
	}
	if dropped := b.queue.Drain(); len(dropped) > 0 {
		b.log.Warnf("stopped with %d queued events", len(dropped))
	}
}

// Status is a snapshot of the bus registries and counters.
type Status struct {
	Running    bool                `json:"running"`
	Handlers   map[string][]string `json:"handlers"`
	Callbacks  map[string][]string `json:"callbacks"`
	Collectors []string            `json:"collectors"`
	Queued     int                 `json:"queued"`
	Delayed    int                 `json:"delayed"`
	Emitted    uint64              `json:"emitted"`
	Processed  uint64              `json:"processed"`
}

func (b *Bus) Status() Status {
	st := Status{
		Handlers:  make(map[string][]string),
		Callbacks: make(map[string][]string),
		Queued:    b.queue.Len(),
	}
	b.mu.RLock()
	for name, list := range b.handlers {
		for _, h := range list {
			st.Handlers[name] = append(st.Handlers[name], h.Name())
		}
	}
	for name, list := range b.callbacks {
		for _, c := range list {
			st.Callbacks[name] = append(st.Callbacks[name], c.Name())
		}
	}
	for _, c := range b.collectors {
		st.Collectors = append(st.Collectors, c.Name())
	}
	b.mu.RUnlock()
	sort.Strings(st.Collectors)

	b.timerMu.Lock()
	st.Delayed = len(b.timers)
	b.timerMu.Unlock()

	b.stateMu.Lock()
	st.Running = b.started && !b.stopped
	st.Emitted = b.emitted
	st.Processed = b.processed
	b.stateMu.Unlock()
	return st
}

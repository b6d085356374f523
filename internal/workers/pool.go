package workers

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/msageha/warden/internal/clock"
	"github.com/msageha/warden/internal/logging"
)

// ErrStopped is returned when work is submitted to a stopped pool.
var ErrStopped = errors.New("worker pool stopped")

// Job is a unit of background work. Arguments are captured by Run.
type Job struct {
	Name  string
	Run   func() error
	Delay time.Duration
}

// JobOption customizes a Job at enqueue time.
type JobOption func(*Job)

// WithDelay makes the executing worker sleep d before running the job.
// The worker stays busy for the whole delay.
func WithDelay(d time.Duration) JobOption {
	return func(j *Job) { j.Delay = d }
}

// Bounds is the instance range of a pool.
type Bounds struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

func (b Bounds) Validate() error {
	if b.Min < 0 {
		return fmt.Errorf("min must be >= 0, got %d", b.Min)
	}
	if b.Max < 1 {
		return fmt.Errorf("max must be >= 1, got %d", b.Max)
	}
	if b.Min > b.Max {
		return fmt.Errorf("min (%d) exceeds max (%d)", b.Min, b.Max)
	}
	return nil
}

// Status is a point-in-time snapshot of a pool.
type Status struct {
	Kind      Kind   `json:"kind"`
	Instances int    `json:"instances"`
	Busy      int    `json:"busy"`
	Min       int    `json:"min"`
	Max       int    `json:"max"`
	Depth     int    `json:"depth"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}

// Pool is an adaptive set of workers draining one priority queue. The
// number of workers grows with the backlog up to Max and shrinks back to
// Min once the backlog clears.
type Pool struct {
	kind      Kind
	queue     *Queue[*Job]
	log       *logging.Logger
	clock     clock.Clock
	saturated rate.Sometimes

	mu        sync.Mutex
	idle      *sync.Cond
	min, max  int
	instances int
	busy      int
	// retiring counts stop sentinels pushed but not yet consumed.
	retiring  int
	pending   int
	started   bool
	stopped   bool
	nextID    int
	processed uint64
	failed    uint64

	wg sync.WaitGroup
}

// NewPool creates a pool. Workers are not spawned until Start.
func NewPool(kind Kind, b Bounds, log *logging.Logger, clk clock.Clock) (*Pool, error) {
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("pool %s: %w", kind, err)
	}
	if log == nil {
		log = logging.Discard()
	}
	if clk == nil {
		clk = clock.Real()
	}
	p := &Pool{
		kind:      kind,
		queue:     NewQueue[*Job](),
		log:       log.Named("workers." + string(kind)),
		clock:     clk,
		saturated: rate.Sometimes{Interval: time.Second},
		min:       b.Min,
		max:       b.Max,
	}
	p.idle = sync.NewCond(&p.mu)
	return p, nil
}

func (p *Pool) Kind() Kind { return p.kind }

// Start spawns the minimum number of workers. Calling it twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	for p.instances < p.min {
		p.spawnLocked()
	}
}

// Enqueue submits run at priority prio. It never blocks on the backlog.
func (p *Pool) Enqueue(prio Priority, name string, run func() error, opts ...JobOption) error {
	job := &Job{Name: name, Run: run}
	for _, opt := range opts {
		opt(job)
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("enqueue %s: %w", name, ErrStopped)
	}
	p.pending++
	p.mu.Unlock()

	p.queue.Push(prio, job)
	p.throttleUp()
	return nil
}

// throttleUp adds a worker when every live worker is busy and work is
// waiting, or when the pool is below its minimum.
func (p *Pool) throttleUp() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return
	}
	live := p.instances - p.retiring
	backlog := p.queue.Len() > live && live == p.busy
	if !backlog && p.instances >= p.min {
		return
	}
	if p.instances < p.max {
		p.spawnLocked()
		return
	}
	if backlog {
		p.saturated.Do(func() {
			p.log.Warnf("pool saturated: instances=%d busy=%d depth=%d", p.instances, p.busy, p.queue.Len())
		})
	}
}

func (p *Pool) spawnLocked() {
	p.instances++
	p.nextID++
	id := p.nextID
	p.wg.Add(1)
	p.log.Debugf("spawn worker %d (instances=%d)", id, p.instances)
	go p.work(id)
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for {
		p.throttleUp()
		e := p.queue.Pop()
		if e.Stop {
			p.retire(id)
			return
		}
		if !p.claim(e) {
			continue
		}
		p.run(id, e.Value)
		p.finish(id)
	}
}

// claim marks the caller busy. Claiming a non-high job that would leave no
// worker free first tries to add a standby peer; at max, if a high job is
// already waiting, the job goes back to the tail of its priority instead.
func (p *Pool) claim(e Entry[*Job]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.Priority != High && p.busy+1 >= p.instances-p.retiring && !p.stopped {
		switch {
		case p.instances < p.max:
			p.spawnLocked()
		case p.queue.Count(High) > 0:
			p.queue.Push(e.Priority, e.Value)
			return false
		}
	}
	p.busy++
	return true
}

func (p *Pool) run(id int, job *Job) {
	if job.Delay > 0 {
		p.clock.Sleep(job.Delay)
	}
	start := p.clock.Now()
	err := p.safeRun(job)
	if err != nil {
		p.log.Errorf("worker %d: job %s failed: %v", id, job.Name, err)
		p.mu.Lock()
		p.failed++
		p.mu.Unlock()
		return
	}
	p.log.Debugf("worker %d: job %s done in %s", id, job.Name, p.clock.Now().Sub(start))
}

func (p *Pool) safeRun(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	if job.Run == nil {
		return nil
	}
	return job.Run()
}

// finish releases the worker and retires one instance if the pool is
// larger than the remaining backlog needs.
func (p *Pool) finish(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy--
	p.processed++
	p.pending--
	if p.pending == 0 {
		p.idle.Broadcast()
	}
	if p.stopped {
		return
	}
	live := p.instances - p.retiring
	if p.queue.Len() <= live && live > p.busy && live > p.min {
		p.retiring++
		p.queue.PushStop()
		p.log.Debugf("worker %d: throttle down (live=%d busy=%d)", id, live-1, p.busy)
	}
}

func (p *Pool) retire(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances--
	if p.retiring > 0 {
		p.retiring--
	}
	p.log.Debugf("worker %d exited (instances=%d)", id, p.instances)
}

// Wait blocks until every submitted job has finished or the pool stopped.
func (p *Pool) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pending > 0 && !p.stopped {
		p.idle.Wait()
	}
}

// Stop retires every worker and waits for running jobs to return. Jobs
// still queued are dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for n := p.instances - p.retiring; n > 0; n-- {
		p.queue.PushStop()
	}
	p.retiring = p.instances
	p.idle.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	dropped := p.queue.Drain()
	if len(dropped) > 0 {
		p.log.Warnf("stopped with %d queued jobs", len(dropped))
	}
	p.mu.Lock()
	p.pending -= len(dropped)
	p.mu.Unlock()
}

func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Kind:      p.kind,
		Instances: p.instances,
		Busy:      p.busy,
		Min:       p.min,
		Max:       p.max,
		Depth:     p.queue.Len(),
		Processed: p.processed,
		Failed:    p.failed,
	}
}

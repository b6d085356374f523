// Package daemon wires the worker service, event bus, notifier and
// enforcement engines into the long-running warden process.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/msageha/warden/internal/acl"
	"github.com/msageha/warden/internal/clock"
	"github.com/msageha/warden/internal/enforce"
	"github.com/msageha/warden/internal/events"
	"github.com/msageha/warden/internal/lock"
	"github.com/msageha/warden/internal/logging"
	"github.com/msageha/warden/internal/model"
	"github.com/msageha/warden/internal/uds"
	"github.com/msageha/warden/internal/workers"
	wardenyaml "github.com/msageha/warden/internal/yaml"
)

// LockFile is the pid lock path inside the state dir.
const LockFile = "locks/daemon.lock"

// Daemon is the main warden process.
type Daemon struct {
	stateDir string
	config   model.Config
	version  string
	log      *logging.Logger
	logFile  io.Closer
	clock    clock.Clock

	fileLock *lock.FileLock
	server   *uds.Server

	service  *workers.Service
	bus      *events.Bus
	audit    *events.AuditLog
	notifier *enforce.Notifier
	registry *enforce.Registry
	rules    *acl.Loader
	nowatch  *wardenyaml.NoWatchStore
	policy   *policyWatcher
	objLocks *lock.MutexMap

	started time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{}

	forceExit atomic.Bool
	// recheck is set while an overflow rescan is queued.
	recheck atomic.Bool
}

// New creates a daemon logging to logs/warden.log under stateDir.
func New(stateDir string, cfg model.Config, version string) (*Daemon, error) {
	logPath := filepath.Join(stateDir, "logs", "warden.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	w := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	}
	return newDaemon(stateDir, cfg, version, w, w)
}

// newDaemon is the internal constructor for testing.
func newDaemon(stateDir string, cfg model.Config, version string, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())
	log := logging.New(w, logging.ParseLevel(cfg.Logging.Level), "daemon")
	return &Daemon{
		stateDir: stateDir,
		config:   cfg,
		version:  version,
		log:      log,
		logFile:  closer,
		clock:    clock.Real(),
		fileLock: lock.NewFileLock(filepath.Join(stateDir, LockFile)),
		server:   uds.NewServer(filepath.Join(stateDir, uds.DefaultSocketName), log),
		objLocks: lock.NewMutexMap(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	<-d.done
	return nil
}

// Start brings every component up. On error, whatever was started is
// torn down again.
func (d *Daemon) Start() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.started = d.clock.Now()
	d.log.Infof("daemon starting pid=%d version=%s", os.Getpid(), d.version)

	if err := d.startComponents(); err != nil {
		d.log.Errorf("startup failed: %v", err)
		d.Shutdown()
		return err
	}
	d.log.Infof("daemon ready, %d objects", len(d.registry.List()))
	return nil
}

func (d *Daemon) startComponents() error {
	var err error
	cfg := d.config

	d.service, err = workers.NewService(poolBounds(cfg.Workers), d.log, d.clock)
	if err != nil {
		return fmt.Errorf("worker service: %w", err)
	}
	d.service.Start()

	d.bus = events.NewBus(d.service,
		events.WithLogger(d.log),
		events.WithClock(d.clock),
		events.WithCollectorReinitDelay(time.Duration(cfg.Events.CollectorReinitDelaySec)*time.Second),
	)
	d.bus.Start()
	d.registerEventHandlers()

	d.audit, err = events.OpenAuditLog(cfg.Events.AuditLog, cfg.Events.AuditMaxSizeBytes, cfg.Events.AuditChecksum)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	d.bus.RegisterCollector(d.audit)

	d.nowatch, err = wardenyaml.OpenNoWatch(d.stateDir, cfg.Enforcement.NoWatchFile, d.log, d.clock)
	if err != nil {
		return fmt.Errorf("nowatch list: %w", err)
	}

	d.notifier, err = enforce.NewNotifier(d.log)
	if err != nil {
		return err
	}
	d.notifier.OnOverflow(d.recheckAll)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.notifier.Run(d.ctx)
	}()

	if err := os.MkdirAll(cfg.Enforcement.PolicyDir, 0o755); err != nil {
		return fmt.Errorf("ensure policy dir: %w", err)
	}
	d.rules = acl.NewLoader(cfg.Enforcement.PolicyDir, acl.SystemResolver{})
	d.registry = enforce.NewRegistry(d.log)
	for _, o := range cfg.Objects {
		if err := d.addObject(o); err != nil {
			return err
		}
	}

	d.policy, err = newPolicyWatcher(cfg.Enforcement.PolicyDir, d.log, d.reloadRuleFile)
	if err != nil {
		return err
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.policy.run(d.ctx)
	}()

	d.wg.Add(1)
	go d.sweepLoop(d.clock.NewTicker(cfg.Enforcement.SweepInterval()))

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log.Infof("UDS server listening on %s", filepath.Join(d.stateDir, uds.DefaultSocketName))
	return nil
}

func poolBounds(c model.WorkersConfig) map[workers.Kind]workers.Bounds {
	bounds := workers.DefaultBounds()
	for kind, b := range map[workers.Kind]*model.PoolBounds{
		workers.KindService: c.Service,
		workers.KindFSCheck: c.FSCheck,
		workers.KindNetwork: c.Network,
	} {
		if b != nil {
			bounds[kind] = workers.Bounds{Min: b.Min, Max: b.Max}
		}
	}
	return bounds
}

// addObject creates and registers the engine of o, installing its
// watches unless the object is switched off.
func (d *Daemon) addObject(o model.ObjectConfig) error {
	enf := d.config.Enforcement
	watched := o.IsWatched() && d.nowatch.Watched(o.ID)
	e, err := enforce.New(enforce.Options{
		ID:                 o.ID,
		Kind:               o.Kind,
		Root:               o.Root,
		RuleSet:            o.Rules,
		Vars:               o.Vars,
		Watched:            watched,
		Exclusions:         enf.Exclusions,
		ExpireWindow:       enf.ExpireWindow(),
		ExpectedTTL:        enf.ExpectedTTL(),
		RewalkDelay:        enf.RewalkDelay(),
		DeletedRewalkDelay: enf.DeletedRewalkDelay(),
	}, enforce.Deps{
		Notifier: d.notifier,
		Applier:  acl.NewFSApplier(acl.SystemResolver{}),
		Rules:    d.rules,
		Jobs:     d.service,
		Events:   d.bus,
		State:    d.nowatch,
		Clock:    d.clock,
		Log:      d.log,
	})
	if err != nil {
		return err
	}
	if err := d.registry.Add(e); err != nil {
		return err
	}
	if watched {
		e.InstallWatches(false)
	} else {
		d.log.Infof("object %s is not watched", o.ID)
	}
	return nil
}

func (d *Daemon) registerEventHandlers() {
	d.bus.Register(events.EventCheckFinished, events.HandlerFunc("log", func(ev *events.Event) error {
		d.log.Infof("%s from %s: %v", ev.Name, ev.Sender, ev.Kwargs)
		return nil
	}))
	d.bus.Register(events.EventWatchStateChanged, events.HandlerFunc("log", func(ev *events.Event) error {
		d.log.Infof("%s from %s: watched=%v", ev.Name, ev.Sender, ev.Kwargs["watched"])
		return nil
	}))
	d.bus.Register(events.EventCollectorReinit, events.HandlerFunc("log", func(ev *events.Event) error {
		d.log.Debugf("collectors reinitialized: %v", ev.Args)
		return nil
	}))
}

// reloadRuleFile reloads the rules of every object using file, each on
// its own service job.
func (d *Daemon) reloadRuleFile(file string) {
	for _, e := range d.registry.List() {
		if d.rules.Path(e.RuleSetName()) != file && !e.UsesRuleFile(file) {
			continue
		}
		id := e.ID()
		err := d.service.Enqueue(workers.KindService, workers.Normal, "reload "+id, d.registry.Job(id, func(e *enforce.Engine) error {
			return e.ReloadRules(nil)
		}))
		if err != nil {
			d.log.Warnf("schedule reload of %s: %v", id, err)
		}
	}
}

// recheckAll schedules a full check of every watched object after the
// notifier lost events. Overflows arriving while one is queued are folded
// into it.
func (d *Daemon) recheckAll() {
	if !d.recheck.CompareAndSwap(false, true) {
		return
	}
	err := d.service.Enqueue(workers.KindService, workers.Low, "overflow recheck", func() error {
		d.recheck.Store(false)
		for _, e := range d.registry.List() {
			if !e.Watched() || e.Checking() {
				continue
			}
			id := e.ID()
			err := d.service.Enqueue(workers.KindFSCheck, workers.Low, "fullcheck "+id, d.registry.Job(id, func(e *enforce.Engine) error {
				_, err := e.FullCheck(d.ctx, nil)
				return err
			}))
			if err != nil {
				return fmt.Errorf("schedule full check of %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		d.recheck.Store(false)
		d.log.Warnf("schedule overflow recheck: %v", err)
	}
}

// sweepLoop expires stale fast-check and expectation entries of every
// object at the configured interval.
func (d *Daemon) sweepLoop(ticker *clock.Ticker) {
	defer d.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			err := d.service.Enqueue(workers.KindService, workers.Low, "expire events", func() error {
				if n := d.registry.ExpireEvents(); n > 0 {
					d.log.Debugf("expired %d entries", n)
				}
				return nil
			})
			if err != nil {
				d.log.Debugf("schedule expiry sweep: %v", err)
			}
		}
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log.Infof("received signal=%s, initiating graceful shutdown", sig)
	case <-d.ctx.Done():
		return
	}

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log.Warnf("received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		defer close(d.done)
		d.log.Infof("shutdown started")

		// stop producers first
		d.cancel()
		if d.server != nil {
			_ = d.server.Stop()
		}
		if d.policy != nil {
			d.policy.close()
		}
		if d.registry != nil {
			d.registry.Close()
		}
		if d.notifier != nil {
			_ = d.notifier.Close()
		}

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		drained := make(chan struct{})
		go func() {
			d.wg.Wait()
			if d.bus != nil {
				d.bus.Stop()
			}
			if d.service != nil {
				d.service.Stop()
			}
			close(drained)
		}()
		select {
		case <-drained:
			d.log.Infof("all workers drained")
		case <-time.After(timeout):
			d.log.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		d.cleanup()
		d.log.Infof("daemon stopped")
	})
}

// Done is closed once shutdown has completed.
func (d *Daemon) Done() <-chan struct{} { return d.done }

func (d *Daemon) cleanup() {
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.log.Warnf("close audit log: %v", err)
		}
	}
	if err := d.fileLock.Unlock(); err != nil {
		d.log.Warnf("release lock: %v", err)
	}
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

// Package daemon runs the dispatch engine as a long-lived process: ticker
// driven dispatch, reminder firing and dead letter sweeps, with config
// hot-reload and a file lock guaranteeing a single instance per data
// directory.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/khanyo/imbizo/internal/broker"
	"github.com/khanyo/imbizo/internal/clock"
	"github.com/khanyo/imbizo/internal/dispatch"
	"github.com/khanyo/imbizo/internal/events"
	"github.com/khanyo/imbizo/internal/lock"
	"github.com/khanyo/imbizo/internal/model"
	"github.com/khanyo/imbizo/internal/schedule"
	"github.com/khanyo/imbizo/internal/store"
)

// Daemon is the main imbizo daemon process.
type Daemon struct {
	dataDir    string
	configPath string
	config     model.Config
	logLevel   dispatch.LogLevel
	logger     *log.Logger
	logFile    io.Closer

	fileLock *lock.FileLock
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	store       *store.Store
	eventBus    *events.Bus
	audit       *events.AuditLogger
	todoBroker  *broker.TodoBroker
	eventBroker *broker.EventBroker

	// dispatcher, sweeper and the live delivery config are rebuilt on
	// config reload; mu guards the swap.
	mu         sync.RWMutex
	dispatcher *dispatch.Dispatcher
	sweeper    *dispatch.DeadLetterSweeper

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a daemon logging to <data_dir>/logs/daemon.log.
func New(configPath string) (*Daemon, error) {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logPath := filepath.Join(cfg.Daemon.DataDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(configPath, cfg, logFile, logFile)
}

// NewOneShot creates a daemon for a single CLI invocation, logging to stderr.
// The caller runs DispatchOnce or RemindOnce and then Close; Run is for the
// resident process only.
func NewOneShot(configPath string) (*Daemon, error) {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return newDaemon(configPath, cfg, os.Stderr, nil)
}

// newDaemon wires the full engine: store, schedule policy, brokers,
// dispatcher, sweeper, and the audit trail subscribed to the event bus.
func newDaemon(configPath string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	logger := log.New(w, "", 0)
	logLevel := dispatch.ParseLogLevel(cfg.Logging.Level)

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open store: %w", err)
	}

	policy, err := schedule.NewPolicy(cfg.Reminder.Timezone, cfg.Reminder.DaytimeStartHour)
	if err != nil {
		st.Close()
		cancel()
		return nil, fmt.Errorf("load reminder timezone: %w", err)
	}

	bus := events.NewBus(100)
	audit, err := events.NewAuditLogger(
		filepath.Join(cfg.Daemon.DataDir, "logs", "audit.jsonl"), 0)
	if err != nil {
		st.Close()
		cancel()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	for _, et := range []events.EventType{
		events.EventNotificationDelivered,
		events.EventNotificationFailed,
		events.EventNotificationDeadLettered,
		events.EventReminderFired,
		events.EventTodoReplicated,
	} {
		bus.Subscribe(et, func(e events.Event) {
			if err := audit.Record(e); err != nil {
				logger.Printf("%s ERROR daemon: audit_record error=%v",
					time.Now().Format(time.RFC3339), err)
			}
		})
	}

	clk := clock.System{}

	todoBroker := broker.NewTodoBroker(st, policy, cfg.Reminder, clk, logger)
	todoBroker.SetEventBus(bus)
	eventBroker := broker.NewEventBroker(st, policy, cfg.Reminder, clk, logger)
	eventBroker.SetEventBus(bus)

	d := &Daemon{
		dataDir:     cfg.Daemon.DataDir,
		configPath:  configPath,
		config:      cfg,
		logLevel:    logLevel,
		logger:      logger,
		logFile:     closer,
		fileLock:    lock.NewFileLock(filepath.Join(cfg.Daemon.DataDir, "locks", "daemon.lock")),
		ticker:      time.NewTicker(time.Duration(cfg.Daemon.ScanIntervalSec) * time.Second),
		store:       st,
		eventBus:    bus,
		audit:       audit,
		todoBroker:  todoBroker,
		eventBroker: eventBroker,
		ctx:         ctx,
		cancel:      cancel,
	}
	d.buildDispatch(cfg.Delivery)
	return d, nil
}

// buildDispatch (re)creates the dispatcher and sweeper from delivery config.
// Called at construction and on config reload.
func (d *Daemon) buildDispatch(cfg model.DeliveryConfig) {
	hostname, _ := os.Hostname()
	owner := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	channels := dispatch.NewRegistry()
	for _, route := range []model.DeliveryRoute{model.RouteSMS, model.RoutePush, model.RouteEmail} {
		channels.Register(route, dispatch.NewLogChannel(d.logger, route))
	}

	dispatcher := dispatch.NewDispatcher(d.store, channels, cfg, clock.System{}, owner, d.logger, d.logLevel)
	dispatcher.SetEventBus(d.eventBus)

	sweeper := dispatch.NewDeadLetterSweeper(d.store,
		filepath.Join(d.dataDir, "dead_letters"), cfg, clock.System{}, d.logger, d.logLevel)
	sweeper.SetEventBus(d.eventBus)

	d.mu.Lock()
	d.dispatcher = dispatcher
	d.sweeper = sweeper
	d.config.Delivery = cfg
	d.mu.Unlock()
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := os.MkdirAll(filepath.Join(d.dataDir, "locks"), 0755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(dispatch.LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	// Watch the config file's directory; editors replace the file rather
	// than writing in place, so watching the path itself misses updates.
	if d.configPath != "" {
		if err := watcher.Add(filepath.Dir(d.configPath)); err != nil {
			d.cleanup()
			return fmt.Errorf("watch config dir: %w", err)
		}
	}

	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	d.tick()
	d.log(dispatch.LogLevelInfo, "daemon ready interval=%ds", d.config.Daemon.ScanIntervalSec)

	d.waitSignals()
	return nil
}

// tick runs one full engine pass: reminders first so their notifications can
// go out in the same pass, then dispatch, then the dead letter sweep.
func (d *Daemon) tick() {
	ctx := d.ctx

	if fired, err := d.todoBroker.FireDueReminders(ctx); err != nil {
		d.log(dispatch.LogLevelError, "todo_reminders error=%v", err)
	} else if fired > 0 {
		d.log(dispatch.LogLevelInfo, "todo_reminders fired=%d", fired)
	}
	if fired, err := d.eventBroker.FireDueReminders(ctx); err != nil {
		d.log(dispatch.LogLevelError, "event_reminders error=%v", err)
	} else if fired > 0 {
		d.log(dispatch.LogLevelInfo, "event_reminders fired=%d", fired)
	}

	d.mu.RLock()
	dispatcher, sweeper := d.dispatcher, d.sweeper
	d.mu.RUnlock()

	if _, err := dispatcher.Cycle(ctx); err != nil {
		d.log(dispatch.LogLevelError, "dispatch_cycle error=%v", err)
	}
	if swept, err := sweeper.Sweep(ctx); err != nil {
		d.log(dispatch.LogLevelError, "dead_letter_sweep error=%v", err)
	} else if swept > 0 {
		d.log(dispatch.LogLevelInfo, "dead_letter_sweep swept=%d", swept)
	}
}

// DispatchOnce runs a single dispatch cycle plus a dead letter sweep.
func (d *Daemon) DispatchOnce(ctx context.Context) (dispatch.CycleResult, int, error) {
	d.mu.RLock()
	dispatcher, sweeper := d.dispatcher, d.sweeper
	d.mu.RUnlock()

	result, err := dispatcher.Cycle(ctx)
	if err != nil {
		return result, 0, err
	}
	swept, err := sweeper.Sweep(ctx)
	return result, swept, err
}

// RemindOnce fires all due todo and event reminders once.
func (d *Daemon) RemindOnce(ctx context.Context) (int, error) {
	todoFired, err := d.todoBroker.FireDueReminders(ctx)
	if err != nil {
		return todoFired, err
	}
	eventFired, err := d.eventBroker.FireDueReminders(ctx)
	return todoFired + eventFired, err
}

// reloadConfig re-reads the config file and applies the delivery policy to a
// fresh dispatcher and sweeper. Storage, timezone and data dir changes need a
// restart and are ignored with a warning.
func (d *Daemon) reloadConfig() {
	cfg, err := model.LoadConfig(d.configPath)
	if err != nil {
		d.log(dispatch.LogLevelError, "config_reload error=%v", err)
		return
	}
	if cfg.Storage.Path != d.config.Storage.Path ||
		cfg.Daemon.DataDir != d.config.Daemon.DataDir ||
		cfg.Reminder.Timezone != d.config.Reminder.Timezone {
		d.log(dispatch.LogLevelWarn, "config_reload storage/data_dir/timezone changes need a restart")
	}

	d.buildDispatch(cfg.Delivery)
	d.log(dispatch.LogLevelInfo, "config_reload applied max_attempts=%d concurrency=%d",
		cfg.Delivery.MaxAttempts, cfg.Delivery.SendConcurrency)
}

// fsnotifyLoop reacts to config file changes.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Name == d.configPath && (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				d.log(dispatch.LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.reloadConfig()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(dispatch.LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// tickerLoop triggers engine passes at the configured cadence.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.log(dispatch.LogLevelDebug, "tick")
			d.tick()
		}
	}
}

func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(dispatch.LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal forces exit.
	go func() {
		<-sigCh
		d.log(dispatch.LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(dispatch.LogLevelInfo, "shutdown started")

		d.cancel()
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}

		timeout := d.config.Daemon.ShutdownTimeoutSec
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log(dispatch.LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(dispatch.LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		d.cleanup()
		d.log(dispatch.LogLevelInfo, "daemon stopped")
	})
}

// Close releases resources for a daemon that never entered Run.
func (d *Daemon) Close() {
	d.shutdown.Do(func() {
		d.cancel()
		d.ticker.Stop()
		d.cleanup()
	})
}

func (d *Daemon) cleanup() {
	d.eventBus.Close()
	if d.audit != nil {
		d.audit.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level dispatch.LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), level, msg)
}

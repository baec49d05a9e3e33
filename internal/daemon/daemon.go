// Package daemon is the dispatchd composition root: it owns the request
// queue, rate limiter, router, agents and fallback chain, runs the consumer
// loop, watches the inbox directory and serves the control socket.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/dispatchd/internal/agents"
	"github.com/msageha/dispatchd/internal/events"
	"github.com/msageha/dispatchd/internal/fallback"
	"github.com/msageha/dispatchd/internal/llm"
	"github.com/msageha/dispatchd/internal/lock"
	"github.com/msageha/dispatchd/internal/metrics"
	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/queue"
	"github.com/msageha/dispatchd/internal/ratelimit"
	"github.com/msageha/dispatchd/internal/router"
	"github.com/msageha/dispatchd/internal/uds"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Daemon is the main dispatchd process.
type Daemon struct {
	stateDir string
	config   model.Config
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	requests  *queue.RequestQueue
	limiter   *ratelimit.RateLimiter
	registry  *agents.Registry
	router    *router.RouterService
	fallbacks *fallback.Manager
	sessions  *lock.MutexMap

	bus       *events.Bus
	audit     *events.AuditLogger
	collector *metrics.Collector
	metricSrv *metrics.Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	startedAt time.Time
	served    atomic.Int64

	forceExit atomic.Bool
}

// New creates a Daemon logging to <stateDir>/logs/daemon.log.
func New(stateDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(stateDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(stateDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(stateDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	logger := log.New(w, "", 0)

	d := &Daemon{
		stateDir:  stateDir,
		config:    cfg,
		logLevel:  parseLogLevel(cfg.Logging.Level),
		logger:    logger,
		logFile:   closer,
		fileLock:  lock.NewFileLock(filepath.Join(stateDir, "locks", "daemon.lock")),
		server:    uds.NewServer(filepath.Join(stateDir, uds.DefaultSocketName), logger),
		ticker:    time.NewTicker(time.Duration(cfg.Daemon.ScanIntervalSec) * time.Second),
		sessions:  lock.NewMutexMap(),
		bus:       events.NewBus(256),
		collector: metrics.NewCollector(),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}

	return d, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	// Step 1: Acquire file lock
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	// Step 2: Build the dispatch stack
	d.buildStack(llm.New(d.config.LLM))

	// Step 3: Audit log subscribes to the whole lifecycle
	audit, err := events.NewAuditLogger(filepath.Join(d.stateDir, "logs", "audit.jsonl"), 0)
	if err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	d.bus.SubscribeAll(d.audit.Record)

	// Step 4: Init inbox watcher
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	inboxDir := d.inboxDir()
	if err := os.MkdirAll(inboxDir, 0755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure dir %s: %w", inboxDir, err)
	}
	if err := watcher.Add(inboxDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", inboxDir, err)
	}

	// Step 5: Register UDS handlers and start the control socket
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(d.stateDir, uds.DefaultSocketName))

	// Step 6: Metrics endpoint (optional)
	d.metricSrv = metrics.NewServer(d.config.Daemon.MetricsPort, d.collector)
	if d.metricSrv != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.metricSrv.Start(); err != nil {
				d.log(LogLevelError, "metrics server: %v", err)
			}
		}()
		d.log(LogLevelInfo, "metrics listening on :%d", d.config.Daemon.MetricsPort)
	}

	// Step 7: Background loops and consumers
	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	for i := 0; i < d.config.Daemon.Consumers; i++ {
		d.wg.Add(1)
		go d.consumerLoop(i)
	}

	// Step 8: Initial inbox scan
	d.scanInbox()
	d.log(LogLevelInfo, "daemon ready consumers=%d", d.config.Daemon.Consumers)

	// Step 9: Wait for signals
	d.waitSignals()

	return nil
}

// buildStack wires the dispatch pipeline around the given completion
// client. Split from Run so tests can inject a stub client.
func (d *Daemon) buildStack(client llm.Client) {
	d.requests = queue.New(d.config.Queue, filepath.Join(d.stateDir, "dead_letters"), d.logger)
	d.limiter = ratelimit.New(d.config.Limits, d.logger)
	d.registry = agents.NewRegistry(d.config.Breaker, d.logger)
	d.registry.RegisterBuiltins(client, d.config.Agents)
	d.router = router.New(client,
		time.Duration(d.config.Router.IntentCacheTTLSec)*time.Second,
		d.logger,
		d.handlerChain()...)
	d.fallbacks = fallback.NewManager(client, d.logger)
}

// handlerChain is the fixed routing order: specific intents first, general
// conversation as the catch-all.
func (d *Daemon) handlerChain() []router.IntentionHandler {
	agentCall := func(agentType string) router.AgentFunc {
		return func(ctx context.Context, in router.Input) (model.Response, error) {
			return d.registry.Process(ctx, agentType, agents.Input{
				Command:    in.Command,
				SessionID:  in.SessionID,
				Complexity: in.Complexity,
			})
		}
	}

	chain := []router.IntentionHandler{
		router.NewAgentHandler(model.IntentWeather, model.IntentWeather, agentCall(model.IntentWeather)),
		router.NewAgentHandler(model.IntentSearch, model.IntentSearch, agentCall(model.IntentSearch)),
		router.NewAgentHandler(model.IntentRAG, model.IntentRAG, agentCall(model.IntentRAG)),
		// Cooking and shopping have no dedicated backend; the chat agent
		// answers them when enabled.
		router.NewAgentHandler(model.IntentCooking, model.IntentGeneral, agentCall(model.IntentGeneral)),
		router.NewAgentHandler(model.IntentShopping, model.IntentGeneral, agentCall(model.IntentGeneral)),
		router.NewCatchAllHandler(model.IntentGeneral, agentCall(model.IntentGeneral)),
	}
	return chain
}

func (d *Daemon) inboxDir() string {
	return filepath.Join(d.stateDir, "inbox")
}

// fsnotifyLoop reacts to files dropped into the inbox.
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
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.handleInboxFile(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// tickerLoop refreshes queue gauges and rescans the inbox for files the
// watcher may have missed.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.collector.UpdateQueueStats(d.requests.Depth(), d.requests.DeadLetterDepth())
			d.scanInbox()
		}
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		// 1. Cancel context (stops consumers taking new work)
		d.cancel()

		// 2. Stop producers
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}
		if d.metricSrv != nil {
			d.metricSrv.Stop(context.Background())
		}

		// 3. Drain in-flight with timeout
		timeout := d.config.Daemon.ShutdownTimeoutSec

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		// 4. Cleanup
		d.bus.Close()
		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	os.Remove(filepath.Join(d.stateDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.audit != nil {
		d.audit.Close()
	}
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}

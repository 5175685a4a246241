package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wordflow/autopilot/internal/acceptance"
	"github.com/wordflow/autopilot/internal/allocator"
	"github.com/wordflow/autopilot/internal/broadcast"
	"github.com/wordflow/autopilot/internal/browser"
	"github.com/wordflow/autopilot/internal/calendar"
	"github.com/wordflow/autopilot/internal/capacity"
	"github.com/wordflow/autopilot/internal/config"
	"github.com/wordflow/autopilot/internal/coordinator"
	"github.com/wordflow/autopilot/internal/dashboard"
	"github.com/wordflow/autopilot/internal/journal"
	"github.com/wordflow/autopilot/internal/logger"
	"github.com/wordflow/autopilot/internal/mailbox"
	"github.com/wordflow/autopilot/internal/metrics"
	"github.com/wordflow/autopilot/internal/notify"
	"github.com/wordflow/autopilot/internal/queue"
	"github.com/wordflow/autopilot/internal/sheet"
	"github.com/wordflow/autopilot/internal/state"
	"github.com/wordflow/autopilot/internal/statussync"
	"github.com/wordflow/autopilot/internal/verifier"
)

// Exit codes: 0 normal shutdown, 1 fatal error, 12 login-expired restart
// (the supervisor restarts the process with fresh credentials).
const exitLoginExpired = 12

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()

	log, err := logger.New(cfg.Env)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		return 1
	}
	defer log.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Errorw("failed to create data dir", "error", err)
		return 1
	}

	stateMgr := state.NewManager(log)
	stateMgr.SetSystemStatus(state.SystemInitializing)

	statePath := filepath.Join(cfg.DataDir, "state.json")
	tasksPath := filepath.Join(cfg.DataDir, "acceptedTasks.json")
	if err := stateMgr.LoadFromFile(statePath); err != nil {
		log.Warnw("state restore failed", "error", err)
	}

	cal, err := calendar.New(filepath.Join(cfg.DataDir, "holidays.json"), log)
	if err != nil {
		log.Errorw("failed to load calendar", "error", err)
		return 1
	}
	defer cal.Close()

	store, err := capacity.NewStore(cfg.DataDir, cfg.DefaultDailyCap, log)
	if err != nil {
		log.Errorw("failed to open capacity store", "error", err)
		return 1
	}
	quota := capacity.NewQuotaTracker(filepath.Join(cfg.DataDir, "wordQuota.json"), cfg.DailyQuota, cfg.QuotaResetHour, nil, log)
	history := capacity.NewHistory(filepath.Join(cfg.DataDir, "capacityHistory.json"), nil, log)

	alloc := allocator.New(cal, store, cfg.UrgentDaysThreshold, nil, cfg.Location)
	engine := acceptance.New(alloc, acceptance.Policy{
		WorkStartHour:        cfg.WorkStartHour,
		WorkEndHour:          cfg.WorkEndHour,
		UrgentHoursThreshold: cfg.UrgentHoursThreshold,
		ShiftNightDeadline:   cfg.ShiftNightDeadline,
	}, nil, cfg.Location)

	prom := metrics.NewProm(prometheus.DefaultRegisterer)
	collector := metrics.NewCollector(prom)

	if err := browser.BootstrapProfiles(cfg.ProfileRoot, cfg.PoolSize); err != nil {
		log.Errorw("browser profile bootstrap failed", "error", err)
		return 1
	}
	pool := browser.NewPool(cfg.PoolSize, cfg.ProfileRoot, browser.NewChromeLauncher(true, log), log)

	jr, err := journal.Open(cfg.JournalPath, log)
	if err != nil {
		log.Errorw("failed to open journal", "error", err)
		return 1
	}
	defer jr.Close()

	mirror, err := sheet.NewMirror(cfg.SheetMirrorPath)
	if err != nil {
		log.Warnw("sheet mirror unavailable", "error", err)
		mirror = nil
	}
	recorder := sheet.NewWebhookRecorder(cfg.SheetWebhookURL, mirror, log)
	notifier := notify.NewWebhookNotifier(cfg.NotifyURL, log)

	ver := verifier.New(pool, store, notifier, nil, log)

	loginExpired := make(chan struct{}, 1)
	coordOpts := coordinator.Options{
		Engine:           engine,
		State:            stateMgr,
		Capacity:         store,
		Quota:            quota,
		History:          history,
		Pool:             pool,
		Recorder:         recorder,
		Notifier:         notifier,
		Collector:        collector,
		Verifier:         ver,
		Script:           acceptScript,
		TaskTimeout:      cfg.TaskTimeout,
		AcquireTimeout:   cfg.AcquireTimeout,
		VerifyAfter:      cfg.VerifyAfter,
		FailureThreshold: cfg.FailureThreshold,
		URLRewriteMode:   cfg.URLRewriteMode,
		OnLoginExpired: func() {
			select {
			case loginExpired <- struct{}{}:
			default:
			}
		},
		Logger: log,
	}

	var coord *coordinator.Coordinator
	mainQueue := queue.New(cfg.QueueConcurrency, queue.Callbacks{
		OnSuccess: func(r interface{}) { coord.Callbacks().OnSuccess(r) },
		OnError:   func(e error) { coord.Callbacks().OnError(e) },
	}, jr, log)
	metaQueue := queue.New(cfg.MetaConcurrency, queue.Callbacks{
		OnError: func(e error) { log.Warnw("side-effect task failed", "error", e) },
	}, nil, log)
	coord = coordinator.New(coordOpts, mainQueue, metaQueue)

	hub := dashboard.NewHub(func() interface{} { return stateMgr.Snapshot() }, log)
	caster, err := broadcast.New(stateMgr, hub, cfg.DebounceInterval, log)
	if err != nil {
		log.Errorw("failed to start broadcaster", "error", err)
		return 1
	}
	defer caster.Close()

	syncer := statussync.New(stateMgr, store, recorder, notifier, statussync.Events{}, cfg.SyncInterval, nil, cfg.Location, log)
	server := dashboard.NewServer(hub, collector, syncer, log)

	listener, err := mailbox.NewDirListener(filepath.Join(cfg.DataDir, "inbox"), log)
	if err != nil {
		log.Errorw("failed to create offer listener", "error", err)
		return 1
	}

	initCtx, cancelInit := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := pool.Init(initCtx); err != nil {
		cancelInit()
		log.Errorw("browser pool initialization failed", "error", err)
		return 1
	}
	cancelInit()
	stateMgr.SetBrowserPool(poolStatus(pool))

	ver.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(cfg.ListenAddr) })
	g.Go(func() error { return listener.Start(coord.HandleOffer) })
	g.Go(func() error { syncer.Run(gctx); return nil })
	g.Go(func() error { saveLoop(gctx, stateMgr, statePath, tasksPath, log); return nil })
	g.Go(func() error { poolStatusLoop(gctx, stateMgr, pool, collector, prom, mainQueue); return nil })

	stateMgr.SetSystemStatus(state.SystemRunning)
	log.Infow("autopilot running", "addr", cfg.ListenAddr, "poolSize", cfg.PoolSize, "concurrency", cfg.QueueConcurrency)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case s := <-sig:
		log.Infow("shutdown signal received", "signal", s.String())
	case <-loginExpired:
		log.Errorw("login expired, exiting for supervised restart")
		code = exitLoginExpired
	}

	if err := listener.Stop(); err != nil {
		log.Warnw("offer listener stop failed", "error", err)
	}
	shutdown(cancel, stateMgr, mainQueue, ver, pool, server, statePath, tasksPath, log)
	_ = g.Wait()
	return code
}

// shutdown drains workers and persists state: status shutting_down, stop
// timers, drain or time out the queue, close pool and server, save state.
func shutdown(cancel context.CancelFunc, stateMgr *state.Manager, mainQueue *queue.Queue, ver *verifier.Verifier, pool *browser.Pool, server *dashboard.Server, statePath, tasksPath string, log *zap.SugaredLogger) {
	stateMgr.SetSystemStatus(state.SystemShuttingDown)
	cancel()

	mainQueue.Close()
	if !mainQueue.Drain(30 * time.Second) {
		log.Warnw("queue drain timed out")
	}
	ver.Stop()
	pool.CloseAll()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("dashboard shutdown failed", "error", err)
	}
	cancelShutdown()

	if err := stateMgr.SaveToFile(statePath, tasksPath); err != nil {
		log.Errorw("final state save failed", "error", err)
	}
	log.Infow("shutdown complete")
}

// saveLoop persists the state snapshot periodically.
func saveLoop(ctx context.Context, stateMgr *state.Manager, statePath, tasksPath string, log *zap.SugaredLogger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := stateMgr.SaveToFile(statePath, tasksPath); err != nil {
				log.Warnw("periodic state save failed", "error", err)
			}
		}
	}
}

// poolStatusLoop mirrors pool and queue health into the state manager and
// metrics.
func poolStatusLoop(ctx context.Context, stateMgr *state.Manager, pool *browser.Pool, collector *metrics.Collector, prom *metrics.Prom, q *queue.Queue) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := poolStatus(pool)
			stateMgr.SetBrowserPool(st)
			collector.SetBrowserPool(st)
			prom.SetPool(st.Available, st.Busy)
			pending, _ := q.Len()
			prom.SetQueueDepth(pending)
		}
	}
}

func poolStatus(pool *browser.Pool) state.BrowserPoolStatus {
	st := pool.Status()
	return state.BrowserPoolStatus{
		Total:       st.Total,
		Available:   st.Available,
		Busy:        st.Busy,
		Initialized: st.Initialized,
	}
}

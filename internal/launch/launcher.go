package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"aflrunner/config"
	"aflrunner/internal/afl"
	"aflrunner/internal/types"
	"aflrunner/pkg/database"
	"aflrunner/pkg/telemetry"
	"aflrunner/pkg/watchdog"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrEmptyPlan = errors.New("plan has no invocations")

// Launcher runs every invocation of a plan as a sibling afl-fuzz process.
type Launcher struct {
	logger      *zap.Logger
	watchDogFac *watchdog.WatchDogFactory
	store       *database.PlanStore
	db          *gorm.DB
	grace       time.Duration
	interval    time.Duration
	environ     []string
}

type LauncherParams struct {
	fx.In

	Logger      *zap.Logger
	WatchDogFac *watchdog.WatchDogFactory
	AppConfig   *config.AppConfig
	Store       *database.PlanStore `optional:"true"`
	DB          *gorm.DB            `optional:"true"`
	Environ     []string            `name:"environ"`
}

func NewLauncher(p LauncherParams) *Launcher {
	return &Launcher{
		logger:      p.Logger.Named("launch"),
		watchDogFac: p.WatchDogFac,
		store:       p.Store,
		db:          p.DB,
		grace:       p.AppConfig.GracePeriod,
		interval:    p.AppConfig.MonitorInterval,
		environ:     p.Environ,
	}
}

// Launch starts all workers of plan and returns immediately. Workers run until
// timeout elapses (zero means no limit) or ctx is done; each then gets SIGINT
// and, after the grace period, SIGKILL.
//
// Both channels of the returned Handler must be drained.
func (l *Launcher) Launch(ctx context.Context, campaignID string, plan *afl.Plan, timeout time.Duration) (*Handler, error) {
	if plan == nil || len(plan.Invocations) == 0 {
		return nil, ErrEmptyPlan
	}
	outputDir := plan.Invocations[0].OutputDir
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	logger := l.logger.With(zap.String("campaign_id", campaignID))
	tracer := telemetry.FromContext(ctx).Spawn("afl campaign")
	tracer.WithAttributes(telemetry.NewSpanAttributes(telemetry.Fuzzing).
		WithCampaignID(campaignID).
		WithMode(plan.Mode.String()).
		WithRunners(len(plan.Invocations)))
	tracer.Start()

	var (
		fuzzCtx    context.Context
		cancelFuzz context.CancelFunc
	)
	if timeout > 0 {
		fuzzCtx, cancelFuzz = context.WithTimeout(telemetry.ContextWithTracer(ctx, tracer), timeout)
	} else {
		fuzzCtx, cancelFuzz = context.WithCancel(telemetry.ContextWithTracer(ctx, tracer))
	}
	watchCtx, cancelWatch := context.WithCancel(ctx)

	crashNotify := make(chan string, 1024)
	crashWatchDog, err := l.watchDogFac.New(watchCtx, crashNotify, filterCrashFiles)
	if err != nil {
		cancelFuzz()
		cancelWatch()
		tracer.End()
		return nil, err
	}
	queueNotify := make(chan string, 1024)
	queueWatchDog, err := l.watchDogFac.New(watchCtx, queueNotify, filterQueueFiles)
	if err != nil {
		cancelFuzz()
		cancelWatch()
		tracer.End()
		return nil, err
	}

	h := &Handler{
		campaignID:    campaignID,
		outputDir:     outputDir,
		crashChan:     make(chan types.CrashMessage, 1024),
		queueChan:     make(chan types.QueueMessage, 1024),
		crashWatchDog: crashWatchDog,
		queueWatchDog: queueWatchDog,
		interval:      l.interval,
		logger:        logger,
		results:       make([]Result, len(plan.Invocations)),
		done:          make(chan struct{}),
	}
	for i, inv := range plan.Invocations {
		inst := newInstance(i, inv, l.environ, logger)
		h.instances = append(h.instances, inst)
		if inv.IsMain() {
			h.primary = inst
		}
	}
	if h.primary == nil {
		h.primary = h.instances[0]
	}

	rows := l.persistWorkers(ctx, campaignID, h.instances, logger)

	for i, inst := range h.instances {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			res := inst.Fuzz(fuzzCtx, l.grace, func(pid int) {
				l.workerStarted(ctx, campaignID, inst, rows[i], pid, logger)
			})
			l.workerFinished(ctx, campaignID, res, rows[i], logger)
			h.record(res)
		}()
	}

	crashScan := make(chan string, 64)
	queueScan := make(chan string, 64)
	go h.crashProxy(merge(crashNotify, crashScan))
	go h.queueProxy(merge(queueNotify, queueScan))

	var monitors sync.WaitGroup
	monitors.Add(2)
	go func() {
		defer monitors.Done()
		h.startCrashMonitor(watchCtx, crashScan)
	}()
	go func() {
		defer monitors.Done()
		h.startQueueMonitor(watchCtx, queueScan)
	}()
	go h.startLivenessMonitor(func(alive int) {
		tracer.AddEvent("liveness", telemetry.NewEventAttributes(map[string]string{
			"alive": fmt.Sprint(alive),
		}))
	})

	go func() {
		h.wg.Wait()
		cancelFuzz()
		close(h.done)
		monitors.Wait()
		cancelWatch()
		tracer.End()
		logger.Info("all workers exited")
	}()

	logger.Info("campaign launched",
		zap.Int("workers", len(h.instances)),
		zap.String("primary", h.primary.Name),
		zap.Duration("timeout", timeout))
	return h, nil
}

func (l *Launcher) persistWorkers(ctx context.Context, campaignID string, instances []*Instance, logger *zap.Logger) []*database.Worker {
	rows := make([]*database.Worker, len(instances))
	for i, inst := range instances {
		rows[i] = database.NewWorker(campaignID, inst.Index, inst.Name, inst.Invocation.Assemble())
		if err := l.store.SetWorkerStatus(ctx, campaignID, inst.Name, 0, database.WorkerPending); err != nil {
			logger.Warn("failed to store worker status", zap.String("worker", inst.Name), zap.Error(err))
		}
	}
	if l.db == nil {
		return rows
	}
	if err := database.AddWorkers(ctx, l.db, rows); err != nil {
		logger.Error("failed to persist workers", zap.Error(err))
		// keep running without per-worker rows
		return make([]*database.Worker, len(instances))
	}
	return rows
}

func (l *Launcher) workerStarted(ctx context.Context, campaignID string, inst *Instance, row *database.Worker, pid int, logger *zap.Logger) {
	if err := l.store.SetWorkerStatus(ctx, campaignID, inst.Name, pid, database.WorkerRunning); err != nil {
		logger.Warn("failed to store worker status", zap.String("worker", inst.Name), zap.Error(err))
	}
	if l.db != nil && row != nil && row.ID != 0 {
		if err := database.MarkWorkerStarted(ctx, l.db, row, pid); err != nil {
			logger.Warn("failed to update worker", zap.String("worker", inst.Name), zap.Error(err))
		}
	}
}

func (l *Launcher) workerFinished(ctx context.Context, campaignID string, res Result, row *database.Worker, logger *zap.Logger) {
	if err := l.store.SetWorkerStatus(ctx, campaignID, res.Name, res.PID, res.Status); err != nil {
		logger.Warn("failed to store worker status", zap.String("worker", res.Name), zap.Error(err))
	}
	if l.db != nil && row != nil && row.ID != 0 {
		if err := database.MarkWorkerFinished(ctx, l.db, row, res.Status, res.Stats); err != nil {
			logger.Warn("failed to update worker", zap.String("worker", res.Name), zap.Error(err))
		}
	}
	logger.Info("worker exited",
		zap.String("worker", res.Name),
		zap.Int("pid", res.PID),
		zap.String("status", string(res.Status)),
		zap.String("execs_done", res.Stats["execs_done"]))
}

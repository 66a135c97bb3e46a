package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"aflrunner/config"
	"aflrunner/internal/afl"
	"aflrunner/internal/crash"
	"aflrunner/internal/launch"
	"aflrunner/internal/seeds"
	"aflrunner/internal/types"
	"aflrunner/internal/utils"
	"aflrunner/pkg/database"
	"aflrunner/pkg/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	crashStoreDir = "aflr_crashes"
	seedBundleDir = "aflr_seed_bundles"
	seedInputDir  = "aflr_seed_input"
)

type campaignRunner struct {
	appConfig    *config.AppConfig
	generator    *afl.Generator
	launcher     *launch.Launcher
	crashes      *crash.CrashManager
	seeds        *seeds.SeedManager
	store        *database.PlanStore
	db           *gorm.DB
	traceFactory *telemetry.TracerFactory
	logger       *zap.Logger
}

type campaignRunnerParams struct {
	fx.In

	AppConfig    *config.AppConfig
	Generator    *afl.Generator
	Launcher     *launch.Launcher
	Crashes      *crash.CrashManager
	Seeds        *seeds.SeedManager
	Store        *database.PlanStore
	DB           *gorm.DB `optional:"true"`
	TraceFactory *telemetry.TracerFactory
	Logger       *zap.Logger
}

func newCampaignRunner(p campaignRunnerParams) *campaignRunner {
	return &campaignRunner{
		appConfig:    p.AppConfig,
		generator:    p.Generator,
		launcher:     p.Launcher,
		crashes:      p.Crashes,
		seeds:        p.Seeds,
		store:        p.Store,
		db:           p.DB,
		traceFactory: p.TraceFactory,
		logger:       p.Logger,
	}
}

// planned is a generated campaign together with the span that follows it.
type planned struct {
	id      string
	harness *types.Harness
	plan    *afl.Plan
	tracer  telemetry.Tracer
}

// plan generates the invocations and records the campaign in redis and postgres.
// The caller ends the returned tracer.
func (r *campaignRunner) plan(ctx context.Context, file *config.CampaignFile) (*planned, error) {
	harness, err := file.Harness()
	if err != nil {
		return nil, err
	}
	opts, err := file.GenerateOptions()
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	tracer := r.traceFactory.NewTracer(ctx, "afl campaign "+id)
	tracer.WithAttributes(telemetry.NewSpanAttributes(telemetry.Generation).
		WithCampaignID(id).
		WithMode(opts.Mode.String()).
		WithRunners(opts.Runners).
		WithTarget(harness.TargetBin))
	tracer.Start()

	plan, err := r.generator.Run(harness, file.CampaignConfig(), opts)
	if err != nil {
		tracer.SetStatus(codes.Error, err.Error())
		tracer.End()
		return nil, err
	}

	p := &planned{id: id, harness: harness, plan: plan, tracer: tracer}
	r.persist(ctx, p)
	return p, nil
}

// persist stores the plan in every configured backend. Failures are logged only.
func (r *campaignRunner) persist(ctx context.Context, p *planned) {
	commands := p.plan.Commands()
	logger := r.logger.With(zap.String("campaign_id", p.id))

	rec := &database.PlanRecord{
		CampaignID:   p.id,
		Mode:         p.plan.Mode.String(),
		Seed:         p.plan.Seed,
		Target:       p.harness.TargetBin,
		CoverageBin:  p.harness.CoverageBin,
		Commands:     commands,
		TraceContext: p.tracer.Export(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.store.SavePlan(ctx, rec); err != nil {
		logger.Warn("failed to store plan in redis", zap.Error(err))
	}

	if r.db == nil {
		return
	}
	campaign, err := database.NewCampaign(p.id, rec.Mode, rec.Seed, rec.Target, rec.CoverageBin, commands)
	if err != nil {
		logger.Error("failed to encode campaign", zap.Error(err))
		return
	}
	if err := database.AddCampaign(ctx, r.db, campaign); err != nil {
		logger.Error("failed to persist campaign", zap.Error(err))
	}
}

func (r *campaignRunner) setStatus(ctx context.Context, id string, status database.CampaignStatusEnum) {
	if r.db == nil {
		return
	}
	if err := database.UpdateCampaignStatus(ctx, r.db, id, status); err != nil {
		r.logger.Warn("failed to update campaign status", zap.String("campaign_id", id), zap.Error(err))
	}
}

// generate prints one command per line and optionally writes them to outPath.
func (r *campaignRunner) generate(ctx context.Context, file *config.CampaignFile, w io.Writer, outPath string) error {
	p, err := r.plan(ctx, file)
	if err != nil {
		return err
	}
	defer p.tracer.End()

	text := strings.Join(p.plan.Commands(), "\n") + "\n"
	if _, err := io.WriteString(w, text); err != nil {
		return err
	}
	if outPath == "" {
		return nil
	}
	if err := os.WriteFile(outPath, []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to write commands: %w", err)
	}
	r.logger.Info("commands written", zap.String("path", outPath), zap.String("campaign_id", p.id))
	return nil
}

// run launches every worker, collects crashes and blocks until all workers exited.
func (r *campaignRunner) run(ctx context.Context, file *config.CampaignFile) error {
	timeout, err := file.RunTimeout()
	if err != nil {
		return err
	}
	if err := r.unpackSeeds(file); err != nil {
		return err
	}
	p, err := r.plan(ctx, file)
	if err != nil {
		return err
	}
	defer p.tracer.End()
	logger := r.logger.With(zap.String("campaign_id", p.id))

	// bookkeeping must survive an interrupt of the campaign itself
	persistCtx := context.WithoutCancel(ctx)

	h, err := r.launcher.Launch(telemetry.ContextWithTracer(ctx, p.tracer), p.id, p.plan, timeout)
	if err != nil {
		p.tracer.SetStatus(codes.Error, err.Error())
		r.setStatus(persistCtx, p.id, database.CampaignFailed)
		return err
	}
	r.setStatus(persistCtx, p.id, database.CampaignRunning)

	crashDir := r.appConfig.CrashDir
	if crashDir == "" {
		crashDir = filepath.Join(file.AFL.OutputDir, crashStoreDir)
	}
	r.crashes.RegisterCrashChan(telemetry.ContextWithTracer(persistCtx, p.tracer), crashDir, h.ConsumeCrashes())

	bundleDir := r.appConfig.SeedDir
	if bundleDir == "" {
		bundleDir = filepath.Join(file.AFL.OutputDir, seedBundleDir)
	}
	r.seeds.RegisterQueueChan(bundleDir, h.ConsumeQueue())

	results := h.Wait()
	failed := 0
	for _, res := range results {
		if res.Status == database.WorkerFailed {
			failed++
		}
	}
	status := database.CampaignFinished
	if failed == len(results) {
		status = database.CampaignFailed
		p.tracer.SetStatus(codes.Error, "every worker failed")
	}
	r.setStatus(persistCtx, p.id, status)

	logger.Info("campaign finished",
		zap.Int("workers", len(results)),
		zap.Int("failed", failed),
		zap.String("crash_dir", crashDir),
		zap.String("seed_bundle_dir", bundleDir))

	if status == database.CampaignFailed {
		return fmt.Errorf("campaign %s: all %d workers failed", p.id, failed)
	}
	return nil
}

// unpackSeeds replaces a tar.gz seed input (such as a bundle of an earlier
// campaign) by the directory it was extracted to.
func (r *campaignRunner) unpackSeeds(file *config.CampaignFile) error {
	if !utils.IsTarGz(file.AFL.InputDir) {
		return nil
	}
	dst := filepath.Join(file.AFL.OutputDir, seedInputDir)
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("failed to create seed input directory: %w", err)
	}
	if err := utils.UnpackTarGz(file.AFL.InputDir, dst); err != nil {
		return err
	}
	r.logger.Info("unpacked seed archive", zap.String("archive", file.AFL.InputDir), zap.String("input", dst))
	file.AFL.InputDir = dst
	return nil
}

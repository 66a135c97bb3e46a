package crash

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"aflrunner/internal/types"
	"aflrunner/pkg/database"
	"aflrunner/pkg/mq"
	"aflrunner/pkg/telemetry"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const CrashQueue = "aflr_crash_queue"

type crashJob struct {
	msg   types.CrashMessage
	store string
}

// CrashManager copies every crash reported by a campaign into a content-addressed
// store, records it in the database and announces it on the crash queue.
// Database and queue are optional.
type CrashManager struct {
	db     *gorm.DB
	mq     mq.RabbitMQ
	logger *zap.Logger

	jobs chan crashJob
	wg   sync.WaitGroup
	done chan struct{}

	mu     sync.Mutex
	seen   map[string]struct{} // campaign id + md5
	unique int
}

type CrashManagerParams struct {
	fx.In

	DB        *gorm.DB    `optional:"true"`
	MQ        mq.RabbitMQ `optional:"true"`
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

func NewCrashManager(p CrashManagerParams) *CrashManager {
	c := newCrashManager(p.DB, p.MQ, p.Logger)

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			c.logger.Debug("starting crash manager")
			go c.start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.logger.Info("stopping crash manager")
			c.shutdown()
			return nil
		},
	})

	return c
}

func newCrashManager(db *gorm.DB, queue mq.RabbitMQ, logger *zap.Logger) *CrashManager {
	return &CrashManager{
		db:     db,
		mq:     queue,
		logger: logger.Named("crash"),
		jobs:   make(chan crashJob, 1024),
		done:   make(chan struct{}),
		seen:   make(map[string]struct{}),
	}
}

// shutdown waits for every registered channel to close, then drains the queue.
func (c *CrashManager) shutdown() {
	c.wg.Wait()
	close(c.jobs)
	<-c.done
}

// RegisterCrashChan forwards every crash received on rCh into the store directory.
// The manager keeps running until rCh is closed.
func (c *CrashManager) RegisterCrashChan(ctx context.Context, store string, rCh <-chan types.CrashMessage) {
	c.wg.Add(1)
	tracer := telemetry.FromContext(ctx).Spawn("crash manager")
	tracer.WithAttributes(telemetry.NewSpanAttributes(telemetry.CrashTriage))
	tracer.Start()
	go func() {
		defer c.wg.Done()
		defer tracer.End()

		received := 0
		for msg := range rCh {
			received++
			if received == 1 {
				tracer.AddEvent("first_crash_found", telemetry.NewEventAttributes(map[string]string{
					"crash_name": filepath.Base(msg.CrashFile),
					"worker":     msg.Worker,
				}))
			}
			c.jobs <- crashJob{msg: msg, store: store}
		}
		c.logger.Debug("crash channel closed", zap.Int("received", received))
		tracer.WithAttributes(telemetry.EmptySpanAttributes().WithExtraAttribute("crashes_received", received))
	}()
	c.logger.Debug("new crash channel registered", zap.String("store", store))
}

// UniqueCrashes returns the number of distinct crash inputs stored so far.
func (c *CrashManager) UniqueCrashes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unique
}

func (c *CrashManager) start() {
	defer close(c.done)
	for job := range c.jobs {
		if _, err := c.processCrashFile(context.Background(), job.store, job.msg); err != nil {
			c.logger.Error("failed to process crash file", zap.String("file", job.msg.CrashFile), zap.Error(err))
		}
	}
}

// processCrashFile stores a single crash. It reports false for inputs already seen in the campaign.
func (c *CrashManager) processCrashFile(ctx context.Context, store string, msg types.CrashMessage) (bool, error) {
	crashData, err := os.ReadFile(msg.CrashFile)
	if err != nil {
		return false, fmt.Errorf("failed to read crash file: %w", err)
	}
	sum := md5.Sum(crashData)
	digest := hex.EncodeToString(sum[:])

	key := msg.CampaignID + "/" + digest
	c.mu.Lock()
	if _, dup := c.seen[key]; dup {
		c.mu.Unlock()
		c.logger.Debug("duplicate crash", zap.String("md5", digest), zap.String("worker", msg.Worker))
		return false, nil
	}
	c.seen[key] = struct{}{}
	c.unique++
	c.mu.Unlock()

	crashStore := filepath.Join(store, msg.CampaignID)
	if err := os.MkdirAll(crashStore, 0755); err != nil {
		return true, fmt.Errorf("failed to create crash store directory: %w", err)
	}
	crashPath := filepath.Join(crashStore, digest)
	if err := os.WriteFile(crashPath, crashData, 0644); err != nil {
		return true, fmt.Errorf("failed to write crash file: %w", err)
	}
	c.logger.Info("new crash",
		zap.String("md5", digest),
		zap.String("worker", msg.Worker),
		zap.String("path", crashPath))

	if c.db != nil {
		row := database.NewCrash(msg.CampaignID, msg.Worker, msg.Target, crashPath, digest)
		if err := database.AddCrash(ctx, c.db, row); err != nil {
			return true, fmt.Errorf("failed to add crash: %w", err)
		}
	}

	if c.mq != nil {
		event := types.CrashEvent{
			CampaignID: msg.CampaignID,
			Worker:     msg.Worker,
			Target:     msg.Target,
			Path:       crashPath,
			MD5:        digest,
		}
		if err := c.mq.PublishJSON(ctx, CrashQueue, event); err != nil {
			tracer := telemetry.FromContext(ctx)
			tracer.SetStatus(codes.Error, "crash event not published")
			return true, fmt.Errorf("failed to publish crash event: %w", err)
		}
	}

	return true, nil
}

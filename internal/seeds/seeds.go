package seeds

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"aflrunner/internal/types"
	"aflrunner/internal/utils"
	"aflrunner/pkg/database"
	"aflrunner/pkg/mq"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	SeedQueue = "aflr_seed_queue"

	defaultBatchSize     = 1024
	defaultFlushInterval = time.Minute
)

type seedJob struct {
	msg       types.QueueMessage
	bundleDir string
}

// SeedManager packs the new queue entries of a campaign into tar.gz bundles so a
// later campaign (or another host) can start from them.
type SeedManager struct {
	mq     mq.RabbitMQ
	db     *gorm.DB
	logger *zap.Logger

	batchSize     int
	flushInterval time.Duration

	jobs chan seedJob
	wg   sync.WaitGroup
	done chan struct{}

	mu      sync.Mutex
	bundles []string
}

type SeedManagerParams struct {
	fx.In

	DB        *gorm.DB    `optional:"true"`
	MQ        mq.RabbitMQ `optional:"true"`
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

func NewSeedManager(p SeedManagerParams) *SeedManager {
	s := newSeedManager(p.DB, p.MQ, p.Logger, defaultBatchSize, defaultFlushInterval)

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.logger.Debug("starting seed manager")
			go s.start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.logger.Debug("stopping seed manager")
			s.shutdown()
			return nil
		},
	})

	return s
}

func newSeedManager(db *gorm.DB, queue mq.RabbitMQ, logger *zap.Logger, batchSize int, flushInterval time.Duration) *SeedManager {
	return &SeedManager{
		mq:            queue,
		db:            db,
		logger:        logger.Named("seeds"),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		jobs:          make(chan seedJob, 1024),
		done:          make(chan struct{}),
	}
}

// shutdown waits until every registered channel is closed, then flushes what is left.
func (s *SeedManager) shutdown() {
	s.wg.Wait()
	close(s.jobs)
	<-s.done
}

// RegisterQueueChan routes the queue entries of rCh into bundles under bundleDir.
func (s *SeedManager) RegisterQueueChan(bundleDir string, rCh <-chan types.QueueMessage) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range rCh {
			s.jobs <- seedJob{msg: msg, bundleDir: bundleDir}
		}
	}()
}

// Bundles returns the paths of every bundle written so far.
func (s *SeedManager) Bundles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bundles...)
}

func (s *SeedManager) start() {
	defer close(s.done)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]seedJob, 0, s.batchSize)
	flush := func() {
		if len(batch) > 0 {
			s.processBatch(batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case job, ok := <-s.jobs:
			if !ok {
				// channel closed: flush any remaining seeds, then exit
				flush()
				return
			}
			batch = append(batch, job)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type campaignBundle struct {
	campaignID string
	bundleDir  string
}

func (s *SeedManager) processBatch(jobs []seedJob) {
	groups := make(map[campaignBundle][]string)
	for _, job := range jobs {
		key := campaignBundle{job.msg.CampaignID, job.bundleDir}
		groups[key] = append(groups[key], job.msg.QueueFile)
	}

	var wg sync.WaitGroup
	for key, files := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path, err := s.bundle(context.Background(), key, files)
			if err != nil {
				s.logger.Error("failed to bundle seeds",
					zap.String("campaign_id", key.campaignID),
					zap.Int("seeds", len(files)),
					zap.Error(err))
				return
			}
			s.mu.Lock()
			s.bundles = append(s.bundles, path)
			s.mu.Unlock()
		}()
	}
	wg.Wait()
}

// bundle writes one tar.gz for files and announces it. Files that vanished in the
// meantime are skipped; the bundle is still written if any file remains.
func (s *SeedManager) bundle(ctx context.Context, key campaignBundle, files []string) (string, error) {
	// use a tmp folder to collect the seeds together
	tmpDir, err := os.MkdirTemp("", "seed-bundle-*")
	if err != nil {
		return "", fmt.Errorf("failed to create tmp dir for seed bundle: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	copied := 0
	for _, file := range files {
		if err := utils.CopyFile(file, filepath.Join(tmpDir, uuid.New().String())); err != nil {
			s.logger.Warn("failed to copy seed", zap.String("file", file), zap.Error(err))
			continue
		}
		copied++
	}
	if copied == 0 {
		return "", fmt.Errorf("none of %d seeds could be copied", len(files))
	}

	bundleDir := filepath.Join(key.bundleDir, key.campaignID)
	if err := os.MkdirAll(bundleDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create bundle directory: %w", err)
	}
	bundlePath := filepath.Join(bundleDir, uuid.New().String()+".tar.gz")
	if err := utils.CompressTarGz(tmpDir, bundlePath); err != nil {
		return "", err
	}
	s.logger.Info("seed bundle written",
		zap.String("campaign_id", key.campaignID),
		zap.String("path", bundlePath),
		zap.Int("seeds", copied))

	if s.mq != nil {
		event := types.SeedBundleEvent{CampaignID: key.campaignID, Path: bundlePath, Seeds: copied}
		if err := s.mq.PublishJSON(ctx, SeedQueue, event); err != nil {
			s.logger.Error("failed to publish seed bundle", zap.Error(err))
		}
	}
	if s.db != nil {
		hostname, _ := os.Hostname()
		row := database.NewSeedBundle(key.campaignID, bundlePath, copied, hostname)
		if err := database.AddSeedBundle(ctx, s.db, row); err != nil {
			s.logger.Error("failed to save seed bundle to database", zap.Error(err))
		}
	}
	return bundlePath, nil
}

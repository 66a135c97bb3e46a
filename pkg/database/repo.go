package database

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// inserts a campaign record into the database
func AddCampaign(ctx context.Context, db *gorm.DB, campaign *Campaign) error {
	if campaign == nil {
		return nil
	}
	return db.WithContext(ctx).Create(campaign).Error
}

func UpdateCampaignStatus(ctx context.Context, db *gorm.DB, id string, status CampaignStatusEnum) error {
	return db.WithContext(ctx).Model(&Campaign{}).Where("id = ?", id).Update("status", status).Error
}

// inserts multiple worker records; IDs are filled in on success
func AddWorkers(ctx context.Context, db *gorm.DB, workers []*Worker) error {
	if len(workers) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(workers).Error
}

func MarkWorkerStarted(ctx context.Context, db *gorm.DB, w *Worker, pid int) error {
	now := time.Now()
	w.PID = pid
	w.Status = WorkerRunning
	w.StartedAt = &now
	return db.WithContext(ctx).Model(w).Select("pid", "status", "started_at").Updates(w).Error
}

// MarkWorkerFinished records the final status and the parsed fuzzer_stats of a worker.
func MarkWorkerFinished(ctx context.Context, db *gorm.DB, w *Worker, status WorkerStatusEnum, stats map[string]string) error {
	now := time.Now()
	w.Status = status
	w.FinishedAt = &now
	if stats != nil {
		payload, err := json.Marshal(stats)
		if err != nil {
			return err
		}
		w.Stats = datatypes.JSON(payload)
	}
	return db.WithContext(ctx).Model(w).Select("status", "finished_at", "stats").Updates(w).Error
}

// inserts a crash record, ignoring duplicates of the same input within a campaign
func AddCrash(ctx context.Context, db *gorm.DB, crash *Crash) error {
	if crash == nil {
		return nil
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(crash).Error
}

func AddSeedBundle(ctx context.Context, db *gorm.DB, bundle *SeedBundle) error {
	if bundle == nil {
		return nil
	}
	return db.WithContext(ctx).Create(bundle).Error
}

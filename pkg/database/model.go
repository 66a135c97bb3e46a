package database

import (
	"encoding/json"
	"strconv"
	"time"

	"gorm.io/datatypes"
)

// CampaignStatusEnum is the lifecycle state of a campaign.
type CampaignStatusEnum string

const (
	CampaignPlanned  CampaignStatusEnum = "planned"
	CampaignRunning  CampaignStatusEnum = "running"
	CampaignFinished CampaignStatusEnum = "finished"
	CampaignFailed   CampaignStatusEnum = "failed"
)

// WorkerStatusEnum is the state of one afl-fuzz process.
type WorkerStatusEnum string

const (
	WorkerPending WorkerStatusEnum = "pending"
	WorkerRunning WorkerStatusEnum = "running"
	WorkerExited  WorkerStatusEnum = "exited"
	WorkerFailed  WorkerStatusEnum = "failed"
)

// Campaign represents the campaigns table.
type Campaign struct {
	ID          string             `gorm:"primaryKey;column:id" json:"id"`
	CreatedAt   time.Time          `gorm:"column:created_at;default:now()" json:"created_at"`
	Mode        string             `gorm:"column:mode;not null" json:"mode"`
	Seed        string             `gorm:"column:seed;not null" json:"seed"` // uint64 does not fit bigint
	Runners     int                `gorm:"column:runners;not null" json:"runners"`
	Target      string             `gorm:"column:target;not null" json:"target"`
	CoverageBin string             `gorm:"column:coverage_bin" json:"coverage_bin,omitempty"`
	Status      CampaignStatusEnum `gorm:"column:status;not null" json:"status"`
	Commands    datatypes.JSON     `gorm:"column:commands;type:jsonb" json:"commands"`
}

func (Campaign) TableName() string {
	return "campaigns"
}

// Worker represents the workers table, one row per afl-fuzz process.
type Worker struct {
	ID         int              `gorm:"primaryKey;column:id" json:"id"`
	CampaignID string           `gorm:"column:campaign_id;not null;index" json:"campaign_id"`
	Index      int              `gorm:"column:worker_index;not null" json:"index"`
	Name       string           `gorm:"column:name;not null" json:"name"`
	Command    string           `gorm:"column:command;not null" json:"command"`
	PID        int              `gorm:"column:pid" json:"pid"`
	Status     WorkerStatusEnum `gorm:"column:status;not null" json:"status"`
	StartedAt  *time.Time       `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time       `gorm:"column:finished_at" json:"finished_at,omitempty"`
	Stats      datatypes.JSON   `gorm:"column:stats;type:jsonb" json:"stats,omitempty"`
}

func (Worker) TableName() string {
	return "workers"
}

// Crash represents the crashes table. MD5 is unique per campaign.
type Crash struct {
	ID         int       `gorm:"primaryKey;column:id" json:"id"`
	CampaignID string    `gorm:"column:campaign_id;not null;uniqueIndex:idx_crash_md5" json:"campaign_id"`
	CreatedAt  time.Time `gorm:"column:created_at;default:now()" json:"created_at"`
	Worker     string    `gorm:"column:worker;not null" json:"worker"`
	Target     string    `gorm:"column:target;not null" json:"target"`
	Path       string    `gorm:"column:path;not null" json:"path"`
	MD5        string    `gorm:"column:md5;size:32;not null;uniqueIndex:idx_crash_md5" json:"md5"`
}

func (Crash) TableName() string {
	return "crashes"
}

// SeedBundle represents the seed_bundles table: a tar.gz of new queue entries.
type SeedBundle struct {
	ID         int       `gorm:"primaryKey;column:id" json:"id"`
	CampaignID string    `gorm:"column:campaign_id;not null;index" json:"campaign_id"`
	CreatedAt  time.Time `gorm:"column:created_at;default:now()" json:"created_at"`
	Path       string    `gorm:"column:path;not null" json:"path"`
	Seeds      int       `gorm:"column:seeds;not null" json:"seeds"`
	Host       string    `gorm:"column:host" json:"host"`
}

func (SeedBundle) TableName() string {
	return "seed_bundles"
}

// NewCampaign creates a planned Campaign row from a generated plan.
func NewCampaign(id, mode string, seed uint64, target, coverageBin string, commands []string) (*Campaign, error) {
	payload, err := json.Marshal(commands)
	if err != nil {
		return nil, err
	}
	return &Campaign{
		ID:          id,
		CreatedAt:   time.Now(),
		Mode:        mode,
		Seed:        strconv.FormatUint(seed, 10),
		Runners:     len(commands),
		Target:      target,
		CoverageBin: coverageBin,
		Status:      CampaignPlanned,
		Commands:    datatypes.JSON(payload),
	}, nil
}

// NewWorker creates a pending Worker row.
func NewWorker(campaignID string, index int, name, command string) *Worker {
	return &Worker{
		CampaignID: campaignID,
		Index:      index,
		Name:       name,
		Command:    command,
		Status:     WorkerPending,
	}
}

// NewCrash creates a Crash row for a deduplicated crash file.
func NewCrash(campaignID, worker, target, path, md5 string) *Crash {
	return &Crash{
		CampaignID: campaignID,
		CreatedAt:  time.Now(),
		Worker:     worker,
		Target:     target,
		Path:       path,
		MD5:        md5,
	}
}

func NewSeedBundle(campaignID, path string, seeds int, host string) *SeedBundle {
	return &SeedBundle{
		CampaignID: campaignID,
		CreatedAt:  time.Now(),
		Path:       path,
		Seeds:      seeds,
		Host:       host,
	}
}

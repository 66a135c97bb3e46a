package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"aflrunner/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrPlanNotFound = errors.New("plan not found")

const (
	planKeyPrefix = "aflr:campaign:"
	// DefaultPlanTTL bounds how long stored plans outlive their campaign.
	DefaultPlanTTL = 7 * 24 * time.Hour
)

type RedisParams struct {
	fx.In

	Config *config.AppConfig
	Logger *zap.Logger
}

// NewRedisClient connects to REDIS_URL. A nil client means the plan store is disabled.
func NewRedisClient(p RedisParams) (*redis.Client, error) {
	if p.Config.RedisUrl == "" {
		p.Logger.Debug("REDIS_URL not set, plan store disabled")
		return nil, nil
	}

	client, err := newRedisClient(p.Config.RedisUrl)
	if err != nil {
		p.Logger.Error("Failed to create Redis client", zap.Error(err))
		return nil, err
	}

	p.Logger.Debug("Redis client created successfully")
	return client, nil
}

func newRedisClient(redisUrl string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(options)

	// Test the connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return client, nil
}

// PlanRecord is the persisted form of a generated campaign.
type PlanRecord struct {
	CampaignID   string    `json:"campaign_id"`
	Mode         string    `json:"mode"`
	Seed         uint64    `json:"seed"`
	Target       string    `json:"target"`
	CoverageBin  string    `json:"coverage_bin,omitempty"`
	Commands     []string  `json:"commands"`
	TraceContext string    `json:"trace_context,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// PlanStore keeps plans and live worker status in redis. A store without a
// client accepts every write and finds nothing.
type PlanStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPlanStore(client *redis.Client) *PlanStore {
	return &PlanStore{client: client, ttl: DefaultPlanTTL}
}

func (s *PlanStore) Enabled() bool {
	return s != nil && s.client != nil
}

func planKey(campaignID string) string {
	return planKeyPrefix + campaignID
}

func workerKey(campaignID, worker string) string {
	return planKeyPrefix + campaignID + ":worker:" + worker
}

func (s *PlanStore) SavePlan(ctx context.Context, rec *PlanRecord) error {
	if !s.Enabled() {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	return s.client.Set(ctx, planKey(rec.CampaignID), payload, s.ttl).Err()
}

func (s *PlanStore) LoadPlan(ctx context.Context, campaignID string) (*PlanRecord, error) {
	if !s.Enabled() {
		return nil, ErrPlanNotFound
	}
	payload, err := s.client.Get(ctx, planKey(campaignID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, campaignID)
	}
	if err != nil {
		return nil, err
	}
	var rec PlanRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode plan %s: %w", campaignID, err)
	}
	return &rec, nil
}

// SetWorkerStatus records the PID and state of a launched worker.
func (s *PlanStore) SetWorkerStatus(ctx context.Context, campaignID, worker string, pid int, status WorkerStatusEnum) error {
	if !s.Enabled() {
		return nil
	}
	key := workerKey(campaignID, worker)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"pid":        strconv.Itoa(pid),
		"status":     string(status),
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	})
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *PlanStore) WorkerStatus(ctx context.Context, campaignID, worker string) (map[string]string, error) {
	if !s.Enabled() {
		return nil, nil
	}
	return s.client.HGetAll(ctx, workerKey(campaignID, worker)).Result()
}

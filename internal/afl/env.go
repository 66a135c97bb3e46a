package afl

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"go.uber.org/zap"
)

// Feature is an AFL++ environment toggle that is set to 1 when enabled.
type Feature uint16

const (
	FeatureAutoResume Feature = 1 << iota
	FeatureFinalSync
	FeatureDisableTrim
	FeatureKeepTimeouts
	FeatureExpandHavocNow
	FeatureImportFirst
	FeatureFastCal
	FeatureCmplogOnlyNew
)

var allFeatures = []Feature{
	FeatureAutoResume,
	FeatureFinalSync,
	FeatureDisableTrim,
	FeatureKeepTimeouts,
	FeatureExpandHavocNow,
	FeatureImportFirst,
	FeatureFastCal,
	FeatureCmplogOnlyNew,
}

// EnvName is the AFL++ variable controlled by the feature.
func (f Feature) EnvName() string {
	switch f {
	case FeatureAutoResume:
		return "AFL_AUTORESUME"
	case FeatureFinalSync:
		return "AFL_FINAL_SYNC"
	case FeatureDisableTrim:
		return "AFL_DISABLE_TRIM"
	case FeatureKeepTimeouts:
		return "AFL_KEEP_TIMEOUTS"
	case FeatureExpandHavocNow:
		return "AFL_EXPAND_HAVOC_NOW"
	case FeatureImportFirst:
		return "AFL_IMPORT_FIRST"
	case FeatureFastCal:
		return "AFL_FAST_CAL"
	case FeatureCmplogOnlyNew:
		return "AFL_CMPLOG_ONLY_NEW"
	default:
		return ""
	}
}

const (
	DefaultTestcacheSizeMB uint32 = 50

	scratchDiskEnv   = "AFL_TMPDIR"
	testcacheSizeEnv = "AFL_TESTCACHE_SIZE"
	// memory kept free for the rest of the system when sizing the testcache
	reservedMemoryMB = 4096
)

// WorkerEnv is the environment of one worker before it is rendered to KEY=VALUE strings.
type WorkerEnv struct {
	Features    Feature // bit set
	TestcacheMB uint32
	ScratchDisk string
}

func NewWorkerEnv() WorkerEnv {
	return WorkerEnv{TestcacheMB: DefaultTestcacheSizeMB}
}

func (e *WorkerEnv) Enable(f Feature) {
	e.Features |= f
}

func (e WorkerEnv) Has(f Feature) bool {
	return e.Features&f != 0
}

// Vars renders the environment in a fixed order: final sync, scratch disk, the
// remaining toggles sorted by name, then the testcache size.
func (e WorkerEnv) Vars() []string {
	vars := make([]string, 0, len(allFeatures)+2)
	if e.Has(FeatureFinalSync) {
		vars = append(vars, FeatureFinalSync.EnvName()+"=1")
	}
	if e.ScratchDisk != "" {
		vars = append(vars, scratchDiskEnv+"="+e.ScratchDisk)
	}

	names := make([]string, 0, len(allFeatures))
	for _, f := range allFeatures {
		if f != FeatureFinalSync && e.Has(f) {
			names = append(names, f.EnvName())
		}
	}
	slices.Sort(names)
	for _, name := range names {
		vars = append(vars, name+"=1")
	}

	return append(vars, fmt.Sprintf("%s=%d", testcacheSizeEnv, e.TestcacheMB))
}

// MemoryProbe reports the memory currently available to new processes.
type MemoryProbe interface {
	FreeMemoryMB() (uint64, error)
}

type featureShare struct {
	feature    Feature
	percentage float64
}

// EnvGenerator builds the per-worker environments of a campaign.
type EnvGenerator struct {
	logger *zap.Logger
	memory MemoryProbe
}

func NewEnvGenerator(logger *zap.Logger, memory MemoryProbe) *EnvGenerator {
	return &EnvGenerator{logger: logger, memory: memory}
}

// Generate returns one environment per runner. All randomness comes from rng, so a
// fixed seed yields the same environments.
func (g *EnvGenerator) Generate(mode Mode, runners int, scratchDisk string, rng *rand.Rand) []WorkerEnv {
	envs := make([]WorkerEnv, runners)
	for i := range envs {
		envs[i] = NewWorkerEnv()
		envs[i].ScratchDisk = scratchDisk
	}
	if runners == 0 {
		return envs
	}

	var shares []featureShare
	switch mode {
	case ModeMultipleCores:
		shares = append(shares, featureShare{FeatureDisableTrim, 0.6})
		if runners < 16 {
			shares = append(shares, featureShare{FeatureImportFirst, 1.0})
		}
	case ModeCIFuzzing:
		shares = []featureShare{
			{FeatureFastCal, 1.0},
			{FeatureCmplogOnlyNew, 1.0},
			{FeatureDisableTrim, 0.65},
			{FeatureKeepTimeouts, 0.5},
			{FeatureExpandHavocNow, 0.4},
		}
	}

	all := indexRange(0, runners)
	for _, share := range shares {
		picked := distribute(rng, all, runners, []float64{share.percentage})[0]
		for _, idx := range picked {
			envs[idx].Enable(share.feature)
		}
		g.logger.Debug("distributed env feature",
			zap.String("feature", share.feature.EnvName()),
			zap.Ints("workers", picked))
	}

	// the primary performs the final corpus import on shutdown
	if mode != ModeCIFuzzing {
		envs[0].Enable(FeatureFinalSync)
	}

	size := g.testcacheSize(runners)
	for i := range envs {
		envs[i].TestcacheMB = size
	}
	return envs
}

func (g *EnvGenerator) testcacheSize(runners int) uint32 {
	if g.memory == nil {
		return DefaultTestcacheSizeMB
	}
	free, err := g.memory.FreeMemoryMB()
	if err != nil {
		g.logger.Warn("failed to read free memory, using default testcache size", zap.Error(err))
		return DefaultTestcacheSizeMB
	}

	n := uint64(runners)
	switch {
	case free > n*500+reservedMemoryMB:
		return 500
	case free > n*250+reservedMemoryMB:
		return 250
	default:
		return DefaultTestcacheSizeMB
	}
}

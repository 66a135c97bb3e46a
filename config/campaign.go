package config

import (
	"fmt"
	"os"
	"time"

	"aflrunner/internal/afl"
	"aflrunner/internal/types"

	"gopkg.in/yaml.v3"
)

const (
	DefaultInputDir  = "./seeds"
	DefaultOutputDir = "/tmp/afl_out"
)

// CampaignFile is the on-disk description of a campaign. The same record carries
// the command line flags so both can be merged field by field.
type CampaignFile struct {
	Target TargetSection `yaml:"target"`
	AFL    AFLSection    `yaml:"afl_cfg"`
	Misc   MiscSection   `yaml:"misc"`
}

type TargetSection struct {
	Path      string   `yaml:"path"`
	Sanitizer string   `yaml:"sanitizer"`
	Cmplog    string   `yaml:"cmplog"`
	Cmpcov    string   `yaml:"cmpcov"`
	Coverage  string   `yaml:"coverage"`
	Args      []string `yaml:"args"`
}

type AFLSection struct {
	Runners      int      `yaml:"runners"`
	Mode         string   `yaml:"mode"`
	InputDir     string   `yaml:"input"`
	OutputDir    string   `yaml:"output"`
	Dictionary   string   `yaml:"dictionary"`
	Flags        string   `yaml:"flags"`
	FuzzerBinary string   `yaml:"fuzzer_binary"`
	// nil when unset; an explicit 0 disables CMPLOG workers
	CmplogRatio  *float64 `yaml:"cmplog_ratio"`
}

type MiscSection struct {
	ScratchDisk string  `yaml:"scratch_disk"`
	Seed        *uint64 `yaml:"seed"`
	UseSeedFlag bool    `yaml:"use_seed_flag"`
	AutoResume  bool    `yaml:"auto_resume"`
	Timeout     string  `yaml:"timeout"`
}

// LoadCampaignFile parses a YAML campaign file.
func LoadCampaignFile(path string) (*CampaignFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign file: %w", err)
	}

	var file CampaignFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("failed to parse campaign file %s: %w", path, err)
	}
	return &file, nil
}

// Merge returns base with every non-zero field of override applied on top.
func Merge(base, override CampaignFile) CampaignFile {
	out := base

	setString(&out.Target.Path, override.Target.Path)
	setString(&out.Target.Sanitizer, override.Target.Sanitizer)
	setString(&out.Target.Cmplog, override.Target.Cmplog)
	setString(&out.Target.Cmpcov, override.Target.Cmpcov)
	setString(&out.Target.Coverage, override.Target.Coverage)
	if len(override.Target.Args) > 0 {
		out.Target.Args = append([]string(nil), override.Target.Args...)
	}

	if override.AFL.Runners != 0 {
		out.AFL.Runners = override.AFL.Runners
	}
	setString(&out.AFL.Mode, override.AFL.Mode)
	setString(&out.AFL.InputDir, override.AFL.InputDir)
	setString(&out.AFL.OutputDir, override.AFL.OutputDir)
	setString(&out.AFL.Dictionary, override.AFL.Dictionary)
	setString(&out.AFL.Flags, override.AFL.Flags)
	setString(&out.AFL.FuzzerBinary, override.AFL.FuzzerBinary)
	if override.AFL.CmplogRatio != nil {
		ratio := *override.AFL.CmplogRatio
		out.AFL.CmplogRatio = &ratio
	}

	setString(&out.Misc.ScratchDisk, override.Misc.ScratchDisk)
	if override.Misc.Seed != nil {
		seed := *override.Misc.Seed
		out.Misc.Seed = &seed
	}
	out.Misc.UseSeedFlag = out.Misc.UseSeedFlag || override.Misc.UseSeedFlag
	out.Misc.AutoResume = out.Misc.AutoResume || override.Misc.AutoResume
	setString(&out.Misc.Timeout, override.Misc.Timeout)

	return out
}

func setString(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}

// ApplyDefaults fills the fields a campaign cannot run without.
// AFLR_RUNNERS provides the runner count when neither file nor flags set one.
func (c *CampaignFile) ApplyDefaults() {
	if c.AFL.Runners == 0 {
		c.AFL.Runners = parseInt(os.Getenv("AFLR_RUNNERS"), 1)
	}
	if c.AFL.InputDir == "" {
		c.AFL.InputDir = DefaultInputDir
	}
	if c.AFL.OutputDir == "" {
		c.AFL.OutputDir = DefaultOutputDir
	}
	if c.AFL.Mode == "" {
		c.AFL.Mode = afl.ModeDefault.String()
	}
}

// Harness canonicalizes the target section.
func (c *CampaignFile) Harness() (*types.Harness, error) {
	if c.Target.Path == "" {
		return nil, fmt.Errorf("no target binary configured")
	}
	return types.NewHarness(
		c.Target.Path,
		c.Target.Sanitizer,
		c.Target.Cmplog,
		c.Target.Cmpcov,
		c.Target.Coverage,
		c.Target.Args,
	)
}

func (c *CampaignFile) CampaignConfig() *types.CampaignConfig {
	return &types.CampaignConfig{
		InputDir:     c.AFL.InputDir,
		OutputDir:    c.AFL.OutputDir,
		Dictionary:   c.AFL.Dictionary,
		RawFlags:     c.AFL.Flags,
		FuzzerBinary: c.AFL.FuzzerBinary,
		ScratchDisk:  c.Misc.ScratchDisk,
	}
}

func (c *CampaignFile) GenerateOptions() (afl.GenerateOptions, error) {
	mode, err := afl.ParseMode(c.AFL.Mode)
	if err != nil {
		return afl.GenerateOptions{}, err
	}
	if r := c.AFL.CmplogRatio; r != nil && (*r < 0 || *r > 1) {
		return afl.GenerateOptions{}, fmt.Errorf("cmplog ratio %v out of range [0, 1]", *r)
	}
	return afl.GenerateOptions{
		Mode:        mode,
		Runners:     c.AFL.Runners,
		Seed:        c.Misc.Seed,
		UseSeedFlag: c.Misc.UseSeedFlag,
		AutoResume:  c.Misc.AutoResume,
		CmplogRatio: c.AFL.CmplogRatio,
	}, nil
}

// RunTimeout is the campaign duration; zero runs until interrupted.
func (c *CampaignFile) RunTimeout() (time.Duration, error) {
	if c.Misc.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Misc.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", c.Misc.Timeout, err)
	}
	return d, nil
}

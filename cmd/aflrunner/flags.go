package main

import (
	"aflrunner/config"
	"aflrunner/internal/afl"

	"github.com/spf13/cobra"
)

// campaignFlags mirrors config.CampaignFile so flags can be merged over the file.
type campaignFlags struct {
	configPath string
	file       config.CampaignFile
	seed       uint64
	ratio      float64
}

func (f *campaignFlags) register(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML campaign file")

	fs.StringVarP(&f.file.Target.Path, "target", "t", "", "instrumented target binary")
	fs.StringVar(&f.file.Target.Sanitizer, "sanitizer", "", "sanitizer build run by the primary")
	fs.StringVar(&f.file.Target.Cmplog, "cmplog", "", "CMPLOG build")
	fs.StringVar(&f.file.Target.Cmpcov, "cmpcov", "", "CMPCOV (laf-intel) build")
	fs.StringVar(&f.file.Target.Coverage, "coverage", "", "coverage build, recorded with the plan")
	fs.StringSliceVar(&f.file.Target.Args, "args", nil, "target arguments, e.g. @@")

	fs.IntVarP(&f.file.AFL.Runners, "runners", "n", 0, "number of afl-fuzz workers")
	fs.StringVarP(&f.file.AFL.Mode, "mode", "m", "", "default, multiple-cores or ci-fuzzing")
	fs.StringVarP(&f.file.AFL.InputDir, "input", "i", "", "seed corpus directory")
	fs.StringVarP(&f.file.AFL.OutputDir, "output", "o", "", "afl-fuzz output directory")
	fs.StringVarP(&f.file.AFL.Dictionary, "dictionary", "x", "", "dictionary file")
	fs.StringVar(&f.file.AFL.Flags, "afl-flags", "", "raw flags added to every worker")
	fs.StringVar(&f.file.AFL.FuzzerBinary, "afl-binary", "", "afl-fuzz binary")
	fs.Float64Var(&f.ratio, "cmplog-ratio", afl.DefaultCmplogRatio, "share of secondaries running CMPLOG, 0 disables it")

	fs.StringVar(&f.file.Misc.ScratchDisk, "scratch-disk", "", "AFL_TMPDIR for every worker")
	fs.Uint64Var(&f.seed, "seed", 0, "seed for a reproducible plan")
	fs.BoolVar(&f.file.Misc.UseSeedFlag, "use-seed-flag", false, "pass the seed to afl-fuzz with -s")
	fs.BoolVar(&f.file.Misc.AutoResume, "auto-resume", false, "set AFL_AUTORESUME on every worker")
	fs.StringVar(&f.file.Misc.Timeout, "timeout", "", "campaign duration for run, e.g. 8h")
}

// resolve merges the flags that were set over the campaign file and fills defaults.
func (f *campaignFlags) resolve(cmd *cobra.Command) (*config.CampaignFile, error) {
	var base config.CampaignFile
	if f.configPath != "" {
		loaded, err := config.LoadCampaignFile(f.configPath)
		if err != nil {
			return nil, err
		}
		base = *loaded
	}

	override := f.file
	if cmd.Flags().Changed("seed") {
		seed := f.seed
		override.Misc.Seed = &seed
	}
	if cmd.Flags().Changed("cmplog-ratio") {
		ratio := f.ratio
		override.AFL.CmplogRatio = &ratio
	}
	merged := config.Merge(base, override)
	merged.ApplyDefaults()
	return &merged, nil
}

package types

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrConfigurationConflict is returned when the requested harness combination
// cannot be used for a campaign.
var ErrConfigurationConflict = errors.New("configuration conflict")

// Harness is the set of resolved binaries a campaign fuzzes. All paths are absolute.
type Harness struct {
	TargetBin    string   `json:"target_bin" yaml:"target_bin"`
	SanitizerBin string   `json:"sanitizer_bin,omitempty" yaml:"sanitizer_bin,omitempty"`
	CmplogBin    string   `json:"cmplog_bin,omitempty" yaml:"cmplog_bin,omitempty"`
	CmpcovBin    string   `json:"cmpcov_bin,omitempty" yaml:"cmpcov_bin,omitempty"`
	CoverageBin  string   `json:"coverage_bin,omitempty" yaml:"coverage_bin,omitempty"`
	TargetArgs   []string `json:"target_args,omitempty" yaml:"target_args,omitempty"`
}

// CampaignConfig carries the per-run directories and free-form knobs shared by every worker.
type CampaignConfig struct {
	InputDir     string `json:"input_dir"`
	OutputDir    string `json:"output_dir"`
	Dictionary   string `json:"dictionary,omitempty"`
	RawFlags     string `json:"raw_flags,omitempty"`
	FuzzerBinary string `json:"fuzzer_binary,omitempty"`
	ScratchDisk  string `json:"scratch_disk,omitempty"`
}

// NewHarness canonicalizes every given binary path.
//
// The target may be a directory (directory-mode harness); every other binary must be a
// regular file. Neither CMPLOG nor CMPCOV builds can be combined with a directory-mode target.
func NewHarness(target, sanitizer, cmplog, cmpcov, coverage string, args []string) (*Harness, error) {
	targetPath, targetInfo, err := canonicalize(target)
	if err != nil {
		return nil, fmt.Errorf("target binary: %w", err)
	}

	h := &Harness{TargetBin: targetPath, TargetArgs: args}
	optionals := []struct {
		name string
		in   string
		out  *string
	}{
		{"sanitizer binary", sanitizer, &h.SanitizerBin},
		{"cmplog binary", cmplog, &h.CmplogBin},
		{"cmpcov binary", cmpcov, &h.CmpcovBin},
		{"coverage binary", coverage, &h.CoverageBin},
	}
	for _, o := range optionals {
		if o.in == "" {
			continue
		}
		p, info, err := canonicalize(o.in)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", o.name, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s %s is a directory", o.name, p)
		}
		*o.out = p
	}

	if targetInfo.IsDir() {
		if h.CmplogBin != "" {
			return nil, fmt.Errorf("%w: cmplog binary %s cannot be used with directory target %s",
				ErrConfigurationConflict, h.CmplogBin, h.TargetBin)
		}
		if h.CmpcovBin != "" {
			return nil, fmt.Errorf("%w: cmpcov binary %s cannot be used with directory target %s",
				ErrConfigurationConflict, h.CmpcovBin, h.TargetBin)
		}
	}
	return h, nil
}

func canonicalize(p string) (string, os.FileInfo, error) {
	if p == "" {
		return "", nil, errors.New("path is empty")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", nil, err
	}
	return resolved, info, nil
}

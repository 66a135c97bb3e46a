package afl

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"aflrunner/internal/types"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
)

var (
	ErrBinaryNotFound       = errors.New("fuzzer binary not found")
	ErrDictionaryResolution = errors.New("dictionary could not be resolved")
	ErrInvalidRunnerCount   = errors.New("runner count must be at least 1")
)

const (
	fuzzerBinaryName = "afl-fuzz"
	aflPathEnv       = "AFL_PATH"
	aflEnvPrefix     = "AFL_"
)

// ResolutionError names the generation step and path that failed to resolve.
type ResolutionError struct {
	Step string
	Path string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s: resolving %q: %v", e.Step, e.Path, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// GenerateOptions are the per-run knobs of Generator.Run.
type GenerateOptions struct {
	Mode    Mode
	Runners int
	// Seed makes the plan reproducible. Nil draws a random seed.
	Seed *uint64
	// UseSeedFlag forwards the mixed seed to afl-fuzz with -s. Only honoured with Seed.
	UseSeedFlag bool
	AutoResume  bool
	// CmplogRatio overrides DefaultCmplogRatio when set. Zero disables CMPLOG.
	CmplogRatio *float64
}

// Plan is the output of one generation run.
type Plan struct {
	Mode        Mode
	Seed        uint64 // seed the generator was started from (mixed when user supplied)
	Invocations []FuzzerInvocation
	Applied     Applied
}

// Commands assembles every invocation.
func (p *Plan) Commands() []string {
	cmds := make([]string, len(p.Invocations))
	for i := range p.Invocations {
		cmds[i] = p.Invocations[i].Assemble()
	}
	return cmds
}

// Generator turns a harness and campaign config into worker invocations.
type Generator struct {
	logger   *zap.Logger
	envGen   *EnvGenerator
	environ  []string
	lookPath func(string) (string, error)
}

// NewGenerator takes a snapshot of the host environment; it is the only place
// AFL_PATH, AFL_CUSTOM_MUTATOR_LIBRARY and the inherited AFL_* variables come from.
func NewGenerator(logger *zap.Logger, memory MemoryProbe, environ []string) *Generator {
	return &Generator{
		logger:   logger,
		envGen:   NewEnvGenerator(logger, memory),
		environ:  append([]string(nil), environ...),
		lookPath: exec.LookPath,
	}
}

// Run builds the campaign. Only the fuzzer binary and dictionary lookups can fail;
// a failure returns no invocations at all.
func (g *Generator) Run(harness *types.Harness, cfg *types.CampaignConfig, opts GenerateOptions) (*Plan, error) {
	if opts.Runners < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidRunnerCount, opts.Runners)
	}

	var seed uint64
	if opts.Seed != nil {
		seed = MixSeed(*opts.Seed)
	} else {
		seed = rand.Uint64()
	}
	rng := newRNG(seed)
	logger := g.logger.With(
		zap.String("target", harness.TargetBin),
		zap.Stringer("mode", opts.Mode),
		zap.Int("runners", opts.Runners),
	)

	envs := g.envGen.Generate(opts.Mode, opts.Runners, cfg.ScratchDisk, rng)
	if opts.AutoResume {
		for i := range envs {
			envs[i].Enable(FeatureAutoResume)
		}
	}

	fuzzerBin, err := g.resolveFuzzerBinary(cfg.FuzzerBinary)
	if err != nil {
		logger.Error("failed to resolve fuzzer binary", zap.Error(err))
		return nil, err
	}

	rawFlags := splitRawFlags(cfg.RawFlags, logger)
	invs := make([]FuzzerInvocation, opts.Runners)
	for i := range invs {
		invs[i] = FuzzerInvocation{
			FuzzerBinary: fuzzerBin,
			Env:          envs[i].Vars(),
			RawFlags:     append([]string(nil), rawFlags...),
			TargetBinary: harness.TargetBin,
		}
	}

	plan := NewStrategyPlan(opts.Mode)
	if harness.CmplogBin != "" {
		ratio := DefaultCmplogRatio
		if opts.CmplogRatio != nil {
			ratio = *opts.CmplogRatio
		}
		plan = plan.WithCmplog(harness.CmplogBin, ratio)
	}
	if harness.CmpcovBin != "" {
		plan = plan.WithCmpcov(harness.CmpcovBin)
	}
	if v, ok := lookupEnv(g.environ, customMutatorEnv); ok && v != "" {
		plan.SuppressDeterministic = true
	}

	engine := NewEngine(logger, rng)
	applied := engine.Apply(invs, plan)

	if opts.Seed != nil && opts.UseSeedFlag {
		for i := range invs {
			invs[i].AddFlag(fmt.Sprintf("-s %d", seed))
		}
	}

	for i := range invs {
		invs[i].InputDir = cfg.InputDir
		invs[i].OutputDir = cfg.OutputDir
	}

	if cfg.Dictionary != "" {
		dict, err := canonicalPath(cfg.Dictionary)
		if err != nil {
			err = &ResolutionError{
				Step: "dictionary",
				Path: cfg.Dictionary,
				Err:  fmt.Errorf("%w: %w", ErrDictionaryResolution, err),
			}
			logger.Error("failed to resolve dictionary", zap.Error(err))
			return nil, err
		}
		for i := range invs {
			invs[i].AddFlag("-x " + dict)
		}
	}

	// sanitizer builds are slow; only the primary runs one
	if harness.SanitizerBin != "" {
		invs[0].TargetBinary = harness.SanitizerBin
	}

	if len(harness.TargetArgs) > 0 {
		for i := range invs {
			invs[i].TargetArgs = append([]string(nil), harness.TargetArgs...)
		}
	}

	engine.ApplyRoles(invs, opts.Mode, harness.TargetBin, applied)
	g.inheritEnv(invs)

	logger.Info("generated campaign",
		zap.Int("cmplog_workers", len(applied.Cmplog)),
		zap.Int("cmpcov_workers", len(applied.Cmpcov)),
		zap.Uint64("seed", seed))

	return &Plan{
		Mode:        opts.Mode,
		Seed:        seed,
		Invocations: invs,
		Applied:     applied,
	}, nil
}

// splitRawFlags tokenizes the free-form flag string with shell rules. Unbalanced
// quotes fall back to whitespace splitting.
func splitRawFlags(raw string, logger *zap.Logger) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	tokens, err := shellquote.Split(raw)
	if err != nil {
		logger.Warn("raw flags are not valid shell words, splitting on whitespace",
			zap.String("flags", raw), zap.Error(err))
		return strings.Fields(raw)
	}
	return tokens
}

// resolveFuzzerBinary tries the configured path, then $AFL_PATH/afl-fuzz, then PATH.
func (g *Generator) resolveFuzzerBinary(custom string) (string, error) {
	if custom != "" {
		if p, err := executablePath(custom); err == nil {
			return p, nil
		}
		g.logger.Warn("configured fuzzer binary is not usable, falling back", zap.String("path", custom))
	}
	if dir, ok := lookupEnv(g.environ, aflPathEnv); ok && dir != "" {
		if p, err := executablePath(filepath.Join(dir, fuzzerBinaryName)); err == nil {
			return p, nil
		}
	}
	if g.lookPath != nil {
		if p, err := g.lookPath(fuzzerBinaryName); err == nil {
			return p, nil
		}
	}

	path := fuzzerBinaryName
	if custom != "" {
		path = custom
	}
	return "", &ResolutionError{Step: "fuzzer binary", Path: path, Err: ErrBinaryNotFound}
}

// inheritEnv copies AFL_* variables of the host onto every invocation that does
// not already set them.
func (g *Generator) inheritEnv(invs []FuzzerInvocation) {
	var inherited []string
	for _, kv := range g.environ {
		if strings.HasPrefix(kv, aflEnvPrefix) && strings.Contains(kv, "=") {
			inherited = append(inherited, kv)
		}
	}
	if len(inherited) == 0 {
		return
	}

	for i := range invs {
		keys := invs[i].EnvKeys()
		var add []string
		for _, kv := range inherited {
			key, _, _ := strings.Cut(kv, "=")
			if _, ok := keys[key]; ok {
				continue
			}
			keys[key] = struct{}{}
			add = append(add, kv)
		}
		invs[i].SetEnv(add, true)
	}
}

func lookupEnv(environ []string, key string) (string, bool) {
	for i := len(environ) - 1; i >= 0; i-- {
		k, v, ok := strings.Cut(environ[i], "=")
		if ok && k == key {
			return v, true
		}
	}
	return "", false
}

func canonicalPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(resolved); err != nil {
		return "", err
	}
	return resolved, nil
}

func executablePath(p string) (string, error) {
	resolved, err := canonicalPath(p)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%s is not an executable file", resolved)
	}
	return resolved, nil
}

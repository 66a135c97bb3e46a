package afl

import (
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

const (
	// below this chance of a toggle never showing up, leave it to the per-worker trials
	zeroOccurrenceThreshold = 0.45
	// campaigns of at least this size also get per-worker trials
	independentTrialMinWorkers = 8
)

// Applied records which workers received comparison instrumentation.
type Applied struct {
	Cmplog map[int]struct{}
	Cmpcov map[int]struct{}
}

func newApplied() Applied {
	return Applied{Cmplog: make(map[int]struct{}), Cmpcov: make(map[int]struct{})}
}

// Engine distributes tuning flags over a campaign. It never fails: inputs it
// cannot satisfy are skipped.
type Engine struct {
	logger *zap.Logger
	rng    *rand.Rand
}

func NewEngine(logger *zap.Logger, rng *rand.Rand) *Engine {
	return &Engine{logger: logger, rng: rng}
}

// Apply mutates invs in place. The steps run in a fixed order because later
// steps read the flags written by earlier ones.
func (e *Engine) Apply(invs []FuzzerInvocation, plan StrategyPlan) Applied {
	applied := newApplied()
	n := len(invs)
	if n == 0 {
		return applied
	}

	e.applyPowerSchedules(invs, plan.PowerSchedules)
	if plan.Cmplog != nil {
		e.applyCmplog(invs, plan.Cmplog, applied)
	}
	if plan.Cmpcov != nil {
		e.applyCmpcov(invs, plan.Cmpcov, applied)
	}

	// CI campaigns have no dedicated primary
	window := indexRange(1, n)
	if plan.Mode == ModeCIFuzzing {
		window = indexRange(0, n)
	}

	e.assignGroup(invs, window, n, plan.MutationModes)
	e.assignGroup(invs, window, n, plan.FormatModes)

	optionals := plan.Optionals
	if plan.SuppressDeterministic {
		optionals = withoutFlag(optionals, FlagDeterministic)
	}
	switch plan.OptionalPolicy {
	case PolicyExclusive:
		e.assignGroup(invs, window, n, optionals)
	case PolicyMultiple:
		for _, opt := range optionals {
			e.assignIndependent(invs, window, opt)
		}
	}
	return applied
}

func (e *Engine) applyPowerSchedules(invs []FuzzerInvocation, schedules []PowerSchedule) {
	if len(schedules) == 0 {
		return
	}
	for i := range invs {
		invs[i].AddFlag(schedules[i%len(schedules)].Flag())
	}
}

func (e *Engine) applyCmplog(invs []FuzzerInvocation, cfg *CmplogConfig, applied Applied) {
	n := len(invs)
	count := int(math.Floor(float64(n)*cfg.Ratio + floorEpsilon))
	if count <= 0 || count >= n {
		e.logger.Debug("cmplog skipped", zap.Int("count", count), zap.Int("workers", n))
		return
	}

	mark := func(idx int, mode CmplogMode) {
		invs[idx].AddFlag(mode.Flag())
		invs[idx].AddFlag(cmplogBinaryFlag + cfg.Binary)
		applied.Cmplog[idx] = struct{}{}
	}

	switch count {
	case 1:
		mark(1+e.rng.IntN(n-1), CmplogTransforms)
	case 2, 3:
		picked := shuffled(e.rng, indexRange(1, n))
		modes := []CmplogMode{CmplogStandard, CmplogTransforms, CmplogExtended}
		for k := range count {
			mark(picked[k], modes[k])
		}
	default:
		weights := make([]float64, len(cfg.Modes))
		for k, share := range cfg.Modes {
			weights[k] = share.Percentage
		}
		buckets := distribute(e.rng, indexRange(1, count+1), count, weights)
		for k, bucket := range buckets {
			for _, idx := range bucket {
				mark(idx, cfg.Modes[k].Mode)
			}
		}
	}
	e.logger.Debug("cmplog applied", zap.Int("count", len(applied.Cmplog)))
}

func (e *Engine) applyCmpcov(invs []FuzzerInvocation, cfg *CmpcovConfig, applied Applied) {
	n := len(invs)
	maxInstances := cmpcovInstances(n)
	if maxInstances == 0 {
		return
	}

	eligible := make([]int, 0, n)
	for i := 1; i < n; i++ {
		if _, ok := applied.Cmplog[i]; ok {
			continue
		}
		eligible = append(eligible, i)
	}
	picked := shuffled(e.rng, eligible)
	if len(picked) > maxInstances {
		picked = picked[:maxInstances]
	}
	for _, idx := range picked {
		invs[idx].TargetBinary = cfg.Binary
		applied.Cmpcov[idx] = struct{}{}
	}
	e.logger.Debug("cmpcov applied", zap.Ints("workers", picked), zap.Int("max", maxInstances))
}

// assignGroup spreads one exclusive group over window. Workers that already hold a
// value of the group are left alone.
func (e *Engine) assignGroup(invs []FuzzerInvocation, window []int, basis int, opts []Option) {
	if len(opts) == 0 {
		return
	}
	candidates := make([]int, 0, len(window))
	for _, idx := range window {
		if !holdsAny(&invs[idx], opts) {
			candidates = append(candidates, idx)
		}
	}

	weights := make([]float64, len(opts))
	for k, opt := range opts {
		weights[k] = opt.Percentage
	}
	for k, bucket := range distribute(e.rng, candidates, basis, weights) {
		for _, idx := range bucket {
			invs[idx].AddFlag(opts[k].Flag)
		}
	}
}

// assignIndependent places one optional toggle on any worker of window.
func (e *Engine) assignIndependent(invs []FuzzerInvocation, window []int, opt Option) {
	p := opt.Percentage
	if p <= 0 || len(window) == 0 {
		return
	}

	add := func(idx int) {
		if !invs[idx].hasExactFlag(opt.Flag) {
			invs[idx].AddFlag(opt.Flag)
		}
	}

	switch {
	case p >= 1.0:
		for _, idx := range window {
			add(idx)
		}
	case math.Pow(1-p, float64(len(window))) > zeroOccurrenceThreshold:
		add(window[e.rng.IntN(len(window))])
	}

	if len(invs) >= independentTrialMinWorkers {
		for _, idx := range window {
			if e.rng.Float64() < p {
				add(idx)
			}
		}
	}
}

// ApplyRoles names every worker. It must run after CMPLOG/CMPCOV are final.
func (e *Engine) ApplyRoles(invs []FuzzerInvocation, mode Mode, target string, applied Applied) {
	if len(invs) == 0 {
		return
	}
	stem := nameStem(target)

	if mode == ModeCIFuzzing {
		invs[0].AddFlag("-S s_" + stem)
	} else {
		invs[0].AddFlag("-M m_" + stem)
	}

	for i := 1; i < len(invs); i++ {
		_, cmpcov := applied.Cmpcov[i]
		_, cmplog := applied.Cmplog[i]
		switch {
		case cmpcov:
			invs[i].AddFlag(fmt.Sprintf("-S s%d_%s", i, nameStem(invs[i].TargetBinary)))
		case cmplog:
			invs[i].AddFlag(fmt.Sprintf("-S s%d_%s_cl", i, stem))
		default:
			invs[i].AddFlag(fmt.Sprintf("-S s%d_%s", i, stem))
		}
	}
}

// nameStem is the file name without its last extension, with dots replaced.
func nameStem(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return strings.ReplaceAll(base, ".", "_")
}

func holdsAny(inv *FuzzerInvocation, opts []Option) bool {
	for _, opt := range opts {
		if inv.hasExactFlag(opt.Flag) {
			return true
		}
	}
	return false
}

func withoutFlag(opts []Option, flag string) []Option {
	out := make([]Option, 0, len(opts))
	for _, opt := range opts {
		if opt.Flag != flag {
			out = append(out, opt)
		}
	}
	return out
}

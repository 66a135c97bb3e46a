package afl

// PowerSchedule is an AFL++ -p value.
type PowerSchedule string

const (
	ScheduleFast    PowerSchedule = "fast"
	ScheduleExplore PowerSchedule = "explore"
	ScheduleCoe     PowerSchedule = "coe"
	ScheduleLin     PowerSchedule = "lin"
	ScheduleQuad    PowerSchedule = "quad"
	ScheduleExploit PowerSchedule = "exploit"
	ScheduleRare    PowerSchedule = "rare"
)

func (p PowerSchedule) Flag() string {
	return "-p " + string(p)
}

// DefaultPowerSchedules is cycled over the workers by index.
var DefaultPowerSchedules = []PowerSchedule{
	ScheduleFast,
	ScheduleExplore,
	ScheduleCoe,
	ScheduleLin,
	ScheduleQuad,
	ScheduleExploit,
	ScheduleRare,
}

// Flags of the exclusive and optional groups.
const (
	FlagMutationExplore = "-P explore"
	FlagMutationExploit = "-P exploit"
	FlagFormatBinary    = "-a binary"
	FlagFormatText      = "-a text"
	FlagDeterministic   = "-L 0"
	FlagQueueCycling    = "-Z"

	cmplogBinaryFlag = "-c "

	customMutatorEnv = "AFL_CUSTOM_MUTATOR_LIBRARY"
)

// CmplogMode is the -l setting of a CMPLOG worker.
type CmplogMode int

const (
	CmplogStandard CmplogMode = iota
	CmplogExtended
	CmplogTransforms
)

func (m CmplogMode) Flag() string {
	switch m {
	case CmplogExtended:
		return "-l 3"
	case CmplogTransforms:
		return "-l 2AT"
	default:
		return "-l 2"
	}
}

// Option is one value of a flag group together with the share of workers that get it.
type Option struct {
	Flag       string
	Percentage float64
}

// OptionalPolicy decides how the optional toggles are spread.
type OptionalPolicy int

const (
	// PolicyExclusive treats the toggles as one group: a worker gets at most one.
	PolicyExclusive OptionalPolicy = iota
	// PolicyMultiple places each toggle independently.
	PolicyMultiple
)

type CmplogConfig struct {
	Binary string
	Ratio  float64
	// Modes is only used when four or more workers run CMPLOG.
	Modes []CmplogShare
}

type CmplogShare struct {
	Mode       CmplogMode
	Percentage float64
}

type CmpcovConfig struct {
	Binary string
}

// StrategyPlan is consumed once by Engine.Apply.
type StrategyPlan struct {
	Mode           Mode
	PowerSchedules []PowerSchedule
	MutationModes  []Option
	FormatModes    []Option
	Optionals      []Option
	OptionalPolicy OptionalPolicy
	// SuppressDeterministic drops the -L 0 toggle, e.g. when a custom mutator is loaded.
	SuppressDeterministic bool

	Cmplog *CmplogConfig
	Cmpcov *CmpcovConfig
}

const DefaultCmplogRatio = 0.3

func defaultCmplogShares() []CmplogShare {
	return []CmplogShare{
		{CmplogStandard, 0.7},
		{CmplogExtended, 0.1},
		{CmplogTransforms, 0.2},
	}
}

// NewStrategyPlan returns the weight tables of mode without CMPLOG/CMPCOV.
func NewStrategyPlan(mode Mode) StrategyPlan {
	plan := StrategyPlan{
		Mode:           mode,
		PowerSchedules: DefaultPowerSchedules,
		MutationModes: []Option{
			{FlagMutationExplore, 0.4},
			{FlagMutationExploit, 0.2},
		},
		FormatModes: []Option{
			{FlagFormatBinary, 0.3},
			{FlagFormatText, 0.3},
		},
		Optionals: []Option{
			{FlagDeterministic, 0.1},
			{FlagQueueCycling, 0.2},
		},
		OptionalPolicy: PolicyMultiple,
	}

	switch mode {
	case ModeMultipleCores:
		plan.OptionalPolicy = PolicyExclusive
	case ModeCIFuzzing:
		plan.MutationModes = []Option{
			{FlagMutationExplore, 0.5},
			{FlagMutationExploit, 0.3},
		}
		plan.Optionals = []Option{
			{FlagDeterministic, 0.2},
			{FlagQueueCycling, 0.1},
		}
	}
	return plan
}

// WithCmplog attaches a CMPLOG sub-config with the default mode weights.
func (p StrategyPlan) WithCmplog(binary string, ratio float64) StrategyPlan {
	p.Cmplog = &CmplogConfig{Binary: binary, Ratio: ratio, Modes: defaultCmplogShares()}
	return p
}

func (p StrategyPlan) WithCmpcov(binary string) StrategyPlan {
	p.Cmpcov = &CmpcovConfig{Binary: binary}
	return p
}

// cmpcovInstances is the number of CMPCOV workers for a campaign of n workers.
func cmpcovInstances(n int) int {
	switch {
	case n <= 2:
		return 0
	case n <= 7:
		return 1
	case n <= 15:
		return 2
	default:
		return 3
	}
}

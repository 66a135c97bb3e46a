package telemetry

type ActionCategory int

const (
	Generation ActionCategory = iota
	Fuzzing
	CrashTriage
	Persistence
)

func (a ActionCategory) String() string {
	switch a {
	case Generation:
		return "generation"
	case Fuzzing:
		return "fuzzing"
	case CrashTriage:
		return "crash_triage"
	case Persistence:
		return "persistence"
	default:
		return "unknown"
	}
}

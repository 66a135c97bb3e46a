package afl

import (
	"fmt"
	"strings"
)

// Mode selects the campaign-wide tuning policy.
type Mode int

const (
	ModeDefault Mode = iota
	ModeMultipleCores
	ModeCIFuzzing
)

func (m Mode) String() string {
	switch m {
	case ModeDefault:
		return "default"
	case ModeMultipleCores:
		return "multiple-cores"
	case ModeCIFuzzing:
		return "ci-fuzzing"
	default:
		return "unknown"
	}
}

// ParseMode accepts the names printed by Mode.String, case-insensitively.
// Underscores are treated like dashes.
func ParseMode(s string) (Mode, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-") {
	case "", "default":
		return ModeDefault, nil
	case "multiple-cores", "multiplecores":
		return ModeMultipleCores, nil
	case "ci-fuzzing", "cifuzzing", "ci":
		return ModeCIFuzzing, nil
	}
	return ModeDefault, fmt.Errorf("unknown mode %q", s)
}

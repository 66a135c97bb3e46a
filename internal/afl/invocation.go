package afl

import (
	"strings"

	"github.com/kballard/go-shellquote"
)

// FuzzerInvocation is one fully specified afl-fuzz worker.
type FuzzerInvocation struct {
	FuzzerBinary string   // path to afl-fuzz
	Env          []string // KEY=VALUE, in display order
	InputDir     string   // -i <inputDir>
	OutputDir    string   // -o <outputDir>
	RawFlags     []string // free-form tokens from the campaign config, passed before Flags
	Flags        []string // every entry is one flag with its value, e.g. "-p fast"
	TargetBinary string   // binary run after "--"
	TargetArgs   []string
}

func (inv *FuzzerInvocation) AddFlag(flag string) {
	inv.Flags = append(inv.Flags, flag)
}

// HasFlag reports whether any flag contains substr.
func (inv *FuzzerInvocation) HasFlag(substr string) bool {
	for _, f := range inv.Flags {
		if strings.Contains(f, substr) {
			return true
		}
	}
	return false
}

func (inv *FuzzerInvocation) hasExactFlag(flag string) bool {
	for _, f := range inv.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// SetEnv adds variables before or after the existing ones.
func (inv *FuzzerInvocation) SetEnv(vars []string, prepend bool) {
	if prepend {
		inv.Env = append(append(make([]string, 0, len(vars)+len(inv.Env)), vars...), inv.Env...)
		return
	}
	inv.Env = append(inv.Env, vars...)
}

// EnvKeys returns the variable names set on the invocation.
func (inv *FuzzerInvocation) EnvKeys() map[string]struct{} {
	keys := make(map[string]struct{}, len(inv.Env))
	for _, kv := range inv.Env {
		key, _, _ := strings.Cut(kv, "=")
		keys[key] = struct{}{}
	}
	return keys
}

// Name returns the value of the -M or -S flag, or "" before roles are assigned.
func (inv *FuzzerInvocation) Name() string {
	for _, f := range inv.Flags {
		if name, ok := strings.CutPrefix(f, "-M "); ok {
			return name
		}
		if name, ok := strings.CutPrefix(f, "-S "); ok {
			return name
		}
	}
	return ""
}

// IsMain reports whether the invocation holds the -M role.
func (inv *FuzzerInvocation) IsMain() bool {
	return inv.HasFlag("-M ")
}

// flagTokens splits a "-x value" entry into the flag and its value. The value is
// kept whole even when it contains spaces.
func flagTokens(flag string) []string {
	name, value, ok := strings.Cut(flag, " ")
	if !ok {
		return []string{flag}
	}
	return []string{name, value}
}

// Args builds the afl-fuzz argument vector (everything after the binary).
func (inv *FuzzerInvocation) Args() []string {
	args := []string{"-i", inv.InputDir, "-o", inv.OutputDir}
	args = append(args, inv.RawFlags...)
	for _, f := range inv.Flags {
		args = append(args, flagTokens(f)...)
	}
	args = append(args, "--", inv.TargetBinary)
	return append(args, inv.TargetArgs...)
}

// Assemble renders the invocation as one shell command line. Tokens holding
// whitespace or shell metacharacters are quoted.
func (inv *FuzzerInvocation) Assemble() string {
	words := make([]string, 0, len(inv.Env)+1)
	words = append(words, inv.Env...)
	words = append(words, inv.FuzzerBinary)
	return shellquote.Join(append(words, inv.Args()...)...)
}

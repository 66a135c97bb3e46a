package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"aflrunner/config"
	"aflrunner/internal/utils"

	"go.uber.org/fx"
	"go.uber.org/zap/zaptest"
)

func disableBackends(t *testing.T) {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "RABBITMQ_URL", "OTEL_EXPORTER_OTLP_ENDPOINT", "AFL_PATH", "AFL_CUSTOM_MUTATOR_LIBRARY"} {
		t.Setenv(key, "")
	}
	t.Setenv("LOG_LEVEL", "error")
}

func executable(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		t.Fatal(err)
	}
	return resolved
}

func TestAppGraph(t *testing.T) {
	disableBackends(t)
	if err := fx.ValidateApp(appOptions()...); err != nil {
		t.Fatalf("invalid dependency graph: %v", err)
	}
}

func TestGenCommand(t *testing.T) {
	disableBackends(t)
	dir := t.TempDir()
	target := executable(t, dir, "target")
	aflFuzz := executable(t, dir, "afl-fuzz")
	outFile := filepath.Join(dir, "commands.txt")

	run := func() string {
		var stdout bytes.Buffer
		root := newRootCommand()
		root.SetOut(&stdout)
		root.SetArgs([]string{
			"gen",
			"--target", target,
			"--afl-binary", aflFuzz,
			"--runners", "4",
			"--mode", "multiple-cores",
			"--seed", "42",
			"--input", "/seeds",
			"--output", "/out",
			"--out", outFile,
		})
		if err := root.Execute(); err != nil {
			t.Fatalf("gen: %v", err)
		}
		return stdout.String()
	}

	first := run()
	lines := strings.Split(strings.TrimSpace(first), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 commands, got %d:\n%s", len(lines), first)
	}
	if !strings.Contains(lines[0], "-M m_target") || !strings.Contains(lines[0], "AFL_FINAL_SYNC=1") {
		t.Errorf("unexpected primary command: %s", lines[0])
	}
	for _, line := range lines {
		if !strings.Contains(line, aflFuzz+" -i /seeds -o /out") || !strings.HasSuffix(line, "-- "+target) {
			t.Errorf("malformed command: %s", line)
		}
	}

	written, err := os.ReadFile(outFile)
	if err != nil || string(written) != first {
		t.Fatalf("--out file differs from stdout (%v)", err)
	}
	if second := run(); second != first {
		t.Errorf("seeded plans differ:\n%s\n%s", first, second)
	}
}

func TestGenCommandErrors(t *testing.T) {
	disableBackends(t)
	dir := t.TempDir()
	target := executable(t, dir, "target")
	// keep a host afl-fuzz out of the fallback lookup
	t.Setenv("PATH", t.TempDir())

	tests := []struct {
		name string
		args []string
	}{
		{"no target", []string{"gen", "--afl-binary", executable(t, dir, "afl-fuzz")}},
		{"missing fuzzer", []string{"gen", "--target", target, "--afl-binary", filepath.Join(dir, "nope")}},
		{"bad mode", []string{"gen", "--target", target, "--mode", "turbo"}},
		{"missing config", []string{"gen", "--config", filepath.Join(dir, "nope.yaml")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRootCommand()
			root.SetOut(&bytes.Buffer{})
			root.SetErr(&bytes.Buffer{})
			root.SetArgs(tt.args)
			if err := root.Execute(); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestFlagsOverrideCampaignFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "campaign.yaml")
	content := "target:\n  path: /bin/from-file\nafl_cfg:\n  runners: 8\n  mode: ci-fuzzing\nmisc:\n  seed: 3\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	flags := &campaignFlags{}
	root := newRootCommandWith(flags)
	if err := root.ParseFlags([]string{"--config", cfgPath, "--runners", "2", "--seed", "9"}); err != nil {
		t.Fatal(err)
	}
	file, err := flags.resolve(root)
	if err != nil {
		t.Fatal(err)
	}
	if file.AFL.Runners != 2 || file.AFL.Mode != "ci-fuzzing" || file.Target.Path != "/bin/from-file" {
		t.Errorf("unexpected merge: %+v", file)
	}
	if file.Misc.Seed == nil || *file.Misc.Seed != 9 {
		t.Errorf("seed flag not applied: %v", file.Misc.Seed)
	}
	if file.AFL.OutputDir == "" || file.AFL.InputDir == "" {
		t.Errorf("defaults not applied: %+v", file.AFL)
	}
	if file.AFL.CmplogRatio != nil {
		t.Errorf("cmplog ratio set without the flag: %v", *file.AFL.CmplogRatio)
	}

	flags = &campaignFlags{}
	root = newRootCommandWith(flags)
	if err := root.ParseFlags([]string{"--config", cfgPath, "--cmplog-ratio", "0"}); err != nil {
		t.Fatal(err)
	}
	if file, err = flags.resolve(root); err != nil {
		t.Fatal(err)
	}
	if file.AFL.CmplogRatio == nil || *file.AFL.CmplogRatio != 0 {
		t.Errorf("explicit --cmplog-ratio 0 not kept: %v", file.AFL.CmplogRatio)
	}
}

func TestUnpackSeedArchive(t *testing.T) {
	seedsDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(seedsDir, "seed"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(t.TempDir(), "seeds.tar.gz")
	if err := utils.CompressTarGz(seedsDir, archive); err != nil {
		t.Fatal(err)
	}

	r := &campaignRunner{logger: zaptest.NewLogger(t)}
	file := &config.CampaignFile{}
	file.AFL.InputDir = archive
	file.AFL.OutputDir = t.TempDir()
	if err := r.unpackSeeds(file); err != nil {
		t.Fatalf("unpackSeeds: %v", err)
	}
	if file.AFL.InputDir != filepath.Join(file.AFL.OutputDir, seedInputDir) {
		t.Fatalf("input not redirected: %s", file.AFL.InputDir)
	}
	if got, err := os.ReadFile(filepath.Join(file.AFL.InputDir, "seed")); err != nil || string(got) != "hello" {
		t.Fatalf("seed not unpacked: %q, %v", got, err)
	}

	// directories are used as they are
	file.AFL.InputDir = seedsDir
	if err := r.unpackSeeds(file); err != nil || file.AFL.InputDir != seedsDir {
		t.Fatalf("directory input changed: %s, %v", file.AFL.InputDir, err)
	}
}

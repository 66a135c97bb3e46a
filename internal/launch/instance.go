package launch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"aflrunner/internal/afl"
	"aflrunner/pkg/database"
	"aflrunner/pkg/telemetry"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const noUIEnv = "AFL_NO_UI"

// Instance is one afl-fuzz process of a campaign.
type Instance struct {
	Index      int
	Name       string // -M / -S name, also the sub-directory of the output dir
	Invocation afl.FuzzerInvocation
	Env        []string // full process environment

	logger *zap.Logger
	pid    atomic.Int64
}

// Result is what is known about an instance once its process has exited.
type Result struct {
	Index  int
	Name   string
	PID    int
	Status database.WorkerStatusEnum
	Stats  map[string]string
	Err    error
}

func newInstance(index int, inv afl.FuzzerInvocation, environ []string, logger *zap.Logger) *Instance {
	name := inv.Name()
	if name == "" {
		name = fmt.Sprintf("worker%d", index)
	}
	return &Instance{
		Index:      index,
		Name:       name,
		Invocation: inv,
		Env:        processEnv(environ, inv.Env),
		logger:     logger.With(zap.String("worker", name)),
	}
}

// processEnv layers the invocation variables over the host environment and
// disables the afl-fuzz UI unless something already configured it.
func processEnv(environ, vars []string) []string {
	env := make([]string, 0, len(environ)+len(vars)+1)
	env = append(env, environ...)
	env = append(env, vars...) // later entries win in exec
	for _, kv := range env {
		if strings.HasPrefix(kv, noUIEnv+"=") {
			return env
		}
	}
	return append(env, noUIEnv+"=1")
}

// PID returns the process id, or 0 before the process started.
func (m *Instance) PID() int {
	return int(m.pid.Load())
}

// Alive reports whether the process is still running.
func (m *Instance) Alive() bool {
	return processAlive(m.PID())
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (m *Instance) statsPath() string {
	return filepath.Join(m.Invocation.OutputDir, m.Name, "fuzzer_stats")
}

// Fuzz runs afl-fuzz and blocks until it exits. Behavior is as follows:
//
//  1. Starts the invocation with its arguments and environment; onStart gets the PID.
//  2. When ctx is done (campaign deadline or shutdown) the process receives SIGINT
//     so afl-fuzz can finish its final sync.
//  3. A process still alive `grace` after SIGINT is killed.
//
// The fuzzer_stats file written at exit is parsed into the returned Result and
// onto the instance's span.
func (m *Instance) Fuzz(ctx context.Context, grace time.Duration, onStart func(pid int)) Result {
	tracer := telemetry.FromContext(ctx).Spawn("running afl-fuzz")
	tracer.WithAttributes(telemetry.NewSpanAttributes(telemetry.Fuzzing).
		WithWorker(m.Name).
		WithCommand(m.Invocation.Assemble()))
	tracer.Start()
	defer tracer.End()

	res := Result{Index: m.Index, Name: m.Name, Status: database.WorkerExited}
	err := m.fuzz(ctx, grace, onStart)
	res.PID = m.PID()
	if err != nil {
		res.Status = database.WorkerFailed
		res.Err = err
		tracer.SetStatus(codes.Error, err.Error())
		m.logger.Error("afl-fuzz failed", zap.Error(err))
	}

	data, err := os.ReadFile(m.statsPath())
	if err != nil {
		m.logger.Warn("failed to read fuzzer stats", zap.Error(err))
		return res
	}
	stats, err := parseFuzzerStats(bytes.NewReader(data), m.logger)
	if err != nil {
		m.logger.Error("failed to parse fuzzer stats", zap.Error(err))
		return res
	}
	res.Stats = stats

	attrs := telemetry.EmptySpanAttributes()
	for k, v := range stats {
		attrs.WithExtraAttribute("fuzzer.afl."+k, v)
	}
	tracer.WithAttributes(attrs)
	return res
}

func (m *Instance) fuzz(ctx context.Context, grace time.Duration, onStart func(pid int)) error {
	inv := &m.Invocation
	cmd := exec.CommandContext(ctx, inv.FuzzerBinary, inv.Args()...)
	cmd.Env = m.Env
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = grace

	m.logger.Info("running afl-fuzz", zap.String("command", inv.Assemble()))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", inv.FuzzerBinary, err)
	}
	m.pid.Store(int64(cmd.Process.Pid))
	if onStart != nil {
		onStart(cmd.Process.Pid)
	}

	err := cmd.Wait()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// stopped by us: SIGINT exits and kills after the grace period are a normal shutdown
		m.logger.Debug("afl-fuzz stopped", zap.Error(err))
		return nil
	}
	return err
}

// parseFuzzerStats reads "key : value" lines as written by afl-fuzz.
// Returns an error only if an unexpected I/O error occurs.
func parseFuzzerStats(r io.Reader, logger *zap.Logger) (map[string]string, error) {
	stats := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rawKey, rawValue, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key := strings.TrimSpace(rawKey)
		if key == "" {
			continue
		}
		stats[key] = strings.TrimSpace(rawValue)
		logger.Debug("parsed fuzzer stat", zap.String("key", key), zap.String("value", stats[key]))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	return stats, nil
}

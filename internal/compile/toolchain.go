package compile

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ml-rust/venus/internal/venuserr"
)

// Diagnostic is a single structured compiler message mapped back to a
// notebook source location.
type Diagnostic struct {
	Line     int
	Column   int
	Severity string
	Message  string
	Rendered string
}

// InvokeResult carries the captured output of one toolchain invocation.
type InvokeResult struct {
	Stdout      string
	Stderr      string
	Diagnostics []Diagnostic
	Err         error
}

// ToolchainManager ensures a compiler capable of emitting dynamic libraries
// is available, and shells out to it. Installation is attempted at most
// once per process; ensure_installed is otherwise idempotent.
type ToolchainManager struct {
	command string

	mu          sync.Mutex
	checked     bool
	installErr  error
}

// NewToolchainManager constructs a manager for the named external compiler
// command (e.g. "rustc").
func NewToolchainManager(command string) *ToolchainManager {
	return &ToolchainManager{command: command}
}

// EnsureInstalled verifies the toolchain is on PATH, attempting an install
// side effect via the host package manager on first failure. Idempotent:
// later calls return the cached result.
func (t *ToolchainManager) EnsureInstalled(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.checked {
		return t.installErr
	}
	t.checked = true

	if _, err := exec.LookPath(t.command); err == nil {
		log.Debug().Str("command", t.command).Msg("toolchain already installed")
		return nil
	}

	log.Info().Str("command", t.command).Msg("toolchain not found, attempting install")
	installCmd := exec.CommandContext(ctx, "rustup", "toolchain", "install", "nightly")
	if _, err := installCmd.CombinedOutput(); err != nil {
		t.installErr = venuserr.Wrap(venuserr.KindToolchainUnavailable, "failed to install toolchain "+t.command, err)
		return t.installErr
	}

	if _, err := exec.LookPath(t.command); err != nil {
		t.installErr = venuserr.Wrap(venuserr.KindToolchainUnavailable, "toolchain "+t.command+" still unavailable after install", err)
		return t.installErr
	}

	return nil
}

// Invoke runs the toolchain command with the given args/env/cwd, capturing
// stdout/stderr and parsing any structured diagnostics found in stderr.
func (t *ToolchainManager) Invoke(ctx context.Context, args []string, env []string, cwd string) InvokeResult {
	cmd := exec.CommandContext(ctx, t.command, args...)
	cmd.Dir = cwd
	if len(env) > 0 {
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := InvokeResult{
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
		Diagnostics: parseDiagnostics(stderr.String()),
	}
	if err != nil {
		result.Err = venuserr.Wrap(venuserr.KindCellBuild, "toolchain invocation failed", err)
	}
	return result
}

// diagnosticRe matches a rustc-style diagnostic anywhere in stderr: a
// "severity[code]: message" line followed by a "--> file:line:col" line.
var diagnosticRe = regexp.MustCompile(`(?m)^(error|warning)(?:\[[^\]]+\])?: (.+)\n\s*-->\s*[^:]+:(\d+):(\d+)`)

func parseDiagnostics(stderr string) []Diagnostic {
	var diags []Diagnostic
	matches := diagnosticRe.FindAllStringSubmatch(stderr, -1)
	for _, m := range matches {
		line, _ := strconv.Atoi(m[3])
		col, _ := strconv.Atoi(m[4])
		severity := m[1]
		diags = append(diags, Diagnostic{
			Line:     line,
			Column:   col,
			Severity: severity,
			Message:  m[2],
			Rendered: m[0],
		})
	}
	return diags
}

package instances

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultPython        = "python"
	defaultShell         = "sh"
	defaultVenvDir       = "env"
	defaultRequirement   = "nonebot2[fastapi]"
	defaultEntrypoint    = "bot.py"
	defaultMaxConcurrent = 2
	maxToolOutput        = 2048
)

//go:embed assets/bot.py
var entrypointSource []byte

// EntrypointSource returns the bot entrypoint written into every instance.
func EntrypointSource() []byte {
	return bytes.Clone(entrypointSource)
}

// ProvisionerConfig holds configuration options for the Provisioner.
type ProvisionerConfig struct {
	Python        string        // Optional, defaults to "python"
	Shell         string        // Optional, defaults to "sh"
	VenvDir       string        // Optional, defaults to "env"
	Requirement   string        // Optional, defaults to "nonebot2[fastapi]"
	Entrypoint    string        // Optional, defaults to "bot.py"
	MaxConcurrent int           // Optional, defaults to 2
	Timeout       time.Duration // Optional, per tool run. Zero means no limit.
	Logger        *slog.Logger  // Optional, defaults to slog.Default()
}

// Provisioner prepares an instance working directory: virtual environment,
// NoneBot install and entrypoint file.
type Provisioner struct {
	python      string
	shell       string
	venvDir     string
	requirement string
	entrypoint  string
	timeout     time.Duration
	logger      *slog.Logger

	// slots bounds how many installs run at once.
	slots chan struct{}
}

func NewProvisioner(config ProvisionerConfig) *Provisioner {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := config.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	return &Provisioner{
		python:      valueOr(config.Python, defaultPython),
		shell:       valueOr(config.Shell, defaultShell),
		venvDir:     valueOr(config.VenvDir, defaultVenvDir),
		requirement: valueOr(config.Requirement, defaultRequirement),
		entrypoint:  valueOr(config.Entrypoint, defaultEntrypoint),
		timeout:     config.Timeout,
		logger:      logger.With("component", "Provisioner"),
		slots:       make(chan struct{}, maxConcurrent),
	}
}

// Provision creates the working directory, a virtual environment inside it,
// installs NoneBot into that environment and writes the entrypoint. Any
// failing step aborts the rest and may leave the directory partly populated;
// provisioning again from scratch is the only recovery.
//
// ctx only governs waiting for a free slot. Once the tools are running they
// are bounded by the configured timeout, not by the caller.
func (p *Provisioner) Provision(ctx context.Context, instance Instance) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.slots }()

	wd := instance.WorkingDirectory
	logger := p.logger.With("workingDirectory", wd)
	start := time.Now()
	toolCtx := context.WithoutCancel(ctx)

	logger.Info("Provisioning instance")
	if err := os.MkdirAll(wd, 0755); err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrFilesystem, wd, err)
	}

	if err := p.runTool(toolCtx, logger, wd, p.python, "-m", "venv", p.venvDir); err != nil {
		return fmt.Errorf("%w: %w", ErrEnvironmentCreation, err)
	}

	install := fmt.Sprintf(". %s && pip install %s",
		shellQuote(filepath.ToSlash(filepath.Join(p.venvDir, "bin", "activate"))),
		shellQuote(p.requirement),
	)
	if err := p.runTool(toolCtx, logger, wd, p.shell, "-c", install); err != nil {
		return fmt.Errorf("%w: %w", ErrDependencyInstall, err)
	}

	entrypointPath := filepath.Join(wd, p.entrypoint)
	if err := os.WriteFile(entrypointPath, entrypointSource, 0644); err != nil {
		return fmt.Errorf("%w: writing %s: %w", ErrFilesystem, entrypointPath, err)
	}

	logger.Info("Provisioned instance", "duration", time.Since(start))
	return nil
}

// runTool runs name with args in dir and blocks until it exits.
func (p *Provisioner) runTool(ctx context.Context, logger *slog.Logger, dir, name string, args ...string) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	logger.Debug("Running tool", "command", cmd.String())
	output, err := cmd.CombinedOutput()
	if len(output) > 0 {
		logger.Debug("Tool output", "command", name, "output", string(output))
	}
	if err != nil {
		return fmt.Errorf("%s: %w: %s", cmd.String(), err, tail(output, maxToolOutput))
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

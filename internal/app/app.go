package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/bnema/nextctl/internal/cli"
	"github.com/bnema/nextctl/internal/config"
	"github.com/bnema/nextctl/internal/logging"
	"github.com/bnema/nextctl/internal/session"
	"github.com/bnema/nextctl/internal/version"
	"github.com/bnema/nextctl/nextcontrol"
	"github.com/bnema/nextctl/wlclient"
)

const binaryName = "nextctl"

const (
	exitSuccess = 0
	exitFailure = 1
)

// Runner executes one nextctl invocation against the given output streams.
type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// Execute runs nextctl with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed := cli.Parse(args)
	switch parsed.Action {
	case cli.ActionHelp:
		fmt.Fprint(r.Stderr, cli.HelpText(binaryName))
		return exitSuccess
	case cli.ActionVersion:
		fmt.Fprintln(r.Stderr, "Nextctl version:", version.Short())
		return exitSuccess
	}

	loaded, err := config.Load()
	if err != nil {
		fmt.Fprintf(r.Stderr, "ERROR: %v\n", err)
		return exitFailure
	}
	cfg := loaded.Config

	logRuntime := logging.Discard()
	if cfg.LogFile {
		if rt, err := logging.New(cfg.LogLevel); err == nil {
			logRuntime = rt
		}
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	logger.Info("command start",
		"args", len(parsed.Command),
		"config", loaded.Path,
		"config_exists", loaded.Exists,
		"timeout", cfg.Timeout.String(),
		"version", version.String(),
	)

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	result, err := session.Run(ctx, parsed.Command, session.Options{Display: cfg.Display, Logger: logger})
	if err != nil {
		fmt.Fprintf(r.Stderr, "ERROR: %s\n", report(err))
		return exitFailure
	}

	switch res := result.(type) {
	case nextcontrol.Success:
		fmt.Fprint(r.Stdout, withNewline(res.Output))
		return exitSuccess
	case nextcontrol.Failure:
		fmt.Fprint(r.Stderr, "ERROR: ", withNewline(res.Message))
		if res.WantsUsage() {
			fmt.Fprint(r.Stderr, cli.HelpText(binaryName))
		}
		return exitFailure
	default:
		fmt.Fprintf(r.Stderr, "ERROR: unexpected result %T\n", result)
		return exitFailure
	}
}

// report names the step that failed, the way users know it.
func report(err error) string {
	var sessionErr *session.Error
	if !errors.As(err, &sessionErr) {
		return err.Error()
	}

	switch sessionErr.Stage {
	case session.StateConnected:
		return "Cannot connect to wayland display."
	case session.StateBound:
		if errors.Is(err, wlclient.ErrInterfaceNotFound) || errors.Is(err, wlclient.ErrVersionMismatch) {
			return "Compositor doesn't implement " + nextcontrol.ControlInterface + "."
		}
		return "wayland dispatch failed."
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			return "wayland dispatch timed out."
		}
		return "wayland dispatch failed."
	}
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: turnbridge [command] [flags]

COMMANDS:
  serve [-eager] [-bind addr] [-quiet]
                        Run the bridge (default when no command is given)
  telegram              Run the Telegram bot against the bridge
  status                Show bridge health (/healthz)
  doctor [-json]        Run diagnostic checks

ENVIRONMENT VARIABLES:
  TURNBRIDGE_HOME             Data directory (default: ~/.turnbridge)
  TURNBRIDGE_BIND_ADDR        Listen address (default: 127.0.0.1:8787)
  TURNBRIDGE_TOKEN            Client auth token
  TURNBRIDGE_ENGINE_COMMAND   Engine command line (default: codex app-server)
  TURNBRIDGE_LOG_LEVEL        debug, info, warn or error
  TELEGRAM_TOKEN              Telegram bot token
`)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch command {
	case "serve":
		return runServeCommand(ctx, args)
	case "telegram":
		return runTelegramCommand(ctx, args)
	case "status":
		return runStatusCommand(ctx, args)
	case "doctor":
		return runDoctorCommand(ctx, args)
	case "help":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		printUsage(os.Stderr)
		return 2
	}
}

// startupError carries a stable reason code for failures before the bridge
// is serving.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func startupFailure(code string, err error) error {
	return &startupError{code: code, err: err}
}

// reportStartup logs err with its reason code and returns the exit status.
func reportStartup(logger *slog.Logger, err error) int {
	code := "E_STARTUP"
	var se *startupError
	if errors.As(err, &se) {
		code = se.code
		err = se.err
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", code, "error", err)
		return 1
	}
	fmt.Fprintf(
		os.Stderr,
		`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		code,
		err.Error(),
	)
	return 1
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// Command agentd runs an event-sourced autonomous agent over a single
// durable thread store. The default subcommand starts the agent loop;
// the rest are one-shot operations against the same database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/agentd/internal/audit"
	"github.com/basket/agentd/internal/config"
	"github.com/basket/agentd/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [run]                          Run the agent loop (REPL on a terminal)
  %s send <message...>              Run one turn with the given input
  %s resume                         Re-enter an interrupted turn
  %s approve -call ID -decision D   Record an approval decision
                                    D: allow_once, allow_session, deny
  %s pending                        List unanswered approval requests
  %s status                         Show thread and budget status
  %s threads                        List known threads

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTD_HOME              Data directory (default: ~/.agentd)
  AGENTD_NO_REPL           Set to 1 to disable the REPL in run mode
  ANTHROPIC_API_KEY        Required for the anthropic provider
  OPENAI_API_KEY           Required for the openai provider
`)
}

func main() {
	flag.Usage = printUsage
	threadFlag := flag.String("thread", "default", "thread id to operate on")
	flag.Parse()

	args := flag.Args()
	cmdName := "run"
	if len(args) > 0 {
		cmdName = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}
	if cmdName == "help" || cmdName == "-h" || cmdName == "--help" {
		printUsage()
		return
	}

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("AGENTD_NO_REPL") == ""

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	// File-only logs in run mode on a terminal so the REPL stays clean.
	quiet := interactive && cmdName == "run"
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup", "version", Version, "fingerprint", cfg.Fingerprint(), "thread_id", *threadFlag)

	switch cmdName {
	case "run":
		os.Exit(runRun(ctx, cfg, logger, *threadFlag, interactive))
	case "send":
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, "send: message required")
			os.Exit(2)
		}
		os.Exit(runSend(ctx, cfg, logger, *threadFlag, strings.Join(args, " ")))
	case "resume":
		os.Exit(runResume(ctx, cfg, logger, *threadFlag))
	case "approve":
		os.Exit(runApprove(ctx, cfg, *threadFlag, args))
	case "pending":
		os.Exit(runPending(ctx, cfg, *threadFlag))
	case "status":
		os.Exit(runStatus(ctx, cfg, *threadFlag))
	case "threads":
		os.Exit(runThreads(ctx, cfg))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", cmdName)
		printUsage()
		os.Exit(2)
	}
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "agentd: %s: %v\n", code, err)
	os.Exit(1)
}

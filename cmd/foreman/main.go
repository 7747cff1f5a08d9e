// Command foreman drives software requirements through a multi-phase agent
// pipeline: planning, architecting, coding, review and test loops, with
// durable progress in the project-local .foreman directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/foundry/foreman/internal/shared"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s init                     Write a default .foreman/config.yaml
  %s submit <text>            Submit a requirement
                              Flags: -deps <id,id,...>, -priority <n>
  %s run                      Run all pending requirements
  %s resume                   Resume from the latest checkpoint
  %s status                   Show session, requirement and job state
  %s sweep                    Run a retention sweep now

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  FOREMAN_AGENT_CMD        Agent executable override
  FOREMAN_LOG_LEVEL        Log level override (debug, info, warn, error)
  FOREMAN_CONCURRENCY      Concurrency override

EXAMPLES:
  Submit work:             %s submit "add OAuth login"
  Run the pipeline:        %s run
  Check progress:          %s status
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	projectDir := flag.String("project", ".", "project directory to orchestrate")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	// Piped output implies file-only logging so machine consumers get
	// command output, not log lines.
	quietLogs := *quiet || !isatty.IsTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// One trace id per invocation ties every log line of a command together.
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "init":
		os.Exit(runInitCommand(*projectDir))
	case "submit":
		os.Exit(runSubmitCommand(ctx, *projectDir, quietLogs, args[1:]))
	case "run":
		os.Exit(runRunCommand(ctx, *projectDir, quietLogs))
	case "resume":
		os.Exit(runResumeCommand(ctx, *projectDir, quietLogs))
	case "status":
		os.Exit(runStatusCommand(ctx, *projectDir))
	case "sweep":
		os.Exit(runSweepCommand(ctx, *projectDir, quietLogs))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

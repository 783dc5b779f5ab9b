// Package cli provides the command-line interface for plan-runner.
package cli

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Version is set at build time.
var Version = "dev"

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Usage:   "Path to config.yaml (default: ./config.yaml if present)",
		EnvVars: []string{"PLAN_RUNNER_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "device",
		Aliases: []string{"s"},
		Usage:   "ADB serial of the device (default: first available)",
		EnvVars: []string{"PLAN_RUNNER_DEVICE", "ANDROID_SERIAL"},
	},
	&cli.StringFlag{
		Name:    "driver",
		Aliases: []string{"d"},
		Usage:   "Session driver (uiautomator2, adb, mock)",
		EnvVars: []string{"PLAN_RUNNER_DRIVER"},
	},
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level (debug, info, warn, error)",
		EnvVars: []string{"PLAN_RUNNER_LOG_LEVEL"},
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Also print warnings and errors from the log to stderr",
		EnvVars: []string{"PLAN_RUNNER_VERBOSE"},
	},
	&cli.BoolFlag{
		Name:  "no-ansi",
		Usage: "Disable ANSI colors",
	},
}

// NewApp builds the CLI application.
func NewApp() *cli.App {
	return &cli.App{
		Name:    "plan-runner",
		Usage:   "Run action plans against an Android app",
		Version: Version,
		Description: `plan-runner executes action plans (YAML or JSON lists of UI steps)
against a running Android application, resolving each step's target
against the live accessibility tree.

Examples:
  plan-runner run login.yaml
  plan-runner run login.yaml -e USER=test --snapshots
  plan-runner --driver adb --device emulator-5554 run login.json
  plan-runner hierarchy --json
  plan-runner find-input "Email"`,
		Flags: GlobalFlags,
		// Exit codes are handled by Execute so the app can run inside tests.
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			runCommand,
			devicesCommand,
			hierarchyCommand,
			findInputCommand,
			historyCommand,
		},
	}
}

// Execute runs the CLI.
func Execute() {
	if err := NewApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if exitErr, ok := err.(cli.ExitCoder); ok {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}

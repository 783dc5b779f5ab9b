package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/plan-runner/pkg/archive"
	"github.com/devicelab-dev/plan-runner/pkg/config"
	"github.com/devicelab-dev/plan-runner/pkg/core"
	"github.com/devicelab-dev/plan-runner/pkg/executor"
	"github.com/devicelab-dev/plan-runner/pkg/locator"
	"github.com/devicelab-dev/plan-runner/pkg/logger"
	"github.com/devicelab-dev/plan-runner/pkg/plan"
	"github.com/devicelab-dev/plan-runner/pkg/report"
	"github.com/devicelab-dev/plan-runner/pkg/snapshot"
)

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "Run an action plan on a device",
	ArgsUsage: "<plan-file>",
	Description: `Run an action plan (.yaml, .yml or .json) against the app on a device.

Reports are generated in the output directory:
  - Default: ./reports/<timestamp>/
  - With --output: <output>/<timestamp>/
  - With --output and --flatten: <output>/ (no timestamp subfolder)

Examples:
  plan-runner run login.yaml
  plan-runner run login.yaml -e USER=test -e PASS=secret
  plan-runner run login.yaml --snapshots --output ./runs --flatten
  plan-runner --driver mock run login.yaml --dump screen.xml`,
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "env",
			Aliases: []string{"e"},
			Usage:   "Plan variables (KEY=VALUE), expanded in ${...}",
		},
		&cli.StringFlag{
			Name:  "output",
			Usage: "Output directory for reports (default: outputDir from config, ./reports)",
		},
		&cli.BoolFlag{
			Name:  "flatten",
			Usage: "Don't create timestamp subfolder (requires --output)",
		},
		&cli.StringFlag{
			Name:    "package",
			Usage:   "App package for LAUNCH_APP steps without a value",
			EnvVars: []string{"PLAN_RUNNER_PACKAGE"},
		},
		&cli.StringFlag{
			Name:  "activity",
			Usage: "Launch activity for --package",
		},
		&cli.BoolFlag{
			Name:  "continue-on-failure",
			Usage: "Keep going after a failed action step",
		},
		&cli.DurationFlag{
			Name:  "wait-timeout",
			Usage: "Default WAIT_TEXT budget",
		},
		&cli.DurationFlag{
			Name:  "poll-interval",
			Usage: "WAIT_TEXT poll interval",
		},
		&cli.DurationFlag{
			Name:  "step-timeout",
			Usage: "Deadline of each device operation",
		},
		&cli.BoolFlag{
			Name:  "snapshots",
			Usage: "Capture screenshot and hierarchy after every step",
		},
		&cli.IntFlag{
			Name:  "max-scrolls",
			Usage: "Swipes per SCROLL_TO (adb driver)",
		},
		&cli.StringFlag{
			Name:    "nats-url",
			Usage:   "Publish progress events to this NATS server",
			EnvVars: []string{"PLAN_RUNNER_NATS_URL"},
		},
		&cli.StringFlag{
			Name:  "nats-subject",
			Usage: "NATS subject for progress events",
		},
		&cli.StringFlag{
			Name:    "archive",
			Usage:   "Store the finished run in this SQLite database",
			EnvVars: []string{"PLAN_RUNNER_ARCHIVE"},
		},
		&cli.StringFlag{
			Name:  "dump",
			Usage: "Hierarchy dump (XML) the mock driver resolves against",
		},
	},
	Action: runPlan,
}

func applyRunFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("package") {
		cfg.Package = c.String("package")
	}
	if c.IsSet("activity") {
		cfg.Activity = c.String("activity")
	}
	if c.IsSet("continue-on-failure") {
		cfg.ContinueOnFailure = c.Bool("continue-on-failure")
	}
	if c.IsSet("wait-timeout") {
		cfg.WaitTimeout = c.Duration("wait-timeout")
	}
	if c.IsSet("poll-interval") {
		cfg.PollInterval = c.Duration("poll-interval")
	}
	if c.IsSet("step-timeout") {
		cfg.StepTimeout = c.Duration("step-timeout")
	}
	if c.IsSet("snapshots") {
		cfg.Snapshots = c.Bool("snapshots")
	}
	if c.IsSet("max-scrolls") {
		cfg.MaxScrolls = c.Int("max-scrolls")
	}
	if c.IsSet("nats-url") {
		cfg.NATS.URL = c.String("nats-url")
	}
	if c.IsSet("nats-subject") {
		cfg.NATS.Subject = c.String("nats-subject")
	}
	if c.IsSet("archive") {
		cfg.Archive.Path = c.String("archive")
	}

	// Merge env variables: config env + CLI env (CLI takes precedence)
	env := make(map[string]string)
	for k, v := range cfg.Env {
		env[k] = v
	}
	for k, v := range parseEnvVars(c.StringSlice("env")) {
		env[k] = v
	}
	cfg.Env = env
}

func resolveOutputDir(base, output string, flatten bool) (string, error) {
	if flatten && output == "" {
		return "", fmt.Errorf("--flatten requires --output to be specified")
	}
	if output != "" {
		base = output
	}
	if base == "" {
		base = config.DefaultOutputDir
	}
	if flatten {
		return filepath.Clean(base), nil
	}

	// Create timestamp-based subfolder
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	return filepath.Join(base, timestamp), nil
}

func runPlan(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("run: exactly one plan file is required", 2)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyRunFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	p, err := plan.Load(c.Args().First())
	if err != nil {
		return err
	}

	outputDir, err := resolveOutputDir(cfg.OutputDir, c.String("output"), c.Bool("flatten"))
	if err != nil {
		return err
	}
	writer, err := report.NewWriter(outputDir)
	if err != nil {
		return err
	}

	logOpts := logger.Options{
		Path:       cfg.LogFile(),
		Level:      cfg.Log.Level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}
	if c.Bool("verbose") {
		logOpts.Console = c.App.ErrWriter
	}
	if err := logger.Init(logOpts); err != nil {
		fmt.Fprintf(c.App.ErrWriter, "Warning: Failed to initialize logger: %v\n", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := newEnvironment(ctx, cfg, c.String("dump"))
	if err != nil {
		return err
	}
	return executePlan(ctx, c, cfg, env, p, writer)
}

func executePlan(ctx context.Context, c *cli.Context, cfg *config.Config, env *environment, p *plan.ActionPlan, writer *report.Writer) error {
	out := newPrinter(c.App.Writer, !c.Bool("no-ansi") && terminalColors())

	var snaps *snapshot.Store
	if cfg.Snapshots && env.capturer != nil {
		snaps = snapshot.New(env.capturer, env.deviceID)
	}

	timeline := report.NewTimeline(report.Meta{
		Title:     p.Title,
		DeviceID:  env.deviceID,
		Package:   cfg.Package,
		Activity:  cfg.Activity,
		Driver:    cfg.Driver,
		Version:   Version,
		Snapshots: snaps != nil,
	}, writer)

	observers := []executor.Observer{out.Observer(), timeline.Observer()}
	stopPublishing := func() {}
	if cfg.NATS.URL != "" {
		obs, stopFn, err := startPublishing(ctx, cfg.NATS)
		if err != nil {
			fmt.Fprintf(c.App.ErrWriter, "Warning: progress publishing disabled: %v\n", err)
		} else {
			observers = append(observers, obs)
			stopPublishing = stopFn
		}
	}

	runCfg := executor.Config{
		DeviceID:          env.deviceID,
		Package:           cfg.Package,
		Activity:          cfg.Activity,
		WaitTimeout:       cfg.WaitTimeout,
		PollInterval:      cfg.PollInterval,
		StepTimeout:       cfg.StepTimeout,
		ContinueOnFailure: cfg.ContinueOnFailure,
		Variables:         cfg.Env,
	}
	if snaps != nil {
		runCfg.Snapshots = snaps
	}
	runner := executor.New(env.session, locator.New(env.dumps), runCfg)

	out.header(p.Title, env.deviceID, cfg.Driver, len(p.Steps))
	res, err := runner.Run(ctx, p, executor.MultiObserver(observers...))
	stopPublishing()
	if err != nil {
		return err
	}

	if snaps != nil {
		if err := snaps.WriteTo(writer.Path(report.SnapshotsDir)); err != nil {
			logger.Warn("snapshot export failed: %v", err)
		}
	}
	if _, err := timeline.Finish(res); err != nil {
		fmt.Fprintf(c.App.ErrWriter, "Warning: report not written: %v\n", err)
	}
	if cfg.Archive.Path != "" {
		if err := archiveRun(c.Context, cfg, env.deviceID, res); err != nil {
			fmt.Fprintf(c.App.ErrWriter, "Warning: run not archived: %v\n", err)
		}
	}

	out.summary(res, writer.Dir())
	if res.State != core.RunCompleted {
		return cli.Exit(fmt.Sprintf("run %s", res.State), 1)
	}
	return nil
}

// startPublishing forwards run events to NATS through an EventStream, so a
// slow broker never stalls the run. stop drains the stream and closes the
// connection.
func startPublishing(ctx context.Context, cfg config.NATSConfig) (executor.Observer, func(), error) {
	pub, err := report.NewNATSPublisher(report.NATSConfig{URL: cfg.URL, Subject: cfg.Subject})
	if err != nil {
		return executor.Observer{}, nil, err
	}

	stream := executor.NewEventStream()
	done := make(chan struct{})
	go func() {
		defer close(done)
		report.Forward(context.WithoutCancel(ctx), stream.Events(), pub)
	}()

	stop := func() {
		stream.Close()
		<-done
		if err := pub.Close(); err != nil {
			logger.Warn("nats close: %v", err)
		}
	}
	return stream.Observer(), stop, nil
}

func archiveRun(ctx context.Context, cfg *config.Config, deviceID string, res *executor.RunResult) error {
	store, err := archive.Open(cfg.Archive.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.SaveRun(ctx, res, archive.RunMeta{DeviceID: deviceID, Package: cfg.Package, Driver: cfg.Driver})
}

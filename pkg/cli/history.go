package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/plan-runner/pkg/archive"
)

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "List archived runs, or show one run",
	ArgsUsage: "[run-id]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "archive",
			Usage:   "SQLite run archive (default: archive.path from config)",
			EnvVars: []string{"PLAN_RUNNER_ARCHIVE"},
		},
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Number of runs to list",
			Value: 20,
		},
	},
	Action: func(c *cli.Context) error {
		path := c.String("archive")
		if path == "" {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			path = cfg.Archive.Path
		}
		if path == "" {
			return cli.Exit("history: no archive configured (use --archive or archive.path)", 2)
		}

		store, err := archive.Open(path)
		if err != nil {
			return err
		}
		defer store.Close()

		if c.NArg() > 0 {
			return showRun(c, store, c.Args().First())
		}
		return listRuns(c, store)
	},
}

func listRuns(c *cli.Context, store *archive.Store) error {
	runs, err := store.ListRuns(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(c.App.Writer, "No runs archived")
		return nil
	}

	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATE\tSTEPS\tDURATION\tTITLE")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.State, r.StepCount,
			formatDuration(time.Duration(r.DurationMs)*time.Millisecond), r.Title)
	}
	return tw.Flush()
}

func showRun(c *cli.Context, store *archive.Store, id string) error {
	rec, err := store.GetRun(c.Context, id)
	if errors.Is(err, archive.ErrNotFound) {
		return cli.Exit(fmt.Sprintf("history: run %s not found", id), 1)
	}
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "%s  %s\n", rec.ID, rec.Title)
	fmt.Fprintf(w, "  device %s, driver %s, package %s\n", rec.DeviceID, rec.Driver, rec.Package)
	fmt.Fprintf(w, "  %s in %s, %d skipped\n", rec.State, formatDuration(time.Duration(rec.DurationMs)*time.Millisecond), rec.Skipped)
	if rec.Error != "" {
		fmt.Fprintf(w, "  cause: %s\n", rec.Error)
	}
	fmt.Fprintln(w)
	for _, s := range rec.Steps {
		mark := "✓"
		switch {
		case s.Tolerated:
			mark = "~"
		case s.State == "failed":
			mark = "✗"
		}
		fmt.Fprintf(w, "  %s [%d] %s (%s)\n", mark, s.Index, s.Description, formatDuration(time.Duration(s.DurationMs)*time.Millisecond))
		if s.Locator != "" {
			fmt.Fprintf(w, "      %s\n", s.Locator)
		}
		if s.Error != "" {
			fmt.Fprintf(w, "      ╰─ %s\n", s.Error)
		}
	}
	return nil
}

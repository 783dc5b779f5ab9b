package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/plan-runner/pkg/device"
)

var devicesCommand = &cli.Command{
	Name:  "devices",
	Usage: "List devices known to adb",
	Action: func(c *cli.Context) error {
		adb, err := device.NewADB()
		if err != nil {
			return err
		}
		devices, err := adb.ListDevices(c.Context)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Fprintln(c.App.Writer, "No devices attached")
			return nil
		}

		tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SERIAL\tSTATE")
		for _, d := range devices {
			fmt.Fprintf(tw, "%s\t%s\n", d.Serial, d.State)
		}
		return tw.Flush()
	},
}

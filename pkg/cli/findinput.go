package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/plan-runner/pkg/hierarchy"
)

var findInputCommand = &cli.Command{
	Name:      "find-input",
	Usage:     "Show the text field a label resolves to",
	ArgsUsage: "<label>",
	Flags:     []cli.Flag{dumpFileFlag},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("find-input: exactly one label is required", 2)
		}
		label := c.Args().First()

		raw, err := readDump(c)
		if err != nil {
			return err
		}
		elem, err := hierarchy.FindAssociatedInput(raw, label)
		if err != nil {
			return err
		}
		if elem == nil {
			return cli.Exit(fmt.Sprintf("no input field for label %q", label), 1)
		}

		fmt.Fprintf(c.App.Writer, "label:       %s\n", label)
		fmt.Fprintf(c.App.Writer, "class:       %s\n", elem.ClassName)
		fmt.Fprintf(c.App.Writer, "resource-id: %s\n", elem.ResourceID)
		fmt.Fprintf(c.App.Writer, "bounds:      %s (center %s)\n", elem.Bounds, center(elem.Rect()))
		if elem.Text != "" {
			fmt.Fprintf(c.App.Writer, "text:        %s\n", elem.Text)
		}
		return nil
	},
}

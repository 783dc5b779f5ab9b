package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/plan-runner/pkg/core"
	"github.com/devicelab-dev/plan-runner/pkg/device"
	"github.com/devicelab-dev/plan-runner/pkg/hierarchy"
)

var dumpFileFlag = &cli.StringFlag{
	Name:  "file",
	Usage: "Read the hierarchy from an XML dump instead of the device",
}

var hierarchyCommand = &cli.Command{
	Name:  "hierarchy",
	Usage: "Print the current accessibility tree as a flat element list",
	Description: `Dump the screen of the device and print every node.

Output formats:
  (default)   aligned table
  --compact   CSV (resourceId,text,className,bounds)
  --json      JSON array`,
	Flags: []cli.Flag{
		dumpFileFlag,
		&cli.BoolFlag{Name: "compact", Usage: "CSV output"},
		&cli.BoolFlag{Name: "json", Usage: "JSON output"},
	},
	Action: func(c *cli.Context) error {
		raw, err := readDump(c)
		if err != nil {
			return err
		}
		elems, err := hierarchy.Parse(raw)
		if err != nil {
			return err
		}

		switch {
		case c.Bool("json"):
			return printElementsJSON(c.App.Writer, elems)
		case c.Bool("compact"):
			return printElementsCSV(c.App.Writer, elems)
		default:
			return printElementsTable(c.App.Writer, elems)
		}
	},
}

// readDump returns the hierarchy from --file, or from the selected device.
func readDump(c *cli.Context) (string, error) {
	if path := c.String("file"); path != "" {
		dump, err := loadFileDump(path)
		if err != nil {
			return "", err
		}
		return dump.raw, nil
	}

	adb, err := device.NewADB()
	if err != nil {
		return "", err
	}
	serial, err := resolveDevice(c.Context, adb, c.String("device"))
	if err != nil {
		return "", err
	}
	return adb.FetchRawDump(c.Context, serial)
}

func printElementsJSON(w io.Writer, elems []hierarchy.Element) error {
	if elems == nil {
		elems = []hierarchy.Element{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(elems)
}

func printElementsCSV(w io.Writer, elems []hierarchy.Element) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"resourceId", "text", "className", "bounds"}); err != nil {
		return err
	}
	for _, e := range elems {
		if err := cw.Write([]string{e.ResourceID, e.Text, e.ClassName, e.Bounds}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func printElementsTable(w io.Writer, elems []hierarchy.Element) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCLASS\tRESOURCE-ID\tTEXT\tCENTER")
	for i, e := range elems {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%q\t%s\n", i, e.ClassName, e.ResourceID, e.Text, center(e.Rect()))
	}
	return tw.Flush()
}

func center(b core.Bounds) string {
	if b.IsEmpty() {
		return "-"
	}
	x, y := b.Center()
	return fmt.Sprintf("%d,%d", x, y)
}

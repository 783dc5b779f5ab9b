// Command plan-runner executes action plans against an Android app.
package main

import "github.com/devicelab-dev/plan-runner/pkg/cli"

func main() {
	cli.Execute()
}

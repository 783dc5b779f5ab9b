package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/devicelab-dev/plan-runner/pkg/core"
	"github.com/devicelab-dev/plan-runner/pkg/executor"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Slow step threshold (5 seconds)
const slowThreshold = 5 * time.Second

// terminalColors reports whether stdout wants ANSI colors.
func terminalColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}

// printer renders run progress to a terminal.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	colors bool
}

func newPrinter(w io.Writer, colors bool) *printer {
	return &printer{w: w, colors: colors}
}

// color returns the color code if colors are enabled, empty string otherwise
func (p *printer) color(c string) string {
	if p.colors {
		return c
	}
	return ""
}

// Observer returns callbacks that print step results and log lines.
func (p *printer) Observer() executor.Observer {
	return executor.Observer{
		OnStep: p.onStep,
		OnLog:  p.onLog,
	}
}

func (p *printer) header(title, device, driver string, steps int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if title == "" {
		title = "Action plan"
	}
	fmt.Fprintf(p.w, "\n  %s%s%s %s(%d steps on %s via %s)%s\n",
		p.color(colorBold), title, p.color(colorReset),
		p.color(colorGray), steps, device, driver, p.color(colorReset))
	fmt.Fprintln(p.w, strings.Repeat("─", 60))
}

func (p *printer) onStep(e executor.StepEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := e.Step
	durStr := formatDuration(s.Duration)
	prefix := fmt.Sprintf("[%d/%d]", s.Index, e.Total)

	switch {
	case s.Passed():
		symbol, symbolColor, durColor := "✓", p.color(colorGreen), ""
		if s.Duration >= slowThreshold {
			symbol, symbolColor, durColor = "⚠", p.color(colorYellow), p.color(colorYellow)
		}
		fmt.Fprintf(p.w, "    %s%s%s %s %s %s(%s)%s\n",
			symbolColor, symbol, p.color(colorReset), prefix, s.Description, durColor, durStr, p.color(colorReset))
	case s.Tolerated:
		fmt.Fprintf(p.w, "    %s~%s %s %s (%s)\n", p.color(colorYellow), p.color(colorReset), prefix, s.Description, durStr)
	default:
		fmt.Fprintf(p.w, "    %s✗%s %s %s (%s)\n", p.color(colorRed), p.color(colorReset), prefix, s.Description, durStr)
	}
	if s.Locator != nil {
		fmt.Fprintf(p.w, "      %s%s%s\n", p.color(colorGray), s.Locator, p.color(colorReset))
	}
	if s.Err != nil {
		fmt.Fprintf(p.w, "      %s╰─%s %v\n", p.color(colorGray), p.color(colorReset), s.Err)
	}
}

func (p *printer) onLog(line string) {
	if !strings.Contains(line, "retrying") {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "      %s↻ %s%s\n", p.color(colorCyan), line, p.color(colorReset))
}

func (p *printer) summary(res *executor.RunResult, outputDir string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var passed, failed, tolerated int
	for _, s := range res.Steps {
		switch {
		case s.Passed():
			passed++
		case s.Tolerated:
			tolerated++
		default:
			failed++
		}
	}

	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, strings.Repeat("═", 60))
	statusColor, status := p.color(colorGreen), "✓ PASS"
	switch {
	case res.State == core.RunAborted:
		statusColor, status = p.color(colorRed), "✗ ABORTED"
	case failed+tolerated > 0:
		statusColor, status = p.color(colorYellow), "~ PASS WITH FAILURES"
	}
	fmt.Fprintf(p.w, "  %s%s%s  %s\n", statusColor, status, p.color(colorReset), formatDuration(res.Duration))
	fmt.Fprintf(p.w, "  %d passed, %d failed, %d tolerated, %d skipped\n", passed, failed, tolerated, res.Skipped)
	if res.Err != nil {
		fmt.Fprintf(p.w, "  %scause:%s %v\n", p.color(colorRed), p.color(colorReset), res.Err)
	}
	if outputDir != "" {
		fmt.Fprintf(p.w, "  report: %s\n", outputDir)
	}
	fmt.Fprintln(p.w, strings.Repeat("═", 60))
}

// formatDuration shows milliseconds below 1s, seconds otherwise.
func formatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	}
	mins := ms / 60000
	secs := (ms % 60000) / 1000
	return fmt.Sprintf("%dm %ds", mins, secs)
}

func parseEnvVars(envs []string) map[string]string {
	result := make(map[string]string)
	for _, e := range envs {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) == 2 {
			result[parts[0]] = parts[1]
		}
	}
	return result
}

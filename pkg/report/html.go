package report

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HTMLConfig contains configuration for HTML report generation.
type HTMLConfig struct {
	OutputPath  string // Path to write the HTML file
	EmbedAssets bool   // Embed screenshots as base64 (makes file larger but portable)
	Title       string // Report title (default: run title, then "Run Report")
	ReportDir   string // Directory containing report.json (needed for asset paths)
}

// GenerateHTML renders rep as a static HTML page.
func GenerateHTML(rep *Report, cfg HTMLConfig) error {
	if cfg.Title == "" {
		cfg.Title = rep.Title
	}
	if cfg.Title == "" {
		cfg.Title = "Run Report"
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = filepath.Join(cfg.ReportDir, HTMLFile)
	}

	html, err := renderHTML(buildHTMLData(rep, cfg))
	if err != nil {
		return fmt.Errorf("render html: %w", err)
	}
	if err := os.WriteFile(cfg.OutputPath, []byte(html), 0o644); err != nil {
		return fmt.Errorf("write html: %w", err)
	}
	return nil
}

// GenerateHTMLFromDir renders the report.json found in dir.
func GenerateHTMLFromDir(dir string, cfg HTMLConfig) error {
	rep, err := ReadReport(dir)
	if err != nil {
		return fmt.Errorf("read report: %w", err)
	}
	if cfg.ReportDir == "" {
		cfg.ReportDir = dir
	}
	return GenerateHTML(rep, cfg)
}

// HTMLData contains all data needed for the HTML template.
type HTMLData struct {
	Title         string
	GeneratedAt   string
	Report        *Report
	Steps         []StepHTMLData
	StatusClass   string
	TotalDuration string
	PassRate      float64
}

// StepHTMLData contains step data formatted for HTML.
type StepHTMLData struct {
	StepEntry
	StatusClass string
	DurationStr string
	Screenshot  template.URL
}

func buildHTMLData(rep *Report, cfg HTMLConfig) HTMLData {
	steps := make([]StepHTMLData, len(rep.Steps))
	for i, s := range rep.Steps {
		d := s.Duration
		step := StepHTMLData{
			StepEntry:   s,
			StatusClass: statusClass(s.Status, s.Tolerated),
			DurationStr: formatDuration(&d),
		}
		if s.Artifacts.Screenshot != "" {
			if cfg.EmbedAssets {
				step.Screenshot = template.URL(loadAsBase64(filepath.Join(cfg.ReportDir, s.Artifacts.Screenshot)))
			} else {
				step.Screenshot = template.URL(s.Artifacts.Screenshot)
			}
		}
		steps[i] = step
	}

	var passRate float64
	if rep.Summary.Total > 0 {
		passRate = float64(rep.Summary.Passed) / float64(rep.Summary.Total) * 100
	}

	return HTMLData{
		Title:         cfg.Title,
		GeneratedAt:   time.Now().Format("2006-01-02 15:04:05"),
		Report:        rep,
		Steps:         steps,
		StatusClass:   statusClass(rep.Status, false),
		TotalDuration: formatDuration(rep.Duration),
		PassRate:      passRate,
	}
}

func statusClass(s Status, tolerated bool) string {
	switch s {
	case StatusPassed:
		return "passed"
	case StatusFailed:
		if tolerated {
			return "tolerated"
		}
		return "failed"
	case StatusAborted, StatusCancelled:
		return "failed"
	case StatusSkipped:
		return "skipped"
	case StatusRunning:
		return "running"
	default:
		return "pending"
	}
}

func formatDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	d := time.Duration(*ms) * time.Millisecond
	if d < time.Second {
		return fmt.Sprintf("%dms", *ms)
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}

func loadAsBase64(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(filepath.Ext(path))
	mimeType := "image/png"
	if ext == ".jpg" || ext == ".jpeg" {
		mimeType = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

func renderHTML(data HTMLData) (string, error) {
	tmpl, err := template.New("report").Parse(htmlTemplate)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        :root {
            --bg-primary: #ffffff;
            --bg-secondary: #f9fafb;
            --text-primary: #000000;
            --text-secondary: rgb(75, 85, 99);
            --text-muted: rgb(107, 114, 128);
            --border-color: #e5e7eb;
            --passed: #22c55e;
            --failed: #ef4444;
            --skipped: #eab308;
            --running: #06b6d4;
            --pending: #6b7280;
        }

        * { box-sizing: border-box; margin: 0; padding: 0; }

        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: var(--bg-primary);
            color: var(--text-primary);
            line-height: 1.5;
        }

        .header {
            background: var(--bg-secondary);
            border-bottom: 1px solid var(--border-color);
            padding: 16px 24px;
        }

        .header-title-main { font-size: 16px; font-weight: 500; }
        .header-title-sub { font-size: 12px; color: var(--text-secondary); }

        .env-card {
            margin-top: 12px;
            display: grid;
            grid-template-columns: repeat(3, auto);
            gap: 4px 24px;
            font-size: 13px;
            justify-content: start;
        }

        .env-label { color: var(--text-muted); margin-right: 8px; }

        .status-dot {
            display: inline-block;
            width: 10px;
            height: 10px;
            border-radius: 50%;
            margin-right: 6px;
        }

        .passed { --c: var(--passed); }
        .failed { --c: var(--failed); }
        .tolerated { --c: var(--skipped); }
        .skipped { --c: var(--skipped); }
        .running { --c: var(--running); }
        .pending { --c: var(--pending); }
        .status-dot { background: var(--c); }

        table { width: 100%; border-collapse: collapse; font-size: 13px; }
        th, td { text-align: left; padding: 8px 12px; border-bottom: 1px solid var(--border-color); vertical-align: top; }
        th { color: var(--text-muted); font-weight: 500; }
        .error { color: var(--failed); font-family: monospace; white-space: pre-wrap; }
        .locator { font-family: monospace; color: var(--text-secondary); }
        .shot { max-width: 120px; border: 1px solid var(--border-color); }
        .content { padding: 16px 24px; }
    </style>
</head>
<body>
    <div class="header">
        <div class="header-title-main"><span class="status-dot {{.StatusClass}}"></span>{{.Title}}</div>
        <div class="header-title-sub">{{.GeneratedAt}} &middot; run {{.Report.RunID}} &middot; {{.Report.Status}}</div>
        <div class="env-card">
            <div><span class="env-label">Device</span>{{.Report.Device.ID}}</div>
            <div><span class="env-label">App</span>{{.Report.App.ID}}</div>
            <div><span class="env-label">Driver</span>{{.Report.Runner.Driver}}</div>
            <div><span class="env-label">Duration</span>{{.TotalDuration}}</div>
            <div><span class="env-label">Passed</span>{{.Report.Summary.Passed}}/{{.Report.Summary.Total}} ({{printf "%.0f" .PassRate}}%)</div>
            <div><span class="env-label">Failed</span>{{.Report.Summary.Failed}}{{if .Report.Summary.Tolerated}} ({{.Report.Summary.Tolerated}} tolerated){{end}}{{if .Report.Summary.Skipped}}, {{.Report.Summary.Skipped}} skipped{{end}}</div>
        </div>
        {{if .Report.Error}}<div class="error">{{.Report.Error.Type}}: {{.Report.Error.Message}}</div>{{end}}
    </div>
    <div class="content">
        <table>
            <tr><th>#</th><th>Step</th><th>Locator</th><th>Attempts</th><th>Duration</th><th>Screen</th></tr>
            {{range .Steps}}
            <tr data-status="{{.StatusClass}}">
                <td>{{.Index}}</td>
                <td>
                    <span class="status-dot {{.StatusClass}}"></span>{{.Description}}
                    {{if .Error}}<div class="error">{{.Error.Type}}: {{.Error.Message}}</div>{{end}}
                </td>
                <td class="locator">{{.Locator}}</td>
                <td>{{.Attempts}}</td>
                <td>{{.DurationStr}}</td>
                <td>{{if .Screenshot}}<img class="shot" src="{{.Screenshot}}" alt="step {{.Index}}">{{end}}</td>
            </tr>
            {{end}}
        </table>
    </div>
</body>
</html>
`

package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File names inside an output directory.
const (
	ReportFile   = "report.json"
	LogFile      = "run.log"
	HTMLFile     = "report.html"
	SnapshotsDir = "snapshots"
)

// Writer writes report files into one output directory.
type Writer struct {
	dir string
}

// NewWriter creates dir if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := ensureDir(dir); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Path joins name onto the output directory.
func (w *Writer) Path(name ...string) string {
	return filepath.Join(append([]string{w.dir}, name...)...)
}

// WriteReport replaces report.json atomically.
func (w *Writer) WriteReport(rep *Report) error {
	if err := atomicWriteJSON(w.Path(ReportFile), rep); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// WriteLog writes the run log, one line per entry.
func (w *Writer) WriteLog(lines []string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(w.Path(LogFile), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write run log: %w", err)
	}
	return nil
}

// WriteAll writes report.json, run.log and report.html.
func (w *Writer) WriteAll(rep *Report, logs []string) error {
	if err := w.WriteReport(rep); err != nil {
		return err
	}
	if err := w.WriteLog(logs); err != nil {
		return err
	}
	return GenerateHTML(rep, HTMLConfig{
		OutputPath: w.Path(HTMLFile),
		ReportDir:  w.dir,
	})
}

// ReadReport loads report.json from dir.
func ReadReport(dir string) (*Report, error) {
	data, err := os.ReadFile(filepath.Join(dir, ReportFile))
	if err != nil {
		return nil, err
	}
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ReportFile, err)
	}
	return &rep, nil
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// atomicWriteJSON writes v to a temp file next to path and renames it, so
// readers never see a partial file.
func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

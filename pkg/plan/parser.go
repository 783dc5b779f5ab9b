package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a plan file encoding.
type Format string

// Supported plan formats.
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported plan file extension %q", filepath.Ext(path))
}

// ParseError represents a parsing error with location info.
type ParseError struct {
	Path    string
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Load reads a plan file. The plan is returned as written; call Normalize
// before running it.
func Load(path string) (*ActionPlan, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //#nosec G304 -- path is user-provided plan file
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	p, err := Parse(data, format)
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.Path = path
		}
		return nil, err
	}
	return p, nil
}

// Parse decodes plan content. Unknown fields are ignored.
func Parse(data []byte, format Format) (*ActionPlan, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ParseError{Path: "<input>", Message: "empty plan"}
	}

	var p ActionPlan
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, &ParseError{Path: "<input>", Line: yamlErrorLine(err), Message: err.Error()}
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &p); err != nil {
			line := 0
			if se, ok := err.(*json.SyntaxError); ok {
				line = bytes.Count(data[:se.Offset], []byte("\n")) + 1
			}
			return nil, &ParseError{Path: "<input>", Line: line, Message: err.Error()}
		}
	default:
		return nil, fmt.Errorf("unsupported plan format %q", format)
	}
	return &p, nil
}

// yamlErrorLine extracts the line from "yaml: line N: ..." messages.
func yamlErrorLine(err error) int {
	var line int
	if _, scanErr := fmt.Sscanf(err.Error(), "yaml: line %d:", &line); scanErr != nil {
		return 0
	}
	return line
}

// Expand returns a copy of p with expand applied to every hint, value and
// meta value. Indices and types are untouched.
func Expand(p *ActionPlan, expand func(string) string) *ActionPlan {
	out := &ActionPlan{Title: expand(p.Title), Steps: make([]Step, len(p.Steps))}
	for i, s := range p.Steps {
		c := s.clone()
		c.TargetHint = expand(c.TargetHint)
		c.Value = expand(c.Value)
		for k, v := range c.Meta {
			c.Meta[k] = expand(v)
		}
		out.Steps[i] = c
	}
	return out
}

package plan

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devicelab-dev/plan-runner/pkg/core"
)

func TestParseStepType(t *testing.T) {
	tests := []struct {
		in      string
		want    StepType
		wantErr bool
	}{
		{"TAP", StepTap, false},
		{"tap", StepTap, false},
		{"tapOn", StepTap, false},
		{"INPUT_TEXT", StepInputText, false},
		{"inputText", StepInputText, false},
		{" waitText ", StepWaitText, false},
		{"assertText", StepAssertText, false},
		{"SLEEP", StepSleep, false},
		{"swipe", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseStepType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStepType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStepType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParse_YAML(t *testing.T) {
	data := `
title: Log in
steps:
  - type: launchApp
    value: com.example.app
  - type: inputText
    targetHint: Email
    value: a@b.c
  - type: tap
    targetHint: Login button
    meta:
      desc: Login
    color: blue
`
	p, err := Parse([]byte(data), FormatYAML)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if p.Title != "Log in" {
		t.Errorf("Title = %q", p.Title)
	}
	if len(p.Steps) != 3 {
		t.Fatalf("len(Steps) = %d, want 3", len(p.Steps))
	}
	if p.Steps[0].Type != StepLaunchApp || p.Steps[1].Type != StepInputText || p.Steps[2].Type != StepTap {
		t.Errorf("types = %v, %v, %v", p.Steps[0].Type, p.Steps[1].Type, p.Steps[2].Type)
	}
	if p.Steps[2].MetaValue("desc") != "Login" {
		t.Errorf("meta desc = %q", p.Steps[2].MetaValue("desc"))
	}
}

func TestParse_JSON(t *testing.T) {
	data := `{"title":"t","steps":[{"index":1,"type":"WAIT_TEXT","targetHint":"Welcome"},{"index":2,"type":"back"}]}`
	p, err := Parse([]byte(data), FormatJSON)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(p.Steps) != 2 || p.Steps[0].Type != StepWaitText || p.Steps[1].Type != StepBack {
		t.Errorf("steps = %+v", p.Steps)
	}
}

func TestParse_Errors(t *testing.T) {
	if _, err := Parse([]byte("   \n"), FormatYAML); err == nil {
		t.Error("expected error for empty plan")
	}
	if _, err := Parse([]byte("steps: [\n  - a: b"), FormatYAML); err == nil {
		t.Error("expected error for invalid YAML")
	}
	_, err := Parse([]byte("{\n\"steps\": [,]}"), FormatJSON)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ParseError", err)
	}
	if pe.Line != 2 {
		t.Errorf("Line = %d, want 2", pe.Line)
	}
	if _, err := Parse([]byte("x"), Format("toml")); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "login.yml")
	if err := os.WriteFile(path, []byte("steps:\n  - type: back\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(p.Steps) != 1 {
		t.Errorf("len(Steps) = %d", len(p.Steps))
	}

	if _, err := Load(filepath.Join(dir, "plan.txt")); err == nil {
		t.Error("expected error for unsupported extension")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("steps: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = Load(bad)
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Path != bad {
		t.Errorf("error = %v, want ParseError with path %s", err, bad)
	}
}

func TestNormalize_RenumbersInListOrder(t *testing.T) {
	p := &ActionPlan{Steps: []Step{
		{Index: 5, Type: StepBack},
		{Index: 5, Type: StepTap, TargetHint: "OK"},
		{Index: 0, Type: StepSleep, Value: "1s"},
	}}

	got := Normalize(p)
	for i, s := range got.Steps {
		if s.Index != i+1 {
			t.Errorf("Steps[%d].Index = %d, want %d", i, s.Index, i+1)
		}
	}
	if got.Steps[0].Type != StepBack || got.Steps[1].Type != StepTap {
		t.Errorf("order changed: %v, %v", got.Steps[0].Type, got.Steps[1].Type)
	}
	if p.Steps[0].Index != 5 {
		t.Error("Normalize mutated the input plan")
	}
}

func TestNormalize_SortsByDistinctIndex(t *testing.T) {
	p := &ActionPlan{Steps: []Step{
		{Index: 30, Type: StepBack},
		{Index: 10, Type: StepTap, TargetHint: "A"},
		{Index: 20, Type: StepTap, TargetHint: "B"},
	}}

	got := Normalize(p)
	var hints []string
	for _, s := range got.Steps {
		hints = append(hints, s.TargetHint)
	}
	if strings.Join(hints, ",") != "A,B," {
		t.Errorf("order = %v", hints)
	}
	if got.Steps[2].Index != 3 {
		t.Errorf("last index = %d, want 3", got.Steps[2].Index)
	}
}

func TestNormalize_CheckValueDefaultsToHint(t *testing.T) {
	p := &ActionPlan{Steps: []Step{
		{Type: StepAssertText, TargetHint: "Welcome"},
		{Type: StepWaitText, TargetHint: "Home", Value: "Home screen"},
		{Type: StepTap, TargetHint: "Next"},
	}}

	got := Normalize(p)
	if got.Steps[0].Value != "Welcome" {
		t.Errorf("assert value = %q, want hint", got.Steps[0].Value)
	}
	if got.Steps[1].Value != "Home screen" {
		t.Errorf("wait value = %q, want explicit value kept", got.Steps[1].Value)
	}
	if got.Steps[2].Value != "" {
		t.Errorf("tap value = %q, want empty", got.Steps[2].Value)
	}
}

func TestNormalize_CopiesMeta(t *testing.T) {
	p := &ActionPlan{Steps: []Step{{Type: StepTap, TargetHint: "x", Meta: map[string]string{"id": "a"}}}}
	got := Normalize(p)
	got.Steps[0].Meta["id"] = "b"
	if p.Steps[0].Meta["id"] != "a" {
		t.Error("Normalize shared the meta map with the input")
	}
}

func TestValidate(t *testing.T) {
	valid := Normalize(&ActionPlan{Steps: []Step{
		{Type: StepLaunchApp},
		{Type: StepInputText, TargetHint: "Email", Value: "a@b.c"},
		{Type: StepSleep, Value: "250"},
		{Type: StepAssertText, TargetHint: "Welcome"},
	}})
	if err := Validate(valid); err != nil {
		t.Errorf("Validate(valid) = %v", err)
	}

	invalid := Normalize(&ActionPlan{Steps: []Step{
		{Type: StepTap},
		{Type: StepInputText, TargetHint: "Email"},
		{Type: StepSleep, Value: "soon"},
		{Type: "SWIPE"},
	}})
	err := Validate(invalid)
	if !errors.Is(err, core.ErrInvalidPlan) {
		t.Fatalf("error = %v, want ErrInvalidPlan", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if len(ve.Problems) != 4 {
		t.Errorf("problems = %v, want 4", ve.Problems)
	}

	if err := Validate(&ActionPlan{}); err == nil {
		t.Error("expected error for empty plan")
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"500ms", 500 * time.Millisecond, false},
		{"2s", 2 * time.Second, false},
		{"1500", 1500 * time.Millisecond, false},
		{"0", 0, false},
		{"-1", 0, true},
		{"-2s", 0, true},
		{"later", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDuration(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		step Step
		want string
	}{
		{Step{Type: StepTap, TargetHint: "Login button"}, `tap "Login button"`},
		{Step{Type: StepInputText, TargetHint: "Email", Value: "a"}, `input "a" into "Email"`},
		{Step{Type: StepLaunchApp, Meta: map[string]string{"package": "com.x"}}, "launch app com.x"},
		{Step{Type: StepLaunchApp}, "launch app"},
		{Step{Type: StepBack}, "back"},
		{Step{Type: StepSleep, Value: "1s"}, "sleep 1s"},
	}
	for _, tt := range tests {
		if got := tt.step.Describe(); got != tt.want {
			t.Errorf("Describe() = %q, want %q", got, tt.want)
		}
	}
}

func TestExpand(t *testing.T) {
	p := &ActionPlan{Title: "T", Steps: []Step{
		{Index: 1, Type: StepInputText, TargetHint: "Email", Value: "${USER}", Meta: map[string]string{"id": "${ID}"}},
	}}
	got := Expand(p, func(s string) string {
		return strings.NewReplacer("${USER}", "alice", "${ID}", "email").Replace(s)
	})
	if got.Steps[0].Value != "alice" || got.Steps[0].Meta["id"] != "email" {
		t.Errorf("expanded = %+v", got.Steps[0])
	}
	if p.Steps[0].Value != "${USER}" {
		t.Error("Expand mutated the input plan")
	}
}

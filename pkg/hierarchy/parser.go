// Package hierarchy parses Android accessibility-tree dumps (uiautomator dump
// and UIAutomator2 page source) into flat element lists, and finds the input
// field that belongs to a text label.
package hierarchy

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/devicelab-dev/plan-runner/pkg/core"
)

const (
	rootTag     = "hierarchy"
	nodeTag     = "node"
	closingRoot = "</" + rootTag + ">"
)

// Element is a flattened accessibility node.
type Element struct {
	ResourceID string `json:"resourceId"`
	Text       string `json:"text"`
	ClassName  string `json:"className"`
	Bounds     string `json:"bounds"`
	Index      string `json:"index,omitempty"`

	// EffectiveTarget records which strategy produced this element.
	// It is the only field written after parsing.
	EffectiveTarget string `json:"effectiveTarget,omitempty"`
}

// Rect parses Bounds into pixel coordinates.
func (e Element) Rect() core.Bounds {
	return ParseBounds(e.Bounds)
}

// node is one entry of the parsed tree. Parent and child links are indexes
// into tree.nodes, which is in document order.
type node struct {
	elem     Element
	parent   int
	children []int
}

type tree struct {
	nodes []node
}

// Truncate drops anything after the closing root tag. Dumps read back
// through adb can carry trailing status text, which may itself contain
// another closing tag.
func Truncate(raw string) string {
	end := strings.Index(raw, closingRoot)
	if end < 0 {
		return raw
	}
	return raw[:end+len(closingRoot)]
}

// Parse returns one Element per node of the dump, in document order.
// Missing attributes are empty strings. Malformed XML returns an error
// matching core.ErrParse.
func Parse(raw string) ([]Element, error) {
	t, err := parseTree(raw)
	if err != nil {
		return nil, err
	}

	elements := make([]Element, len(t.nodes))
	for i := range t.nodes {
		elements[i] = t.nodes[i].elem
	}
	return elements, nil
}

// parseTree decodes the dump with explicit parent back-references.
// Both dump formats are accepted:
//   - uiautomator dump: <node class="android.widget.TextView" .../>
//   - UIAutomator2 page source: <android.widget.TextView class="..." .../>
func parseTree(raw string) (*tree, error) {
	decoder := xml.NewDecoder(strings.NewReader(Truncate(raw)))

	t := &tree{}
	var stack []int
	sawElement := false

	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, core.ErrParse.WithCause(err)
		}

		switch tok := token.(type) {
		case xml.StartElement:
			sawElement = true
			if tok.Name.Local == rootTag {
				stack = append(stack, -1)
				continue
			}

			parent := -1
			if len(stack) > 0 {
				parent = stack[len(stack)-1]
			}

			n := node{elem: elementFromAttrs(tok), parent: parent}
			idx := len(t.nodes)
			t.nodes = append(t.nodes, n)
			if parent >= 0 {
				t.nodes[parent].children = append(t.nodes[parent].children, idx)
			}
			stack = append(stack, idx)

		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if !sawElement {
		return nil, core.ErrParse.WithMessage("malformed accessibility dump: no elements")
	}
	if len(stack) != 0 {
		return nil, core.ErrParse.WithMessage(fmt.Sprintf("malformed accessibility dump: %d unclosed elements", len(stack)))
	}
	return t, nil
}

func elementFromAttrs(start xml.StartElement) Element {
	var elem Element
	if start.Name.Local != nodeTag {
		elem.ClassName = start.Name.Local // page source uses the class as tag
	}

	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "resource-id":
			elem.ResourceID = attr.Value
		case "text":
			elem.Text = attr.Value
		case "class":
			elem.ClassName = attr.Value
		case "bounds":
			elem.Bounds = attr.Value
		case "index":
			elem.Index = attr.Value
		}
	}
	return elem
}

// ParseBounds parses Android bounds string "[x1,y1][x2,y2]" to Bounds.
func ParseBounds(s string) core.Bounds {
	s = strings.ReplaceAll(s, "][", ",")
	s = strings.Trim(s, "[]")
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return core.Bounds{}
	}

	var coords [4]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return core.Bounds{}
		}
		coords[i] = v
	}

	return core.Bounds{
		X:      coords[0],
		Y:      coords[1],
		Width:  coords[2] - coords[0],
		Height: coords[3] - coords[1],
	}
}

// Texts returns the non-empty texts of elements in order.
func Texts(elements []Element) []string {
	var texts []string
	for _, e := range elements {
		if e.Text != "" {
			texts = append(texts, e.Text)
		}
	}
	return texts
}

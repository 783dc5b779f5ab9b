package hierarchy

import "strings"

const (
	classTextView = "android.widget.TextView"
	classEditText = "android.widget.EditText"
)

// ContainerClasses are the class prefixes treated as the boundary of a
// label/input field group. The list is fixed; layouts outside it (FrameLayout,
// compose hosts) are not recognized as field groups.
var ContainerClasses = []string{
	"android.view.ViewGroup",
	"android.widget.LinearLayout",
	"android.widget.RelativeLayout",
	"androidx.constraintlayout.widget.ConstraintLayout",
}

// FindAssociatedInput returns the text field that belongs to the label with
// exactly the given text. Labels are tried in document order: from a label,
// the nearest container ancestor is searched depth-first for an EditText.
// When no label leads to a field, the first EditText of the document is
// returned; nil means the dump has no EditText at all.
func FindAssociatedInput(raw, label string) (*Element, error) {
	t, err := parseTree(raw)
	if err != nil {
		return nil, err
	}

	for i := range t.nodes {
		n := &t.nodes[i]
		if n.elem.ClassName != classTextView || n.elem.Text != label {
			continue
		}
		container := t.enclosingContainer(i)
		if container < 0 {
			continue
		}
		if field := t.firstEditText(container); field >= 0 {
			elem := t.nodes[field].elem
			return &elem, nil
		}
	}

	for i := range t.nodes {
		if t.nodes[i].elem.ClassName == classEditText {
			elem := t.nodes[i].elem
			return &elem, nil
		}
	}
	return nil, nil
}

// enclosingContainer walks parent links up from idx and returns the first
// ancestor whose class is a container, or -1.
func (t *tree) enclosingContainer(idx int) int {
	for cur := t.nodes[idx].parent; cur >= 0; cur = t.nodes[cur].parent {
		if isContainer(t.nodes[cur].elem.ClassName) {
			return cur
		}
	}
	return -1
}

// firstEditText searches the descendants of idx depth-first, pre-order.
func (t *tree) firstEditText(idx int) int {
	for _, child := range t.nodes[idx].children {
		if t.nodes[child].elem.ClassName == classEditText {
			return child
		}
		if found := t.firstEditText(child); found >= 0 {
			return found
		}
	}
	return -1
}

func isContainer(class string) bool {
	for _, prefix := range ContainerClasses {
		if strings.HasPrefix(class, prefix) {
			return true
		}
	}
	return false
}

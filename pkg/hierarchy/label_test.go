package hierarchy

import (
	"errors"
	"testing"

	"github.com/devicelab-dev/plan-runner/pkg/core"
)

func TestFindAssociatedInput_SiblingInContainer(t *testing.T) {
	tests := []struct {
		label  string
		wantID string
	}{
		{"Email", "com.app:id/email_input"},
		{"Password", "com.app:id/password_input"},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, err := FindAssociatedInput(loginDump, tt.label)
			if err != nil {
				t.Fatalf("FindAssociatedInput() error = %v", err)
			}
			if got == nil {
				t.Fatal("FindAssociatedInput() = nil")
			}
			if got.ResourceID != tt.wantID {
				t.Errorf("ResourceID = %q, want %q", got.ResourceID, tt.wantID)
			}
		})
	}
}

func TestFindAssociatedInput_NoLabelFallsBackToFirstField(t *testing.T) {
	got, err := FindAssociatedInput(loginDump, "Phone number")
	if err != nil {
		t.Fatalf("FindAssociatedInput() error = %v", err)
	}
	if got == nil || got.ResourceID != "com.app:id/email_input" {
		t.Errorf("got %+v, want first EditText in document order", got)
	}
}

func TestFindAssociatedInput_ExactMatchOnly(t *testing.T) {
	// Any of these would reach password_input if the label were trimmed or
	// case-folded; exact matching falls back to the first field instead.
	for _, label := range []string{"password", "Password ", " Password"} {
		got, err := FindAssociatedInput(loginDump, label)
		if err != nil {
			t.Fatalf("FindAssociatedInput(%q) error = %v", label, err)
		}
		if got == nil || got.ResourceID != "com.app:id/email_input" {
			t.Errorf("FindAssociatedInput(%q) = %+v, want fallback to first field", label, got)
		}
	}
}

func TestFindAssociatedInput_NoFields(t *testing.T) {
	dump := `<hierarchy>
  <node class="android.widget.LinearLayout">
    <node class="android.widget.TextView" text="Email"/>
    <node class="android.widget.Button" text="Next"/>
  </node>
</hierarchy>`

	got, err := FindAssociatedInput(dump, "Email")
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestFindAssociatedInput_NoContainerFallsBack(t *testing.T) {
	// Label sits directly under a FrameLayout, which is not a field group.
	dump := `<hierarchy>
  <node class="android.widget.FrameLayout">
    <node class="android.widget.EditText" resource-id="first"/>
    <node class="android.widget.TextView" text="Email"/>
    <node class="android.widget.EditText" resource-id="second"/>
  </node>
</hierarchy>`

	got, err := FindAssociatedInput(dump, "Email")
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if got == nil || got.ResourceID != "first" {
		t.Errorf("got %+v, want first EditText", got)
	}
}

func TestFindAssociatedInput_NearestContainerAndDeepField(t *testing.T) {
	dump := `<hierarchy>
  <node class="androidx.constraintlayout.widget.ConstraintLayout" resource-id="outer">
    <node class="android.widget.EditText" resource-id="outer_field"/>
    <node class="android.widget.RelativeLayout" resource-id="group">
      <node class="android.widget.FrameLayout">
        <node class="android.widget.TextView" text="City"/>
      </node>
      <node class="android.widget.FrameLayout">
        <node class="android.widget.EditText" resource-id="city_field"/>
      </node>
    </node>
  </node>
</hierarchy>`

	got, err := FindAssociatedInput(dump, "City")
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if got == nil || got.ResourceID != "city_field" {
		t.Errorf("got %+v, want city_field from nearest container", got)
	}
}

func TestFindAssociatedInput_SecondLabelTriedWhenFirstHasNoField(t *testing.T) {
	dump := `<hierarchy>
  <node class="android.widget.LinearLayout">
    <node class="android.widget.TextView" text="Name"/>
  </node>
  <node class="android.widget.FrameLayout">
    <node class="android.widget.EditText" resource-id="unrelated"/>
  </node>
  <node class="android.widget.LinearLayout">
    <node class="android.widget.TextView" text="Name"/>
    <node class="android.widget.EditText" resource-id="name_field"/>
  </node>
</hierarchy>`

	got, err := FindAssociatedInput(dump, "Name")
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if got == nil || got.ResourceID != "name_field" {
		t.Errorf("got %+v, want name_field", got)
	}
}

func TestFindAssociatedInput_Malformed(t *testing.T) {
	_, err := FindAssociatedInput("<hierarchy><node>", "Email")
	if !errors.Is(err, core.ErrParse) {
		t.Errorf("error = %v, want ErrParse", err)
	}
}

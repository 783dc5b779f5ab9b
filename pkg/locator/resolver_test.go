package locator

import (
	"context"
	"errors"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/plan-runner/pkg/core"
	"github.com/devicelab-dev/plan-runner/pkg/plan"
)

const loginDump = `<hierarchy rotation="0">
  <node class="android.widget.FrameLayout" bounds="[0,0][1080,2400]">
    <node class="android.widget.LinearLayout" resource-id="com.app:id/email_group" bounds="[0,300][1080,500]">
      <node class="android.widget.TextView" text="Email" bounds="[40,300][300,360]"/>
      <node class="android.widget.EditText" resource-id="com.app:id/email_input" bounds="[40,360][1040,480]"/>
    </node>
    <node class="android.widget.LinearLayout" bounds="[0,500][1080,700]">
      <node class="android.widget.TextView" text="Nickname" bounds="[40,500][300,560]"/>
      <node class="android.widget.EditText" bounds="[40,560][1040,680]"/>
    </node>
  </node>
</hierarchy>`

type fakeDumps struct {
	raw   string
	err   error
	calls int
	ids   []string
}

func (f *fakeDumps) FetchRawDump(_ context.Context, deviceID string) (string, error) {
	f.calls++
	f.ids = append(f.ids, deviceID)
	return f.raw, f.err
}

func TestResolve_NoTargetSteps(t *testing.T) {
	r := New(nil)
	for _, st := range []plan.StepType{plan.StepLaunchApp, plan.StepBack, plan.StepSleep} {
		loc, err := r.Resolve(context.Background(), Request{Hint: "anything", StepType: st})
		require.NoError(t, err)
		assert.Nil(t, loc, st)
	}
}

func TestResolve_RoleSuffixedHint(t *testing.T) {
	loc, err := New(nil).Resolve(context.Background(), Request{Hint: "Login button", StepType: plan.StepTap})
	require.NoError(t, err)

	assert.Equal(t, "DESC=Login button", loc.String())
	assert.Equal(t, []core.Target{
		{Strategy: core.StrategyText, Value: "Login button"},
		{Strategy: core.StrategyText, Value: "Login"},
		{Strategy: core.StrategyXPath, Value: "//*[@text='Login button']"},
	}, loc.Alternatives)
}

func TestResolve_IDHints(t *testing.T) {
	tests := []struct {
		hint string
	}{
		{"com.app:id/login"},
		{"login_button"},
	}
	for _, tt := range tests {
		loc, err := New(nil).Resolve(context.Background(), Request{Hint: tt.hint, StepType: plan.StepTap})
		require.NoError(t, err)
		assert.Equal(t, core.StrategyID, loc.Strategy)
		assert.Equal(t, tt.hint, loc.Value)
		for _, alt := range loc.Alternatives {
			assert.NotEqual(t, core.StrategyText, alt.Strategy, "id tokens are not visible text")
		}
	}
}

func TestResolve_MetaClues(t *testing.T) {
	req := Request{
		Hint:     "Submit",
		StepType: plan.StepTap,
		Meta: map[string]string{
			"id":          "com.app:id/submit",
			"desc":        "Submit form",
			"class":       "android.widget.Button",
			"uiautomator": `new UiSelector().text("Submit")`,
			"region":      "0,0,100,100",
		},
	}
	loc, err := New(nil).Resolve(context.Background(), req)
	require.NoError(t, err)

	var strategies []core.Strategy
	for _, c := range loc.Candidates() {
		strategies = append(strategies, c.Strategy)
	}
	assert.Equal(t, []core.Strategy{
		core.StrategyID, core.StrategyDesc, core.StrategyText,
		core.StrategyUIAutomator, core.StrategyXPath, core.StrategyOCR,
	}, strategies)

	xp, ok := loc.Next(3)
	require.True(t, ok)
	assert.Equal(t, "//*[@class='android.widget.Button'][@text='Submit'][@resource-id='com.app:id/submit']", xp.Value)
}

func TestResolve_PrimaryIsHighestPrecedence(t *testing.T) {
	for _, hint := range []string{"Login button", "Settings", "com.app:id/x", "next_page"} {
		loc, err := New(nil).Resolve(context.Background(), Request{Hint: hint, StepType: plan.StepTap})
		require.NoError(t, err)
		for _, alt := range loc.Alternatives {
			assert.LessOrEqual(t, loc.Strategy.Rank(), alt.Strategy.Rank(), hint)
			assert.NotEqual(t, loc.Primary(), alt, "primary repeated in alternatives")
		}
	}
}

func TestResolve_UnresolvedWhenNoCandidate(t *testing.T) {
	_, err := New(nil).Resolve(context.Background(), Request{Hint: "  ", StepType: plan.StepTap})
	assert.True(t, errors.Is(err, core.ErrUnresolvedTarget))
}

func TestSynthesizedXPathCompiles(t *testing.T) {
	for _, hint := range []string{"Don't allow", `Say "hi"`, "Plain"} {
		cands := Candidates(hint, nil)
		var found bool
		for _, c := range cands {
			if c.Strategy == core.StrategyXPath {
				found = true
				_, err := etree.CompilePath(c.Value)
				assert.NoError(t, err, c.Value)
			}
		}
		assert.True(t, found, hint)
	}

	for _, c := range Candidates(`It's "odd"`, nil) {
		assert.NotEqual(t, core.StrategyXPath, c.Strategy, "both quote kinds cannot be expressed")
	}
}

func TestResolve_InputTextLabelPath(t *testing.T) {
	dumps := &fakeDumps{raw: loginDump}
	loc, elem, err := New(dumps).ResolveElement(context.Background(), Request{Hint: "Email", StepType: plan.StepInputText, DeviceID: "emulator-5554"})
	require.NoError(t, err)

	assert.Equal(t, "ID=com.app:id/email_input", loc.String())
	require.Len(t, loc.Alternatives, 1)
	assert.Equal(t, core.Target{Strategy: core.StrategyXPath, Value: "//*[@bounds='[40,360][1040,480]']"}, loc.Alternatives[0])
	require.NotNil(t, elem)
	assert.Equal(t, "ID", elem.EffectiveTarget)
	assert.Equal(t, []string{"emulator-5554"}, dumps.ids)
}

func TestResolve_InputTextFieldWithoutID(t *testing.T) {
	loc, elem, err := New(&fakeDumps{raw: loginDump}).ResolveElement(context.Background(), Request{Hint: "Nickname", StepType: plan.StepInputText})
	require.NoError(t, err)
	assert.Equal(t, core.StrategyXPath, loc.Strategy)
	assert.Empty(t, loc.Alternatives)
	assert.Equal(t, "XPATH", elem.EffectiveTarget)
}

func TestResolve_InputTextUnresolved(t *testing.T) {
	noFields := `<hierarchy><node class="android.widget.LinearLayout"><node class="android.widget.TextView" text="Email"/></node></hierarchy>`

	tests := []struct {
		name  string
		dumps *fakeDumps
	}{
		{"dump failure", &fakeDumps{err: errors.New("device offline")}},
		{"malformed dump", &fakeDumps{raw: "<hierarchy><node>"}},
		{"no fields", &fakeDumps{raw: noFields}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.dumps).Resolve(context.Background(), Request{Hint: "Email", StepType: plan.StepInputText})
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrUnresolvedTarget), err)
			assert.True(t, core.IsCategory(err, core.ErrCategoryUnresolvedTarget))
		})
	}

	_, err := New(nil).Resolve(context.Background(), Request{Hint: "Email", StepType: plan.StepInputText})
	assert.True(t, errors.Is(err, core.ErrUnresolvedTarget))
}

func TestResolve_InputTextSkipsLabelPath(t *testing.T) {
	dumps := &fakeDumps{raw: loginDump}
	r := New(dumps)

	loc, err := r.Resolve(context.Background(), Request{Hint: "com.app:id/email_input", StepType: plan.StepInputText})
	require.NoError(t, err)
	assert.Equal(t, "ID=com.app:id/email_input", loc.String())

	loc, err = r.Resolve(context.Background(), Request{
		Hint:     "Email",
		StepType: plan.StepInputText,
		Meta:     map[string]string{"uiautomator": `new UiSelector().className("android.widget.EditText")`},
	})
	require.NoError(t, err)
	assert.Equal(t, core.StrategyText, loc.Strategy)

	assert.Zero(t, dumps.calls)
}

func TestResolve_InputTextDirectClues(t *testing.T) {
	noFieldScreen := `<hierarchy><node class="android.widget.FrameLayout"><node class="android.widget.TextView" text="Search"/></node></hierarchy>`

	t.Run("desc names the field", func(t *testing.T) {
		dumps := &fakeDumps{raw: noFieldScreen}
		loc, err := New(dumps).Resolve(context.Background(), Request{
			Hint:     "Search box",
			StepType: plan.StepInputText,
			Meta:     map[string]string{"desc": "Search"},
		})
		require.NoError(t, err)
		assert.Equal(t, "DESC=Search", loc.String())
		assert.Zero(t, dumps.calls)
	})

	t.Run("class clue after label miss", func(t *testing.T) {
		dumps := &fakeDumps{raw: noFieldScreen}
		loc, err := New(dumps).Resolve(context.Background(), Request{
			Hint:     "Search box",
			StepType: plan.StepInputText,
			Meta:     map[string]string{"class": "android.widget.AutoCompleteTextView"},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, dumps.calls)
		var strategies []core.Strategy
		strategies = append(strategies, loc.Strategy)
		for _, alt := range loc.Alternatives {
			strategies = append(strategies, alt.Strategy)
		}
		assert.Contains(t, strategies, core.StrategyXPath)
	})

	t.Run("class clue keeps labelled field first", func(t *testing.T) {
		loc, err := New(&fakeDumps{raw: loginDump}).Resolve(context.Background(), Request{
			Hint:     "Email",
			StepType: plan.StepInputText,
			Meta:     map[string]string{"class": "android.widget.EditText"},
		})
		require.NoError(t, err)
		assert.Equal(t, "ID=com.app:id/email_input", loc.String())
	})
}

func TestSplitRole(t *testing.T) {
	tests := []struct {
		hint, stripped, role string
	}{
		{"Login button", "Login", "button"},
		{"Profile Tab", "Profile", "tab"},
		{"Button", "Button", ""},
		{"Sign in", "Sign in", ""},
	}
	for _, tt := range tests {
		s, r := SplitRole(tt.hint)
		assert.Equal(t, tt.stripped, s, tt.hint)
		assert.Equal(t, tt.role, r, tt.hint)
	}
}

func TestIsIDToken(t *testing.T) {
	assert.True(t, IsIDToken("com.app:id/login"))
	assert.True(t, IsIDToken("email_input"))
	assert.False(t, IsIDToken("Email"))
	assert.False(t, IsIDToken("login"))
	assert.False(t, IsIDToken("Login button"))
	assert.False(t, IsIDToken("Email_Input"))
}

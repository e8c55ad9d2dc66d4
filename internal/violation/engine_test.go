package violation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return epoch.Add(time.Duration(ms) * time.Millisecond)
}

func sig(c Category, ms int) Signal {
	return Signal{Category: c, Timestamp: at(ms)}
}

// =============================================================================
// Counting and cooldown
// =============================================================================

func TestRecordCountsEverySignal(t *testing.T) {
	e := NewEngine(DefaultPolicies())

	for i := 0; i < 5; i++ {
		out := e.Record(sig(HeadTurn, i*100))
		require.True(t, out.Counted)
		assert.Equal(t, i+1, out.Count)
	}
	assert.Equal(t, 5, e.Counter(GroupFace).Count)
	assert.Equal(t, 0, e.Counter(GroupAudio).Count)
}

func TestWarningSuppressedDuringCooldown(t *testing.T) {
	e := NewEngine(DefaultPolicies())

	tests := []struct {
		ms       int
		wantWarn bool
	}{
		{0, true},
		{500, false},
		{1999, false},
		{2000, true},
		{2100, false},
		{4000, true},
	}
	for _, tt := range tests {
		out := e.Record(sig(HeadTurn, tt.ms))
		assert.Equal(t, tt.wantWarn, out.Warning != nil, "signal at %dms", tt.ms)
	}
	assert.Equal(t, len(tests), e.Counter(GroupFace).Count)
}

func TestCountOnWarningIgnoresSignalsInCooldown(t *testing.T) {
	e := NewEngine(DefaultPolicies())
	require.True(t, e.Policies().Audio.CountOnWarning)

	// A 100ms burst at frame cadence is one warning, not six counts.
	for ms := 0; ms <= 96; ms += 16 {
		out := e.Record(sig(Noise, ms))
		assert.Equal(t, ms == 0, out.Counted, "frame at %dms", ms)
		assert.Nil(t, out.Popup)
	}
	assert.Equal(t, 1, e.Counter(GroupAudio).Count)

	// Sustained noise reaches the limit only after limit-1 cooldowns.
	var opened int
	for ms := 112; ms <= 10000; ms += 16 {
		if out := e.Record(sig(Noise, ms)); out.Popup != nil {
			opened = ms
			break
		}
	}
	assert.Equal(t, 8000, opened)
	assert.Equal(t, 5, e.Counter(GroupAudio).Count)

	// The face group keeps counting raw detections.
	e.Record(sig(Absence, 0))
	e.Record(sig(Absence, 16))
	assert.Equal(t, 2, e.Counter(GroupFace).Count)
}

func TestCooldownIsPerCategory(t *testing.T) {
	e := NewEngine(DefaultPolicies())

	require.NotNil(t, e.Record(sig(HeadTurn, 0)).Warning)
	require.NotNil(t, e.Record(sig(MultipleFaces, 10)).Warning)
	require.NotNil(t, e.Record(sig(Absence, 20)).Warning)
	assert.Nil(t, e.Record(sig(HeadTurn, 30)).Warning)
	assert.Equal(t, 4, e.Counter(GroupFace).Count)
}

func TestWarningCarriesLimit(t *testing.T) {
	e := NewEngine(DefaultPolicies())
	out := e.Record(Signal{Category: Noise, Timestamp: at(0), Strength: 0.2})
	require.NotNil(t, out.Warning)
	assert.Equal(t, GroupAudio, out.Warning.Group)
	assert.Equal(t, 5, out.Warning.Limit)
	assert.InDelta(t, 0.2, out.Warning.Strength, 1e-9)
}

// =============================================================================
// Popups
// =============================================================================

func TestNoFaceScenarioOpensOnePopupAtTenthSignal(t *testing.T) {
	e := NewEngine(DefaultPolicies())

	warnings := 0
	popups := 0
	for i := 0; i < 10; i++ {
		out := e.Record(sig(Absence, i*2100))
		if out.Warning != nil {
			warnings++
		}
		if out.Popup != nil {
			popups++
			assert.Equal(t, 9, i, "popup must open at the 10th signal")
			assert.Equal(t, 1, out.Popup.PopupCount)
		}
	}
	assert.Equal(t, 1, popups)
	// 2100ms spacing is longer than the 2000ms cooldown.
	assert.Equal(t, 10, warnings)
	assert.True(t, e.Popup().Open)
}

func TestNoFaceScenarioDenseSignalsSuppressWarnings(t *testing.T) {
	e := NewEngine(DefaultPolicies())

	warnings := 0
	for i := 0; i < 10; i++ {
		if e.Record(sig(Absence, i*1000)).Warning != nil {
			warnings++
		}
	}
	// 9s of signals at 1s spacing with a 2s cooldown.
	assert.Equal(t, 5, warnings)
	assert.True(t, e.Popup().Open)
}

func TestDismissResetsCounterAndKeepsPopupCount(t *testing.T) {
	e := NewEngine(DefaultPolicies())
	for i := 0; i < 10; i++ {
		e.Record(sig(HeadTurn, i))
	}
	require.Equal(t, 1, e.Popup().PopupCount)

	out, err := e.Dismiss(at(100))
	require.NoError(t, err)
	assert.Nil(t, out.Termination)
	assert.Equal(t, 1, out.Closed.PopupCount)
	assert.False(t, e.Popup().Open)
	assert.Equal(t, 0, e.Counter(GroupFace).Count)
	assert.Equal(t, 1, e.Counter(GroupFace).PopupCount)
	assert.Equal(t, StateNormal, e.Counter(GroupFace).State)
}

func TestSignalsWhilePopupOpenKeepCounting(t *testing.T) {
	e := NewEngine(DefaultPolicies())
	for i := 0; i < 12; i++ {
		out := e.Record(sig(HeadTurn, i))
		if i > 9 {
			assert.Nil(t, out.Popup)
		}
	}
	assert.Equal(t, 12, e.Counter(GroupFace).Count)
	assert.Equal(t, 1, e.Popup().PopupCount)
}

func TestFinalDismissTerminatesOnce(t *testing.T) {
	e := NewEngine(DefaultPolicies())

	terminations := 0
	for round := 0; round < 3; round++ {
		for i := 0; i < 10; i++ {
			e.Record(sig(HeadTurn, round*100+i))
		}
		popup := e.Popup()
		require.True(t, popup.Open)
		assert.Equal(t, round+1, popup.PopupCount)
		assert.Equal(t, round == 2, popup.Final())

		out, err := e.Dismiss(at(round*100 + 50))
		require.NoError(t, err)
		if out.Termination != nil {
			terminations++
			assert.Equal(t, ReasonFaceViolations, out.Termination.Reason)
		}
	}
	assert.Equal(t, 1, terminations)

	_, err := e.Dismiss(at(1000))
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Equal(t, Outcome{}, e.Record(sig(HeadTurn, 2000)))
}

func TestDismissWithoutPopup(t *testing.T) {
	e := NewEngine(DefaultPolicies())
	_, err := e.Dismiss(at(0))
	assert.ErrorIs(t, err, ErrNoPopup)
}

func TestConcurrentLimitsDeferSecondGroup(t *testing.T) {
	e := NewEngine(DefaultPolicies())

	for i := 0; i < 10; i++ {
		e.Record(sig(Absence, i))
	}
	require.Equal(t, GroupFace, e.Popup().Group)

	var deferred bool
	for i := 0; i < 7; i++ {
		out := e.Record(sig(Noise, 100+i*2000))
		assert.Nil(t, out.Popup)
		deferred = deferred || out.Deferred
	}
	assert.True(t, deferred)
	assert.Equal(t, 7, e.Counter(GroupAudio).Count)
	assert.Equal(t, 0, e.Counter(GroupAudio).PopupCount)

	out, err := e.Dismiss(at(14000))
	require.NoError(t, err)
	require.NotNil(t, out.Next)
	assert.Equal(t, GroupAudio, out.Next.Group)
	assert.Equal(t, 1, out.Next.PopupCount)
	assert.Equal(t, GroupAudio, e.Popup().Group)
	assert.Equal(t, 7, e.Counter(GroupAudio).Count, "deferred counter keeps accumulating")
}

func TestWarnOnlyPolicyNeverEscalates(t *testing.T) {
	p := DefaultPolicies()
	p.Audio = Policy{Cooldown: 5 * time.Second}
	e := NewEngine(p)

	for i := 0; i < 500; i++ {
		out := e.Record(sig(Noise, i*16))
		assert.Nil(t, out.Popup)
		assert.Nil(t, out.Termination)
	}
	assert.False(t, e.Popup().Open)
}

func TestStrictPolicyTerminatesAtLimit(t *testing.T) {
	p := DefaultPolicies()
	p.Audio.TerminateAtLimit = true
	p.Audio.Reason = ReasonStrictNoiseLimit
	e := NewEngine(p)

	var term *Termination
	for i := 0; i < 5; i++ {
		out := e.Record(sig(Noise, i*2000))
		assert.Nil(t, out.Popup)
		if out.Termination != nil {
			term = out.Termination
			assert.Equal(t, 4, i)
		}
	}
	require.NotNil(t, term)
	assert.Equal(t, ReasonStrictNoiseLimit, term.Reason)
	assert.Equal(t, GroupAudio, term.Group)
}

// =============================================================================
// Immediate categories
// =============================================================================

func TestImmediateCategories(t *testing.T) {
	tests := []struct {
		name       string
		category   Category
		focusTerm  bool
		wantReason string
	}{
		{"devtools", DevTools, false, ReasonDevTools},
		{"external display", ExternalDisplay, false, ReasonExternalDisplay},
		{"focus loss when configured", FocusLoss, true, ReasonFocusLoss},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicies()
			p.FocusLossTerminates = tt.focusTerm
			e := NewEngine(p)

			out := e.Record(sig(tt.category, 0))
			require.NotNil(t, out.Termination)
			assert.Equal(t, tt.wantReason, out.Termination.Reason)
			assert.False(t, out.Counted)
			assert.Nil(t, e.Record(sig(tt.category, 10)).Termination)
		})
	}
}

func TestFocusLossCountsByDefault(t *testing.T) {
	e := NewEngine(DefaultPolicies())
	out := e.Record(sig(FocusLoss, 0))
	assert.True(t, out.Counted)
	assert.Nil(t, out.Termination)
	assert.Equal(t, GroupFace, out.Group)
}

func TestFullscreenExitNotCounted(t *testing.T) {
	e := NewEngine(DefaultPolicies())
	out := e.Record(sig(FullscreenExit, 0))
	assert.Equal(t, Outcome{}, out)
}

func TestExternalTerminateIsIdempotent(t *testing.T) {
	e := NewEngine(DefaultPolicies())
	first := e.Terminate(FullscreenExit, ReasonFullscreenExits, at(0))
	require.NotNil(t, first)
	assert.Nil(t, e.Terminate(DevTools, ReasonDevTools, at(1)))
	assert.Equal(t, ReasonFullscreenExits, e.Termination().Reason)
	assert.Equal(t, StateTerminated, e.Counter(GroupFace).State)
}

// =============================================================================
// Categories and policies
// =============================================================================

func TestParseCategory(t *testing.T) {
	for _, c := range Categories() {
		parsed, err := ParseCategory(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
	_, err := ParseCategory("sneezing")
	assert.Error(t, err)
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"defaults", DefaultPolicies().Face, false},
		{"warn only", Policy{Cooldown: time.Second}, false},
		{"strict without popups", Policy{WarningLimit: 5, TerminateAtLimit: true}, false},
		{"negative cooldown", Policy{Cooldown: -1}, true},
		{"popups enabled without limit", Policy{WarningLimit: 5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}
}

package orchestrator

import (
	"reflect"
	"testing"
	"time"

	"helpnow/server/internal/guideclient"
	"helpnow/server/internal/model"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func threeStepScenario() model.EmergencyScenario {
	return model.EmergencyScenario{
		ID:    "cuts",
		Title: "Severe Bleeding",
		Steps: []model.EmergencyStep{
			{ID: 1, Instruction: "Apply direct pressure to the wound.", Type: model.StepTypeAction},
			{ID: 2, Instruction: "Elevate the injured area.", Type: model.StepTypeAction},
			{ID: 3, Instruction: "Call 911 if bleeding does not stop.", Type: model.StepTypeWarning},
		},
	}
}

func kinds(effects []Effect) []EffectKind {
	out := make([]EffectKind, 0, len(effects))
	for _, e := range effects {
		out = append(out, e.Kind)
	}
	return out
}

func guidanceState(index int) model.SessionState {
	s := model.NewSessionState("s1", true)
	sc := threeStepScenario()
	s.AppState = model.AppStateGuidance
	s.Scenario = &sc
	s.CurrentStepIndex = index
	s.Generation = 1
	return s
}

// TestReduceStartCapture 验证开始采集：清空转写与错误、递增 generation、先停播再开采集。
func TestReduceStartCapture(t *testing.T) {
	s := model.NewSessionState("s1", true)
	s.Transcript = "old"
	s.LastError = "old error"

	effects := Reduce(&s, Event{Type: EventStartCapture}, testNow)
	if s.AppState != model.AppStateListening || s.Transcript != "" || s.LastError != "" || s.Generation != 1 {
		t.Fatalf("unexpected state: %+v", s)
	}
	if got := kinds(effects); !reflect.DeepEqual(got, []EffectKind{EffectStopAudio, EffectStartCapture}) {
		t.Fatalf("unexpected effects: %v", got)
	}

	// 非 idle 时是 no-op
	if effects := Reduce(&s, Event{Type: EventStartCapture}, testNow); effects != nil || s.Generation != 1 {
		t.Fatalf("expected no-op while listening")
	}
}

// TestReduceTranscriptSubmitsQuery 验证最终转写进入 processing 并提交查询。
func TestReduceTranscriptSubmitsQuery(t *testing.T) {
	s := model.NewSessionState("s1", true)
	Reduce(&s, Event{Type: EventStartCapture}, testNow)

	effects := Reduce(&s, Event{Type: EventTranscript, Transcript: "my hand is bleeding", Generation: s.Generation}, testNow)
	if s.AppState != model.AppStateProcessing || s.Transcript != "my hand is bleeding" {
		t.Fatalf("unexpected state: %+v", s)
	}
	if len(effects) != 1 || effects[0].Kind != EffectSubmitQuery || effects[0].Text != "my hand is bleeding" || effects[0].Generation != 1 {
		t.Fatalf("unexpected effects: %+v", effects)
	}
}

// TestReduceQuerySucceeded 验证查询成功进入 guidance、从第 0 步开始并调度旁白。
func TestReduceQuerySucceeded(t *testing.T) {
	s := model.NewSessionState("s1", true)
	s.AppState = model.AppStateProcessing
	s.Generation = 3
	sc := threeStepScenario()

	effects := Reduce(&s, Event{Type: EventQuerySucceeded, Scenario: &sc, Generation: 3}, testNow)
	if s.AppState != model.AppStateGuidance || s.CurrentStepIndex != 0 || s.Scenario == nil {
		t.Fatalf("unexpected state: %+v", s)
	}
	if len(effects) != 1 || effects[0].Kind != EffectScheduleNarration || effects[0].StepIndex != 0 || effects[0].Generation != 3 {
		t.Fatalf("unexpected effects: %+v", effects)
	}
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}

	// 调用方修改原场景不影响状态
	sc.Steps[0].Instruction = "mutated"
	if s.Scenario.Steps[0].Instruction == "mutated" {
		t.Fatalf("expected scenario copied into state")
	}
}

// TestReduceQuerySucceededAudioDisabled 验证语音关闭时不调度旁白。
func TestReduceQuerySucceededAudioDisabled(t *testing.T) {
	s := model.NewSessionState("s1", false)
	s.AppState = model.AppStateProcessing
	sc := threeStepScenario()

	if effects := Reduce(&s, Event{Type: EventQuerySucceeded, Scenario: &sc}, testNow); len(effects) != 0 {
		t.Fatalf("expected no narration, got %+v", effects)
	}
}

// TestReduceStaleQueryIgnored 验证 generation 不一致或状态已变化的查询结果不生效。
func TestReduceStaleQueryIgnored(t *testing.T) {
	sc := threeStepScenario()

	s := model.NewSessionState("s1", true)
	s.AppState = model.AppStateProcessing
	s.Generation = 2
	before := s.Clone()
	if effects := Reduce(&s, Event{Type: EventQuerySucceeded, Scenario: &sc, Generation: 1}, testNow); effects != nil || !reflect.DeepEqual(before, s) {
		t.Fatalf("expected stale success ignored")
	}
	if Reduce(&s, Event{Type: EventQueryFailed, Message: "x", Generation: 1}, testNow); s.LastError != "" {
		t.Fatalf("expected stale failure ignored")
	}

	idle := model.NewSessionState("s1", true)
	if Reduce(&idle, Event{Type: EventQuerySucceeded, Scenario: &sc}, testNow); idle.AppState != model.AppStateIdle {
		t.Fatalf("expected response ignored in idle")
	}
}

// TestReduceQueryFailed 验证查询失败回到 idle 并记录错误。
func TestReduceQueryFailed(t *testing.T) {
	s := model.NewSessionState("s1", true)
	s.AppState = model.AppStateProcessing
	s.Transcript = "help"

	Reduce(&s, Event{Type: EventQueryFailed, Message: "Service unavailable"}, testNow)
	if s.AppState != model.AppStateIdle || s.LastError != "Service unavailable" {
		t.Fatalf("unexpected state: %+v", s)
	}
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

// TestReduceCaptureError 验证采集失败回到 idle，过期的采集事件被忽略。
func TestReduceCaptureError(t *testing.T) {
	s := model.NewSessionState("s1", true)
	Reduce(&s, Event{Type: EventStartCapture}, testNow)

	if Reduce(&s, Event{Type: EventCaptureError, Message: "old", Generation: 0}, testNow); s.AppState != model.AppStateListening {
		t.Fatalf("expected stale capture error ignored")
	}
	Reduce(&s, Event{Type: EventCaptureError, Message: "No speech was detected. Please try again.", Generation: 1}, testNow)
	if s.AppState != model.AppStateIdle || s.LastError == "" {
		t.Fatalf("unexpected state: %+v", s)
	}
}

// TestReduceAdvance 验证前进一步：先停播再调度新步骤旁白；最后一步前进等于重置。
func TestReduceAdvance(t *testing.T) {
	s := guidanceState(0)
	effects := Reduce(&s, Event{Type: EventAdvance}, testNow)
	if s.CurrentStepIndex != 1 {
		t.Fatalf("expected index 1, got %d", s.CurrentStepIndex)
	}
	if got := kinds(effects); !reflect.DeepEqual(got, []EffectKind{EffectStopAudio, EffectScheduleNarration}) {
		t.Fatalf("unexpected effects: %v", got)
	}

	last := guidanceState(2)
	effects = Reduce(&last, Event{Type: EventAdvance}, testNow)
	if last.AppState != model.AppStateIdle || last.Scenario != nil || last.CurrentStepIndex != 0 {
		t.Fatalf("expected reset, got %+v", last)
	}
	if last.Generation != 2 {
		t.Fatalf("expected generation bumped on reset, got %d", last.Generation)
	}
	if got := kinds(effects); !reflect.DeepEqual(got, []EffectKind{EffectStopAudio}) {
		t.Fatalf("unexpected effects: %v", got)
	}
}

func TestReducePrevious(t *testing.T) {
	s := guidanceState(0)
	if effects := Reduce(&s, Event{Type: EventPrevious}, testNow); effects != nil || s.CurrentStepIndex != 0 {
		t.Fatalf("expected no-op on first step")
	}
	s = guidanceState(2)
	Reduce(&s, Event{Type: EventPrevious}, testNow)
	if s.CurrentStepIndex != 1 {
		t.Fatalf("expected index 1, got %d", s.CurrentStepIndex)
	}
}

// TestReduceRestartIdempotent 验证重置两次与一次结果相同。
func TestReduceRestartIdempotent(t *testing.T) {
	s := guidanceState(1)
	s.Transcript = "my hand is bleeding"
	s.LastError = "x"

	Reduce(&s, Event{Type: EventRestart}, testNow)
	once := s.Clone()
	Reduce(&s, Event{Type: EventRestart}, testNow)
	if !reflect.DeepEqual(once, s) {
		t.Fatalf("restart not idempotent:\n%+v\n%+v", once, s)
	}
	if s.AppState != model.AppStateIdle || s.Scenario != nil || s.Transcript != "" || s.LastError != "" || !s.AudioEnabled {
		t.Fatalf("unexpected reset state: %+v", s)
	}
}

// TestReduceRestartWhileListeningStopsCapture 验证采集中重置会停止采集。
func TestReduceRestartWhileListeningStopsCapture(t *testing.T) {
	s := model.NewSessionState("s1", true)
	Reduce(&s, Event{Type: EventStartCapture}, testNow)

	effects := Reduce(&s, Event{Type: EventRestart}, testNow)
	if got := kinds(effects); !reflect.DeepEqual(got, []EffectKind{EffectStopAudio, EffectStopCapture}) {
		t.Fatalf("unexpected effects: %v", got)
	}
}

// TestReduceToggleAudio 验证切换语音只翻转开关，不产生副作用。
func TestReduceToggleAudio(t *testing.T) {
	s := guidanceState(0)
	s.AudioState = model.AudioStatePlaying
	if effects := Reduce(&s, Event{Type: EventToggleAudio}, testNow); len(effects) != 0 {
		t.Fatalf("expected no effects, got %+v", effects)
	}
	if s.AudioEnabled || s.AudioState != model.AudioStatePlaying {
		t.Fatalf("unexpected state: %+v", s)
	}

	// 关闭后前进只停播，不再调度旁白
	effects := Reduce(&s, Event{Type: EventAdvance}, testNow)
	if got := kinds(effects); !reflect.DeepEqual(got, []EffectKind{EffectStopAudio}) {
		t.Fatalf("unexpected effects: %v", got)
	}
}

// TestReduceNarrate 验证旁白定时器只在 generation、步骤和开关都匹配时播报。
func TestReduceNarrate(t *testing.T) {
	s := guidanceState(1)

	cases := []struct {
		name string
		evt  Event
		play bool
	}{
		{"current", Event{Type: EventNarrate, Generation: 1, StepIndex: 1}, true},
		{"old step", Event{Type: EventNarrate, Generation: 1, StepIndex: 0}, false},
		{"old generation", Event{Type: EventNarrate, Generation: 0, StepIndex: 1}, false},
	}
	for _, tc := range cases {
		state := s.Clone()
		effects := Reduce(&state, tc.evt, testNow)
		if (len(effects) == 1 && effects[0].Kind == EffectPlay) != tc.play {
			t.Fatalf("%s: unexpected effects %+v", tc.name, effects)
		}
		if tc.play && effects[0].Text != "Elevate the injured area." {
			t.Fatalf("%s: unexpected text %q", tc.name, effects[0].Text)
		}
	}

	muted := s.Clone()
	muted.AudioEnabled = false
	if effects := Reduce(&muted, Event{Type: EventNarrate, Generation: 1, StepIndex: 1}, testNow); effects != nil {
		t.Fatalf("expected narration dropped when audio disabled")
	}
}

// TestReducePlaybackEvents 验证播报错误不改变主状态，重播会清除错误。
func TestReducePlaybackEvents(t *testing.T) {
	s := guidanceState(0)
	Reduce(&s, Event{Type: EventAudioState, AudioState: model.AudioStatePlaying}, testNow)
	Reduce(&s, Event{Type: EventPlaybackError, Message: "Audio playback failed"}, testNow)
	if s.AppState != model.AppStateGuidance || s.PlaybackError == "" || s.AudioState != model.AudioStateIdle {
		t.Fatalf("unexpected state: %+v", s)
	}

	effects := Reduce(&s, Event{Type: EventReplayStep}, testNow)
	if s.PlaybackError != "" {
		t.Fatalf("expected playback error cleared on replay")
	}
	if got := kinds(effects); !reflect.DeepEqual(got, []EffectKind{EffectStopAudio, EffectPlay}) {
		t.Fatalf("expected stop before replay, got %v", got)
	}
	if effects[1].Text != "Apply direct pressure to the wound." {
		t.Fatalf("unexpected replay text %q", effects[1].Text)
	}

	idle := model.NewSessionState("s1", true)
	if effects := Reduce(&idle, Event{Type: EventReplayStep}, testNow); effects != nil {
		t.Fatalf("expected replay no-op without scenario")
	}
}

func TestReduceDismissError(t *testing.T) {
	s := model.NewSessionState("s1", true)
	s.LastError = "x"
	s.PlaybackError = "y"
	Reduce(&s, Event{Type: EventDismissError}, testNow)
	if s.LastError != "" || s.PlaybackError != "" {
		t.Fatalf("expected errors cleared, got %+v", s)
	}

	g := guidanceState(0)
	g.PlaybackError = "y"
	Reduce(&g, Event{Type: EventDismissError}, testNow)
	if g.PlaybackError != "" {
		t.Fatalf("expected playback error cleared in guidance")
	}

	// listening 与 processing 中不处理
	for _, app := range []model.AppState{model.AppStateListening, model.AppStateProcessing} {
		busy := model.NewSessionState("s1", true)
		busy.AppState = app
		busy.LastError = "x"
		if effects := Reduce(&busy, Event{Type: EventDismissError}, testNow); effects != nil || busy.LastError != "x" {
			t.Fatalf("%s: expected dismiss ignored, got %+v", app, busy)
		}
		if !busy.UpdatedAt.IsZero() {
			t.Fatalf("%s: expected state untouched", app)
		}
	}
}

// TestReduceQuerySucceededWithoutSteps 验证没有步骤的场景按查询失败处理，不进入 guidance。
func TestReduceQuerySucceededWithoutSteps(t *testing.T) {
	s := model.NewSessionState("s1", true)
	s.AppState = model.AppStateProcessing
	s.Generation = 1

	empty := model.EmergencyScenario{ID: "e", Title: "Empty"}
	effects := Reduce(&s, Event{Type: EventQuerySucceeded, Generation: 1, Scenario: &empty}, testNow)
	if effects != nil {
		t.Fatalf("expected no effects, got %+v", effects)
	}
	if s.AppState != model.AppStateIdle || s.Scenario != nil || s.LastError != guideclient.GenericMessage {
		t.Fatalf("unexpected state: %+v", s)
	}
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	if effects := Reduce(&s, Event{Type: EventAdvance}, testNow); effects != nil || s.CurrentStepIndex != 0 {
		t.Fatalf("expected advance ignored in idle, got index %d", s.CurrentStepIndex)
	}
}

func TestParseAction(t *testing.T) {
	if a, err := ParseAction(" Advance "); err != nil || a != EventAdvance {
		t.Fatalf("expected advance, got %s %v", a, err)
	}
	for _, name := range []string{"", "narrate", "capture.transcript", "jump"} {
		if _, err := ParseAction(name); err == nil {
			t.Fatalf("expected %q rejected", name)
		}
	}
}

package orchestrator

import (
	"time"

	"helpnow/server/internal/guideclient"
	"helpnow/server/internal/model"
)

// EffectKind 是一次状态迁移要求执行的副作用。
type EffectKind int

const (
	EffectStopAudio EffectKind = iota + 1
	EffectStartCapture
	EffectStopCapture
	EffectSubmitQuery
	EffectScheduleNarration
	EffectPlay
)

func (k EffectKind) String() string {
	switch k {
	case EffectStopAudio:
		return "stop_audio"
	case EffectStartCapture:
		return "start_capture"
	case EffectStopCapture:
		return "stop_capture"
	case EffectSubmitQuery:
		return "submit_query"
	case EffectScheduleNarration:
		return "schedule_narration"
	case EffectPlay:
		return "play"
	}
	return "unknown"
}

// Effect 描述一个副作用；Text/Generation/StepIndex 按 Kind 取用。
type Effect struct {
	Kind       EffectKind
	Text       string
	Generation uint64
	StepIndex  int
}

// Reduce 只做状态归约，不触发外部调用。副作用以 Effect 列表返回，由编排器按顺序执行。
// 过期事件（状态不匹配或 generation 不一致）不修改状态，返回 nil。
func Reduce(state *model.SessionState, evt Event, now time.Time) []Effect {
	if state == nil {
		return nil
	}

	var effects []Effect
	switch evt.Type {
	case EventStartCapture:
		if state.AppState != model.AppStateIdle {
			return nil
		}
		state.Transcript = ""
		state.LastError = ""
		state.PlaybackError = ""
		state.Generation++
		state.AppState = model.AppStateListening
		effects = []Effect{{Kind: EffectStopAudio}, {Kind: EffectStartCapture}}

	case EventCaptureUnavailable:
		if state.AppState != model.AppStateIdle {
			return nil
		}
		state.LastError = evt.Message

	case EventTranscript:
		if state.AppState != model.AppStateListening || evt.Generation != state.Generation {
			return nil
		}
		state.Transcript = evt.Transcript
		state.AppState = model.AppStateProcessing
		effects = []Effect{{Kind: EffectSubmitQuery, Text: evt.Transcript, Generation: state.Generation}}

	case EventCaptureError:
		if state.AppState != model.AppStateListening || evt.Generation != state.Generation {
			return nil
		}
		state.AppState = model.AppStateIdle
		state.LastError = evt.Message

	case EventQuerySucceeded:
		if state.AppState != model.AppStateProcessing || evt.Generation != state.Generation || evt.Scenario == nil {
			return nil
		}
		// 没有步骤的场景无法引导，按查询失败处理
		if err := evt.Scenario.Validate(); err != nil {
			state.AppState = model.AppStateIdle
			state.LastError = guideclient.GenericMessage
			break
		}
		sc := evt.Scenario.Clone()
		state.Scenario = &sc
		state.CurrentStepIndex = 0
		state.AppState = model.AppStateGuidance
		effects = narrate(state, nil)

	case EventQueryFailed:
		if state.AppState != model.AppStateProcessing || evt.Generation != state.Generation {
			return nil
		}
		state.AppState = model.AppStateIdle
		state.LastError = evt.Message

	case EventAdvance:
		if state.AppState != model.AppStateGuidance || state.Scenario == nil {
			return nil
		}
		if state.IsLastStep() {
			effects = reset(state)
			break
		}
		state.CurrentStepIndex++
		effects = narrate(state, []Effect{{Kind: EffectStopAudio}})

	case EventPrevious:
		if state.AppState != model.AppStateGuidance || state.Scenario == nil || state.CurrentStepIndex == 0 {
			return nil
		}
		state.CurrentStepIndex--
		effects = narrate(state, []Effect{{Kind: EffectStopAudio}})

	case EventRestart:
		effects = reset(state)

	case EventToggleAudio:
		state.AudioEnabled = !state.AudioEnabled

	case EventDismissError:
		if state.AppState != model.AppStateIdle && state.AppState != model.AppStateGuidance {
			return nil
		}
		state.LastError = ""
		state.PlaybackError = ""

	case EventReplayStep:
		step, ok := state.CurrentStep()
		if !ok {
			return nil
		}
		state.PlaybackError = ""
		// 先停播，同时作废等待中的旁白
		effects = []Effect{
			{Kind: EffectStopAudio},
			{Kind: EffectPlay, Text: step.Instruction, Generation: state.Generation, StepIndex: state.CurrentStepIndex},
		}

	case EventStopAudio:
		effects = []Effect{{Kind: EffectStopAudio}}

	case EventNarrate:
		// 定时器触发时再确认一次：会话没被重置、步骤没变、语音仍开启
		if state.AppState != model.AppStateGuidance || evt.Generation != state.Generation ||
			evt.StepIndex != state.CurrentStepIndex || !state.AudioEnabled {
			return nil
		}
		step, ok := state.CurrentStep()
		if !ok {
			return nil
		}
		effects = []Effect{{Kind: EffectPlay, Text: step.Instruction, Generation: state.Generation, StepIndex: state.CurrentStepIndex}}

	case EventAudioState:
		state.AudioState = evt.AudioState
		if evt.AudioState == model.AudioStatePlaying {
			state.PlaybackError = ""
		}

	case EventPlaybackError:
		state.AudioState = model.AudioStateIdle
		state.PlaybackError = evt.Message

	default:
		return nil
	}

	state.UpdatedAt = now
	return effects
}

// narrate 在语音开启时追加当前步骤的旁白调度。
func narrate(state *model.SessionState, effects []Effect) []Effect {
	if !state.AudioEnabled {
		return effects
	}
	return append(effects, Effect{Kind: EffectScheduleNarration, Generation: state.Generation, StepIndex: state.CurrentStepIndex})
}

// reset 回到初始状态，保留 AudioEnabled。
// 只有离开非 idle 状态时才递增 generation，这样连续两次 restart 的结果与一次相同。
func reset(state *model.SessionState) []Effect {
	effects := []Effect{{Kind: EffectStopAudio}}
	switch state.AppState {
	case model.AppStateListening:
		effects = append(effects, Effect{Kind: EffectStopCapture})
		state.Generation++
	case model.AppStateProcessing, model.AppStateGuidance:
		state.Generation++
	}
	state.AppState = model.AppStateIdle
	state.Scenario = nil
	state.CurrentStepIndex = 0
	state.Transcript = ""
	state.LastError = ""
	state.PlaybackError = ""
	state.AudioState = model.AudioStateIdle
	return effects
}

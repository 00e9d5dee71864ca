package orchestrator

import (
	"errors"
	"strings"

	"helpnow/server/internal/model"
)

var ErrUnknownAction = errors.New("unknown action")

// EventType 是进入编排器队列的事件类型。
type EventType string

// 用户动作
const (
	EventStartCapture EventType = "start_capture"
	EventAdvance      EventType = "advance"
	EventPrevious     EventType = "previous"
	EventRestart      EventType = "restart"
	EventToggleAudio  EventType = "toggle_audio"
	EventDismissError EventType = "dismiss_error"
	EventReplayStep   EventType = "replay_step"
	EventStopAudio    EventType = "stop_audio"
)

// 适配器、查询与定时器事件
const (
	EventCaptureUnavailable EventType = "capture.unavailable"
	EventTranscript         EventType = "capture.transcript"
	EventCaptureError       EventType = "capture.error"
	EventQuerySucceeded     EventType = "query.succeeded"
	EventQueryFailed        EventType = "query.failed"
	EventNarrate            EventType = "narrate"
	EventAudioState         EventType = "playback.state"
	EventPlaybackError      EventType = "playback.error"
)

var actions = map[EventType]bool{
	EventStartCapture: true,
	EventAdvance:      true,
	EventPrevious:     true,
	EventRestart:      true,
	EventToggleAudio:  true,
	EventDismissError: true,
	EventReplayStep:   true,
	EventStopAudio:    true,
}

// ParseAction 把客户端传来的动作名转换为事件类型。
func ParseAction(name string) (EventType, error) {
	t := EventType(strings.ToLower(strings.TrimSpace(name)))
	if !actions[t] {
		return "", ErrUnknownAction
	}
	return t, nil
}

// IsAction 判断事件是否为用户动作。
func (t EventType) IsAction() bool {
	return actions[t]
}

// Event 是编排器处理的一条事件。各字段按 Type 取用。
type Event struct {
	ID         string
	Type       EventType
	Transcript string
	Scenario   *model.EmergencyScenario
	// Message 是面向用户的错误提示。
	Message    string
	Generation uint64
	StepIndex  int
	// NarrationSeq 用于丢弃被新调度取代的旁白定时器。
	NarrationSeq uint64
	AudioState   model.AudioState
}

package model

import (
	"errors"
	"fmt"
	"time"
)

// StepType 决定步骤卡片的展示形态（图标、边框颜色），不影响步骤推进逻辑。
type StepType string

const (
	StepTypeWarning StepType = "warning"
	StepTypeAction  StepType = "action"
	StepTypeInfo    StepType = "info"
)

// Valid 判断步骤类型是否为已知取值。
func (t StepType) Valid() bool {
	switch t {
	case StepTypeWarning, StepTypeAction, StepTypeInfo:
		return true
	}
	return false
}

// EmergencyStep 是急救场景中的一条指令。收到后不可变。
type EmergencyStep struct {
	ID              int      `json:"id" yaml:"id"`
	Instruction     string   `json:"instruction" yaml:"instruction"`
	Type            StepType `json:"type" yaml:"type"`
	VisualURL       string   `json:"visualUrl,omitempty" yaml:"visual_url,omitempty"`
	AlternativeURLs []string `json:"alternativeUrls,omitempty" yaml:"alternative_urls,omitempty"`
}

// EmergencyScenario 是一组有序的急救步骤。
// 约定：Steps 非空，顺序在场景生命周期内固定，合法下标为 [0, len(Steps))。
type EmergencyScenario struct {
	ID    string          `json:"id" yaml:"id"`
	Title string          `json:"title" yaml:"title"`
	Steps []EmergencyStep `json:"steps" yaml:"steps"`
}

var ErrInvalidScenario = errors.New("invalid scenario")

// Validate 校验场景结构，返回的错误均包装 ErrInvalidScenario。
func (s EmergencyScenario) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidScenario)
	}
	if s.Title == "" {
		return fmt.Errorf("%w: empty title", ErrInvalidScenario)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("%w: scenario %s has no steps", ErrInvalidScenario, s.ID)
	}
	for i, step := range s.Steps {
		if step.Instruction == "" {
			return fmt.Errorf("%w: scenario %s step %d has empty instruction", ErrInvalidScenario, s.ID, i)
		}
		if !step.Type.Valid() {
			return fmt.Errorf("%w: scenario %s step %d has unknown type %q", ErrInvalidScenario, s.ID, i, step.Type)
		}
	}
	return nil
}

// Clone 返回深拷贝，避免快照持有方修改编排器内部数据。
func (s EmergencyScenario) Clone() EmergencyScenario {
	out := s
	out.Steps = make([]EmergencyStep, len(s.Steps))
	for i, step := range s.Steps {
		out.Steps[i] = step
		if step.AlternativeURLs != nil {
			out.Steps[i].AlternativeURLs = append([]string(nil), step.AlternativeURLs...)
		}
	}
	return out
}

// AppState 是会话编排器的主状态。
type AppState string

const (
	AppStateIdle       AppState = "idle"
	AppStateListening  AppState = "listening"
	AppStateProcessing AppState = "processing"
	AppStateGuidance   AppState = "guidance"
)

// AudioState 是语音播报的状态。
type AudioState string

const (
	AudioStateIdle    AudioState = "idle"
	AudioStatePlaying AudioState = "playing"
	AudioStatePaused  AudioState = "paused"
)

// SessionState 是一次急救引导会话的完整快照。
// 只允许编排器修改；适配器只发事件，展示层只读。
type SessionState struct {
	SessionID string   `json:"session_id"`
	AppState  AppState `json:"app_state"`
	// Transcript 是最近一次采集得到的最终转写。
	Transcript string `json:"transcript"`
	// Scenario 仅在 guidance 状态下存在。
	Scenario *EmergencyScenario `json:"scenario,omitempty"`
	// CurrentStepIndex 仅在 guidance 状态下有意义，其余状态恒为 0。
	CurrentStepIndex int        `json:"current_step_index"`
	AudioEnabled     bool       `json:"audio_enabled"`
	AudioState       AudioState `json:"audio_state"`
	// LastError 是采集/查询失败留下的可关闭提示。
	LastError string `json:"last_error,omitempty"`
	// PlaybackError 是播报失败的临时提示，不改变 AppState。
	PlaybackError string `json:"playback_error,omitempty"`
	// Generation 每次开始采集或重置时递增，用于丢弃过期的查询结果。
	Generation uint64    `json:"generation"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewSessionState 返回应用启动时的初始状态。
func NewSessionState(sessionID string, audioEnabled bool) SessionState {
	return SessionState{
		SessionID:    sessionID,
		AppState:     AppStateIdle,
		AudioEnabled: audioEnabled,
		AudioState:   AudioStateIdle,
	}
}

// Clone 返回深拷贝。
func (s SessionState) Clone() SessionState {
	out := s
	if s.Scenario != nil {
		sc := s.Scenario.Clone()
		out.Scenario = &sc
	}
	return out
}

// CurrentStep 返回当前步骤；非 guidance 状态返回 false。
func (s SessionState) CurrentStep() (EmergencyStep, bool) {
	if s.AppState != AppStateGuidance || s.Scenario == nil {
		return EmergencyStep{}, false
	}
	if s.CurrentStepIndex < 0 || s.CurrentStepIndex >= len(s.Scenario.Steps) {
		return EmergencyStep{}, false
	}
	return s.Scenario.Steps[s.CurrentStepIndex], true
}

// IsLastStep 判断当前是否处于最后一步。
func (s SessionState) IsLastStep() bool {
	return s.Scenario != nil && s.CurrentStepIndex == len(s.Scenario.Steps)-1
}

// CheckInvariants 校验状态不变量，供测试和调试使用。
func (s SessionState) CheckInvariants() error {
	if s.AppState == AppStateGuidance {
		if s.Scenario == nil {
			return errors.New("guidance without scenario")
		}
		if s.CurrentStepIndex < 0 || s.CurrentStepIndex >= len(s.Scenario.Steps) {
			return fmt.Errorf("step index %d out of range [0, %d)", s.CurrentStepIndex, len(s.Scenario.Steps))
		}
		return nil
	}
	if s.Scenario != nil {
		return fmt.Errorf("scenario present in state %s", s.AppState)
	}
	if s.CurrentStepIndex != 0 {
		return fmt.Errorf("step index %d in state %s", s.CurrentStepIndex, s.AppState)
	}
	return nil
}

// ThemeMode 是用户选择的主题偏好。
type ThemeMode string

const (
	ThemeLight  ThemeMode = "light"
	ThemeDark   ThemeMode = "dark"
	ThemeSystem ThemeMode = "system"
)

// Valid 判断主题取值是否合法。
func (m ThemeMode) Valid() bool {
	switch m {
	case ThemeLight, ThemeDark, ThemeSystem:
		return true
	}
	return false
}

// ThemePreference 是进程级的主题偏好，与 SessionState 无关。
type ThemePreference struct {
	Mode     ThemeMode `json:"mode"`
	Resolved ThemeMode `json:"resolved"`
}

// TimelineEvent 记录编排器处理过的一条事件，用于回放与排查。
type TimelineEvent struct {
	Seq       int64     `json:"seq"`
	EventID   string    `json:"event_id,omitempty"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	From      AppState  `json:"from"`
	To        AppState  `json:"to"`
	Detail    string    `json:"detail,omitempty"`
	TS        time.Time `json:"ts"`
}

// GuideRequest 是 POST /api/guide 的请求体。
type GuideRequest struct {
	Query string `json:"query"`
}

// ErrorResponse 是所有接口失败时的响应体。
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateSessionResponse 是创建会话的响应体。
type CreateSessionResponse struct {
	SessionID string       `json:"session_id"`
	State     SessionState `json:"state"`
}

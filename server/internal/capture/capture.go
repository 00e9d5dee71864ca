package capture

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrCapabilityUnavailable 表示平台没有可用的语音识别能力。
	ErrCapabilityUnavailable = errors.New("speech recognition is not available")
	ErrAlreadyCapturing      = errors.New("capture session already active")
)

// 错误码与浏览器 SpeechRecognition 的 error 取值保持一致，便于桥接。
const (
	CodeNotAllowed        = "not-allowed"
	CodeServiceNotAllowed = "service-not-allowed"
	CodeNoSpeech          = "no-speech"
	CodeAudioCapture      = "audio-capture"
	CodeNetwork           = "network"
	CodeAborted           = "aborted"
	CodeCapabilityMissing = "capability-missing"
)

// Error 是一次采集失败（权限、无语音、能力缺失等）。
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return "capture " + e.Code + ": " + e.Message
}

// Is 让 capability-missing 的 Error 与 ErrCapabilityUnavailable 等价。
func (e *Error) Is(target error) bool {
	return target == ErrCapabilityUnavailable && e.Code == CodeCapabilityMissing
}

// NewError 按错误码生成面向用户的提示。
func NewError(code, detail string) *Error {
	var msg string
	switch code {
	case CodeNotAllowed, CodeServiceNotAllowed:
		msg = "Microphone access was denied. Please allow microphone access and try again."
	case CodeNoSpeech:
		msg = "No speech was detected. Please try again."
	case CodeAudioCapture:
		msg = "No microphone was found. Please check your audio input."
	case CodeNetwork:
		msg = "Speech recognition failed due to a network error. Please try again."
	case CodeAborted:
		msg = "Listening was stopped before anything was heard."
	case CodeCapabilityMissing:
		msg = "Speech recognition is not supported on this device or browser."
	default:
		msg = "Speech recognition error: " + code
		if detail != "" {
			msg += " (" + detail + ")"
		}
	}
	return &Error{Code: code, Message: msg}
}

// Settings 是交给平台识别器的参数：固定语种、单次、只要最终结果。
type Settings struct {
	Locale         string `json:"locale"`
	Continuous     bool   `json:"continuous"`
	InterimResults bool   `json:"interim_results"`
}

// Recognizer 是平台语音识别能力（浏览器、本地引擎或测试替身）。
// 识别结果不从返回值给出，而是由平台回调 Adapter 的 Handle* 方法。
type Recognizer interface {
	Available() bool
	Start(settings Settings) error
	Stop() error
}

// EventKind 是采集适配器对外发出的事件类型。
type EventKind string

const (
	EventTranscript EventKind = "capture.transcript"
	EventError      EventKind = "capture.error"
)

// Event 是一次采集会话的唯一结果：最终转写或错误。
type Event struct {
	Kind       EventKind
	Transcript string
	Err        *Error
}

// Listener 接收适配器事件。实现方不得阻塞（编排器会异步入队）。
type Listener func(Event)

// Adapter 把平台识别器包装成单次采集会话：每次 Start 恰好产出一个结果。
type Adapter struct {
	recognizer Recognizer
	settings   Settings
	logger     zerolog.Logger

	mu       sync.Mutex
	listener Listener
	active   bool
}

// NewAdapter 创建采集适配器。recognizer 可以为 nil，此时 Start 总是失败。
func NewAdapter(recognizer Recognizer, locale string, logger zerolog.Logger) *Adapter {
	return &Adapter{
		recognizer: recognizer,
		settings:   Settings{Locale: locale, Continuous: false, InterimResults: false},
		logger:     logger,
	}
}

// SetListener 注入事件接收方。
func (a *Adapter) SetListener(l Listener) {
	a.mu.Lock()
	a.listener = l
	a.mu.Unlock()
}

// Available 报告平台是否具备识别能力。
func (a *Adapter) Available() bool {
	return a.recognizer != nil && a.recognizer.Available()
}

// Start 开始一次单次采集。能力缺失时立即返回 capability-missing 错误。
func (a *Adapter) Start() error {
	if !a.Available() {
		return NewError(CodeCapabilityMissing, "")
	}

	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		return ErrAlreadyCapturing
	}
	a.active = true
	a.mu.Unlock()

	if err := a.recognizer.Start(a.settings); err != nil {
		a.mu.Lock()
		a.active = false
		a.mu.Unlock()
		return fmt.Errorf("start recognizer: %w", err)
	}
	a.logger.Debug().Str("locale", a.settings.Locale).Msg("capture started")
	return nil
}

// Stop 结束当前采集，不产出事件。没有进行中的采集时是 no-op。
func (a *Adapter) Stop() error {
	a.mu.Lock()
	wasActive := a.active
	a.active = false
	a.mu.Unlock()

	if !wasActive || a.recognizer == nil {
		return nil
	}
	return a.recognizer.Stop()
}

// Active 报告是否有进行中的采集。
func (a *Adapter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// HandleResult 由平台在有识别结果时调用。
// 中间结果忽略；第一条非空最终结果发出 Transcript，随后适配器进入休眠。
func (a *Adapter) HandleResult(text string, final bool) {
	text = strings.TrimSpace(text)
	if !final || text == "" {
		return
	}
	if !a.finish() {
		return
	}
	if a.recognizer != nil {
		if err := a.recognizer.Stop(); err != nil {
			a.logger.Debug().Err(err).Msg("stop recognizer after final result")
		}
	}
	a.emit(Event{Kind: EventTranscript, Transcript: text})
}

// HandleError 由平台在识别失败时调用。
func (a *Adapter) HandleError(code, detail string) {
	if !a.finish() {
		return
	}
	a.emit(Event{Kind: EventError, Err: NewError(code, detail)})
}

// HandleEnd 由平台在识别会话结束时调用；没有任何结果视为未检测到语音。
func (a *Adapter) HandleEnd() {
	if !a.finish() {
		return
	}
	a.emit(Event{Kind: EventError, Err: NewError(CodeNoSpeech, "")})
}

// finish 把适配器切回休眠；返回 false 表示本次事件已过期（会话已出结果或已停止）。
func (a *Adapter) finish() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		return false
	}
	a.active = false
	return true
}

func (a *Adapter) emit(evt Event) {
	a.mu.Lock()
	l := a.listener
	a.mu.Unlock()
	if l == nil {
		a.logger.Warn().Str("kind", string(evt.Kind)).Msg("capture event dropped: no listener")
		return
	}
	l(evt)
}

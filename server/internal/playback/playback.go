package playback

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"helpnow/server/internal/model"
)

var ErrEmptyText = errors.New("nothing to speak")

// 平台错误类型中，interrupted/canceled 来自我们主动的 Stop，不作为错误上报。
const (
	KindInterrupted      = "interrupted"
	KindCanceled         = "canceled"
	KindSynthesisFailed  = "synthesis-failed"
	KindSynthesisUnavail = "synthesis-unavailable"
)

// Error 是一次播报失败。不改变会话主状态，只作为临时提示。
type Error struct {
	Kind        string
	UtteranceID string
}

func (e *Error) Error() string {
	return "playback " + e.Kind
}

// Message 返回面向用户的提示。
func (e *Error) Message() string {
	return "Audio playback failed (" + e.Kind + "). You can replay this step."
}

// Utterance 是一次播报请求。
type Utterance struct {
	ID     string  `json:"id"`
	Text   string  `json:"text"`
	Voice  string  `json:"voice,omitempty"`
	Lang   string  `json:"lang,omitempty"`
	Rate   float64 `json:"rate"`
	Pitch  float64 `json:"pitch"`
	Volume float64 `json:"volume"`
}

// Synthesizer 是平台语音合成能力。播报进度由平台回调 Adapter 的 Handle* 方法。
type Synthesizer interface {
	Voices() []Voice
	Speak(u Utterance) error
	Cancel() error
}

// Config 控制音色选择与播报参数。
type Config struct {
	PreferredVoices []string
	FemaleHints     []string
	Lang            string
	Rate            float64
	Pitch           float64
	Volume          float64
	// StopGrace 是取消上一段播报后、开始新播报前的等待时间。
	StopGrace time.Duration
}

// EventKind 是播报适配器对外发出的事件类型。
type EventKind string

const (
	EventState EventKind = "playback.state"
	EventError EventKind = "playback.error"
)

// Event 是状态迁移（idle/playing）或播报错误。
type Event struct {
	Kind        EventKind
	State       model.AudioState
	UtteranceID string
	Err         *Error
}

// Listener 接收适配器事件，实现方不得阻塞。
type Listener func(Event)

// Adapter 保证任意时刻最多只有一段播报：新的 Play 先取消旧播报，
// 等待 StopGrace 后再开始。
type Adapter struct {
	synth  Synthesizer
	cfg    Config
	logger zerolog.Logger
	newID  func() string

	// ioMu 串行化对平台的 Speak/Cancel 调用，保证取消一定先于新播报到达平台。
	ioMu sync.Mutex

	mu       sync.Mutex
	listener Listener
	voices   []Voice
	selected *Voice
	current  string
	state    model.AudioState
	pending  *time.Timer
}

// NewAdapter 创建播报适配器。
func NewAdapter(synth Synthesizer, cfg Config, logger zerolog.Logger) *Adapter {
	return &Adapter{
		synth:  synth,
		cfg:    cfg,
		logger: logger,
		newID:  func() string { return uuid.New().String() },
		state:  model.AudioStateIdle,
	}
}

// SetListener 注入事件接收方。
func (a *Adapter) SetListener(l Listener) {
	a.mu.Lock()
	a.listener = l
	a.mu.Unlock()
}

// State 返回当前播报状态。
func (a *Adapter) State() model.AudioState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// UpdateVoices 在平台语音目录变化时调用，会重新挑选音色。
func (a *Adapter) UpdateVoices(voices []Voice) {
	a.mu.Lock()
	a.voices = append([]Voice(nil), voices...)
	a.selected = nil
	a.resolveVoiceLocked()
	name := ""
	if a.selected != nil {
		name = a.selected.Name
	}
	a.mu.Unlock()
	a.logger.Debug().Int("voices", len(voices)).Str("selected", name).Msg("voice catalog updated")
}

// SelectedVoice 返回当前选中的音色，未选中返回 false。
func (a *Adapter) SelectedVoice() (Voice, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resolveVoiceLocked()
	if a.selected == nil {
		return Voice{}, false
	}
	return *a.selected, true
}

// resolveVoiceLocked 懒加载语音目录并挑选音色。目录为空时下次再查。
func (a *Adapter) resolveVoiceLocked() {
	if a.selected != nil {
		return
	}
	if len(a.voices) == 0 && a.synth != nil {
		a.voices = a.synth.Voices()
	}
	if v, ok := SelectVoice(a.voices, a.cfg.PreferredVoices, a.cfg.FemaleHints); ok {
		a.selected = &v
	}
}

// Play 播报一段文本，返回 utterance ID。
// 如有进行中的播报，先取消并发出 idle，再在 StopGrace 后开始新播报。
func (a *Adapter) Play(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if a.synth == nil {
		perr := &Error{Kind: KindSynthesisUnavail}
		a.emit(Event{Kind: EventError, Err: perr})
		return "", perr
	}

	a.ioMu.Lock()

	a.mu.Lock()
	busy := a.current != ""
	wasPlaying := a.state == model.AudioStatePlaying
	a.stopPendingLocked()
	a.resolveVoiceLocked()
	u := Utterance{
		ID:     a.newID(),
		Text:   text,
		Lang:   a.cfg.Lang,
		Rate:   a.cfg.Rate,
		Pitch:  a.cfg.Pitch,
		Volume: a.cfg.Volume,
	}
	if a.selected != nil {
		u.Voice = a.selected.Name
	}
	a.current = u.ID
	a.state = model.AudioStateIdle
	a.mu.Unlock()

	if busy {
		if err := a.synth.Cancel(); err != nil {
			a.logger.Warn().Err(err).Msg("cancel previous utterance")
		}
	}
	a.ioMu.Unlock()

	if wasPlaying {
		a.emit(Event{Kind: EventState, State: model.AudioStateIdle})
	}

	if a.cfg.StopGrace <= 0 {
		return u.ID, a.speak(u)
	}

	a.mu.Lock()
	if a.current == u.ID {
		a.pending = time.AfterFunc(a.cfg.StopGrace, func() {
			_ = a.speak(u)
		})
	}
	a.mu.Unlock()
	return u.ID, nil
}

// speak 把 utterance 交给平台；如果在等待期间被新的 Play/Stop 取代则直接丢弃。
func (a *Adapter) speak(u Utterance) error {
	a.ioMu.Lock()
	a.mu.Lock()
	if a.current != u.ID {
		a.mu.Unlock()
		a.ioMu.Unlock()
		return nil
	}
	a.pending = nil
	a.mu.Unlock()

	err := a.synth.Speak(u)
	a.ioMu.Unlock()
	if err == nil {
		a.logger.Debug().Str("utterance_id", u.ID).Str("voice", u.Voice).Msg("utterance submitted")
		return nil
	}

	a.mu.Lock()
	stillCurrent := a.current == u.ID
	if stillCurrent {
		a.current = ""
		a.state = model.AudioStateIdle
	}
	a.mu.Unlock()

	perr := &Error{Kind: KindSynthesisFailed, UtteranceID: u.ID}
	a.logger.Warn().Err(err).Str("utterance_id", u.ID).Msg("speak failed")
	if stillCurrent {
		a.emit(Event{Kind: EventError, UtteranceID: u.ID, Err: perr})
	}
	return perr
}

// Stop 取消进行中或等待中的播报，并发出 idle。
func (a *Adapter) Stop() {
	a.ioMu.Lock()
	a.mu.Lock()
	busy := a.current != ""
	a.stopPendingLocked()
	a.current = ""
	a.state = model.AudioStateIdle
	a.mu.Unlock()

	if busy && a.synth != nil {
		if err := a.synth.Cancel(); err != nil {
			a.logger.Warn().Err(err).Msg("cancel utterance")
		}
	}
	a.ioMu.Unlock()

	if busy {
		a.emit(Event{Kind: EventState, State: model.AudioStateIdle})
	}
}

func (a *Adapter) stopPendingLocked() {
	if a.pending != nil {
		a.pending.Stop()
		a.pending = nil
	}
}

// HandleStart 由平台在 utterance 开始发声时调用。
func (a *Adapter) HandleStart(id string) {
	a.mu.Lock()
	if id != a.current || a.state == model.AudioStatePlaying {
		a.mu.Unlock()
		return
	}
	a.state = model.AudioStatePlaying
	a.mu.Unlock()
	a.emit(Event{Kind: EventState, State: model.AudioStatePlaying, UtteranceID: id})
}

// HandleEnd 由平台在 utterance 自然结束时调用。
func (a *Adapter) HandleEnd(id string) {
	if !a.release(id) {
		return
	}
	a.emit(Event{Kind: EventState, State: model.AudioStateIdle, UtteranceID: id})
}

// HandleError 由平台在 utterance 出错时调用。
// interrupted/canceled 是主动取消的结果，只迁移到 idle，不上报错误。
func (a *Adapter) HandleError(id, kind string) {
	if !a.release(id) {
		return
	}
	a.emit(Event{Kind: EventState, State: model.AudioStateIdle, UtteranceID: id})
	if kind == KindInterrupted || kind == KindCanceled {
		return
	}
	if kind == "" {
		kind = KindSynthesisFailed
	}
	a.emit(Event{Kind: EventError, UtteranceID: id, Err: &Error{Kind: kind, UtteranceID: id}})
}

// release 结束当前 utterance；id 不是当前 utterance 时返回 false（过期事件）。
func (a *Adapter) release(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id == "" || id != a.current {
		return false
	}
	a.current = ""
	a.state = model.AudioStateIdle
	return true
}

func (a *Adapter) emit(evt Event) {
	a.mu.Lock()
	l := a.listener
	a.mu.Unlock()
	if l != nil {
		l(evt)
	}
}

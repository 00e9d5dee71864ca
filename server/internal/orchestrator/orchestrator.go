package orchestrator

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"helpnow/server/internal/capture"
	"helpnow/server/internal/config"
	"helpnow/server/internal/guideclient"
	"helpnow/server/internal/model"
	"helpnow/server/internal/playback"
	"helpnow/server/internal/session"
	"helpnow/server/internal/timeline"
)

const startFailedMessage = "Could not start listening. Please try again."

// CaptureAdapter 是编排器使用的语音采集能力。
type CaptureAdapter interface {
	Available() bool
	Start() error
	Stop() error
	SetListener(l capture.Listener)
}

// PlaybackAdapter 是编排器使用的语音播报能力。
type PlaybackAdapter interface {
	Play(text string) (string, error)
	Stop()
	SetListener(l playback.Listener)
}

// GuideClient 把转写换成急救场景。
type GuideClient interface {
	Submit(ctx context.Context, transcript string) (model.EmergencyScenario, error)
}

// Observer 在每个事件处理完后收到状态副本。实现方不得阻塞。
type Observer func(model.SessionState)

// Deps 是编排器的外部依赖。Sessions 与 Timeline 可以为空。
type Deps struct {
	Capture  CaptureAdapter
	Playback PlaybackAdapter
	Guide    GuideClient
	Sessions session.Store
	Timeline timeline.Store
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Orchestrator 是单个会话的状态机。
//
// 职责与契约：
// - SessionState 只在队列 goroutine 内修改；用户动作同步入队，适配器事件、查询结果与定时器异步入队。
// - 状态迁移由 Reduce 决定，副作用在迁移提交后按顺序执行。
// - 每个事件处理完后写 Timeline、刷新快照并通知观察者。
type Orchestrator struct {
	id       string
	cfg      config.OrchestratorConfig
	capture  CaptureAdapter
	playback PlaybackAdapter
	guide    GuideClient
	sessions session.Store
	timeline timeline.Store
	logger   zerolog.Logger
	now      func() time.Time
	queue    *Queue

	// 以下字段只在队列 goroutine 内访问
	state          model.SessionState
	narrationSeq   uint64
	narrationTimer *time.Timer

	// captureGen 是当前采集会话所属的 generation，供适配器回调给事件打标。
	captureGen atomic.Uint64

	mu           sync.RWMutex
	snapshot     model.SessionState
	observers    map[int]Observer
	nextObserver int

	baseCtx    context.Context
	baseCancel context.CancelFunc
	inflight   sync.WaitGroup
	closed     atomic.Bool
}

// New 创建会话编排器并启动其事件循环。
func New(sessionID string, cfg config.OrchestratorConfig, deps Deps) (*Orchestrator, error) {
	if deps.Playback == nil {
		return nil, errors.New("playback adapter is required")
	}
	if deps.Guide == nil {
		return nil, errors.New("guide client is required")
	}
	if deps.Capture == nil {
		deps.Capture = capture.NewAdapter(nil, "", deps.Logger)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	state := model.NewSessionState(sessionID, cfg.AudioEnabled)
	state.UpdatedAt = deps.Now()

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		id:         sessionID,
		cfg:        cfg,
		capture:    deps.Capture,
		playback:   deps.Playback,
		guide:      deps.Guide,
		sessions:   deps.Sessions,
		timeline:   deps.Timeline,
		logger:     deps.Logger.With().Str("session_id", sessionID).Logger(),
		now:        deps.Now,
		state:      state,
		snapshot:   state.Clone(),
		observers:  make(map[int]Observer),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	if o.sessions != nil {
		if err := o.sessions.Save(ctx, state); err != nil {
			cancel()
			return nil, err
		}
	}

	o.queue = NewQueue(sessionID, cfg.QueueCapacity, cfg.EventTimeout, o.handle, o.logger)
	o.capture.SetListener(o.onCapture)
	o.playback.SetListener(o.onPlayback)
	return o, nil
}

// SessionID 返回会话 ID。
func (o *Orchestrator) SessionID() string { return o.id }

// Snapshot 返回最近一次提交的状态副本。
func (o *Orchestrator) Snapshot() model.SessionState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshot.Clone()
}

// Subscribe 注册观察者并立即推送当前状态，返回取消函数。
func (o *Orchestrator) Subscribe(obs Observer) func() {
	o.mu.Lock()
	id := o.nextObserver
	o.nextObserver++
	o.observers[id] = obs
	current := o.snapshot.Clone()
	o.mu.Unlock()

	obs(current)
	return func() {
		o.mu.Lock()
		delete(o.observers, id)
		o.mu.Unlock()
	}
}

// Dispatch 同步执行一个用户动作，返回处理后的状态。
func (o *Orchestrator) Dispatch(action EventType) (model.SessionState, error) {
	if !action.IsAction() {
		return o.Snapshot(), ErrUnknownAction
	}
	err := o.queue.EnqueueSync(Event{ID: uuid.New().String(), Type: action})
	return o.Snapshot(), err
}

// StartCapture 开始采集。能力缺失时返回的错误满足 errors.Is(err, capture.ErrCapabilityUnavailable)。
func (o *Orchestrator) StartCapture() error { return o.do(EventStartCapture) }
func (o *Orchestrator) Advance() error      { return o.do(EventAdvance) }
func (o *Orchestrator) Previous() error     { return o.do(EventPrevious) }
func (o *Orchestrator) Restart() error      { return o.do(EventRestart) }
func (o *Orchestrator) ToggleAudio() error  { return o.do(EventToggleAudio) }
func (o *Orchestrator) DismissError() error { return o.do(EventDismissError) }
func (o *Orchestrator) ReplayStep() error   { return o.do(EventReplayStep) }
func (o *Orchestrator) StopAudio() error    { return o.do(EventStopAudio) }

func (o *Orchestrator) do(action EventType) error {
	_, err := o.Dispatch(action)
	return err
}

// Close 停止事件循环，取消定时器与进行中的查询，并停止采集和播报。可重复调用。
func (o *Orchestrator) Close() {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}
	o.queue.Close()
	// 队列 goroutine 已退出，可以安全访问它独占的字段
	o.cancelNarration()
	if err := o.capture.Stop(); err != nil {
		o.logger.Debug().Err(err).Msg("stop capture on close")
	}
	o.playback.Stop()
	o.baseCancel()
	o.inflight.Wait()

	o.mu.Lock()
	o.observers = make(map[int]Observer)
	o.mu.Unlock()
	o.logger.Info().Msg("session closed")
}

// QueueStats 返回事件队列统计。
func (o *Orchestrator) QueueStats() QueueStats {
	return o.queue.Stats()
}

// handle 是唯一修改 SessionState 的地方。
func (o *Orchestrator) handle(ctx context.Context, evt Event) error {
	if evt.Type == EventNarrate && evt.NarrationSeq != o.narrationSeq {
		return nil
	}

	var result error
	if evt.Type == EventStartCapture && o.state.AppState == model.AppStateIdle && !o.capture.Available() {
		cerr := capture.NewError(capture.CodeCapabilityMissing, "")
		evt = Event{ID: evt.ID, Type: EventCaptureUnavailable, Message: cerr.Message}
		result = cerr
	}
	if (evt.Type == EventQuerySucceeded || evt.Type == EventQueryFailed) &&
		(o.state.AppState != model.AppStateProcessing || evt.Generation != o.state.Generation) {
		o.logger.Info().
			Uint64("response_generation", evt.Generation).
			Uint64("current_generation", o.state.Generation).
			Str("app_state", string(o.state.AppState)).
			Msg("discarding stale guidance response")
		return nil
	}

	before := o.state.Clone()
	pending := []Event{evt}
	for len(pending) > 0 {
		cur := pending[0]
		pending = pending[1:]

		from := o.state.AppState
		prev := o.state.Clone()
		effects := Reduce(&o.state, cur, o.now())
		if len(effects) == 0 && reflect.DeepEqual(prev, o.state) {
			continue
		}
		o.record(ctx, cur, from)

		for _, eff := range effects {
			followUp, err := o.execute(eff)
			if err != nil && result == nil {
				result = err
			}
			pending = append(pending, followUp...)
		}
	}

	if !reflect.DeepEqual(before, o.state) {
		o.publish(ctx)
	}
	return result
}

// execute 执行一个副作用，必要时返回需要在同一轮内继续归约的事件。
func (o *Orchestrator) execute(eff Effect) ([]Event, error) {
	switch eff.Kind {
	case EffectStopAudio:
		o.cancelNarration()
		o.playback.Stop()

	case EffectStartCapture:
		o.captureGen.Store(o.state.Generation)
		if err := o.capture.Start(); err != nil {
			msg := startFailedMessage
			var cerr *capture.Error
			if errors.As(err, &cerr) {
				msg = cerr.Message
			}
			o.logger.Warn().Err(err).Msg("start capture failed")
			return []Event{{ID: uuid.New().String(), Type: EventCaptureError, Message: msg, Generation: o.state.Generation}}, err
		}

	case EffectStopCapture:
		if err := o.capture.Stop(); err != nil {
			o.logger.Debug().Err(err).Msg("stop capture")
		}

	case EffectSubmitQuery:
		o.submit(eff.Text, eff.Generation)

	case EffectScheduleNarration:
		o.scheduleNarration(eff.Generation, eff.StepIndex)

	case EffectPlay:
		if _, err := o.playback.Play(eff.Text); err != nil {
			// 播报失败由适配器以事件形式回报，这里只记日志
			o.logger.Warn().Err(err).Int("step_index", eff.StepIndex).Msg("play step failed")
		}
	}
	return nil, nil
}

// submit 异步查询指引，结果带 generation 回到队列。
func (o *Orchestrator) submit(transcript string, gen uint64) {
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		sc, err := o.guide.Submit(o.baseCtx, transcript)
		evt := Event{ID: uuid.New().String(), Generation: gen}
		if err != nil {
			evt.Type = EventQueryFailed
			evt.Message = queryMessage(err)
			o.logger.Warn().Err(err).Uint64("generation", gen).Msg("guidance query failed")
		} else if verr := sc.Validate(); verr != nil {
			evt.Type = EventQueryFailed
			evt.Message = guideclient.GenericMessage
			o.logger.Warn().Err(verr).Uint64("generation", gen).Msg("guidance query returned unusable scenario")
		} else {
			evt.Type = EventQuerySucceeded
			evt.Scenario = &sc
		}
		if qerr := o.queue.Enqueue(evt); qerr != nil {
			o.logger.Debug().Err(qerr).Msg("guidance result not delivered")
		}
	}()
}

// queryMessage 取出面向用户的错误提示，非 QueryError 一律用通用提示。
func queryMessage(err error) string {
	var qe *guideclient.QueryError
	if errors.As(err, &qe) && qe.Message != "" {
		return qe.Message
	}
	return guideclient.GenericMessage
}

// scheduleNarration 在延迟后播报当前步骤；延迟为 0 时立即播报。
func (o *Orchestrator) scheduleNarration(gen uint64, index int) {
	o.cancelNarration()
	seq := o.narrationSeq

	delay := o.cfg.StepNarrationDelay
	if delay <= 0 {
		if step, ok := o.state.CurrentStep(); ok {
			o.execute(Effect{Kind: EffectPlay, Text: step.Instruction, Generation: gen, StepIndex: index})
		}
		return
	}
	o.narrationTimer = time.AfterFunc(delay, func() {
		err := o.queue.Enqueue(Event{
			ID:           uuid.New().String(),
			Type:         EventNarrate,
			Generation:   gen,
			StepIndex:    index,
			NarrationSeq: seq,
		})
		if err != nil {
			o.logger.Debug().Err(err).Msg("narration dropped")
		}
	})
}

// cancelNarration 取消等待中的旁白；已经入队的旁白事件也会因 seq 变化被丢弃。
func (o *Orchestrator) cancelNarration() {
	o.narrationSeq++
	if o.narrationTimer != nil {
		o.narrationTimer.Stop()
		o.narrationTimer = nil
	}
}

func (o *Orchestrator) onCapture(evt capture.Event) {
	gen := o.captureGen.Load()
	var e Event
	switch evt.Kind {
	case capture.EventTranscript:
		e = Event{Type: EventTranscript, Transcript: evt.Transcript, Generation: gen}
	case capture.EventError:
		e = Event{Type: EventCaptureError, Generation: gen}
		if evt.Err != nil {
			e.Message = evt.Err.Message
		}
	default:
		return
	}
	e.ID = uuid.New().String()
	if err := o.queue.Enqueue(e); err != nil {
		o.logger.Warn().Err(err).Str("type", string(e.Type)).Msg("capture event dropped")
	}
}

func (o *Orchestrator) onPlayback(evt playback.Event) {
	var e Event
	switch evt.Kind {
	case playback.EventState:
		e = Event{Type: EventAudioState, AudioState: evt.State}
	case playback.EventError:
		e = Event{Type: EventPlaybackError}
		if evt.Err != nil {
			e.Message = evt.Err.Message()
		}
	default:
		return
	}
	e.ID = uuid.New().String()
	if err := o.queue.Enqueue(e); err != nil {
		o.logger.Debug().Err(err).Str("type", string(e.Type)).Msg("playback event dropped")
	}
}

func (o *Orchestrator) record(ctx context.Context, evt Event, from model.AppState) {
	detail := evt.Message
	switch evt.Type {
	case EventTranscript:
		detail = evt.Transcript
	case EventQuerySucceeded:
		if evt.Scenario != nil {
			detail = evt.Scenario.ID
		}
	case EventAudioState:
		detail = string(evt.AudioState)
	}

	o.logger.Debug().
		Str("event", string(evt.Type)).
		Str("from", string(from)).
		Str("to", string(o.state.AppState)).
		Int("step_index", o.state.CurrentStepIndex).
		Msg("event applied")

	if o.timeline == nil {
		return
	}
	_, err := o.timeline.Append(ctx, o.id, &model.TimelineEvent{
		EventID: evt.ID,
		Type:    string(evt.Type),
		From:    from,
		To:      o.state.AppState,
		Detail:  detail,
		TS:      o.now(),
	})
	if err != nil {
		o.logger.Warn().Err(err).Msg("append timeline")
	}
}

func (o *Orchestrator) publish(ctx context.Context) {
	snap := o.state.Clone()

	o.mu.Lock()
	o.snapshot = snap
	observers := make([]Observer, 0, len(o.observers))
	for _, obs := range o.observers {
		observers = append(observers, obs)
	}
	o.mu.Unlock()

	if o.sessions != nil {
		if err := o.sessions.Save(ctx, snap); err != nil {
			o.logger.Warn().Err(err).Msg("save session snapshot")
		}
	}
	for _, obs := range observers {
		obs(snap.Clone())
	}
}

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"helpnow/server/internal/capture"
	"helpnow/server/internal/config"
	"helpnow/server/internal/model"
	"helpnow/server/internal/playback"
)

var (
	ErrNotConnected = errors.New("no client connection attached")
	ErrClosed       = errors.New("gateway closed")
)

// CaptureSink 接收浏览器上报的识别事件（通常是 *capture.Adapter）。
type CaptureSink interface {
	HandleResult(text string, final bool)
	HandleError(code, detail string)
	HandleEnd()
}

// PlaybackSink 接收浏览器上报的朗读事件（通常是 *playback.Adapter）。
type PlaybackSink interface {
	HandleStart(id string)
	HandleEnd(id string)
	HandleError(id, kind string)
	UpdateVoices(voices []playback.Voice)
}

// ActionHandler 处理客户端发来的用户操作。
type ActionHandler func(action string) error

// Bridge 把一个浏览器连接变成服务端可用的语音能力：
// 对上实现 capture.Recognizer 与 playback.Synthesizer，对下把浏览器事件转给适配器。
// Bridge 的生命周期跟随会话，连接可以断开重连。
type Bridge struct {
	sessionID string
	config    config.GatewayConfig
	logger    zerolog.Logger

	// 串行化所有写操作（gorilla 只允许一个并发写者），同时保护 seqCounter
	connLock   sync.Mutex
	conn       *websocket.Conn
	connDone   chan struct{}
	seqCounter int64

	mu               sync.RWMutex
	captureAvailable bool
	voices           []playback.Voice
	speaking         string
	captureSink      CaptureSink
	playbackSink     PlaybackSink
	onAction         ActionHandler
	onConnect        func()

	closeOnce sync.Once
	closeChan chan struct{}
}

// NewBridge 创建会话网关。在 Bind 之前收到的浏览器事件会被丢弃。
func NewBridge(sessionID string, cfg config.GatewayConfig, logger zerolog.Logger) *Bridge {
	return &Bridge{
		sessionID: sessionID,
		config:    cfg,
		logger:    logger.With().Str("component", "gateway").Str("session_id", sessionID).Logger(),
		closeChan: make(chan struct{}),
	}
}

// Bind 注入事件接收方。适配器需要 Bridge 才能构造，所以分两步装配。
func (b *Bridge) Bind(captureSink CaptureSink, playbackSink PlaybackSink, onAction ActionHandler) {
	b.mu.Lock()
	b.captureSink = captureSink
	b.playbackSink = playbackSink
	b.onAction = onAction
	b.mu.Unlock()
}

// OnConnect 注册新连接建立后的回调，用于补发当前状态。
func (b *Bridge) OnConnect(fn func()) {
	b.mu.Lock()
	b.onConnect = fn
	b.mu.Unlock()
}

// Attach 接管一个新的浏览器连接，替换旧连接，并阻塞读取直到连接断开。
// 新连接在发送 hello 之前不具备识别能力。
func (b *Bridge) Attach(conn *websocket.Conn) {
	select {
	case <-b.closeChan:
		conn.Close()
		return
	default:
	}

	done := make(chan struct{})

	b.connLock.Lock()
	old := b.conn
	oldDone := b.connDone
	b.conn = conn
	b.connDone = done
	b.connLock.Unlock()

	if old != nil {
		close(oldDone)
		old.Close()
		b.logger.Info().Msg("client connection replaced")
	}

	b.mu.Lock()
	b.captureAvailable = false
	onConnect := b.onConnect
	b.mu.Unlock()

	b.logger.Info().Msg("client connected")
	if onConnect != nil {
		onConnect()
	}
	go b.pingLoop(conn, done)
	b.readLoop(conn)
}

// Connected 报告当前是否有浏览器连接。
func (b *Bridge) Connected() bool {
	b.connLock.Lock()
	defer b.connLock.Unlock()
	return b.conn != nil
}

// readLoop 从客户端读取消息，直到连接断开
func (b *Bridge) readLoop(conn *websocket.Conn) {
	defer b.detach(conn)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Debug().Err(err).Msg("client read ended")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := b.handleClientMessage(data); err != nil {
			b.logger.Warn().Err(err).Msg("handle client message")
			// 错误回给客户端，但不断开连接
			_ = b.sendError(err.Error())
		}
	}
}

// detach 在连接断开后清理；如果该连接已被替换则什么都不做。
func (b *Bridge) detach(conn *websocket.Conn) {
	b.connLock.Lock()
	if b.conn != conn {
		b.connLock.Unlock()
		return
	}
	b.conn = nil
	close(b.connDone)
	b.connDone = nil
	b.connLock.Unlock()
	conn.Close()

	b.mu.Lock()
	b.captureAvailable = false
	speaking := b.speaking
	b.speaking = ""
	captureSink := b.captureSink
	playbackSink := b.playbackSink
	b.mu.Unlock()

	// 连接断开后浏览器不会再回报结果，进行中的采集按网络错误结束，朗读按取消处理
	if captureSink != nil {
		captureSink.HandleError(capture.CodeNetwork, "client disconnected")
	}
	if playbackSink != nil && speaking != "" {
		playbackSink.HandleError(speaking, playback.KindCanceled)
	}
	b.logger.Info().Msg("client disconnected")
}

// handleClientMessage 处理客户端JSON消息
func (b *Bridge) handleClientMessage(data []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	b.mu.RLock()
	captureSink := b.captureSink
	playbackSink := b.playbackSink
	onAction := b.onAction
	b.mu.RUnlock()

	switch msg.Type {
	case MsgHello:
		b.mu.Lock()
		b.captureAvailable = msg.CaptureAvailable
		b.voices = append([]playback.Voice(nil), msg.Voices...)
		b.mu.Unlock()
		if playbackSink != nil {
			playbackSink.UpdateVoices(msg.Voices)
		}
		b.logger.Info().
			Bool("capture_available", msg.CaptureAvailable).
			Int("voices", len(msg.Voices)).
			Msg("client hello")

	case MsgPlaybackVoices:
		b.mu.Lock()
		b.voices = append([]playback.Voice(nil), msg.Voices...)
		b.mu.Unlock()
		if playbackSink != nil {
			playbackSink.UpdateVoices(msg.Voices)
		}

	case MsgAction:
		if onAction == nil {
			return errors.New("session not ready")
		}
		if err := onAction(msg.Action); err != nil {
			return errors.New(userMessage(err))
		}

	case MsgCaptureResult:
		if captureSink != nil {
			captureSink.HandleResult(msg.Text, msg.Final)
		}
	case MsgCaptureError:
		if captureSink != nil {
			captureSink.HandleError(msg.Code, msg.Message)
		}
	case MsgCaptureEnd:
		if captureSink != nil {
			captureSink.HandleEnd()
		}

	case MsgPlaybackStart:
		if playbackSink != nil {
			playbackSink.HandleStart(msg.ID)
		}
	case MsgPlaybackEnd:
		b.clearSpeaking(msg.ID)
		if playbackSink != nil {
			playbackSink.HandleEnd(msg.ID)
		}
	case MsgPlaybackError:
		b.clearSpeaking(msg.ID)
		if playbackSink != nil {
			playbackSink.HandleError(msg.ID, msg.Error)
		}

	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
	return nil
}

func (b *Bridge) clearSpeaking(id string) {
	b.mu.Lock()
	if b.speaking == id {
		b.speaking = ""
	}
	b.mu.Unlock()
}

// userMessage 取出可以直接展示给用户的错误文案
func userMessage(err error) string {
	var capErr *capture.Error
	if errors.As(err, &capErr) {
		return capErr.Message
	}
	return err.Error()
}

// Available 实现 capture.Recognizer：客户端声明过识别能力且连接仍在。
func (b *Bridge) Available() bool {
	b.mu.RLock()
	available := b.captureAvailable
	b.mu.RUnlock()
	return available && b.Connected()
}

// Start 实现 capture.Recognizer。
func (b *Bridge) Start(settings capture.Settings) error {
	return b.send(&ServerMessage{Type: MsgCaptureStart, Settings: &settings})
}

// Stop 实现 capture.Recognizer。
func (b *Bridge) Stop() error {
	return b.send(&ServerMessage{Type: MsgCaptureStop})
}

// Voices 实现 playback.Synthesizer，返回最近一次客户端上报的音色列表。
func (b *Bridge) Voices() []playback.Voice {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]playback.Voice(nil), b.voices...)
}

// Speak 实现 playback.Synthesizer。
func (b *Bridge) Speak(u playback.Utterance) error {
	// 先登记再发送，浏览器的回报可能先于 send 返回到达
	b.mu.Lock()
	b.speaking = u.ID
	b.mu.Unlock()
	if err := b.send(&ServerMessage{Type: MsgPlaybackSpeak, Utterance: &u}); err != nil {
		b.clearSpeaking(u.ID)
		return err
	}
	return nil
}

// Cancel 实现 playback.Synthesizer。
func (b *Bridge) Cancel() error {
	b.mu.Lock()
	b.speaking = ""
	b.mu.Unlock()
	return b.send(&ServerMessage{Type: MsgPlaybackCancel})
}

// PushState 把状态快照推给客户端。没有连接时静默丢弃，重连后会补发。
func (b *Bridge) PushState(state model.SessionState) {
	if err := b.send(&ServerMessage{Type: MsgState, State: &state}); err != nil && !errors.Is(err, ErrNotConnected) {
		b.logger.Warn().Err(err).Msg("push state")
	}
}

func (b *Bridge) sendError(errMsg string) error {
	return b.send(&ServerMessage{Type: MsgError, Error: errMsg})
}

// send 发送消息给客户端
func (b *Bridge) send(msg *ServerMessage) error {
	select {
	case <-b.closeChan:
		return ErrClosed
	default:
	}

	if msg.ServerTS.IsZero() {
		msg.ServerTS = time.Now()
	}

	b.connLock.Lock()
	defer b.connLock.Unlock()

	if b.conn == nil {
		return ErrNotConnected
	}
	// 序列号在写锁内分配，保证线上顺序与 seq 一致
	b.seqCounter++
	msg.Seq = b.seqCounter
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal server message: %w", err)
	}
	if b.config.WriteTimeout > 0 {
		b.conn.SetWriteDeadline(time.Now().Add(b.config.WriteTimeout))
	}
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

// pingLoop 定期发送ping保持连接，连接被替换或断开时退出
func (b *Bridge) pingLoop(conn *websocket.Conn, done chan struct{}) {
	interval := b.config.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := b.config.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.closeChan:
			return
		case <-done:
			return
		case <-ticker.C:
			b.connLock.Lock()
			if b.conn == conn {
				if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(timeout)); err != nil {
					b.logger.Debug().Err(err).Msg("ping client")
				}
			}
			b.connLock.Unlock()
		}
	}
}

// Close 关闭网关和当前连接。可重复调用。
func (b *Bridge) Close() error {
	var closeErr error

	b.closeOnce.Do(func() {
		close(b.closeChan)

		b.connLock.Lock()
		conn := b.conn
		b.connLock.Unlock()
		if conn == nil {
			return
		}

		b.connLock.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		b.connLock.Unlock()

		// 读循环随之退出并完成 detach
		closeErr = conn.Close()
	})

	return closeErr
}

package gateway

import (
	"time"

	"helpnow/server/internal/capture"
	"helpnow/server/internal/model"
	"helpnow/server/internal/playback"
)

// MessageType 定义了网关与浏览器之间的消息类型
type MessageType string

const (
	// 客户端 -> 网关
	MsgHello          MessageType = "hello"           // 连接后声明平台能力
	MsgAction         MessageType = "action"          // 用户操作
	MsgCaptureResult  MessageType = "capture.result"  // 识别结果（含中间结果）
	MsgCaptureError   MessageType = "capture.error"   // 识别失败
	MsgCaptureEnd     MessageType = "capture.end"     // 识别会话结束
	MsgPlaybackStart  MessageType = "playback.start"  // 开始朗读
	MsgPlaybackEnd    MessageType = "playback.end"    // 朗读完成
	MsgPlaybackError  MessageType = "playback.error"  // 朗读失败或被打断
	MsgPlaybackVoices MessageType = "playback.voices" // 可用音色变化

	// 网关 -> 客户端
	MsgState          MessageType = "state"
	MsgCaptureStart   MessageType = "capture.start"
	MsgCaptureStop    MessageType = "capture.stop"
	MsgPlaybackSpeak  MessageType = "playback.speak"
	MsgPlaybackCancel MessageType = "playback.cancel"
	MsgError          MessageType = "error"
)

// ClientMessage 客户端发送给网关的消息（WebSocket文本帧）
type ClientMessage struct {
	Type    MessageType `json:"type"`
	EventID string      `json:"event_id,omitempty"`

	// hello
	CaptureAvailable bool             `json:"capture_available,omitempty"`
	Voices           []playback.Voice `json:"voices,omitempty"`

	Action string `json:"action,omitempty"`

	// capture.*
	Text    string `json:"text,omitempty"`
	Final   bool   `json:"final,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// playback.*
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`

	ClientTS time.Time `json:"client_ts,omitempty"`
}

// ServerMessage 网关发送给客户端的消息
type ServerMessage struct {
	Type MessageType `json:"type"`
	Seq  int64       `json:"seq,omitempty"`

	State *model.SessionState `json:"state,omitempty"`
	// capture.start 的参数平铺在消息上
	*capture.Settings
	Utterance *playback.Utterance `json:"utterance,omitempty"`

	ServerTS time.Time `json:"server_ts"`
	Error    string    `json:"error,omitempty"`
}

package model

import "time"

// ConnectionState 连接管理器状态
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
	StateFailed       ConnectionState = "failed" // 重试次数耗尽, 需调用方手动 Connect
)

func (s ConnectionState) String() string {
	return string(s)
}

// ConnectionHealth 连接健康度快照
type ConnectionHealth struct {
	State             ConnectionState `json:"state"`
	SessionID         string          `json:"session_id,omitempty"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	MessagesReceived  int64           `json:"messages_received"`
	PriceUpdates      int64           `json:"price_updates"`
	ServerErrors      int64           `json:"server_errors"`
	MalformedFrames   int64           `json:"malformed_frames"`
	DroppedUpdates    int64           `json:"dropped_updates"`
	LastMessageAt     time.Time       `json:"last_message_at"`
	LastPongAt        time.Time       `json:"last_pong_at"`
}

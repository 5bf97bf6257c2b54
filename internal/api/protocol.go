package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// AuthFrame 连接建立后发送的鉴权消息 (失败不影响公共频道)
type AuthFrame struct {
	Action    string `json:"action"`
	APIKey    string `json:"api_key"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// SubscribeFrame ticker 频道的分批订阅消息
type SubscribeFrame struct {
	Action    string   `json:"action"`
	Channel   string   `json:"channel"`
	Symbols   []string `json:"symbols"`
	Timestamp int64    `json:"timestamp"`
}

// ControlFrame ping/pong 心跳
type ControlFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// SignAuth 签名 = hex(HMAC-SHA256(secret, "<timestamp><api_key>"))
func SignAuth(apiKey, secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10) + apiKey))
	return hex.EncodeToString(mac.Sum(nil))
}

func newAuthFrame(apiKey, secret string, timestamp int64) AuthFrame {
	return AuthFrame{
		Action:    "auth",
		APIKey:    apiKey,
		Timestamp: timestamp,
		Signature: SignAuth(apiKey, secret, timestamp),
	}
}

// batchSymbols 按固定大小切分订阅列表
func batchSymbols(symbols []string, size int) [][]string {
	if size <= 0 {
		size = len(symbols)
	}
	var batches [][]string
	for start := 0; start < len(symbols); start += size {
		end := min(start+size, len(symbols))
		batches = append(batches, symbols[start:end])
	}
	return batches
}

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"market-data-pipeline/internal/model"
)

var (
	ErrMissingPrice  = errors.New("missing or invalid price")
	ErrMissingSymbol = errors.New("missing symbol")
)

// RawPriceMap 原始行情字段 (WebSocket data 或 REST 响应)
type RawPriceMap map[string]any

// FrameKind 入站消息类型
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FramePrice
	FrameAuth
	FrameSubscription
	FramePing
	FramePong
	FrameError
)

// ParsedFrame 解析后的入站消息
type ParsedFrame struct {
	Kind     FrameKind
	Type     string
	Updates  []model.PriceUpdate
	Rejected int // 价格类消息中无法归一化的条目数
	Message  string
}

var (
	priceKeys         = []string{"price", "last", "c"}
	changeKeys        = []string{"change", "change_24h"}
	changePercentKeys = []string{"change_percent", "changePercent", "change_percent_24h"}
	volumeKeys        = []string{"volume", "volume_24h", "v"}
	highKeys          = []string{"high", "high_24h", "h"}
	lowKeys           = []string{"low", "low_24h", "l"}
	bidKeys           = []string{"bid", "b"}
	askKeys           = []string{"ask", "a"}
	symbolKeys        = []string{"symbol", "s"}
)

// ParseFrame 按 type 字段分派入站 JSON 消息
func ParseFrame(raw []byte, receivedAt time.Time, source string) (ParsedFrame, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var envelope map[string]any
	if err := dec.Decode(&envelope); err != nil {
		return ParsedFrame{}, fmt.Errorf("unparsable frame: %w", err)
	}

	frameType, _ := envelope["type"].(string)
	frame := ParsedFrame{Type: frameType, Message: stringField(envelope, "message", "msg", "status")}

	switch strings.ToLower(frameType) {
	case "ticker", "price", "price_update":
		frame.Kind = FramePrice
	case "auth", "auth_response":
		frame.Kind = FrameAuth
		return frame, nil
	case "subscribed", "subscription":
		frame.Kind = FrameSubscription
		return frame, nil
	case "ping":
		frame.Kind = FramePing
		return frame, nil
	case "pong":
		frame.Kind = FramePong
		return frame, nil
	case "error":
		frame.Kind = FrameError
		return frame, nil
	default:
		frame.Kind = FrameUnknown
		return frame, nil
	}

	envelopeSymbol := stringField(envelope, symbolKeys...)
	for _, item := range priceItems(envelope) {
		update, err := Normalize(envelopeSymbol, item, receivedAt, source)
		if err != nil {
			frame.Rejected++
			continue
		}
		frame.Updates = append(frame.Updates, update)
	}
	return frame, nil
}

// priceItems data 可以是对象、对象数组, 或缺失 (字段直接在信封上)
func priceItems(envelope map[string]any) []RawPriceMap {
	switch data := envelope["data"].(type) {
	case map[string]any:
		return []RawPriceMap{data}
	case []any:
		items := make([]RawPriceMap, 0, len(data))
		for _, v := range data {
			if m, ok := v.(map[string]any); ok {
				items = append(items, m)
			}
		}
		return items
	case nil:
		return []RawPriceMap{envelope}
	default:
		return nil
	}
}

// Normalize 将原始字段转换为 PriceUpdate
// 缺失或无法解析的可选字段为 nil; 价格缺失返回 ErrMissingPrice
func Normalize(symbol string, raw RawPriceMap, receivedAt time.Time, source string) (model.PriceUpdate, error) {
	if s := stringField(raw, symbolKeys...); s != "" {
		symbol = s
	}
	if symbol == "" {
		return model.PriceUpdate{}, ErrMissingSymbol
	}

	price := numberField(raw, priceKeys...)
	if price == nil {
		return model.PriceUpdate{}, fmt.Errorf("%s: %w", symbol, ErrMissingPrice)
	}

	return model.PriceUpdate{
		Symbol:           symbol,
		Price:            *price,
		Change24h:        numberField(raw, changeKeys...),
		ChangePercent24h: numberField(raw, changePercentKeys...),
		Volume24h:        numberField(raw, volumeKeys...),
		High24h:          numberField(raw, highKeys...),
		Low24h:           numberField(raw, lowKeys...),
		Bid:              numberField(raw, bidKeys...),
		Ask:              numberField(raw, askKeys...),
		Timestamp:        receivedAt,
		Source:           source,
	}, nil
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func numberField(m map[string]any, keys ...string) *float64 {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		return toFloat(v)
	}
	return nil
}

// toFloat 接受 JSON 数字或十进制字符串
func toFloat(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return nil
		}
		f = d.InexactFloat64()
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return nil
		}
		f = d.InexactFloat64()
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

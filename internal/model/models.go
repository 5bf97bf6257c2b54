package model

import "time"

// PriceUpdate 代表接入边界上归一化后的行情更新 (一次性, 不直接持久化)
// 可选字段为 nil 表示消息中缺失或无法解析
type PriceUpdate struct {
	Symbol           string
	Price            float64
	Change24h        *float64
	ChangePercent24h *float64
	Volume24h        *float64
	High24h          *float64
	Low24h           *float64
	Bid              *float64
	Ask              *float64
	Timestamp        time.Time // 接收时间
	Source           string    // 来源标记, 例如 "ws", "rest"
}

// PricePoint 价格历史采样点
type PricePoint struct {
	Price     float64   `json:"price" msgpack:"price"`
	Volume    float64   `json:"volume" msgpack:"volume"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// CandleData 代表固定周期的 OHLCV K 线
type CandleData struct {
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"` // 周期起始时间
	Open      float64   `json:"open" msgpack:"open"`
	High      float64   `json:"high" msgpack:"high"`
	Low       float64   `json:"low" msgpack:"low"`
	Close     float64   `json:"close" msgpack:"close"`
	Volume    float64   `json:"volume" msgpack:"volume"`
}

// MarketStats 全市场统计快照, 以 stats 类型写入缓存
type MarketStats struct {
	TrackedSymbols       int       `json:"tracked_symbols" msgpack:"tracked_symbols"`
	Advancers            int       `json:"advancers" msgpack:"advancers"`
	Decliners            int       `json:"decliners" msgpack:"decliners"`
	TotalVolume24h       float64   `json:"total_volume_24h" msgpack:"total_volume_24h"`
	AverageChangePercent float64   `json:"average_change_percent" msgpack:"average_change_percent"`
	TopGainer            string    `json:"top_gainer,omitempty" msgpack:"top_gainer"`
	TopLoser             string    `json:"top_loser,omitempty" msgpack:"top_loser"`
	GeneratedAt          time.Time `json:"generated_at" msgpack:"generated_at"`
}

// Indicators 基于价格历史计算的技术指标
type Indicators struct {
	Symbol     string  `json:"symbol"`
	SMA        float64 `json:"sma"`
	RSI        float64 `json:"rsi"`
	Volatility float64 `json:"volatility"`
	Samples    int     `json:"samples"`
}

// CacheStats 缓存命中率和容量观测
type CacheStats struct {
	Hits              int64   `json:"hits"`
	Misses            int64   `json:"misses"`
	Writes            int64   `json:"writes"`
	HitRatio          float64 `json:"hit_ratio"`
	MemoryEntries     int     `json:"memory_entries"`
	PersistentEntries int     `json:"persistent_entries"` // 最近一次清理时的数量, -1 表示未知
	EstimatedBytes    int64   `json:"estimated_bytes"`
	PersistErrors     int64   `json:"persist_errors"`
}

// PipelineStats 由统计定时器周期性推送
type PipelineStats struct {
	TrackedSymbols   int              `json:"tracked_symbols"`
	TotalUpdates     int64            `json:"total_updates"`
	UpdatesPerSecond float64          `json:"updates_per_second"`
	InvalidUpdates   int64            `json:"invalid_updates"`
	FetchErrors      int64            `json:"fetch_errors"`
	DroppedEmissions int64            `json:"dropped_emissions"`
	Cache            CacheStats       `json:"cache"`
	Connection       ConnectionHealth `json:"connection"`
	Timestamp        time.Time        `json:"timestamp"`
}

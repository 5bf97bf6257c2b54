package model

import (
	"math"
	"time"
)

// CandleOutcome 描述一次 Apply 对 K 线序列的影响
type CandleOutcome int

const (
	CandleExtended CandleOutcome = iota // 落在当前周期内, 原地更新
	CandleOpened                        // 开启了新的周期
	CandleLate                          // 早于当前周期, 丢弃
)

// CandleAggregator K 线聚合器 (根据价格更新聚合特定周期的 OHLCV)
// 非并发安全, 由所属 Symbol 的锁保护
type CandleAggregator struct {
	Interval time.Duration
	history  *Ring[CandleData]
}

func NewCandleAggregator(interval time.Duration, capacity int) *CandleAggregator {
	return &CandleAggregator{
		Interval: interval,
		history:  NewRing[CandleData](capacity),
	}
}

// BucketStart 将时间戳对齐到周期起点 (5m 周期从 :00, :05, :10 ... 开始)
// 与服务启动时间无关, 所有消费者得到相同的周期边界
func BucketStart(ts time.Time, interval time.Duration) time.Time {
	return ts.Truncate(interval)
}

// Apply 将一次价格更新聚合到当前 K 线
func (agg *CandleAggregator) Apply(ts time.Time, price, volume float64) CandleOutcome {
	start := BucketStart(ts, agg.Interval)

	current, ok := agg.history.Last()
	if ok && start.Equal(current.Timestamp) {
		// 更新 OHLCV
		current.Close = price
		current.High = math.Max(current.High, price)
		current.Low = math.Min(current.Low, price)
		current.Volume += volume
		return CandleExtended
	}
	if ok && start.Before(current.Timestamp) {
		return CandleLate
	}

	// 新周期: 上一根 K 线从此不再修改
	agg.history.Push(CandleData{
		Timestamp: start,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    volume,
	})
	return CandleOpened
}

// Current 返回正在构建的 K 线
func (agg *CandleAggregator) Current() (CandleData, bool) {
	c, ok := agg.history.Last()
	if !ok {
		return CandleData{}, false
	}
	return *c, true
}

// History 按时间顺序返回最近 limit 根 K 线
func (agg *CandleAggregator) History(limit int) []CandleData {
	return agg.history.Tail(limit)
}

// Len 已记录的 K 线数量
func (agg *CandleAggregator) Len() int {
	return agg.history.Len()
}

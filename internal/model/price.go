package model

import "time"

// AggregatedPriceData 每个 Symbol 唯一的聚合行情
// 只通过 MergePriceUpdate 生成新值, 不在原地部分修改
type AggregatedPriceData struct {
	Symbol           string    `json:"symbol" msgpack:"symbol"`
	Price            float64   `json:"price" msgpack:"price"`
	Change24h        float64   `json:"change_24h" msgpack:"change_24h"`
	ChangePercent24h float64   `json:"change_percent_24h" msgpack:"change_percent_24h"`
	Volume24h        float64   `json:"volume_24h" msgpack:"volume_24h"`
	High24h          float64   `json:"high_24h" msgpack:"high_24h"`
	Low24h           float64   `json:"low_24h" msgpack:"low_24h"`
	Bid              *float64  `json:"bid,omitempty" msgpack:"bid"`
	Ask              *float64  `json:"ask,omitempty" msgpack:"ask"`
	LastUpdate       time.Time `json:"last_update" msgpack:"last_update"`
	Source           string    `json:"source" msgpack:"source"`
	UpdateCount      int64     `json:"update_count" msgpack:"update_count"`
}

// MergePriceUpdate 创建或合并: prev 为 nil 时新建, 否则在副本上合并
// 更新中缺失的字段保留旧值, 不会被覆盖为空
func MergePriceUpdate(prev *AggregatedPriceData, u PriceUpdate) AggregatedPriceData {
	var next AggregatedPriceData
	if prev != nil {
		next = *prev
		next.Bid = copyFloat(prev.Bid)
		next.Ask = copyFloat(prev.Ask)
	}

	next.Symbol = u.Symbol
	next.Price = u.Price
	if u.Change24h != nil {
		next.Change24h = *u.Change24h
	}
	if u.ChangePercent24h != nil {
		next.ChangePercent24h = *u.ChangePercent24h
	}
	if u.Volume24h != nil {
		next.Volume24h = *u.Volume24h
	}
	if u.High24h != nil {
		next.High24h = *u.High24h
	}
	if u.Low24h != nil {
		next.Low24h = *u.Low24h
	}
	if u.Bid != nil {
		next.Bid = copyFloat(u.Bid)
	}
	if u.Ask != nil {
		next.Ask = copyFloat(u.Ask)
	}
	if !u.Timestamp.IsZero() {
		next.LastUpdate = u.Timestamp
	}
	if u.Source != "" {
		next.Source = u.Source
	}
	next.UpdateCount++
	return next
}

// Spread 买卖价差, bid/ask 任一缺失时 ok 为 false
func (d AggregatedPriceData) Spread() (spread float64, ok bool) {
	if d.Bid == nil || d.Ask == nil {
		return 0, false
	}
	return *d.Ask - *d.Bid, true
}

// SpreadPercent 价差相对最新价的百分比
func (d AggregatedPriceData) SpreadPercent() (float64, bool) {
	spread, ok := d.Spread()
	if !ok || d.Price <= 0 {
		return 0, false
	}
	return spread / d.Price * 100, true
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Float 返回 v 的指针, 便于构造可选字段
func Float(v float64) *float64 {
	return &v
}

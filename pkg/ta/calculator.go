package ta

import (
	"github.com/markcheno/go-talib"

	"market-data-pipeline/internal/model"
)

// Calculator 基于价格序列计算技术指标
// 序列长度不足时返回 0, 不会把过短的输入交给 talib
type Calculator struct {
	SMAPeriod        int
	RSIPeriod        int
	VolatilityPeriod int
}

// NewCalculator 初始化技术指标计算器 (MA20, RSI14, 20 期波动率)
func NewCalculator() *Calculator {
	return &Calculator{
		SMAPeriod:        20,
		RSIPeriod:        14,
		VolatilityPeriod: 20,
	}
}

// Volatility 最近 periods 个价格的总体标准差, 样本不足 periods 时使用全部样本
// 少于 2 个样本返回 0
func (tc *Calculator) Volatility(prices []float64, periods int) float64 {
	if periods <= 0 {
		periods = tc.VolatilityPeriod
	}
	n := min(periods, len(prices))
	if n < 2 {
		return 0
	}

	window := prices[len(prices)-n:]
	out := talib.StdDev(window, n, 1)
	return out[len(out)-1]
}

// SMA 最新的简单移动平均, 样本不足返回 0
func (tc *Calculator) SMA(prices []float64) float64 {
	if tc.SMAPeriod <= 0 || len(prices) < tc.SMAPeriod {
		return 0
	}
	out := talib.Sma(prices, tc.SMAPeriod)
	return out[len(out)-1]
}

// RSI 最新的相对强弱指数, 需要至少 period+1 个样本
func (tc *Calculator) RSI(prices []float64) float64 {
	if tc.RSIPeriod <= 1 || len(prices) <= tc.RSIPeriod {
		return 0
	}
	out := talib.Rsi(prices, tc.RSIPeriod)
	return out[len(out)-1]
}

// Indicators 集中计算所有指标
func (tc *Calculator) Indicators(symbol string, prices []float64) model.Indicators {
	return model.Indicators{
		Symbol:     symbol,
		SMA:        tc.SMA(prices),
		RSI:        tc.RSI(prices),
		Volatility: tc.Volatility(prices, tc.VolatilityPeriod),
		Samples:    len(prices),
	}
}

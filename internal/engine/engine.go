package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"market-data-pipeline/internal/api"
	"market-data-pipeline/internal/model"
	"market-data-pipeline/internal/service"
	"market-data-pipeline/pkg/ta"
)

var (
	ErrInvalidPrice  = errors.New("invalid price")
	ErrNoFetcher     = errors.New("no ticker fetcher configured")
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrClosed        = errors.New("engine closed")
)

// MarketStatsKey 全市场统计在缓存中的名称
const MarketStatsKey = "market"

// PriceCache 引擎依赖的缓存操作, *cache.Tiered 满足该接口
type PriceCache interface {
	CachePriceData(ctx context.Context, data model.AggregatedPriceData)
	GetCachedPriceData(ctx context.Context, symbol string) (model.AggregatedPriceData, bool)
	CacheMarketStats(ctx context.Context, name string, stats model.MarketStats)
	CacheHistoricalData(ctx context.Context, symbol, interval string, candles []model.CandleData)
	LoadPersistedPrices(ctx context.Context) []model.AggregatedPriceData
	PreloadPopularPairs(ctx context.Context, symbols []string) int
	Stats(ctx context.Context) model.CacheStats
}

// HealthReporter 连接健康度来源, *api.Connector 满足该接口
type HealthReporter interface {
	Health() model.ConnectionHealth
}

// Options 聚合引擎参数
type Options struct {
	CandleInterval      time.Duration
	HistoryCapacity     int
	ThrottleInterval    time.Duration
	AllPricesSampleRate float64
	StatisticsInterval  time.Duration
	SnapshotInterval    time.Duration
	RefreshConcurrency  int
	StreamBuffer        int
}

func DefaultOptions() Options {
	return Options{
		CandleInterval:      5 * time.Minute,
		HistoryCapacity:     1000,
		ThrottleInterval:    100 * time.Millisecond,
		AllPricesSampleRate: 0.1,
		StatisticsInterval:  time.Second,
		SnapshotInterval:    time.Minute,
		RefreshConcurrency:  8,
		StreamBuffer:        64,
	}
}

func OptionsFromConfig(cfg service.AggregationConfig) Options {
	return Options{
		CandleInterval:      cfg.CandleInterval,
		HistoryCapacity:     cfg.HistoryCapacity,
		ThrottleInterval:    cfg.ThrottleInterval,
		AllPricesSampleRate: cfg.AllPricesSampleRate,
		StatisticsInterval:  cfg.StatisticsInterval,
		SnapshotInterval:    cfg.SnapshotInterval,
		RefreshConcurrency:  cfg.RefreshConcurrency,
		StreamBuffer:        cfg.StreamBuffer,
	}
}

// symbolState 单个 Symbol 的全部可变状态, 读-改-写在 mu 下完成
type symbolState struct {
	mu       sync.Mutex
	data     *model.AggregatedPriceData
	prices   *model.Ring[model.PricePoint]
	candles  *model.CandleAggregator
	stream   *Broadcaster[model.AggregatedPriceData]
	throttle service.Timer
	emitSeq  uint64
}

// Engine 聚合引擎: 合并行情、构建 K 线、维护价格历史并向订阅者推送
type Engine struct {
	opts    Options
	cache   PriceCache
	fetcher api.TickerFetcher
	health  HealthReporter
	sched   service.Scheduler
	logger  *zap.Logger
	calc    *ta.Calculator
	sample  func() float64

	mu      sync.RWMutex
	symbols map[string]*symbolState

	allPrices  *Broadcaster[map[string]model.AggregatedPriceData]
	statistics *Broadcaster[model.PipelineStats]

	totalUpdates   atomic.Int64
	invalidUpdates atomic.Int64
	fetchErrors    atomic.Int64

	statsMu        sync.Mutex
	lastStatsAt    time.Time
	lastStatsTotal int64

	startOnce     sync.Once
	closeOnce     sync.Once
	closed        atomic.Bool
	timersMu      sync.Mutex
	statsTimer    service.Timer
	snapshotTimer service.Timer
}

// NewEngine fetcher 与 health 可以为 nil
func NewEngine(opts Options, cache PriceCache, fetcher api.TickerFetcher, health HealthReporter, sched service.Scheduler, logger *zap.Logger) *Engine {
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = 1000
	}
	if opts.RefreshConcurrency <= 0 {
		opts.RefreshConcurrency = 1
	}

	return &Engine{
		opts:       opts,
		cache:      cache,
		fetcher:    fetcher,
		health:     health,
		sched:      sched,
		logger:     logger,
		calc:       ta.NewCalculator(),
		sample:     rand.Float64,
		symbols:    make(map[string]*symbolState),
		allPrices:  NewBroadcaster[map[string]model.AggregatedPriceData](opts.StreamBuffer),
		statistics: NewBroadcaster[model.PipelineStats](opts.StreamBuffer),
	}
}

// SetSampler 替换全量价格流的采样函数 (返回 [0,1) 的值)
func (e *Engine) SetSampler(fn func() float64) {
	e.sample = fn
}

// Start 启动统计与快照定时器, 重复调用无副作用
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.statsMu.Lock()
		e.lastStatsAt = e.sched.Now()
		e.statsMu.Unlock()

		e.timersMu.Lock()
		defer e.timersMu.Unlock()
		e.statsTimer = e.sched.Every(e.opts.StatisticsInterval, e.emitStatistics)
		if e.opts.SnapshotInterval > 0 {
			e.snapshotTimer = e.sched.Every(e.opts.SnapshotInterval, e.persistSnapshot)
		}
		e.logger.Info("Aggregation engine started",
			zap.Duration("CandleInterval", e.opts.CandleInterval),
			zap.Duration("ThrottleInterval", e.opts.ThrottleInterval))
	})
}

// Run 单一消费者循环, 按接收顺序把行情交给 UpdatePrice
func (e *Engine) Run(ctx context.Context, updates <-chan model.PriceUpdate) error {
	e.Start()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if err := e.UpdatePrice(u.Symbol, u); err != nil {
				e.logger.Debug("Dropping price update", zap.String("Symbol", u.Symbol), zap.Error(err))
			}
		}
	}
}

// UpdatePrice 将一次行情更新合并进 Symbol 状态
// 非正价格被拒绝并计数; 缓存写入与推送都不阻塞调用方
func (e *Engine) UpdatePrice(symbol string, u model.PriceUpdate) error {
	if u.Price <= 0 || math.IsNaN(u.Price) || math.IsInf(u.Price, 0) {
		e.invalidUpdates.Add(1)
		return fmt.Errorf("%s: %w: %v", symbol, ErrInvalidPrice, u.Price)
	}
	if e.closed.Load() {
		return ErrClosed
	}

	u.Symbol = symbol
	if u.Timestamp.IsZero() {
		u.Timestamp = e.sched.Now()
	}
	volume := 0.0
	if u.Volume24h != nil {
		volume = *u.Volume24h
	}

	st := e.state(symbol)

	st.mu.Lock()
	st.prices.Push(model.PricePoint{Price: u.Price, Volume: volume, Timestamp: u.Timestamp})
	merged := model.MergePriceUpdate(st.data, u)
	st.data = &merged
	if st.candles.Apply(u.Timestamp, u.Price, volume) == model.CandleLate {
		e.logger.Debug("Late update ignored by candle aggregator",
			zap.String("Symbol", symbol),
			zap.Time("Timestamp", u.Timestamp))
	}
	e.scheduleEmitLocked(st)
	st.mu.Unlock()

	e.totalUpdates.Add(1)
	e.cache.CachePriceData(context.Background(), merged)

	if e.opts.AllPricesSampleRate > 0 && e.sample() < e.opts.AllPricesSampleRate {
		e.allPrices.Publish(e.snapshot())
	}
	return nil
}

// scheduleEmitLocked 防抖: 取消未触发的推送并重新计时
func (e *Engine) scheduleEmitLocked(st *symbolState) {
	if st.throttle != nil {
		st.throttle.Stop()
	}
	st.emitSeq++
	seq := st.emitSeq
	st.throttle = e.sched.AfterFunc(e.opts.ThrottleInterval, func() { e.emit(st, seq) })
}

func (e *Engine) emit(st *symbolState, seq uint64) {
	st.mu.Lock()
	if seq != st.emitSeq || st.data == nil {
		st.mu.Unlock()
		return
	}
	st.throttle = nil
	data := *st.data
	stream := st.stream
	st.mu.Unlock()

	if stream != nil {
		stream.Publish(data)
	}
}

// state 获取或创建 Symbol 状态
func (e *Engine) state(symbol string) *symbolState {
	e.mu.RLock()
	st, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.symbols[symbol]; ok {
		return st
	}
	st = &symbolState{
		prices:  model.NewRing[model.PricePoint](e.opts.HistoryCapacity),
		candles: model.NewCandleAggregator(e.opts.CandleInterval, e.opts.HistoryCapacity),
	}
	e.symbols[symbol] = st
	return st
}

func (e *Engine) lookup(symbol string) (*symbolState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.symbols[symbol]
	return st, ok
}

func (e *Engine) states() map[string]*symbolState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]*symbolState, len(e.symbols))
	for k, v := range e.symbols {
		out[k] = v
	}
	return out
}

// snapshot 所有已有行情的 Symbol 的当前聚合数据
func (e *Engine) snapshot() map[string]model.AggregatedPriceData {
	out := make(map[string]model.AggregatedPriceData)
	for symbol, st := range e.states() {
		st.mu.Lock()
		if st.data != nil {
			out[symbol] = *st.data
		}
		st.mu.Unlock()
	}
	return out
}

// GetPriceData 同步读取 Symbol 的当前聚合数据
func (e *Engine) GetPriceData(symbol string) (model.AggregatedPriceData, bool) {
	st, ok := e.lookup(symbol)
	if !ok {
		return model.AggregatedPriceData{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.data == nil {
		return model.AggregatedPriceData{}, false
	}
	return *st.data, true
}

// GetPriceStream 订阅 Symbol 的节流推送, 流在首次订阅时创建
func (e *Engine) GetPriceStream(symbol string) *Subscription[model.AggregatedPriceData] {
	st := e.state(symbol)
	st.mu.Lock()
	if st.stream == nil {
		st.stream = NewBroadcaster[model.AggregatedPriceData](e.opts.StreamBuffer)
		if e.closed.Load() {
			st.stream.Close()
		}
	}
	stream := st.stream
	st.mu.Unlock()
	return stream.Subscribe()
}

// GetAllPricesStream 订阅按采样率推送的全量价格快照
func (e *Engine) GetAllPricesStream() *Subscription[map[string]model.AggregatedPriceData] {
	return e.allPrices.Subscribe()
}

// GetStatisticsStream 订阅周期性统计快照
func (e *Engine) GetStatisticsStream() *Subscription[model.PipelineStats] {
	return e.statistics.Subscribe()
}

// GetCandleHistory 按时间顺序返回最近 limit 根 K 线 (含正在构建的一根), limit <= 0 返回全部
func (e *Engine) GetCandleHistory(symbol string, limit int) []model.CandleData {
	st, ok := e.lookup(symbol)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.candles.History(limit)
}

// GetPriceHistory 按时间顺序返回最近 limit 个价格点, limit <= 0 返回全部
func (e *Engine) GetPriceHistory(symbol string, limit int) []model.PricePoint {
	st, ok := e.lookup(symbol)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.prices.Tail(limit)
}

func (e *Engine) recentPrices(symbol string, limit int) []float64 {
	points := e.GetPriceHistory(symbol, limit)
	prices := make([]float64, len(points))
	for i, p := range points {
		prices[i] = p.Price
	}
	return prices
}

// CalculateVolatility 最近 periods 个价格的总体标准差, periods <= 0 时取 20
func (e *Engine) CalculateVolatility(symbol string, periods int) float64 {
	if periods <= 0 {
		periods = e.calc.VolatilityPeriod
	}
	return e.calc.Volatility(e.recentPrices(symbol, periods), periods)
}

// GetIndicators 基于已记录价格计算 SMA/RSI/波动率
func (e *Engine) GetIndicators(symbol string) (model.Indicators, error) {
	if _, ok := e.lookup(symbol); !ok {
		return model.Indicators{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	return e.calc.Indicators(symbol, e.recentPrices(symbol, 0)), nil
}

// GetTopGainers 24h 涨幅最大的前 limit 个 Symbol
func (e *Engine) GetTopGainers(limit int) []model.AggregatedPriceData {
	return e.ranked(limit, func(a, b model.AggregatedPriceData) bool {
		return a.ChangePercent24h > b.ChangePercent24h
	})
}

// GetTopLosers 24h 跌幅最大的前 limit 个 Symbol
func (e *Engine) GetTopLosers(limit int) []model.AggregatedPriceData {
	return e.ranked(limit, func(a, b model.AggregatedPriceData) bool {
		return a.ChangePercent24h < b.ChangePercent24h
	})
}

// GetMostActiveByVolume 24h 成交量最大的前 limit 个 Symbol
func (e *Engine) GetMostActiveByVolume(limit int) []model.AggregatedPriceData {
	return e.ranked(limit, func(a, b model.AggregatedPriceData) bool {
		return a.Volume24h > b.Volume24h
	})
}

// ranked 全量扫描后排序, 相同值按 Symbol 排序保证结果稳定
func (e *Engine) ranked(limit int, less func(a, b model.AggregatedPriceData) bool) []model.AggregatedPriceData {
	snap := e.snapshot()
	out := make([]model.AggregatedPriceData, 0, len(snap))
	for _, d := range snap {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return out[i].Symbol < out[j].Symbol
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MarketStats 当前全市场统计
func (e *Engine) MarketStats() model.MarketStats {
	snap := e.snapshot()
	stats := model.MarketStats{
		TrackedSymbols: len(snap),
		GeneratedAt:    e.sched.Now(),
	}
	if len(snap) == 0 {
		return stats
	}

	var sumChange float64
	var best, worst *model.AggregatedPriceData
	for _, d := range snap {
		switch {
		case d.ChangePercent24h > 0:
			stats.Advancers++
		case d.ChangePercent24h < 0:
			stats.Decliners++
		}
		stats.TotalVolume24h += d.Volume24h
		sumChange += d.ChangePercent24h

		if best == nil || d.ChangePercent24h > best.ChangePercent24h ||
			(d.ChangePercent24h == best.ChangePercent24h && d.Symbol < best.Symbol) {
			best = &d
		}
		if worst == nil || d.ChangePercent24h < worst.ChangePercent24h ||
			(d.ChangePercent24h == worst.ChangePercent24h && d.Symbol < worst.Symbol) {
			worst = &d
		}
	}
	stats.AverageChangePercent = sumChange / float64(len(snap))
	stats.TopGainer = best.Symbol
	stats.TopLoser = worst.Symbol
	return stats
}

// CanRefresh 是否配置了 REST 拉取
func (e *Engine) CanRefresh() bool {
	return e.fetcher != nil
}

// RefreshSymbolData 绕过缓存直接向 REST 接口拉取并走 UpdatePrice
func (e *Engine) RefreshSymbolData(ctx context.Context, symbol string) error {
	if e.fetcher == nil {
		return ErrNoFetcher
	}

	raw, err := e.fetcher.FetchTicker(ctx, symbol)
	if err != nil {
		e.fetchErrors.Add(1)
		return err
	}
	u, err := api.Normalize(symbol, raw, e.sched.Now(), "rest")
	if err != nil {
		e.fetchErrors.Add(1)
		return fmt.Errorf("refresh %s: %w", symbol, err)
	}
	return e.UpdatePrice(symbol, u)
}

// BulkRefreshSymbols 并发刷新, 单个失败不影响其余 Symbol
// 返回失败 Symbol 到错误的映射
func (e *Engine) BulkRefreshSymbols(ctx context.Context, symbols []string) map[string]error {
	var mu sync.Mutex
	failed := make(map[string]error)

	p := pool.New().WithMaxGoroutines(e.opts.RefreshConcurrency)
	for _, symbol := range symbols {
		p.Go(func() {
			if err := e.RefreshSymbolData(ctx, symbol); err != nil {
				mu.Lock()
				failed[symbol] = err
				mu.Unlock()
			}
		})
	}
	p.Wait()

	if len(failed) > 0 {
		e.logger.Warn("Bulk refresh finished with errors",
			zap.Int("Symbols", len(symbols)),
			zap.Int("Failed", len(failed)))
	} else {
		e.logger.Debug("Bulk refresh finished", zap.Int("Symbols", len(symbols)))
	}
	return failed
}

// FetchPriceData 依次查找引擎状态、缓存, 都没有时才向 REST 拉取
func (e *Engine) FetchPriceData(ctx context.Context, symbol string) (model.AggregatedPriceData, error) {
	if data, ok := e.GetPriceData(symbol); ok {
		return data, nil
	}
	if data, ok := e.cache.GetCachedPriceData(ctx, symbol); ok {
		return data, nil
	}
	if err := e.RefreshSymbolData(ctx, symbol); err != nil {
		return model.AggregatedPriceData{}, err
	}
	if data, ok := e.GetPriceData(symbol); ok {
		return data, nil
	}
	return model.AggregatedPriceData{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
}

// Warm 冷启动时用持久层中未过期的价格初始化 Symbol 状态
// 不写入价格历史和 K 线
func (e *Engine) Warm(ctx context.Context) int {
	seeded := 0
	for _, data := range e.cache.LoadPersistedPrices(ctx) {
		if data.Symbol == "" || data.Price <= 0 {
			continue
		}
		st := e.state(data.Symbol)
		st.mu.Lock()
		if st.data == nil {
			d := data
			st.data = &d
			seeded++
		}
		st.mu.Unlock()
	}
	e.logger.Info("Engine warmed from persistent cache", zap.Int("Symbols", seeded))
	return seeded
}

// PreloadPopularPairs 预分配热门 Symbol 的状态并把其缓存条目提升到内存层
func (e *Engine) PreloadPopularPairs(ctx context.Context, symbols []string) int {
	for _, symbol := range symbols {
		e.state(symbol)
	}
	promoted := e.cache.PreloadPopularPairs(ctx, symbols)
	e.logger.Info("Preloaded popular pairs",
		zap.Int("Symbols", len(symbols)),
		zap.Int("Promoted", promoted))
	return promoted
}

// Stats 当前管道统计, 吞吐率按上一次统计推送以来的窗口计算, 调用不影响该窗口
func (e *Engine) Stats() model.PipelineStats {
	return e.stats(false)
}

// stats advanceWindow 为 true 时把吞吐窗口推进到当前时刻, 仅由统计定时器使用
func (e *Engine) stats(advanceWindow bool) model.PipelineStats {
	now := e.sched.Now()
	total := e.totalUpdates.Load()

	e.statsMu.Lock()
	elapsed := now.Sub(e.lastStatsAt).Seconds()
	rate := 0.0
	if elapsed > 0 && !e.lastStatsAt.IsZero() {
		rate = float64(total-e.lastStatsTotal) / elapsed
	}
	if advanceWindow {
		e.lastStatsAt = now
		e.lastStatsTotal = total
	}
	e.statsMu.Unlock()

	tracked := 0
	dropped := e.allPrices.Dropped() + e.statistics.Dropped()
	for _, st := range e.states() {
		st.mu.Lock()
		if st.data != nil {
			tracked++
		}
		if st.stream != nil {
			dropped += st.stream.Dropped()
		}
		st.mu.Unlock()
	}

	stats := model.PipelineStats{
		TrackedSymbols:   tracked,
		TotalUpdates:     total,
		UpdatesPerSecond: rate,
		InvalidUpdates:   e.invalidUpdates.Load(),
		FetchErrors:      e.fetchErrors.Load(),
		DroppedEmissions: dropped,
		Cache:            e.cache.Stats(context.Background()),
		Timestamp:        now,
	}
	if e.health != nil {
		stats.Connection = e.health.Health()
	}
	return stats
}

func (e *Engine) emitStatistics() {
	if e.closed.Load() {
		return
	}
	e.statistics.Publish(e.stats(true))
}

// persistSnapshot 把全市场统计和各 Symbol 的 K 线历史写入缓存
func (e *Engine) persistSnapshot() {
	if e.closed.Load() {
		return
	}
	ctx := context.Background()
	e.cache.CacheMarketStats(ctx, MarketStatsKey, e.MarketStats())

	interval := service.FormatInterval(e.opts.CandleInterval)
	persisted := 0
	for symbol, st := range e.states() {
		st.mu.Lock()
		candles := st.candles.History(0)
		st.mu.Unlock()
		if len(candles) == 0 {
			continue
		}
		e.cache.CacheHistoricalData(ctx, symbol, interval, candles)
		persisted++
	}
	e.logger.Debug("Persisted market snapshot", zap.Int("Symbols", persisted))
}

// Close 停止所有定时器并关闭所有推送流
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)

		e.timersMu.Lock()
		for _, t := range []service.Timer{e.statsTimer, e.snapshotTimer} {
			if t != nil {
				t.Stop()
			}
		}
		e.timersMu.Unlock()

		for _, st := range e.states() {
			st.mu.Lock()
			if st.throttle != nil {
				st.throttle.Stop()
				st.throttle = nil
			}
			st.emitSeq++
			if st.stream != nil {
				st.stream.Close()
			}
			st.mu.Unlock()
		}
		e.allPrices.Close()
		e.statistics.Close()
		e.logger.Info("Aggregation engine closed")
	})
}

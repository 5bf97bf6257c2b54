package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"market-data-pipeline/internal/model"
	"market-data-pipeline/internal/service"
)

const (
	pricePrefix      = "price:"
	statsPrefix      = "stats:"
	historicalPrefix = "historical:"
)

// Options 两级缓存参数
type Options struct {
	MemoryCapacity   int
	CleanupThreshold int
	PriceTTL         time.Duration
	StatsTTL         time.Duration
	HistoricalTTL    time.Duration
	WriteConcurrency int
}

// DefaultOptions 内存层 1000 条 (1200 触发清理), 价格 5m, 统计 1h, 历史 24h
func DefaultOptions() Options {
	return Options{
		MemoryCapacity:   1000,
		CleanupThreshold: 1200,
		PriceTTL:         5 * time.Minute,
		StatsTTL:         time.Hour,
		HistoricalTTL:    24 * time.Hour,
		WriteConcurrency: 16,
	}
}

func OptionsFromConfig(cfg service.CacheConfig) Options {
	return Options{
		MemoryCapacity:   cfg.MemoryCapacity,
		CleanupThreshold: cfg.CleanupThreshold,
		PriceTTL:         cfg.PriceTTL,
		StatsTTL:         cfg.StatsTTL,
		HistoricalTTL:    cfg.HistoricalTTL,
		WriteConcurrency: cfg.WriteConcurrency,
	}
}

// Tiered 内存 LRU + 带 TTL 的持久层
// 持久层的任何错误都降级为未命中或尽力写入, 不会传播给调用方
type Tiered struct {
	memory *LRU
	store  Store
	clock  service.Clock
	opts   Options
	logger *zap.Logger

	hits          atomic.Int64
	misses        atomic.Int64
	writes        atomic.Int64
	persistErrors atomic.Int64
	// 持久层条目数快照, 由清理任务刷新, -1 表示未知
	persisted atomic.Int64

	// 待写入持久层的条目, 同一键只保留最新值
	wmu      sync.Mutex
	dirty    map[string]string
	flushing bool
	pending  conc.WaitGroup
}

func NewTiered(store Store, clock service.Clock, opts Options, logger *zap.Logger) *Tiered {
	if opts.WriteConcurrency <= 0 {
		opts.WriteConcurrency = 1
	}
	c := &Tiered{
		memory: NewLRU(opts.MemoryCapacity, opts.CleanupThreshold),
		store:  store,
		clock:  clock,
		opts:   opts,
		logger: logger.With(zap.String("Component", "cache")),
		dirty:  make(map[string]string),
	}
	c.persisted.Store(-1)
	return c
}

func PriceKey(symbol string) string { return pricePrefix + symbol }

func StatsKey(name string) string { return statsPrefix + name }

func HistoricalKey(symbol, interval string) string {
	return historicalPrefix + symbol + ":" + interval
}

// CachePriceData 写入价格数据
func (c *Tiered) CachePriceData(ctx context.Context, data model.AggregatedPriceData) {
	c.write(ctx, PriceKey(data.Symbol), model.KindPrice, c.opts.PriceTTL, data)
}

// GetCachedPriceData 读取价格数据, ok 为 false 表示未缓存
func (c *Tiered) GetCachedPriceData(ctx context.Context, symbol string) (model.AggregatedPriceData, bool) {
	var data model.AggregatedPriceData
	ok := c.read(ctx, PriceKey(symbol), &data)
	return data, ok
}

func (c *Tiered) CacheMarketStats(ctx context.Context, name string, stats model.MarketStats) {
	c.write(ctx, StatsKey(name), model.KindStats, c.opts.StatsTTL, stats)
}

func (c *Tiered) GetCachedMarketStats(ctx context.Context, name string) (model.MarketStats, bool) {
	var stats model.MarketStats
	ok := c.read(ctx, StatsKey(name), &stats)
	return stats, ok
}

func (c *Tiered) CacheHistoricalData(ctx context.Context, symbol, interval string, candles []model.CandleData) {
	c.write(ctx, HistoricalKey(symbol, interval), model.KindHistorical, c.opts.HistoricalTTL, candles)
}

func (c *Tiered) GetCachedHistoricalData(ctx context.Context, symbol, interval string) ([]model.CandleData, bool) {
	var candles []model.CandleData
	ok := c.read(ctx, HistoricalKey(symbol, interval), &candles)
	return candles, ok
}

// BatchCachePriceData 并发写入多条价格数据
func (c *Tiered) BatchCachePriceData(ctx context.Context, items []model.AggregatedPriceData) {
	p := pool.New().WithMaxGoroutines(c.opts.WriteConcurrency)
	for _, item := range items {
		p.Go(func() {
			c.CachePriceData(ctx, item)
		})
	}
	p.Wait()
}

// LoadPersistedPrices 冷启动时读取持久层中所有未过期的价格数据 (命中会提升到内存层)
func (c *Tiered) LoadPersistedPrices(ctx context.Context) []model.AggregatedPriceData {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		c.persistErrors.Add(1)
		c.logger.Warn("Failed to list persisted keys", zap.Error(err))
		return nil
	}

	var out []model.AggregatedPriceData
	for _, key := range keys {
		if !strings.HasPrefix(key, pricePrefix) {
			continue
		}
		data, ok := c.GetCachedPriceData(ctx, strings.TrimPrefix(key, pricePrefix))
		if ok {
			out = append(out, data)
		}
	}
	return out
}

// PreloadPopularPairs 将热门交易对的持久化条目提前加载到内存层, 返回加载数量
func (c *Tiered) PreloadPopularPairs(ctx context.Context, symbols []string) int {
	warmed := 0
	for _, symbol := range symbols {
		key := PriceKey(symbol)
		if c.memory.Contains(key) {
			continue
		}
		if _, ok := c.loadPersistent(ctx, key); ok {
			warmed++
		}
	}
	c.logger.Debug("Preloaded popular pairs", zap.Int("Requested", len(symbols)), zap.Int("Warmed", warmed))
	return warmed
}

// ClearExpiredEntries 清理两级缓存中的过期条目, 返回清理数量
func (c *Tiered) ClearExpiredEntries(ctx context.Context) int {
	now := c.clock.Now()
	removed := c.memory.RemoveIf(func(e model.CachedEntry) bool {
		return e.IsExpired(now)
	})

	keys, err := c.store.Keys(ctx)
	if err != nil {
		c.persistErrors.Add(1)
		c.persisted.Store(-1)
		c.logger.Warn("Failed to list persisted keys for sweep", zap.Error(err))
		return removed
	}
	remaining := len(keys)
	for _, key := range keys {
		raw, ok, err := c.store.Get(ctx, key)
		if err != nil {
			continue
		}
		if !ok {
			remaining--
			continue
		}
		entry, err := decodeEntry([]byte(raw))
		if err == nil && !entry.IsExpired(now) {
			continue
		}
		if err := c.store.Delete(ctx, key); err != nil {
			c.persistErrors.Add(1)
			continue
		}
		remaining--
		removed++
	}
	c.persisted.Store(int64(remaining))

	c.logger.Debug("Expired cache entries cleared", zap.Int("Removed", removed))
	return removed
}

// ClearAll 清空两级缓存
func (c *Tiered) ClearAll(ctx context.Context) {
	c.wmu.Lock()
	c.dirty = make(map[string]string)
	c.wmu.Unlock()
	c.pending.Wait()

	c.memory.Clear()
	keys, err := c.store.Keys(ctx)
	if err != nil {
		c.persistErrors.Add(1)
		c.persisted.Store(-1)
		c.logger.Warn("Failed to list persisted keys for clear", zap.Error(err))
		return
	}
	remaining := len(keys)
	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil {
			c.persistErrors.Add(1)
			continue
		}
		remaining--
	}
	c.persisted.Store(int64(remaining))
}

// Stats 返回命中率和容量信息, 不访问持久层
// PersistentEntries 为最近一次清理时的条目数
func (c *Tiered) Stats(_ context.Context) model.CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := model.CacheStats{
		Hits:              hits,
		Misses:            misses,
		Writes:            c.writes.Load(),
		MemoryEntries:     c.memory.Len(),
		PersistentEntries: int(c.persisted.Load()),
		EstimatedBytes:    c.memory.Bytes(),
		PersistErrors:     c.persistErrors.Load(),
	}
	if hits+misses > 0 {
		stats.HitRatio = float64(hits) / float64(hits+misses)
	}
	return stats
}

// HitRatio 不访问持久层的快速命中率
func (c *Tiered) HitRatio() float64 {
	hits, misses := c.hits.Load(), c.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// Wait 等待所有异步持久化写入完成
func (c *Tiered) Wait() {
	c.pending.Wait()
}

// Close 刷新待写入条目并关闭持久层
func (c *Tiered) Close() error {
	c.Wait()
	return c.store.Close()
}

func (c *Tiered) write(ctx context.Context, key string, kind model.EntryKind, ttl time.Duration, v any) {
	payload, err := encodePayload(v)
	if err != nil {
		c.persistErrors.Add(1)
		c.logger.Warn("Failed to encode cache payload", zap.String("Key", key), zap.Error(err))
		return
	}
	entry := model.CachedEntry{
		Key:       key,
		Payload:   payload,
		WrittenAt: c.clock.Now(),
		TTL:       ttl,
		Kind:      kind,
	}
	raw, err := encodeEntry(entry)
	if err != nil {
		c.persistErrors.Add(1)
		c.logger.Warn("Failed to encode cache entry", zap.String("Key", key), zap.Error(err))
		return
	}

	c.writes.Add(1)
	c.memory.Put(key, entry, len(raw))
	c.persistAsync(ctx, key, string(raw))
}

func (c *Tiered) read(ctx context.Context, key string, out any) bool {
	entry, ok := c.lookup(ctx, key)
	if ok {
		if err := decodePayload(entry.Payload, out); err != nil {
			c.logger.Debug("Dropping undecodable cache payload", zap.String("Key", key), zap.Error(err))
			c.memory.Delete(key)
			c.deletePersistent(ctx, key)
			ok = false
		}
	}
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return ok
}

// lookup 内存层 -> 持久层 (命中则提升到内存层)
func (c *Tiered) lookup(ctx context.Context, key string) (model.CachedEntry, bool) {
	now := c.clock.Now()
	if entry, ok := c.memory.Get(key); ok {
		if !entry.IsExpired(now) {
			return entry, true
		}
		c.memory.Delete(key)
	}
	return c.loadPersistent(ctx, key)
}

func (c *Tiered) loadPersistent(ctx context.Context, key string) (model.CachedEntry, bool) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.persistErrors.Add(1)
		c.logger.Debug("Persistent cache read failed", zap.String("Key", key), zap.Error(err))
		return model.CachedEntry{}, false
	}
	if !ok {
		return model.CachedEntry{}, false
	}

	entry, err := decodeEntry([]byte(raw))
	if err != nil {
		c.persistErrors.Add(1)
		c.logger.Debug("Persistent cache entry corrupt", zap.String("Key", key), zap.Error(err))
		c.deletePersistent(ctx, key)
		return model.CachedEntry{}, false
	}
	if entry.IsExpired(c.clock.Now()) {
		// 过期条目在访问时惰性删除
		c.deletePersistent(ctx, key)
		return model.CachedEntry{}, false
	}

	c.memory.Put(key, entry, len(raw))
	return entry, true
}

func (c *Tiered) deletePersistent(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.persistErrors.Add(1)
		c.logger.Debug("Persistent cache delete failed", zap.String("Key", key), zap.Error(err))
	}
}

func (c *Tiered) persistAsync(ctx context.Context, key, value string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.dirty[key] = value
	if c.flushing {
		return
	}
	c.flushing = true
	c.pending.Go(func() {
		c.flush(context.WithoutCancel(ctx))
	})
}

func (c *Tiered) flush(ctx context.Context) {
	for {
		c.wmu.Lock()
		if len(c.dirty) == 0 {
			c.flushing = false
			c.wmu.Unlock()
			return
		}
		batch := c.dirty
		c.dirty = make(map[string]string, len(batch))
		c.wmu.Unlock()

		p := pool.New().WithMaxGoroutines(c.opts.WriteConcurrency)
		for key, value := range batch {
			p.Go(func() {
				if err := c.store.Put(ctx, key, value); err != nil {
					c.persistErrors.Add(1)
					c.logger.Debug("Persistent cache write failed", zap.String("Key", key), zap.Error(err))
				}
			})
		}
		p.Wait()
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"market-data-pipeline/internal/api"
	"market-data-pipeline/internal/cache"
	"market-data-pipeline/internal/model"
	"market-data-pipeline/internal/service"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	engine *Engine
	cache  *cache.Tiered
	sched  *service.ManualScheduler
	store  *cache.MemoryStore
}

func newFixture(t *testing.T, fetcher api.TickerFetcher) *fixture {
	t.Helper()
	sched := service.NewManualScheduler(t0)
	store := cache.NewMemoryStore()
	logger := zaptest.NewLogger(t)
	c := cache.NewTiered(store, sched, cache.DefaultOptions(), logger)
	e := NewEngine(DefaultOptions(), c, fetcher, nil, sched, logger)
	e.SetSampler(func() float64 { return 1 })
	t.Cleanup(func() {
		e.Close()
		c.Wait()
	})
	return &fixture{engine: e, cache: c, sched: sched, store: store}
}

func tick(symbol string, price float64, at time.Time) model.PriceUpdate {
	return model.PriceUpdate{Symbol: symbol, Price: price, Timestamp: at, Source: "test"}
}

func TestEndToEndCandleAndVolatility(t *testing.T) {
	f := newFixture(t, nil)
	prices := []float64{100, 102, 98, 105}
	volumes := []float64{1.5, 2, 0.5, 3}

	for i, p := range prices {
		u := tick("BTC-USD", p, t0.Add(time.Duration(i)*time.Minute))
		u.Volume24h = model.Float(volumes[i])
		require.NoError(t, f.engine.UpdatePrice("BTC-USD", u))
	}

	candles := f.engine.GetCandleHistory("BTC-USD", 0)
	require.Len(t, candles, 1)
	c := candles[0]
	assert.True(t, c.Timestamp.Equal(t0))
	assert.Equal(t, 100.0, c.Open)
	assert.Equal(t, 105.0, c.High)
	assert.Equal(t, 98.0, c.Low)
	assert.Equal(t, 105.0, c.Close)
	assert.InDelta(t, 7.0, c.Volume, 1e-9)

	mean := 101.25
	var sum float64
	for _, p := range prices {
		sum += (p - mean) * (p - mean)
	}
	assert.InDelta(t, math.Sqrt(sum/4), f.engine.CalculateVolatility("BTC-USD", 20), 1e-6)
	assert.Zero(t, f.engine.CalculateVolatility("ETH-USD", 20))

	history := f.engine.GetPriceHistory("BTC-USD", 2)
	require.Len(t, history, 2)
	assert.Equal(t, 98.0, history[0].Price)
	assert.Equal(t, 105.0, history[1].Price)

	data, ok := f.engine.GetPriceData("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, 105.0, data.Price)
	assert.Equal(t, int64(4), data.UpdateCount)
	assert.Equal(t, 3.0, data.Volume24h)
}

func TestCandleBucketsAlignToInterval(t *testing.T) {
	f := newFixture(t, nil)
	for _, at := range []time.Time{
		t0.Add(2 * time.Minute),
		t0.Add(4*time.Minute + 59*time.Second),
		t0.Add(5 * time.Minute),
	} {
		require.NoError(t, f.engine.UpdatePrice("ETH-USD", tick("ETH-USD", 10, at)))
	}

	candles := f.engine.GetCandleHistory("ETH-USD", 0)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].Timestamp.Equal(t0))
	assert.True(t, candles[1].Timestamp.Equal(t0.Add(5*time.Minute)))
	assert.Len(t, f.engine.GetCandleHistory("ETH-USD", 1), 1)
}

func TestMergeKeepsAbsentFields(t *testing.T) {
	f := newFixture(t, nil)

	first := tick("SOL-USD", 150, t0)
	first.Bid = model.Float(149.9)
	first.ChangePercent24h = model.Float(3.5)
	require.NoError(t, f.engine.UpdatePrice("SOL-USD", first))
	require.NoError(t, f.engine.UpdatePrice("SOL-USD", tick("SOL-USD", 151, t0.Add(time.Second))))

	data, ok := f.engine.GetPriceData("SOL-USD")
	require.True(t, ok)
	assert.Equal(t, 151.0, data.Price)
	require.NotNil(t, data.Bid)
	assert.Equal(t, 149.9, *data.Bid)
	assert.Equal(t, 3.5, data.ChangePercent24h)
}

func TestInvalidPriceRejected(t *testing.T) {
	f := newFixture(t, nil)

	for _, p := range []float64{0, -1, math.NaN()} {
		err := f.engine.UpdatePrice("BTC-USD", tick("BTC-USD", p, t0))
		assert.True(t, errors.Is(err, ErrInvalidPrice))
	}
	_, ok := f.engine.GetPriceData("BTC-USD")
	assert.False(t, ok)
	assert.Equal(t, int64(3), f.engine.Stats().InvalidUpdates)
	assert.Empty(t, f.engine.GetPriceHistory("BTC-USD", 0))
}

func TestThrottleCoalescesBursts(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.engine.GetPriceStream("BTC-USD")

	// 100ms 内 50 次更新
	for i := 1; i <= 50; i++ {
		require.NoError(t, f.engine.UpdatePrice("BTC-USD", tick("BTC-USD", float64(100+i), f.sched.Now())))
		f.sched.Advance(2 * time.Millisecond)
	}
	assert.Empty(t, sub.C)

	f.sched.Advance(100 * time.Millisecond)
	require.Len(t, sub.C, 1)
	got := <-sub.C
	assert.Equal(t, 150.0, got.Price)
	assert.Equal(t, int64(50), got.UpdateCount)

	f.sched.Advance(time.Second)
	assert.Empty(t, sub.C)
}

func TestPriceStreamBroadcastsWithoutReplay(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.engine.UpdatePrice("ETH-USD", tick("ETH-USD", 1, t0)))
	f.sched.Advance(100 * time.Millisecond)

	a := f.engine.GetPriceStream("ETH-USD")
	b := f.engine.GetPriceStream("ETH-USD")
	assert.Empty(t, a.C)

	require.NoError(t, f.engine.UpdatePrice("ETH-USD", tick("ETH-USD", 2, t0)))
	f.sched.Advance(100 * time.Millisecond)

	assert.Equal(t, 2.0, (<-a.C).Price)
	assert.Equal(t, 2.0, (<-b.C).Price)

	b.Unsubscribe()
	_, open := <-b.C
	assert.False(t, open)

	f.engine.Close()
	_, open = <-a.C
	assert.False(t, open)
}

func TestAllPricesStreamSampling(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.engine.GetAllPricesStream()

	draws := []float64{0.05, 0.5, 0.99, 0.09}
	i := 0
	f.engine.SetSampler(func() float64 {
		v := draws[i%len(draws)]
		i++
		return v
	})

	for n, symbol := range []string{"A", "B", "C", "D"} {
		require.NoError(t, f.engine.UpdatePrice(symbol, tick(symbol, float64(n+1), t0)))
	}

	// 只有 0.05 和 0.09 低于 0.1
	require.Len(t, sub.C, 2)
	first := <-sub.C
	assert.Len(t, first, 1)
	second := <-sub.C
	assert.Len(t, second, 4)
	assert.Equal(t, 4.0, second["D"].Price)
}

func TestStatisticsTimer(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.Start()
	sub := f.engine.GetStatisticsStream()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.engine.UpdatePrice("BTC-USD", tick("BTC-USD", 100, t0)))
	}
	_ = f.engine.UpdatePrice("BTC-USD", tick("BTC-USD", -5, t0))
	require.NoError(t, f.engine.UpdatePrice("ETH-USD", tick("ETH-USD", 10, t0)))

	f.sched.Advance(time.Second)
	require.Len(t, sub.C, 1)
	stats := <-sub.C
	assert.Equal(t, 2, stats.TrackedSymbols)
	assert.Equal(t, int64(4), stats.TotalUpdates)
	assert.InDelta(t, 4.0, stats.UpdatesPerSecond, 1e-9)
	assert.Equal(t, int64(1), stats.InvalidUpdates)
	assert.Equal(t, int64(4), stats.Cache.Writes)

	// 无更新时仍然推送
	f.sched.Advance(time.Second)
	require.Len(t, sub.C, 1)
	stats = <-sub.C
	assert.Zero(t, stats.UpdatesPerSecond)
}

func TestStatsReadDoesNotResetThroughputWindow(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.Start()
	sub := f.engine.GetStatisticsStream()

	for i := 0; i < 4; i++ {
		require.NoError(t, f.engine.UpdatePrice("BTC-USD", tick("BTC-USD", 100+float64(i), t0)))
	}

	f.sched.Advance(500 * time.Millisecond)
	mid := f.engine.Stats()
	assert.Equal(t, int64(4), mid.TotalUpdates)
	assert.InDelta(t, 8.0, mid.UpdatesPerSecond, 1e-9)
	assert.Empty(t, sub.C)

	f.sched.Advance(500 * time.Millisecond)
	require.Len(t, sub.C, 1)
	stats := <-sub.C
	assert.InDelta(t, 4.0, stats.UpdatesPerSecond, 1e-9)

	// 推送之后读取的窗口从本次推送开始
	f.sched.Advance(250 * time.Millisecond)
	assert.Zero(t, f.engine.Stats().UpdatesPerSecond)
}

func TestRankings(t *testing.T) {
	f := newFixture(t, nil)
	for _, row := range []struct {
		symbol string
		change float64
		volume float64
	}{
		{"A", 5, 100},
		{"B", -3, 900},
		{"C", 12, 50},
		{"D", -8, 300},
	} {
		u := tick(row.symbol, 1, t0)
		u.ChangePercent24h = model.Float(row.change)
		u.Volume24h = model.Float(row.volume)
		require.NoError(t, f.engine.UpdatePrice(row.symbol, u))
	}

	symbols := func(rows []model.AggregatedPriceData) []string {
		var out []string
		for _, r := range rows {
			out = append(out, r.Symbol)
		}
		return out
	}
	assert.Equal(t, []string{"C", "A"}, symbols(f.engine.GetTopGainers(2)))
	assert.Equal(t, []string{"D", "B"}, symbols(f.engine.GetTopLosers(2)))
	assert.Equal(t, []string{"B", "D", "A", "C"}, symbols(f.engine.GetMostActiveByVolume(0)))

	ms := f.engine.MarketStats()
	assert.Equal(t, 4, ms.TrackedSymbols)
	assert.Equal(t, 2, ms.Advancers)
	assert.Equal(t, 2, ms.Decliners)
	assert.InDelta(t, 1350.0, ms.TotalVolume24h, 1e-9)
	assert.InDelta(t, 1.5, ms.AverageChangePercent, 1e-9)
	assert.Equal(t, "C", ms.TopGainer)
	assert.Equal(t, "D", ms.TopLoser)
}

// stubFetcher 按 Symbol 返回固定 ticker, 未知 Symbol 返回错误
type stubFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	data  map[string]api.RawPriceMap
}

func (s *stubFetcher) FetchTicker(_ context.Context, symbol string) (api.RawPriceMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[symbol]++
	raw, ok := s.data[symbol]
	if !ok {
		return nil, fmt.Errorf("fetch ticker %s: unexpected status 404", symbol)
	}
	return raw, nil
}

func TestBulkRefreshIsolatesFailures(t *testing.T) {
	fetcher := &stubFetcher{data: map[string]api.RawPriceMap{
		"BTC-USD": {"price": "64000"},
		"ETH-USD": {"last": 3100.0},
		"BAD-USD": {"volume": 1.0},
	}}
	f := newFixture(t, fetcher)

	failed := f.engine.BulkRefreshSymbols(context.Background(), []string{"BTC-USD", "ETH-USD", "BAD-USD", "NOPE"})
	assert.Len(t, failed, 2)
	assert.Contains(t, failed, "NOPE")
	assert.True(t, errors.Is(failed["BAD-USD"], api.ErrMissingPrice))

	btc, ok := f.engine.GetPriceData("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, 64000.0, btc.Price)
	assert.Equal(t, "rest", btc.Source)
	assert.Equal(t, int64(2), f.engine.Stats().FetchErrors)
}

func TestRefreshWithoutFetcher(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.engine.RefreshSymbolData(context.Background(), "BTC-USD"), ErrNoFetcher)
}

func TestFetchPriceDataPrefersStateThenCache(t *testing.T) {
	fetcher := &stubFetcher{data: map[string]api.RawPriceMap{
		"BTC-USD": {"price": 1.0},
		"ETH-USD": {"price": 2.0},
	}}
	f := newFixture(t, fetcher)
	ctx := context.Background()

	f.cache.CachePriceData(ctx, model.AggregatedPriceData{Symbol: "ETH-USD", Price: 99})

	eth, err := f.engine.FetchPriceData(ctx, "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, 99.0, eth.Price)

	btc, err := f.engine.FetchPriceData(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 1.0, btc.Price)

	_, err = f.engine.FetchPriceData(ctx, "BTC-USD")
	require.NoError(t, err)

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	assert.Equal(t, 1, fetcher.calls["BTC-USD"])
	assert.Zero(t, fetcher.calls["ETH-USD"])
}

func TestWarmAndSnapshotPersistence(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.engine.Start()

	require.NoError(t, f.engine.UpdatePrice("BTC-USD", tick("BTC-USD", 100, t0)))
	f.sched.Advance(time.Minute)
	f.cache.Wait()

	stats, ok := f.cache.GetCachedMarketStats(ctx, MarketStatsKey)
	require.True(t, ok)
	assert.Equal(t, 1, stats.TrackedSymbols)

	candles, ok := f.cache.GetCachedHistoricalData(ctx, "BTC-USD", "5m")
	require.True(t, ok)
	require.Len(t, candles, 1)
	assert.Equal(t, 100.0, candles[0].Open)

	// 新引擎从持久层恢复
	logger := zaptest.NewLogger(t)
	fresh := NewEngine(DefaultOptions(), cache.NewTiered(f.store, f.sched, cache.DefaultOptions(), logger), nil, nil, f.sched, logger)
	defer fresh.Close()
	assert.Equal(t, 1, fresh.Warm(ctx))

	data, ok := fresh.GetPriceData("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, 100.0, data.Price)
	assert.Empty(t, fresh.GetPriceHistory("BTC-USD", 0))
}

func TestPreloadPopularPairs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, "unrelated", "x"))

	assert.Zero(t, f.engine.PreloadPopularPairs(ctx, []string{"BTC-USD", "ETH-USD"}))
	_, ok := f.engine.GetPriceData("BTC-USD")
	assert.False(t, ok)
	assert.Zero(t, f.engine.Stats().TrackedSymbols)
}

func TestIndicators(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.GetIndicators("BTC-USD")
	assert.ErrorIs(t, err, ErrUnknownSymbol)

	for i := 0; i < 30; i++ {
		require.NoError(t, f.engine.UpdatePrice("BTC-USD", tick("BTC-USD", float64(100+i), t0)))
	}
	ind, err := f.engine.GetIndicators("BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 30, ind.Samples)
	assert.InDelta(t, 119.5, ind.SMA, 1e-9)
	assert.InDelta(t, 100, ind.RSI, 1e-9)
}

func TestRunConsumesUntilCancelled(t *testing.T) {
	f := newFixture(t, nil)
	updates := make(chan model.PriceUpdate, 4)
	updates <- tick("BTC-USD", 1, t0)
	updates <- tick("BTC-USD", 0, t0)
	updates <- tick("BTC-USD", 2, t0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx, updates) }()

	require.Eventually(t, func() bool {
		d, ok := f.engine.GetPriceData("BTC-USD")
		return ok && d.Price == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, int64(1), f.engine.Stats().InvalidUpdates)
}

func TestUpdateAfterClose(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.Close()
	assert.ErrorIs(t, f.engine.UpdatePrice("BTC-USD", tick("BTC-USD", 1, t0)), ErrClosed)

	sub := f.engine.GetPriceStream("BTC-USD")
	_, open := <-sub.C
	assert.False(t, open)
}

package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"market-data-pipeline/internal/cache"
	"market-data-pipeline/internal/model"
	"market-data-pipeline/internal/service"
)

func testConfig(wsURL, restURL string) *service.Config {
	return &service.Config{
		Exchange: service.ExchangeConfig{
			Name:                 "test",
			WSURL:                wsURL,
			RESTURL:              restURL,
			ConnectTimeout:       time.Second,
			HeartbeatInterval:    30 * time.Second,
			MaxReconnectAttempts: 3,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    30 * time.Second,
			SubscribeBatchSize:   20,
			SubscribeBatchDelay:  time.Millisecond,
			FetchTimeout:         time.Second,
		},
		Symbols: []string{"BTC-USD", "ETH-USD"},
		Popular: []string{"BTC-USD"},
		Aggregation: service.AggregationConfig{
			CandleInterval:      5 * time.Minute,
			HistoryCapacity:     100,
			ThrottleInterval:    100 * time.Millisecond,
			AllPricesSampleRate: 0.1,
			StatisticsInterval:  time.Second,
			SnapshotInterval:    time.Minute,
			RefreshConcurrency:  2,
			UpdateBuffer:        64,
			StreamBuffer:        8,
		},
		Cache: service.CacheConfig{
			Backend:          "memory",
			MemoryCapacity:   100,
			CleanupThreshold: 120,
			PriceTTL:         5 * time.Minute,
			StatsTTL:         time.Hour,
			HistoricalTTL:    24 * time.Hour,
			SweepInterval:    time.Minute,
			WriteConcurrency: 4,
		},
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	conns := make(chan *websocket.Conn, 2)
	upgrader := websocket.Upgrader{}
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer feed.Close()

	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"` + r.URL.Query().Get("symbol") + `","price":"10"}`))
	}))
	defer rest.Close()

	cfg := testConfig("ws"+strings.TrimPrefix(feed.URL, "http"), rest.URL)
	logger := zaptest.NewLogger(t)
	sched := service.NewManualScheduler(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	store, err := ProvideStore(ctx, cfg, logger)
	require.NoError(t, err)
	tiered := ProvideCache(store, sched, cfg, logger)
	connector := ProvideConnector(cfg, sched, logger)
	eng := ProvideEngine(cfg, tiered, ProvideFetcher(cfg, logger), connector, sched, logger)
	p := NewPipeline(cfg, connector, eng, tiered, sched, logger)

	p.Start(ctx)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not connect")
	}

	// 连接建立后 REST 补齐
	require.Eventually(t, func() bool {
		btc, okBTC := eng.GetPriceData("BTC-USD")
		eth, okETH := eng.GetPriceData("ETH-USD")
		return okBTC && okETH && btc.Source == "rest" && eth.Source == "rest"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"ticker","data":{"symbol":"BTC-USD","price":64000.5}}`)))
	require.Eventually(t, func() bool {
		d, ok := eng.GetPriceData("BTC-USD")
		return ok && d.Price == 64000.5
	}, 2*time.Second, 5*time.Millisecond)

	stats := eng.Stats()
	assert.Equal(t, model.StateConnected, stats.Connection.State)
	assert.Equal(t, 2, stats.TrackedSymbols)
	// 启动时的清理已得到持久层条目数
	assert.GreaterOrEqual(t, stats.Cache.PersistentEntries, 0)

	require.NoError(t, p.Stop())
	assert.Equal(t, model.StateDisconnected, connector.State())

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, cache.PriceKey("BTC-USD"))
	assert.Contains(t, keys, cache.PriceKey("ETH-USD"))
}

func TestProvideStoreRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig("ws://localhost", "")
	cfg.Cache.Backend = "sqlite"
	_, err := ProvideStore(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)

	assert.Nil(t, ProvideFetcher(cfg, zaptest.NewLogger(t)))
}

func TestProvideCacheScopesLoggerOnce(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cfg := testConfig("ws://localhost", "")
	c := ProvideCache(cache.NewMemoryStore(), ProvideScheduler(), cfg, zap.New(core))

	c.ClearExpiredEntries(context.Background())
	entries := logs.All()
	require.NotEmpty(t, entries)
	for _, e := range entries {
		components := 0
		for _, f := range e.Context {
			if f.Key == "Component" {
				components++
				assert.Equal(t, "cache", f.String)
			}
		}
		assert.Equal(t, 1, components, e.Message)
	}
}

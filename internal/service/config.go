// internal/service/config.go
package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Exchange    ExchangeConfig    `mapstructure:"Exchange"`
	Symbols     []string          `mapstructure:"Symbols" validate:"required,min=1,dive,required"`
	Popular     []string          `mapstructure:"PopularSymbols"`
	Aggregation AggregationConfig `mapstructure:"Aggregation"`
	Cache       CacheConfig       `mapstructure:"Cache"`
	Log         LogConfig         `mapstructure:"Log"`
}

// ExchangeConfig 定义了行情源的连接信息
type ExchangeConfig struct {
	Name      string
	APIKey    string
	SecretKey string
	WSURL     string `validate:"required,url"`
	RESTURL   string `validate:"omitempty,url"`

	ConnectTimeout       time.Duration `validate:"gt=0"`
	HeartbeatInterval    time.Duration `validate:"gt=0"`
	MaxReconnectAttempts int           `validate:"gte=0"`
	ReconnectBaseDelay   time.Duration `validate:"gt=0"`
	ReconnectMaxDelay    time.Duration `validate:"gtefield=ReconnectBaseDelay"`
	SubscribeBatchSize   int           `validate:"gt=0"`
	SubscribeBatchDelay  time.Duration `validate:"gte=0"`

	FetchTimeout   time.Duration `validate:"gt=0"`
	FetchRateLimit float64       `validate:"gte=0"` // 每秒 REST 请求数, 0 表示不限速
}

// AggregationConfig 定义了聚合引擎和推送参数
type AggregationConfig struct {
	CandleInterval      time.Duration `validate:"gt=0"`
	HistoryCapacity     int           `validate:"gt=0"`
	ThrottleInterval    time.Duration `validate:"gt=0"`
	AllPricesSampleRate float64       `validate:"gte=0,lte=1"`
	StatisticsInterval  time.Duration `validate:"gt=0"`
	SnapshotInterval    time.Duration `validate:"gt=0"` // 市场统计和 K 线历史写入缓存的周期
	RefreshConcurrency  int           `validate:"gt=0"`
	UpdateBuffer        int           `validate:"gt=0"`
	StreamBuffer        int           `validate:"gt=0"`
}

// CacheConfig 定义了两级缓存参数
type CacheConfig struct {
	Backend          string        `validate:"oneof=memory redis postgres"`
	MemoryCapacity   int           `validate:"gt=0"`
	CleanupThreshold int           `validate:"gtefield=MemoryCapacity"`
	PriceTTL         time.Duration `validate:"gt=0"`
	StatsTTL         time.Duration `validate:"gt=0"`
	HistoricalTTL    time.Duration `validate:"gt=0"`
	SweepInterval    time.Duration `validate:"gt=0"`
	WriteConcurrency int           `validate:"gt=0"`
	Redis            RedisConfig
	Postgres         PostgresConfig
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type PostgresConfig struct {
	DSN   string
	Table string
}

type LogConfig struct {
	Level       string
	Development bool
	OutputPaths []string
}

// SetDefaults 写入所有默认值, 配置文件只需覆盖需要修改的项
func SetDefaults(v *viper.Viper) {
	v.SetDefault("Exchange.Name", "default")
	v.SetDefault("Exchange.ConnectTimeout", 10*time.Second)
	v.SetDefault("Exchange.HeartbeatInterval", 30*time.Second)
	v.SetDefault("Exchange.MaxReconnectAttempts", 10)
	v.SetDefault("Exchange.ReconnectBaseDelay", time.Second)
	v.SetDefault("Exchange.ReconnectMaxDelay", 30*time.Second)
	v.SetDefault("Exchange.SubscribeBatchSize", 20)
	v.SetDefault("Exchange.SubscribeBatchDelay", 100*time.Millisecond)
	v.SetDefault("Exchange.FetchTimeout", 10*time.Second)
	v.SetDefault("Exchange.FetchRateLimit", 10)

	v.SetDefault("Aggregation.CandleInterval", 5*time.Minute)
	v.SetDefault("Aggregation.HistoryCapacity", 1000)
	v.SetDefault("Aggregation.ThrottleInterval", 100*time.Millisecond)
	v.SetDefault("Aggregation.AllPricesSampleRate", 0.1)
	v.SetDefault("Aggregation.StatisticsInterval", time.Second)
	v.SetDefault("Aggregation.SnapshotInterval", time.Minute)
	v.SetDefault("Aggregation.RefreshConcurrency", 8)
	v.SetDefault("Aggregation.UpdateBuffer", 2048)
	v.SetDefault("Aggregation.StreamBuffer", 64)

	v.SetDefault("Cache.Backend", "memory")
	v.SetDefault("Cache.MemoryCapacity", 1000)
	v.SetDefault("Cache.CleanupThreshold", 1200)
	v.SetDefault("Cache.PriceTTL", 5*time.Minute)
	v.SetDefault("Cache.StatsTTL", time.Hour)
	v.SetDefault("Cache.HistoricalTTL", 24*time.Hour)
	v.SetDefault("Cache.SweepInterval", time.Minute)
	v.SetDefault("Cache.WriteConcurrency", 16)
	v.SetDefault("Cache.Redis.KeyPrefix", "pipeline:")
	v.SetDefault("Cache.Postgres.Table", "pipeline_cache")

	v.SetDefault("Log.Level", "info")
}

// LoadConfig 读取并解析配置文件, 环境变量 PIPELINE_* 覆盖文件中的值
func LoadConfig(configPath string) (*Config, *viper.Viper, error) {
	v := viper.New()
	// 设置配置文件的名称、类型和路径
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	// 查找并读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("config file not found in %s: %w", configPath, err)
		}
		return nil, nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg, err := DecodeConfig(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// DecodeConfig 将 viper 中的配置绑定到结构体并校验
func DecodeConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate 校验字段约束以及跨字段的后端配置
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Cache.Backend {
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return errors.New("invalid config: Cache.Redis.Addr is required for redis backend")
		}
	case "postgres":
		if c.Cache.Postgres.DSN == "" {
			return errors.New("invalid config: Cache.Postgres.DSN is required for postgres backend")
		}
	}
	return nil
}

// WatchConfig 监听配置文件变化, 重新解析后回调 onChange
// 解析失败时保留旧配置, 通过 onError 通知
func WatchConfig(v *viper.Viper, onChange func(*Config), onError func(error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := DecodeConfig(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

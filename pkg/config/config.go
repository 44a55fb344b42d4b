// Package config 提供 TOML 配置加载、环境变量覆盖与 schema 校验
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 基础配置结构
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 服务版本
	Version string `mapstructure:"version"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`

	HTTP       HTTPConfig       `mapstructure:"http"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Commission CommissionConfig `mapstructure:"commission"`
	Merkle     MerkleConfig     `mapstructure:"merkle"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// GRPCConfig gRPC 服务配置
type GRPCConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动：mysql, postgres, memory
	Driver string `mapstructure:"driver"`
	// 数据源名称
	DSN string `mapstructure:"dsn"`
	// 最大连接数
	MaxOpenConns int `mapstructure:"max_open_conns"`
	// 最大空闲连接数
	MaxIdleConns int `mapstructure:"max_idle_conns"`
	// 连接最大生命周期（秒）
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime"`
	// 是否启用 SQL 日志
	LogEnabled bool `mapstructure:"log_enabled"`
	// 慢查询阈值（毫秒）
	SlowQueryThreshold int `mapstructure:"slow_query_threshold"`
	// 启动时自动建表
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// RedisConfig Redis 配置，Host 为空时使用进程内实现
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxPoolSize  int    `mapstructure:"max_pool_size"`
	ConnTimeout  int    `mapstructure:"conn_timeout"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// Enabled 是否配置了 Redis
func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

// KafkaConfig Kafka 配置，Brokers 为空时不启动消费者与发布者
type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	SessionTimeout int      `mapstructure:"session_timeout"`
	MaxRetries     int      `mapstructure:"max_retries"`
	RetryBackoff   int      `mapstructure:"retry_backoff"`
	TradeTopic     string   `mapstructure:"trade_topic"`
	RootTopic      string   `mapstructure:"root_topic"`
	DeadLetter     string   `mapstructure:"dead_letter_topic"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	WithCaller bool   `mapstructure:"with_caller"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	QPS     int  `mapstructure:"qps"`
	Burst   int  `mapstructure:"burst"`
}

// CommissionRates 各级返佣比例
type CommissionRates struct {
	Level1 float64 `mapstructure:"level_1"`
	Level2 float64 `mapstructure:"level_2"`
	Level3 float64 `mapstructure:"level_3"`
}

// CommissionConfig 返佣策略配置
type CommissionConfig struct {
	DefaultCashbackRate float64         `mapstructure:"default_cashback_rate"`
	Rates               CommissionRates `mapstructure:"rates"`
	TreasuryPercentage  float64         `mapstructure:"treasury_percentage"`
	MaxReferralDepth    int             `mapstructure:"max_referral_depth"`
	DefaultToken        string          `mapstructure:"default_token"`
	DefaultChain        string          `mapstructure:"default_chain"`
}

// LevelRates 按层级顺序返回比例
func (c CommissionConfig) LevelRates() []float64 {
	return []float64{c.Rates.Level1, c.Rates.Level2, c.Rates.Level3}
}

// MerkleTarget 一个需要定期发布根的 (chain, token)
type MerkleTarget struct {
	Chain string `mapstructure:"chain"`
	Token string `mapstructure:"token"`
}

// MerkleConfig 默克尔树服务配置
type MerkleConfig struct {
	// 叶子金额编码的小数位
	AmountDecimals int32 `mapstructure:"amount_decimals"`
	// 发布间隔（秒），0 表示不自动发布
	PublishInterval int `mapstructure:"publish_interval"`
	// 版本冲突重试次数
	PublishRetries int `mapstructure:"publish_retries"`
	// 分布式锁 TTL（秒）
	LockTTL int            `mapstructure:"lock_ttl"`
	Targets []MerkleTarget `mapstructure:"targets"`
}

// PublishEvery 发布间隔
func (m MerkleConfig) PublishEvery() time.Duration {
	return time.Duration(m.PublishInterval) * time.Second
}

// Load 从 TOML 文件加载配置，文件必须存在
func Load(configPath string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(v)
}

// LoadWithDefaults 从 TOML 文件加载配置，文件不存在时仅使用默认值与环境变量
func LoadWithDefaults(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		_ = v.ReadInConfig()
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// APP_COMMISSION_RATES_LEVEL_1 覆盖 commission.rates.level_1
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.GRPC.Port <= 0 || c.GRPC.Port > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPC.Port)
	}
	switch c.Database.Driver {
	case "memory":
	case "mysql", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for %s driver", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	cm := c.Commission
	for i, r := range cm.LevelRates() {
		if r < 0 || r > 1 {
			return fmt.Errorf("commission.rates.level_%d out of range: %v", i+1, r)
		}
	}
	if cm.MaxReferralDepth < 0 || cm.MaxReferralDepth > len(cm.LevelRates()) {
		return fmt.Errorf("commission.max_referral_depth must be within [0,%d]: %d", len(cm.LevelRates()), cm.MaxReferralDepth)
	}
	if cm.TreasuryPercentage < 0 || cm.TreasuryPercentage > 1 {
		return fmt.Errorf("commission.treasury_percentage out of range: %v", cm.TreasuryPercentage)
	}
	if cm.DefaultCashbackRate < 0 || cm.DefaultCashbackRate > 1 {
		return fmt.Errorf("commission.default_cashback_rate out of range: %v", cm.DefaultCashbackRate)
	}
	if c.Merkle.AmountDecimals < 0 || c.Merkle.AmountDecimals > 18 {
		return fmt.Errorf("merkle.amount_decimals must be within [0,18]: %d", c.Merkle.AmountDecimals)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "referral")
	v.SetDefault("environment", "dev")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 15)
	v.SetDefault("http.write_timeout", 15)

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 9090)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.log_enabled", false)
	v.SetDefault("database.slow_query_threshold", 1000)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_pool_size", 10)
	v.SetDefault("redis.conn_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)

	v.SetDefault("kafka.group_id", "referral")
	v.SetDefault("kafka.session_timeout", 10)
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", 100)
	v.SetDefault("kafka.trade_topic", "trades.executed")
	v.SetDefault("kafka.root_topic", "merkle.root_published")
	v.SetDefault("kafka.dead_letter_topic", "trades.executed.dlq")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/app.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9100)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.qps", 50)
	v.SetDefault("ratelimit.burst", 100)

	v.SetDefault("commission.default_cashback_rate", 0.0)
	v.SetDefault("commission.rates.level_1", 0.30)
	v.SetDefault("commission.rates.level_2", 0.03)
	v.SetDefault("commission.rates.level_3", 0.02)
	v.SetDefault("commission.treasury_percentage", 0.0)
	v.SetDefault("commission.max_referral_depth", 3)
	v.SetDefault("commission.default_token", "USDC")
	v.SetDefault("commission.default_chain", "EVM")

	v.SetDefault("merkle.amount_decimals", 6)
	v.SetDefault("merkle.publish_interval", 0)
	v.SetDefault("merkle.publish_retries", 3)
	v.SetDefault("merkle.lock_ttl", 30)
}

// GetEnv 获取环境变量，支持默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

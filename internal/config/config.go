package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Log      LogConfig      `mapstructure:"log"`
	Business BusinessConfig `mapstructure:"business"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	FlyerEvent string `mapstructure:"flyer_event"`
	PointEvent string `mapstructure:"point_event"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BusinessConfig 定价、锁与重试相关的业务参数
type BusinessConfig struct {
	H3Resolution        int   `mapstructure:"h3_resolution"`
	BaseCostPerCell     int64 `mapstructure:"base_cost_per_cell"`
	ReachMultiplier     int64 `mapstructure:"reach_multiplier"`
	ReachStep           int64 `mapstructure:"reach_step"`
	ReachStepCost       int64 `mapstructure:"reach_step_cost"`
	FlyerCountCost      int64 `mapstructure:"flyer_count_cost"`
	MaxCellsPerPurchase int   `mapstructure:"max_cells_per_purchase"`
	QuoteTTLSeconds     int   `mapstructure:"quote_ttl_seconds"`

	LockTTLSeconds      int `mapstructure:"lock_ttl_seconds"`
	LockRetryIntervalMs int `mapstructure:"lock_retry_interval_ms"`
	LockMaxRetries      int `mapstructure:"lock_max_retries"`
	ConflictMaxRetries  int `mapstructure:"conflict_max_retries"`
	ConflictBackoffMs   int `mapstructure:"conflict_backoff_ms"`

	MaxRetryCount  int            `mapstructure:"max_retry_count"`
	EarnExpiryDays map[string]int `mapstructure:"earn_expiry_days"`

	// 浏览/点击传单给用户的奖励积分
	ViewRewardPoints  int64 `mapstructure:"view_reward_points"`
	ClickRewardPoints int64 `mapstructure:"click_reward_points"`
}

type JobsConfig struct {
	FlyerExpireIntervalSeconds int `mapstructure:"flyer_expire_interval_seconds"`
	PointExpiryIntervalSeconds int `mapstructure:"point_expiry_interval_seconds"`
	LedgerAuditIntervalSeconds int `mapstructure:"ledger_audit_interval_seconds"`
	OutboxIntervalMs           int `mapstructure:"outbox_interval_ms"`
	BatchSize                  int `mapstructure:"batch_size"`
}

func (b BusinessConfig) LockTTL() time.Duration {
	return time.Duration(b.LockTTLSeconds) * time.Second
}

func (b BusinessConfig) LockRetryInterval() time.Duration {
	return time.Duration(b.LockRetryIntervalMs) * time.Millisecond
}

func (b BusinessConfig) ConflictBackoff() time.Duration {
	return time.Duration(b.ConflictBackoffMs) * time.Millisecond
}

func (b BusinessConfig) QuoteTTL() time.Duration {
	return time.Duration(b.QuoteTTLSeconds) * time.Second
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)

	v.SetDefault("kafka.topic.flyer_event", "townin.flyer.event")
	v.SetDefault("kafka.topic.point_event", "townin.point.event")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("business.h3_resolution", 9)
	v.SetDefault("business.base_cost_per_cell", 100)
	v.SetDefault("business.reach_multiplier", 10)
	v.SetDefault("business.reach_step", 100)
	v.SetDefault("business.reach_step_cost", 10)
	v.SetDefault("business.flyer_count_cost", 5)
	v.SetDefault("business.max_cells_per_purchase", 500)
	v.SetDefault("business.quote_ttl_seconds", 600)
	v.SetDefault("business.lock_ttl_seconds", 30)
	v.SetDefault("business.lock_retry_interval_ms", 50)
	v.SetDefault("business.lock_max_retries", 40)
	v.SetDefault("business.conflict_max_retries", 3)
	v.SetDefault("business.conflict_backoff_ms", 20)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.earn_expiry_days", map[string]int{
		"flyer_view":  30,
		"flyer_click": 30,
		"event":       90,
	})
	v.SetDefault("business.view_reward_points", 1)
	v.SetDefault("business.click_reward_points", 5)

	v.SetDefault("jobs.flyer_expire_interval_seconds", 60)
	v.SetDefault("jobs.point_expiry_interval_seconds", 300)
	v.SetDefault("jobs.ledger_audit_interval_seconds", 600)
	v.SetDefault("jobs.outbox_interval_ms", 200)
	v.SetDefault("jobs.batch_size", 100)
}

// Default 返回只包含默认值的配置，测试与工具命令使用
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("解析默认配置失败: %v", err))
	}
	return cfg
}

// LoadConfig 加载配置文件，环境变量可覆盖任意配置项（如 MYSQL_HOST）
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	GlobalConfig = config
	return config, nil
}

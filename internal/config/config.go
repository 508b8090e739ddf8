package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	HTTP       HTTPConfig      `mapstructure:"http"`
	Log        LogConfig       `mapstructure:"log"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Graph      GraphConfig     `mapstructure:"graph"`
	Channel    ChannelConfig   `mapstructure:"channel"`
	Webhook    WebhookConfig   `mapstructure:"webhook"`
	Quota      QuotaConfig     `mapstructure:"quota"`
	Reconcile  ReconcileConfig `mapstructure:"reconcile"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr             string `mapstructure:"addr"`
	LegacyDataRoute  bool   `mapstructure:"legacy_data_route"`
	RequireAPIKey    bool   `mapstructure:"require_api_key"`
	MaxMessageLength int    `mapstructure:"max_message_length"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

// GraphConfig addresses the remote ledger and its token endpoint.
type GraphConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	TokenURL     string        `mapstructure:"token_url"` // %s is replaced by TenantID
	TenantID     string        `mapstructure:"tenant_id"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	Scope        string        `mapstructure:"scope"`
	SiteURL      string        `mapstructure:"site_url"`
	ListName     string        `mapstructure:"list_name"`
	PageSize     int           `mapstructure:"page_size"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ResolvedTokenURL substitutes the tenant into TokenURL.
func (g GraphConfig) ResolvedTokenURL() string {
	if strings.Contains(g.TokenURL, "%s") {
		return fmt.Sprintf(g.TokenURL, g.TenantID)
	}
	return g.TokenURL
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

// ChannelConfig addresses the outbound messaging API.
type ChannelConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIVersion    string        `mapstructure:"api_version"`
	GraphAPIToken string        `mapstructure:"graph_api_token"` // used for read receipts
	Timeout       time.Duration `mapstructure:"timeout"`
	RPS           float64       `mapstructure:"rps"`
	Burst         int           `mapstructure:"burst"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
}

type WebhookConfig struct {
	VerifyToken string `mapstructure:"verify_token"`
	AppSecret   string `mapstructure:"app_secret"`
}

type QuotaConfig struct {
	DuplicatePolicy string        `mapstructure:"duplicate_policy"` // first|reject
	Serialization   string        `mapstructure:"serialization"`    // local|redis
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	LockWait        time.Duration `mapstructure:"lock_wait"`
	ReservationTTL  time.Duration `mapstructure:"reservation_ttl"`
}

type ReconcileConfig struct {
	Mode           string        `mapstructure:"mode"` // async|kafka
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	Topic          string        `mapstructure:"topic"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchWait      time.Duration `mapstructure:"batch_wait"`
}

type RateLimitConfig struct {
	RPS   int `mapstructure:"rps"`
	Burst int `mapstructure:"burst"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (QGW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (QGW_GRAPH_CLIENT_SECRET -> graph.client_secret)
	v.SetEnvPrefix("QGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var (
	ErrInvalidDuplicatePolicy = errors.New("quota.duplicate_policy must be first or reject")
	ErrInvalidSerialization   = errors.New("quota.serialization must be local or redis")
	ErrInvalidReconcileMode   = errors.New("reconcile.mode must be async or kafka")
	ErrKafkaNeedsRedis        = errors.New("reconcile.mode=kafka requires quota.serialization=redis")
)

// Validate rejects combinations the gateway cannot run with.
func (c Config) Validate() error {
	switch c.Quota.DuplicatePolicy {
	case "first", "reject":
	default:
		return ErrInvalidDuplicatePolicy
	}
	switch c.Quota.Serialization {
	case "local", "redis":
	default:
		return ErrInvalidSerialization
	}
	switch c.Reconcile.Mode {
	case "async":
	case "kafka":
		if c.Quota.Serialization != "redis" {
			return ErrKafkaNeedsRedis
		}
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("reconcile.mode=kafka requires kafka.brokers")
		}
	default:
		return ErrInvalidReconcileMode
	}
	if strings.TrimSpace(c.Graph.BaseURL) == "" {
		return errors.New("graph.base_url is required")
	}
	if strings.TrimSpace(c.Channel.BaseURL) == "" {
		return errors.New("channel.base_url is required")
	}
	return nil
}

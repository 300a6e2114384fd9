// Package config loads application configuration from an optional YAML
// file and TRIAGEFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. TRIAGEFLOW_STORE_BACKEND
const EnvPrefix = "TRIAGEFLOW"

// Config holds the configuration for the application.
type Config struct {
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`

	Store struct {
		// Backend is memory, dynamodb or postgres
		Backend  string `mapstructure:"backend"`
		DynamoDB struct {
			Table    string `mapstructure:"table"`
			Region   string `mapstructure:"region"`
			Endpoint string `mapstructure:"endpoint"`
		} `mapstructure:"dynamodb"`
		Postgres struct {
			DSN     string `mapstructure:"dsn"`
			Migrate bool   `mapstructure:"migrate"`
		} `mapstructure:"postgres"`
	} `mapstructure:"store"`

	Lock struct {
		// Backend is local or redis
		Backend string        `mapstructure:"backend"`
		Redis   RedisConfig   `mapstructure:"redis"`
		TTL     time.Duration `mapstructure:"ttl"`
	} `mapstructure:"lock"`

	Providers struct {
		Model     ServiceConfig `mapstructure:"model"`
		Mail      ServiceConfig `mapstructure:"mail"`
		Messaging ServiceConfig `mapstructure:"messaging"`
	} `mapstructure:"providers"`

	Engine struct {
		DecisionTTL      time.Duration `mapstructure:"decision_ttl"`
		PruneOnTerminal  bool          `mapstructure:"prune_on_terminal"`
		SweepConcurrency int           `mapstructure:"sweep_concurrency"`
		SweepSchedule    string        `mapstructure:"sweep_schedule"`
		StalledAfter     time.Duration `mapstructure:"stalled_after"`
		OrphanAfter      time.Duration `mapstructure:"orphan_after"`
	} `mapstructure:"engine"`

	Priority struct {
		HighPriorityDomains   []string       `mapstructure:"high_priority_domains"`
		UrgencyKeywords       []string       `mapstructure:"urgency_keywords"`
		DomainWeight          int            `mapstructure:"domain_weight"`
		KeywordWeight         int            `mapstructure:"keyword_weight"`
		KeywordCap            int            `mapstructure:"keyword_cap"`
		ClassificationWeights map[string]int `mapstructure:"classification_weights"`
		UrgentThreshold       int            `mapstructure:"urgent_threshold"`
	} `mapstructure:"priority"`

	Responder struct {
		MaxContextChars int `mapstructure:"max_context_chars"`
		// ResponseModes maps a category to needs_response or sort_only
		ResponseModes map[string]string `mapstructure:"response_modes"`
	} `mapstructure:"responder"`

	Labels struct {
		ByCategory map[string]string `mapstructure:"by_category"`
		Default    string            `mapstructure:"default"`
		// Folders offered by change_folder, label id → display name
		Folders map[string]string `mapstructure:"folders"`
	} `mapstructure:"labels"`
}

// RedisConfig locates the Redis server used for locking
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServiceConfig configures one outbound HTTP collaborator
type ServiceConfig struct {
	URL       string        `mapstructure:"url"`
	Token     string        `mapstructure:"token"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.dynamodb.table", "triageflow")
	v.SetDefault("store.dynamodb.region", "us-east-1")
	v.SetDefault("store.dynamodb.endpoint", "")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.migrate", true)

	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.redis.addr", "localhost:6379")
	v.SetDefault("lock.redis.password", "")
	v.SetDefault("lock.redis.db", 0)
	v.SetDefault("lock.ttl", 30*time.Second)

	for _, svc := range []string{"model", "mail", "messaging"} {
		v.SetDefault("providers."+svc+".url", "")
		v.SetDefault("providers."+svc+".token", "")
		v.SetDefault("providers."+svc+".rate_limit", 5.0)
		v.SetDefault("providers."+svc+".burst", 5)
		v.SetDefault("providers."+svc+".timeout", 30*time.Second)
	}

	v.SetDefault("engine.decision_ttl", 7*24*time.Hour)
	v.SetDefault("engine.prune_on_terminal", false)
	v.SetDefault("engine.sweep_concurrency", 4)
	v.SetDefault("engine.sweep_schedule", "@every 5m")
	v.SetDefault("engine.stalled_after", 15*time.Minute)
	v.SetDefault("engine.orphan_after", time.Minute)

	v.SetDefault("priority.high_priority_domains", []string{})
	v.SetDefault("priority.urgency_keywords", []string{"urgent", "asap", "immediately", "deadline", "overdue", "critical", "today"})
	v.SetDefault("priority.domain_weight", 40)
	v.SetDefault("priority.keyword_weight", 10)
	v.SetDefault("priority.keyword_cap", 30)
	v.SetDefault("priority.urgent_threshold", 60)

	v.SetDefault("responder.max_context_chars", 8000)

	v.SetDefault("labels.default", "INBOX")
}

// Load reads path (if non-empty) and applies environment overrides.
// Without a path, ./triageflow.yaml and ./config/triageflow.yaml are tried.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("triageflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the backend selections are complete
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "dynamodb":
		if c.Store.DynamoDB.Table == "" {
			return errors.New("store.dynamodb.table is required")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return errors.New("store.postgres.dsn is required")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.Redis.Addr == "" {
			return errors.New("lock.redis.addr is required")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}

	if c.Engine.DecisionTTL < 0 {
		return errors.New("engine.decision_ttl must not be negative")
	}
	return nil
}

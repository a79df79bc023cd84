package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.instanceId", "")
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("transport.sendTimeout", "5s")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.opTimeout", "2s")
	v.SetDefault("session.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("session.maxSessionsPerUser", 5)
	v.SetDefault("rateLimit.defaultRule", "default")
	v.SetDefault("rateLimit.exclusions", []string{"/healthz", "/metrics"})
	v.SetDefault("rooms.historyReplay", 50)
	v.SetDefault("rooms.historyLimit", 500)
	v.SetDefault("rooms.historyTTL", "168h")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.RateLimit.Rules == nil {
		cfg.RateLimit.Rules = defaultRules()
	}
	if err := validateRules(&cfg.RateLimit); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// defaultRules is the static rule table used when the config file does not
// define one.
func defaultRules() map[string]RuleConfig {
	return map[string]RuleConfig{
		"default": {
			Prefix:      "/",
			Requests:    120,
			Window:      mustDuration("1m"),
			SubjectKind: "ip",
			Burst:       20,
			BurstWindow: mustDuration("1s"),
		},
		"auth": {
			Prefix:      "/auth/",
			Requests:    10,
			Window:      mustDuration("15m"),
			SubjectKind: "ip",
			Burst:       5,
			BurstWindow: mustDuration("1s"),
		},
		"ws_connect": {
			Prefix:      "/ws",
			Requests:    30,
			Window:      mustDuration("1m"),
			SubjectKind: "ip",
			Burst:       10,
			BurstWindow: mustDuration("1s"),
		},
	}
}

func validateRules(cfg *RateLimitConfig) error {
	if _, ok := cfg.Rules[cfg.DefaultRule]; !ok {
		return fmt.Errorf("rate limit default rule '%s' is not defined", cfg.DefaultRule)
	}
	for name, rule := range cfg.Rules {
		if rule.Requests <= 0 || rule.Window <= 0 {
			return fmt.Errorf("rate limit rule '%s' must set positive requests and window", name)
		}
		switch rule.SubjectKind {
		case "ip", "user", "endpoint":
		default:
			return fmt.Errorf("rate limit rule '%s' has unknown subject kind '%s'", name, rule.SubjectKind)
		}
	}
	return nil
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}

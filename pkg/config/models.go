package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Session   SessionConfig
	Rooms     RoomsConfig
}

type ServerConfig struct {
	Address    string
	InstanceID string `mapstructure:"instanceId"`
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
	SendTimeout time.Duration `mapstructure:"sendTimeout"`
}

type RedisConfig struct {
	URL string
	// Admission calls against the store must degrade to fail-open rather
	// than block, so they run under this timeout.
	OpTimeout time.Duration `mapstructure:"opTimeout"`
}

type RateLimitConfig struct {
	// Rules keyed by name; endpoints are mapped to a rule by longest
	// prefix match against the Prefix field.
	Rules map[string]RuleConfig `mapstructure:"rules"`
	// DefaultRule applies when no prefix matches.
	DefaultRule string `mapstructure:"defaultRule"`
	// Exclusions bypass limiting entirely (health checks, docs).
	Exclusions []string `mapstructure:"exclusions"`
}

type RuleConfig struct {
	Prefix      string        `mapstructure:"prefix"`
	Requests    int           `mapstructure:"requests"`
	Window      time.Duration `mapstructure:"window"`
	SubjectKind string        `mapstructure:"subjectKind"` // "ip", "user" or "endpoint"
	Burst       int           `mapstructure:"burst"`
	BurstWindow time.Duration `mapstructure:"burstWindow"`
}

type SessionConfig struct {
	JWTSecret          string `mapstructure:"jwtSecret"`
	MaxSessionsPerUser int    `mapstructure:"maxSessionsPerUser"`
}

type RoomsConfig struct {
	// HistoryReplay is the number of backlog messages replayed to a
	// joining member.
	HistoryReplay int           `mapstructure:"historyReplay"`
	HistoryLimit  int           `mapstructure:"historyLimit"`
	HistoryTTL    time.Duration `mapstructure:"historyTTL"`
}

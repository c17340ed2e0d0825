package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Retry     RetryConfig
	RateLimit RateLimitConfig
	Redis     RedisConfig
	Log       LogConfig
}

type ServerConfig struct {
	Addr            string
	Instance        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

type DatabaseConfig struct {
	Driver     string
	URL        string
	Name       string
	Collection string

	MaxPoolSize uint64
	MinPoolSize uint64
	MaxIdleTime time.Duration

	ConnectTimeout         time.Duration
	SocketTimeout          time.Duration
	ServerSelectionTimeout time.Duration
	CloseTimeout           time.Duration

	ForceIPv4    bool
	EnsureSchema bool
}

// RetryConfig drives the connection manager's backoff schedule.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type RateLimitConfig struct {
	Enabled      bool
	RPS          float64
	Burst        int
	IdleTTL      time.Duration
	CleanupEvery time.Duration
	RetryAfter   time.Duration
}

// RedisConfig is optional; an empty Addr keeps outcome stats in memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

type LogConfig struct {
	Level        string
	Format       string
	RedactEmails bool
}

// SetDefaults registers every key the service reads so that AutomaticEnv
// can resolve them (viper only consults the environment for known keys).
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.instance", "waitlist-1")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.driver", DriverMongo)
	v.SetDefault("database.url", "mongodb://localhost:27017")
	v.SetDefault("database.name", "alatar-waitlist")
	v.SetDefault("database.collection", "signups")
	v.SetDefault("database.max_pool_size", 1)
	v.SetDefault("database.min_pool_size", 0)
	v.SetDefault("database.max_idle_time", 10*time.Second)
	v.SetDefault("database.connect_timeout", 5*time.Second)
	v.SetDefault("database.socket_timeout", 5*time.Second)
	v.SetDefault("database.server_selection_timeout", 5*time.Second)
	v.SetDefault("database.close_timeout", 5*time.Second)
	v.SetDefault("database.force_ipv4", true)
	v.SetDefault("database.ensure_schema", true)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 1*time.Second)
	v.SetDefault("retry.max_delay", 5*time.Second)

	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.rps", 1.0)
	v.SetDefault("ratelimit.burst", 5)
	v.SetDefault("ratelimit.idle_ttl", 15*time.Minute)
	v.SetDefault("ratelimit.cleanup_every", 2*time.Minute)
	v.SetDefault("ratelimit.retry_after", 1*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "waitlist:stats")
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.redact_emails", true)
}

// Load reads a Config out of v and validates it.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Addr:            v.GetString("server.addr"),
			Instance:        v.GetString("server.instance"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			CORSOrigins:     splitList(v.GetStringSlice("server.cors_origins")),
		},
		Database: DatabaseConfig{
			Driver:                 strings.ToLower(strings.TrimSpace(v.GetString("database.driver"))),
			URL:                    v.GetString("database.url"),
			Name:                   v.GetString("database.name"),
			Collection:             v.GetString("database.collection"),
			MaxPoolSize:            v.GetUint64("database.max_pool_size"),
			MinPoolSize:            v.GetUint64("database.min_pool_size"),
			MaxIdleTime:            v.GetDuration("database.max_idle_time"),
			ConnectTimeout:         v.GetDuration("database.connect_timeout"),
			SocketTimeout:          v.GetDuration("database.socket_timeout"),
			ServerSelectionTimeout: v.GetDuration("database.server_selection_timeout"),
			CloseTimeout:           v.GetDuration("database.close_timeout"),
			ForceIPv4:              v.GetBool("database.force_ipv4"),
			EnsureSchema:           v.GetBool("database.ensure_schema"),
		},
		Retry: RetryConfig{
			MaxAttempts: v.GetInt("retry.max_attempts"),
			BaseDelay:   v.GetDuration("retry.base_delay"),
			MaxDelay:    v.GetDuration("retry.max_delay"),
		},
		RateLimit: RateLimitConfig{
			Enabled:      v.GetBool("ratelimit.enabled"),
			RPS:          v.GetFloat64("ratelimit.rps"),
			Burst:        v.GetInt("ratelimit.burst"),
			IdleTTL:      v.GetDuration("ratelimit.idle_ttl"),
			CleanupEvery: v.GetDuration("ratelimit.cleanup_every"),
			RetryAfter:   v.GetDuration("ratelimit.retry_after"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Prefix:   v.GetString("redis.prefix"),
			TTL:      v.GetDuration("redis.ttl"),
		},
		Log: LogConfig{
			Level:        v.GetString("log.level"),
			Format:       v.GetString("log.format"),
			RedactEmails: v.GetBool("log.redact_emails"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverMongo, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database.driver %q (want %q or %q)", c.Database.Driver, DriverMongo, DriverPostgres)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url not configured")
	}
	if c.Database.Driver == DriverMongo && (c.Database.Name == "" || c.Database.Collection == "") {
		return fmt.Errorf("database.name and database.collection are required for mongo")
	}
	if c.Database.MaxPoolSize > 0 && c.Database.MinPoolSize > c.Database.MaxPoolSize {
		return fmt.Errorf("database.min_pool_size (%d) exceeds database.max_pool_size (%d)", c.Database.MinPoolSize, c.Database.MaxPoolSize)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1) {
		return fmt.Errorf("ratelimit.rps must be positive and ratelimit.burst at least 1")
	}
	if budget := c.RetryBudget(); c.Server.WriteTimeout > 0 && c.Server.WriteTimeout < budget {
		return fmt.Errorf("server.write_timeout (%s) is shorter than the worst-case signup time (%s); raise it or lower the database timeouts", c.Server.WriteTimeout, budget)
	}
	return nil
}

// RetryBudget is the longest a signup can spend on the store before its
// response is written. Every attempt after the first may run two round trips
// (the liveness ping on the kept handle, then the dial and its ping), the
// backoff grows as base*2^(k-1) up to retry.max_delay, and a connected request
// still runs the existence check, the insert and the close.
func (c Config) RetryBudget() time.Duration {
	op := c.Database.ConnectTimeout
	for _, d := range []time.Duration{c.Database.SocketTimeout, c.Database.ServerSelectionTimeout} {
		if d > op {
			op = d
		}
	}

	attempts := c.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	budget := op * time.Duration(2*attempts-1)

	delay := c.Retry.BaseDelay
	for k := 1; k < attempts; k++ {
		if c.Retry.MaxDelay > 0 && delay > c.Retry.MaxDelay {
			delay = c.Retry.MaxDelay
		}
		budget += delay
		delay *= 2
	}

	closeTimeout := c.Database.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = 5 * time.Second
	}
	return budget + 2*op + closeTimeout
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

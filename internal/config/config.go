package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config holds every setting of the app, worker and migrator binaries.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Log        LogConfig        `mapstructure:"log"`
	PG         PostgresConfig   `mapstructure:"pg"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Market     MarketConfig     `mapstructure:"market"`
	Price      PriceConfig      `mapstructure:"price"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Migrations MigrationsConfig `mapstructure:"migrations"`
}

type AppConfig struct {
	Port string `mapstructure:"port"`
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Pass     string `mapstructure:"pass"`
	DB       string `mapstructure:"db"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ConnectionURI returns a postgres:// URL usable by pgx and golang-migrate.
func (c PostgresConfig) ConnectionURI() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Pass),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.DB,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MarketConfig struct {
	Timezone string `mapstructure:"timezone"`
}

type PriceConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type OracleConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RatePerMin int           `mapstructure:"rate_per_min"`
}

type SweepConfig struct {
	// Cron is the cron expression for the pending order sweep. Empty
	// disables the periodic sweep.
	Cron    string `mapstructure:"cron"`
	OnStart bool   `mapstructure:"on_start"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type MigrationsConfig struct {
	// Source is a golang-migrate source URL. Empty uses the embedded files.
	Source string `mapstructure:"source"`
}

var keys = []string{
	"app.port", "app.name",
	"log.level",
	"pg.host", "pg.port", "pg.user", "pg.pass", "pg.db", "pg.sslmode", "pg.max_conns",
	"redis.addr", "redis.password", "redis.db",
	"market.timezone",
	"price.ttl",
	"oracle.base_url", "oracle.timeout", "oracle.rate_per_min",
	"sweep.cron", "sweep.on_start",
	"worker.concurrency",
	"migrations.source",
}

// Load reads .env (if present), environment variables and defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("app.port", "8080")
	v.SetDefault("app.name", "papertrade")
	v.SetDefault("log.level", "info")

	v.SetDefault("pg.host", "localhost")
	v.SetDefault("pg.port", "5432")
	v.SetDefault("pg.user", "postgres")
	v.SetDefault("pg.pass", "postgres")
	v.SetDefault("pg.db", "papertrade")
	v.SetDefault("pg.sslmode", "disable")
	v.SetDefault("pg.max_conns", 10)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("market.timezone", "America/New_York")
	v.SetDefault("price.ttl", "5m")

	v.SetDefault("oracle.base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("oracle.timeout", "5s")
	v.SetDefault("oracle.rate_per_min", 120)

	v.SetDefault("sweep.cron", "*/5 * * * *")
	v.SetDefault("sweep.on_start", true)
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("migrations.source", "")

	// "pg.max_conns" -> PG_MAX_CONNS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %q: %w", c.Log.Level, err)
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return fmt.Errorf("invalid MARKET_TIMEZONE %q: %w", c.Market.Timezone, err)
	}
	if c.Price.TTL <= 0 {
		return fmt.Errorf("PRICE_TTL must be positive, got %s", c.Price.TTL)
	}
	if c.Oracle.Timeout <= 0 {
		return fmt.Errorf("ORACLE_TIMEOUT must be positive, got %s", c.Oracle.Timeout)
	}
	if c.Oracle.RatePerMin <= 0 {
		return fmt.Errorf("ORACLE_RATE_PER_MIN must be positive, got %d", c.Oracle.RatePerMin)
	}
	if c.PG.MaxConns <= 0 {
		return fmt.Errorf("PG_MAX_CONNS must be positive, got %d", c.PG.MaxConns)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency)
	}
	return nil
}

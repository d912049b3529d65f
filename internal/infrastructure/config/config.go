// Package config loads the voltmesh configuration from file and
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents the persistent store configuration. Driver is
// "postgres" in deployments and "sqlite" for local runs.
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"`
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // seconds
}

// MarketConfig represents the initial administrative parameters of the
// market. They seed the singleton config record on first start; afterwards
// the admin API owns them.
type MarketConfig struct {
	EscrowWindow   time.Duration `mapstructure:"escrow_window"`
	FeeBasisPoints int64         `mapstructure:"fee_basis_points"`
	MinTradeSize   string        `mapstructure:"min_trade_size"`
	MaxTradeSize   string        `mapstructure:"max_trade_size"`
	FeeCollector   string        `mapstructure:"fee_collector"`
	Admins         []string      `mapstructure:"admins"`
	Arbitrators    []string      `mapstructure:"arbitrators"`
}

// KafkaConfig represents the trade event publishing configuration.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// AuthConfig represents bearer-token verification configuration.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Market   MarketConfig   `mapstructure:"market"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Auth     AuthConfig     `mapstructure:"auth"`
	LogLevel string         `mapstructure:"log_level"`
}

// Load reads configuration from the given file (optional) and VOLTMESH_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VOLTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "voltmesh.db")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)

	v.SetDefault("market.escrow_window", "24h")
	v.SetDefault("market.fee_basis_points", 25)
	v.SetDefault("market.min_trade_size", "1")
	v.SetDefault("market.max_trade_size", "10000")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "voltmesh.trades")

	v.SetDefault("log_level", "info")
}

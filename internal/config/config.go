// Package config loads runtime configuration for the lottery server.
//
// Values are layered: defaults in code, then an optional YAML file named by
// LOTTERY_CONFIG_FILE, then environment variables (a .env file is loaded
// first when present and never overrides variables already set).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	lottery "github.com/R3E-Network/lottery_settlement/packages/com.r3e.services.lottery/service"
)

// FileEnv names the variable holding the YAML config path.
const FileEnv = "LOTTERY_CONFIG_FILE"

// Config is the full server configuration.
type Config struct {
	Lottery  LotteryConfig  `yaml:"lottery"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Chain    ChainConfig    `yaml:"chain"`
	Keeper   KeeperConfig   `yaml:"keeper"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Audit    AuditConfig    `yaml:"audit"`
}

// LotteryConfig holds the game parameters. Zero values fall back to the
// engine defaults.
type LotteryConfig struct {
	Admin          string        `yaml:"admin" env:"LOTTERY_ADMIN"`
	TicketPrice    int64         `yaml:"ticket_price" env:"LOTTERY_TICKET_PRICE"`
	RoundDuration  time.Duration `yaml:"round_duration" env:"LOTTERY_ROUND_DURATION"`
	PerAddressCap  int           `yaml:"per_address_cap" env:"LOTTERY_PER_ADDRESS_CAP"`
	FeeBasisPoints int64         `yaml:"fee_basis_points" env:"LOTTERY_FEE_BASIS_POINTS"`
}

// Engine converts to the engine's own config type.
func (c LotteryConfig) Engine() lottery.Config {
	return lottery.Config{
		Admin:          c.Admin,
		TicketPrice:    c.TicketPrice,
		RoundDuration:  c.RoundDuration,
		PerAddressCap:  c.PerAddressCap,
		FeeBasisPoints: c.FeeBasisPoints,
	}
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" env:"LOTTERY_HTTP_ADDR"`
	OpsAddr         string        `yaml:"ops_addr" env:"LOTTERY_OPS_ADDR"`
	PurchaseRate    float64       `yaml:"purchase_rate" env:"LOTTERY_PURCHASE_RATE"` // purchases per second per identity, 0 disables
	PurchaseBurst   int           `yaml:"purchase_burst" env:"LOTTERY_PURCHASE_BURST"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"LOTTERY_SHUTDOWN_TIMEOUT"`
}

type DatabaseConfig struct {
	DSN     string `yaml:"dsn" env:"DATABASE_URL"`
	Migrate bool   `yaml:"migrate" env:"LOTTERY_DB_MIGRATE"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
	Channel  string `yaml:"channel" env:"LOTTERY_EVENTS_CHANNEL"`
}

type ChainConfig struct {
	RPCURL  string        `yaml:"rpc_url" env:"NEO_RPC_URL"`
	Timeout time.Duration `yaml:"timeout" env:"NEO_RPC_TIMEOUT"`
}

type KeeperConfig struct {
	Enabled   bool   `yaml:"enabled" env:"LOTTERY_KEEPER_ENABLED"`
	Schedule  string `yaml:"schedule" env:"LOTTERY_KEEPER_SCHEDULE"`
	Identity  string `yaml:"identity" env:"LOTTERY_KEEPER_IDENTITY"`
	AutoStart bool   `yaml:"auto_start" env:"LOTTERY_AUTO_START"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"LOTTERY_JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"LOTTERY_JWT_ISSUER"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

type AuditConfig struct {
	Path string `yaml:"path" env:"LOTTERY_AUDIT_LOG"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Lottery: LotteryConfig{
			TicketPrice:    lottery.DefaultTicketPrice,
			RoundDuration:  lottery.DefaultRoundDuration,
			PerAddressCap:  lottery.DefaultPerAddressCap,
			FeeBasisPoints: lottery.DefaultFeeBasisPoints,
		},
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			OpsAddr:         ":9090",
			PurchaseRate:    5,
			PurchaseBurst:   10,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{Migrate: true},
		Redis:    RedisConfig{Channel: "lottery.events"},
		Chain:    ChainConfig{Timeout: 10 * time.Second},
		Keeper: KeeperConfig{
			Enabled:  true,
			Schedule: "@every 15s",
			Identity: "keeper",
		},
		Auth:    AuthConfig{Issuer: "lottery-settlement"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the configuration. dotenvPath may be empty to skip the .env
// file.
func Load(dotenvPath string) (Config, error) {
	if dotenvPath != "" {
		if err := LoadDotEnv(dotenvPath); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", dotenvPath, err)
		}
	}

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from path if the file exists. Variables already
// present in the environment win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// LoadFile overlays the YAML document at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if err := c.Lottery.Engine().Validate(); err != nil {
		return fmt.Errorf("lottery: %w", err)
	}
	if c.Server.HTTPAddr == "" {
		return errors.New("server: http_addr is required")
	}
	if c.Server.PurchaseRate < 0 || c.Server.PurchaseBurst < 0 {
		return errors.New("server: purchase rate and burst must not be negative")
	}
	if c.Server.PurchaseRate > 0 && c.Server.PurchaseBurst == 0 {
		return errors.New("server: purchase_burst must be at least 1 when rate limiting")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth: jwt_secret must be at least 32 bytes")
	}
	if c.Keeper.AutoStart && !c.Keeper.Enabled {
		return errors.New("keeper: auto_start requires the keeper to be enabled")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging: unknown format %q", c.Logging.Format)
	}
	return nil
}

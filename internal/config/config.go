package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

/* ---------- raw structs ---------- */

type DBConfig struct {
	Host, User, Password, DBName, SSLMode string
	Port                                  int
}

type SpamRule struct {
	Header        string `mapstructure:"header"`
	Match         string `mapstructure:"match"`
	MatchRegex    string `mapstructure:"match_regex"`
	Action        string `mapstructure:"action"`
	TrustedRelays int    `mapstructure:"trusted_relays"`
}

type Config struct {
	Domain             string
	APIHost            string
	APIPort            int
	JWTSecret          string
	BlobStoragePath    string
	MaxMessageBytes    int64
	DKIMSelector       string
	DKIMPrivateKeyPath string

	// Outbound transmission
	RelayHost      string // host:port; empty selects direct-MX mode
	SubmitTimeout  time.Duration
	ConnectTimeout time.Duration

	// Workers
	WorkerCount   int
	PollInterval  time.Duration
	SweepInterval time.Duration
	SweepBatch    int
	IntakeLockTTL time.Duration

	// Spam decisioning
	SpamScorerURL string
	SpamRules     []SpamRule

	LogLevel  string
	LogFormat string

	DB DBConfig
}

/* ---------- loader ---------- */

func Load() (Config, error) {

	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("domain", "example.com")
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("blob_storage_path", "./blobs")
	viper.SetDefault("max_message_bytes", 25<<20)
	viper.SetDefault("dkim.selector", "mail")
	viper.SetDefault("outbound.submit_timeout", "2m")
	viper.SetDefault("outbound.connect_timeout", "30s")
	viper.SetDefault("workers.count", 4)
	viper.SetDefault("workers.poll_interval", "5s")
	viper.SetDefault("workers.sweep_interval", "1m")
	viper.SetDefault("workers.sweep_batch", 100)
	viper.SetDefault("workers.intake_lock_ttl", "5m")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	_ = viper.ReadInConfig() // ignore missing config file

	c := Config{
		Domain:             viper.GetString("domain"),
		APIHost:            viper.GetString("api.host"),
		APIPort:            viper.GetInt("api.port"),
		JWTSecret:          viper.GetString("jwt_secret"),
		BlobStoragePath:    viper.GetString("blob_storage_path"),
		MaxMessageBytes:    viper.GetInt64("max_message_bytes"),
		DKIMSelector:       viper.GetString("dkim.selector"),
		DKIMPrivateKeyPath: viper.GetString("dkim.private_key_path"),
		RelayHost:          viper.GetString("outbound.relay_host"),
		SubmitTimeout:      viper.GetDuration("outbound.submit_timeout"),
		ConnectTimeout:     viper.GetDuration("outbound.connect_timeout"),
		WorkerCount:        viper.GetInt("workers.count"),
		PollInterval:       viper.GetDuration("workers.poll_interval"),
		SweepInterval:      viper.GetDuration("workers.sweep_interval"),
		SweepBatch:         viper.GetInt("workers.sweep_batch"),
		IntakeLockTTL:      viper.GetDuration("workers.intake_lock_ttl"),
		SpamScorerURL:      viper.GetString("spam.scorer_url"),
		LogLevel:           viper.GetString("log.level"),
		LogFormat:          viper.GetString("log.format"),
		DB: DBConfig{
			Host:     viper.GetString("db.host"),
			Port:     viper.GetInt("db.port"),
			User:     viper.GetString("db.user"),
			Password: viper.GetString("db.password"),
			DBName:   viper.GetString("db.name"),
			SSLMode:  viper.GetString("db.sslmode"),
		},
	}

	if err := viper.UnmarshalKey("spam.rules", &c.SpamRules); err != nil {
		return Config{}, fmt.Errorf("parse spam rules: %w", err)
	}

	// ---- OVERRIDE WITH ENV VARS (STRICT) ----
	if v := os.Getenv("MDA_DB_HOST"); v != "" {
		c.DB.Host = v
	}
	if v := os.Getenv("MDA_DB_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &c.DB.Port)
	}
	if v := os.Getenv("MDA_DB_USER"); v != "" {
		c.DB.User = v
	}
	if v := os.Getenv("MDA_DB_PASSWORD"); v != "" {
		c.DB.Password = v
	}
	if v := os.Getenv("MDA_DB_NAME"); v != "" {
		c.DB.DBName = v
	}
	if v := os.Getenv("MDA_DOMAIN"); v != "" {
		c.Domain = v
	}
	if v := os.Getenv("MDA_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("MDA_RELAY_HOST"); v != "" {
		c.RelayHost = v
	}

	// ---- CREATE BLOB STORAGE DIR ----
	if err := os.MkdirAll(c.BlobStoragePath, 0o755); err != nil {
		return Config{}, fmt.Errorf("mkdir blob storage: %w", err)
	}

	return c, nil
}

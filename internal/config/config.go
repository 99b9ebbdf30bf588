package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port       string `mapstructure:"PORT"`
	Env        string `mapstructure:"ENV"`
	AuthSecret string `mapstructure:"AUTH_SECRET"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	BrokerAddr        string        `mapstructure:"BROKER_ADDR"`
	BrokerAckTimeout  time.Duration `mapstructure:"BROKER_ACK_TIMEOUT"`
	BrokerMaxAttempts int           `mapstructure:"BROKER_MAX_ATTEMPTS"`
	BrokerBackoffBase time.Duration `mapstructure:"BROKER_BACKOFF_BASE"`

	SessionTTL time.Duration `mapstructure:"SESSION_TTL"`

	SendingApp    string `mapstructure:"HL7_SENDING_APP"`
	SendingFac    string `mapstructure:"HL7_SENDING_FACILITY"`
	ReceivingApp  string `mapstructure:"HL7_RECEIVING_APP"`
	ReceivingFac  string `mapstructure:"HL7_RECEIVING_FACILITY"`
	MaxUploadRows int    `mapstructure:"MAX_UPLOAD_ROWS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("BROKER_ADDR", "127.0.0.1:2575")
	v.SetDefault("BROKER_ACK_TIMEOUT", "10s")
	v.SetDefault("BROKER_MAX_ATTEMPTS", 3)
	v.SetDefault("BROKER_BACKOFF_BASE", "250ms")
	v.SetDefault("SESSION_TTL", "30m")
	v.SetDefault("HL7_SENDING_APP", "INTAKE")
	v.SetDefault("HL7_SENDING_FACILITY", "IntakeFac")
	v.SetDefault("HL7_RECEIVING_APP", "EMR")
	v.SetDefault("HL7_RECEIVING_FACILITY", "EMRFac")
	v.SetDefault("MAX_UPLOAD_ROWS", 5000)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("AUTH_SECRET")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("BROKER_ADDR")
	v.BindEnv("BROKER_ACK_TIMEOUT")
	v.BindEnv("BROKER_MAX_ATTEMPTS")
	v.BindEnv("BROKER_BACKOFF_BASE")
	v.BindEnv("SESSION_TTL")
	v.BindEnv("HL7_SENDING_APP")
	v.BindEnv("HL7_SENDING_FACILITY")
	v.BindEnv("HL7_RECEIVING_APP")
	v.BindEnv("HL7_RECEIVING_FACILITY")
	v.BindEnv("MAX_UPLOAD_ROWS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. The broker address
// must be host:port, retry and timeout settings must be positive, and in
// production an AUTH_SECRET is required so the API is not left open.
func (c *Config) Validate() error {
	if c.BrokerAddr == "" || !strings.Contains(c.BrokerAddr, ":") {
		return fmt.Errorf("BROKER_ADDR must be a host:port address, got %q", c.BrokerAddr)
	}
	if c.BrokerAckTimeout <= 0 {
		return fmt.Errorf("BROKER_ACK_TIMEOUT must be positive, got %s", c.BrokerAckTimeout)
	}
	if c.BrokerMaxAttempts < 1 {
		return fmt.Errorf("BROKER_MAX_ATTEMPTS must be at least 1, got %d", c.BrokerMaxAttempts)
	}
	if c.BrokerBackoffBase <= 0 {
		return fmt.Errorf("BROKER_BACKOFF_BASE must be positive, got %s", c.BrokerBackoffBase)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.IsProduction() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required in production")
	}
	if c.MaxUploadRows < 1 {
		return fmt.Errorf("MAX_UPLOAD_ROWS must be at least 1, got %d", c.MaxUploadRows)
	}
	return nil
}

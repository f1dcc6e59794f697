// Package config provides environment-based configuration for Kayan Connect.
//
// Configuration is loaded from environment variables using Viper, with sensible
// defaults for development.
//
// # Environment Variables
//
//   - DB_TYPE: Database type (sqlite, postgres, mysql). Default: sqlite
//   - DSN: Database connection string. Default: kayan.db
//   - REDIS_ADDR: Redis address. When empty an in-process cache is used.
//   - JWT_SECRET / JWT_PRIVATE_KEY_FILE: token signing key (HS256 secret or RSA PEM)
//   - QRCODE_TTL_SECONDS: lifetime of a QR login session. Default: 300
//   - WEBHOOK_TOKEN: shared secret of the scan event webhook. The webhook answers 403 while unset.
//   - RATE_LIMIT_PER_MINUTE: requests per client address on public login routes (0 disables). Default: 30
//   - LOG_LEVEL: Logging level (debug, info, warn, error). Default: info
//   - PORT: HTTP server port. Default: 8080
//
// # Example Usage
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string `mapstructure:"LOG_LEVEL"`
	Port     int    `mapstructure:"PORT"`
	BaseURL  string `mapstructure:"BASE_URL"`

	DBType          string `mapstructure:"DB_TYPE"` // sqlite, postgres, mysql
	DSN             string `mapstructure:"DSN"`
	SkipAutoMigrate bool   `mapstructure:"SKIP_AUTO_MIGRATE"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	JWTSecret         string        `mapstructure:"JWT_SECRET"`
	JWTPrivateKeyFile string        `mapstructure:"JWT_PRIVATE_KEY_FILE"`
	JWTKeyID          string        `mapstructure:"JWT_KEY_ID"`
	JWTIssuer         string        `mapstructure:"JWT_ISSUER"`
	AccessTokenTTL    time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL   time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`

	AuthRequestTTL  time.Duration `mapstructure:"AUTH_REQUEST_TTL"`
	LoginResultTTL  time.Duration `mapstructure:"LOGIN_RESULT_TTL"`
	UpstreamTimeout time.Duration `mapstructure:"UPSTREAM_TIMEOUT"`

	QRCodeTTLSeconds   int           `mapstructure:"QRCODE_TTL_SECONDS"`
	QRCodeWorkers      int           `mapstructure:"QRCODE_WORKERS"`
	QRCodeQueueSize    int           `mapstructure:"QRCODE_QUEUE_SIZE"`
	QRCodeEventTimeout time.Duration `mapstructure:"QRCODE_EVENT_TIMEOUT"`
	WeChatAPIBaseURL   string        `mapstructure:"WECHAT_API_BASE_URL"`
	WebhookToken       string        `mapstructure:"WEBHOOK_TOKEN"`

	RateLimitPerMinute int `mapstructure:"RATE_LIMIT_PER_MINUTE"`

	AdminToken      string `mapstructure:"ADMIN_TOKEN"`
	RegistryPreload bool   `mapstructure:"REGISTRY_PRELOAD"`

	OTelEnabled  bool   `mapstructure:"OTEL_ENABLED"`
	OTelEndpoint string `mapstructure:"OTEL_ENDPOINT"`
}

func LoadConfig() (*Config, error) {
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("PORT", 8080)
	viper.SetDefault("BASE_URL", "http://localhost:8080")
	viper.SetDefault("DB_TYPE", "sqlite")
	viper.SetDefault("DSN", "kayan.db")
	viper.SetDefault("SKIP_AUTO_MIGRATE", false)

	viper.SetDefault("REDIS_ADDR", "")
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)

	viper.SetDefault("JWT_SECRET", "")
	viper.SetDefault("JWT_PRIVATE_KEY_FILE", "")
	viper.SetDefault("JWT_KEY_ID", "kayan-1")
	viper.SetDefault("JWT_ISSUER", "kayan-connect")
	viper.SetDefault("ACCESS_TOKEN_TTL", 30*time.Minute)
	viper.SetDefault("REFRESH_TOKEN_TTL", 24*time.Hour)

	viper.SetDefault("AUTH_REQUEST_TTL", 10*time.Minute)
	viper.SetDefault("LOGIN_RESULT_TTL", 5*time.Minute)
	viper.SetDefault("UPSTREAM_TIMEOUT", 10*time.Second)

	viper.SetDefault("QRCODE_TTL_SECONDS", 300)
	viper.SetDefault("QRCODE_WORKERS", 4)
	viper.SetDefault("QRCODE_QUEUE_SIZE", 256)
	viper.SetDefault("QRCODE_EVENT_TIMEOUT", 15*time.Second)
	viper.SetDefault("WECHAT_API_BASE_URL", "https://api.weixin.qq.com")
	viper.SetDefault("WEBHOOK_TOKEN", "")

	viper.SetDefault("RATE_LIMIT_PER_MINUTE", 30)

	viper.SetDefault("ADMIN_TOKEN", "")
	viper.SetDefault("REGISTRY_PRELOAD", true)

	viper.SetDefault("OTEL_ENABLED", false)
	viper.SetDefault("OTEL_ENDPOINT", "")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

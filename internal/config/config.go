package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DeviceName string `envconfig:"DEVICE_NAME"`
	ServiceID  string `envconfig:"SERVICE_ID" default:"com.example.phototransfer"`
	AutoAccept bool   `envconfig:"AUTO_ACCEPT" default:"true"`

	Transport     string `envconfig:"TRANSPORT" default:"p2p"`
	P2PListenAddr string `envconfig:"P2P_LISTEN_ADDR" default:"/ip4/0.0.0.0/tcp/0"`

	DBPath     string `envconfig:"DB_PATH" default:"transfers.db"`
	CacheDir   string `envconfig:"CACHE_DIR" default:"cache"`
	GalleryDir string `envconfig:"GALLERY_DIR" required:"true"`
	PrivateDir string `envconfig:"PRIVATE_DIR" default:"private"`
	InboxDir   string `envconfig:"INBOX_DIR" default:"inbox"`

	RetryBackoff    time.Duration `envconfig:"RETRY_BACKOFF" default:"1s"`
	CacheRetention  time.Duration `envconfig:"CACHE_RETENTION" default:"24h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"phototransfer"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	API struct {
		Username string `envconfig:"API_USERNAME"`
		Password string `envconfig:"API_PASSWORD"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = GenerateDeviceName()
	}

	if cfg.API.Username != "" && cfg.API.Password == "" {
		return nil, fmt.Errorf("API_PASSWORD is required when API_USERNAME is set")
	}

	switch cfg.Transport {
	case "p2p", "loopback":
	default:
		return nil, fmt.Errorf("invalid transport: %s", cfg.Transport)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GenerateDeviceName returns the name this device advertises when none is configured (hostname+random).
func GenerateDeviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "device"
	}

	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + hex.EncodeToString(rnd)
}

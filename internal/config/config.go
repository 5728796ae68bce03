// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/omochice/relaychat/pkg/logger"
)

// Config holds the server settings.
type Config struct {
	Addr          string        `env:"CHAT_ADDR" envDefault:":8080"`
	WSPath        string        `env:"CHAT_WS_PATH" envDefault:"/ws"`
	UploadDir     string        `env:"CHAT_UPLOAD_DIR" envDefault:"uploads"`
	HistoryFile   string        `env:"CHAT_HISTORY_FILE"`
	MaxFrameBytes int           `env:"CHAT_MAX_FRAME_BYTES" envDefault:"4194304"`
	MaxFileBytes  int64         `env:"CHAT_MAX_FILE_BYTES" envDefault:"104857600"`
	OutboxSize    int           `env:"CHAT_OUTBOX_SIZE" envDefault:"256"`
	WriteTimeout  time.Duration `env:"CHAT_WRITE_TIMEOUT" envDefault:"10s"`
	TransferTTL   time.Duration `env:"CHAT_TRANSFER_TTL" envDefault:"10m"`
	SweepInterval time.Duration `env:"CHAT_SWEEP_INTERVAL" envDefault:"1m"`
	Users         []string      `env:"CHAT_USERS" envSeparator:","`
	LogLevel      string        `env:"CHAT_LOG_LEVEL" envDefault:"info"`
	LogFile       string        `env:"CHAT_LOG_FILE"`
}

// Account is one seed account from CHAT_USERS.
type Account struct {
	Username string
	Email    string
	Password string
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Addr:          ":8080",
		WSPath:        "/ws",
		UploadDir:     "uploads",
		MaxFrameBytes: 4 << 20,
		MaxFileBytes:  100 << 20,
		OutboxSize:    256,
		WriteTimeout:  10 * time.Second,
		TransferTTL:   10 * time.Minute,
		SweepInterval: time.Minute,
		LogLevel:      "info",
	}
}

// Load reads the process environment.
func Load() (Config, error) {
	return load(nil)
}

// load reads environ, or the process environment when environ is nil.
func load(environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Environment: environ}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg.Sanitize(), nil
}

// Sanitize replaces empty or out-of-range values with defaults. A zero
// TransferTTL is kept and disables expiry.
func (c Config) Sanitize() Config {
	def := Default()
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = def.Addr
	}
	if c.WSPath == "" {
		c.WSPath = def.WSPath
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		c.WSPath = "/" + c.WSPath
	}
	if strings.TrimSpace(c.UploadDir) == "" {
		c.UploadDir = def.UploadDir
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = def.MaxFileBytes
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = def.OutboxSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.TransferTTL < 0 {
		c.TransferTTL = def.TransferTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		c.LogLevel = def.LogLevel
	}
	return c
}

// Accounts parses Users entries of the form user:email:password. Malformed
// entries are skipped with a warning. The password may itself contain colons.
func (c Config) Accounts() []Account {
	accounts := make([]Account, 0, len(c.Users))
	for _, raw := range c.Users {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			logger.WarnCF("config", "Skipping malformed seed account", map[string]any{
				"entry": parts[0],
			})
			continue
		}
		accounts = append(accounts, Account{Username: parts[0], Email: parts[1], Password: parts[2]})
	}
	return accounts
}

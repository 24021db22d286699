// Package config loads runtime settings from the environment and bot
// definitions from a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/lihuazhang/aicowork/pkg/bridge"
)

// Settings is the process-level configuration, read from the environment.
type Settings struct {
	// DataDir holds the session database.
	DataDir string `env:"AICOWORK_DATA_DIR"`
	// BotsFile is the YAML file listing bot credentials and policies.
	// Defaults to <DataDir>/bots.yaml.
	BotsFile string `env:"AICOWORK_BOTS_FILE"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"AICOWORK_LOG_LEVEL" envDefault:"info"`
	// HTTPTimeout bounds every DingTalk API call.
	HTTPTimeout time.Duration `env:"AICOWORK_HTTP_TIMEOUT" envDefault:"30s"`

	// APIAddr is the admin HTTP listen address; empty disables the API.
	APIAddr string `env:"AICOWORK_API_ADDR"`
	// APIKey protects the admin API. Empty generates a per-session key.
	APIKey string `env:"AICOWORK_API_KEY"`

	// AnthropicAPIKey authenticates the reference agent runner.
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	// Model overrides the runner's default model.
	Model string `env:"AICOWORK_MODEL"`
}

// Load reads settings from the environment and fills path defaults.
func Load() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse environment: %w", err)
	}
	if s.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Settings{}, fmt.Errorf("resolve home dir: %w", err)
		}
		s.DataDir = filepath.Join(home, ".aicowork")
	}
	if s.BotsFile == "" {
		s.BotsFile = filepath.Join(s.DataDir, "bots.yaml")
	}
	return s, nil
}

// DatabasePath is the location of the session store.
func (s Settings) DatabasePath() string {
	return filepath.Join(s.DataDir, "sessions.db")
}

// botsFile is the on-disk shape of the bot list.
type botsFile struct {
	Bots []bridge.NamedBotConfig `yaml:"bots"`
}

// BotStore loads bot definitions from a YAML file. A missing file is an
// empty list, so a fresh install starts cleanly.
type BotStore struct {
	path string
}

var _ bridge.ConfigSource = (*BotStore)(nil)

// NewBotStore creates a store backed by the given YAML file.
func NewBotStore(path string) *BotStore {
	return &BotStore{path: path}
}

// LoadBots implements bridge.ConfigSource.
func (s *BotStore) LoadBots() ([]bridge.NamedBotConfig, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read bot config %s: %w", s.path, err)
	}
	var f botsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse bot config %s: %w", s.path, err)
	}
	for i, bot := range f.Bots {
		if bot.Name == "" {
			return nil, fmt.Errorf("bot config %s: entry %d has no name", s.path, i)
		}
		f.Bots[i].Config = bot.Config.Normalize()
	}
	return f.Bots, nil
}

// SaveBots writes the bot list back to disk with owner-only permissions;
// the file carries credentials.
func (s *BotStore) SaveBots(bots []bridge.NamedBotConfig) error {
	raw, err := yaml.Marshal(botsFile{Bots: bots})
	if err != nil {
		return fmt.Errorf("encode bot config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write bot config %s: %w", s.path, err)
	}
	return nil
}

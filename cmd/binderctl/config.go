package main

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/binderkit/go-binder/internal/logging"
)

// ParticipantConfig describes one process joining the demo domain.
type ParticipantConfig struct {
	PID            int32 `yaml:"pid"`
	EUID           uint32 `yaml:"euid"`
	ContextManager bool   `yaml:"context_manager"`
	MaxThreads     int    `yaml:"max_threads"`
}

// TransactionConfig describes one BC_TRANSACTION a participant issues after
// the domain's context manager is registered.
type TransactionConfig struct {
	From   int32  `yaml:"from"`
	To     uint64 `yaml:"to"` // handle; 0 is the context manager
	Code   uint32 `yaml:"code"`
	Data   string `yaml:"data"`
	OneWay bool   `yaml:"one_way"`
}

// SessionConfig is the top-level binderctl config file shape.
type SessionConfig struct {
	LogLevel     string              `yaml:"log_level"`
	ReadBuffer   datasize.ByteSize   `yaml:"read_buffer"`
	Participants []ParticipantConfig `yaml:"participants"`
	Transactions []TransactionConfig `yaml:"transactions"`
}

// DefaultSessionConfig reproduces spec.md's S1 Hello scenario: one context
// manager and one peer that sends a single two-way "ping".
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		LogLevel:   "info",
		ReadBuffer: 4 * datasize.KB,
		Participants: []ParticipantConfig{
			{PID: 1, EUID: 1000, ContextManager: true, MaxThreads: 4},
			{PID: 2, EUID: 1000},
		},
		Transactions: []TransactionConfig{
			{From: 2, To: 0, Code: 1, Data: "ping"},
		},
	}
}

// LoadSessionConfig reads and parses a YAML session file. A missing path
// falls back to DefaultSessionConfig so `binderctl serve` works with no
// flags at all.
func LoadSessionConfig(path string) (*SessionConfig, error) {
	if path == "" {
		return DefaultSessionConfig(), nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultSessionConfig()
	cfg.Participants = nil
	cfg.Transactions = nil
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ReadBuffer == 0 {
		cfg.ReadBuffer = 4 * datasize.KB
	}
	return cfg, nil
}

// logLevelValue maps the config's string level to logging.LogLevel, defaulting
// to info on anything unrecognized.
func (c *SessionConfig) logLevelValue() logging.LogLevel {
	switch c.LogLevel {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

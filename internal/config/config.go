// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"courier/internal/broadcast"
	"courier/internal/connection"
	"courier/internal/envelope"
	"courier/internal/jobs"
	"courier/internal/orchestrator"
	"courier/internal/router"
	"courier/internal/statesync"
	"courier/internal/storage"
	"courier/internal/transcribe"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "COURIER_"

// Config represents the courier hub configuration
type Config struct {
	Hub           HubConfig           `yaml:"hub"`
	API           APIConfig           `yaml:"api"`
	Transport     TransportConfig     `yaml:"transport"`
	Router        router.Config       `yaml:"router"`
	Broadcast     broadcast.Config    `yaml:"broadcast"`
	Connection    connection.Config   `yaml:"connection"`
	Sync          statesync.Config    `yaml:"sync"`
	Jobs          jobs.Config         `yaml:"jobs"`
	Orchestrator  orchestrator.Config `yaml:"orchestrator"`
	Storage       storage.Config      `yaml:"storage"`
	Transcription transcribe.Config   `yaml:"transcription"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// HubConfig contains hub identity and housekeeping settings
type HubConfig struct {
	ID                 string        `yaml:"id" env:"ID"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" env:"CHECKPOINT_INTERVAL"`
	EnforceQuota       bool          `yaml:"enforce_quota" env:"ENFORCE_QUOTA"`
}

// APIConfig contains the HTTP control surface settings
type APIConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	Listen         string        `yaml:"listen" env:"LISTEN"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	// AuthSecret enables bearer token checks on the control routes when set
	AuthSecret     string        `yaml:"auth_secret" env:"AUTH_SECRET"`
	TokenTTL       time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
}

// TransportConfig selects the wire codec and the peer transports
type TransportConfig struct {
	Codec       string       `yaml:"codec" env:"CODEC"`
	Default     string       `yaml:"default" env:"DEFAULT"`
	ZMQListen   string       `yaml:"zmq_listen" env:"ZMQ_LISTEN"`
	ZMQIdentity string       `yaml:"zmq_identity" env:"ZMQ_IDENTITY"`
	Peers       []PeerConfig `yaml:"peers"`
}

// PeerConfig is a component the hub dials at startup
type PeerConfig struct {
	ID           string   `yaml:"id"`
	Type         string   `yaml:"type"`
	Transport    string   `yaml:"transport"`
	Address      string   `yaml:"address"`
	Capabilities []string `yaml:"capabilities"`
}

// LoggingConfig controls log level and output format
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Pretty bool   `yaml:"pretty" env:"PRETTY"`
}

// Default returns a configuration that runs a self-contained hub
func Default() *Config {
	return &Config{
		Hub: HubConfig{
			ID:                 "courier-hub",
			CheckpointInterval: 30 * time.Second,
			EnforceQuota:       true,
		},
		API: APIConfig{
			Enabled:     true,
			Listen:      "127.0.0.1:8420",
			ReadTimeout: 15 * time.Second,
			TokenTTL:    24 * time.Hour,
		},
		Transport: TransportConfig{
			Codec:       "json",
			Default:     "websocket",
			ZMQIdentity: "courier-hub",
		},
		Router:        router.DefaultConfig(),
		Broadcast:     broadcast.Config{HistorySize: 100},
		Connection:    connection.DefaultConfig(),
		Sync:          statesync.DefaultConfig(),
		Jobs:          jobs.DefaultConfig(),
		Orchestrator:  orchestrator.DefaultConfig(),
		Storage:       storage.Config{Backend: "sqlite", SQLitePath: "courier.db", RedisPrefix: "courier"},
		Transcription: transcribe.Config{Provider: "simulator", Timeout: 30 * time.Second},
		Logging:       LoggingConfig{Level: "info", Pretty: true},
	}
}

// LoadConfig reads a YAML file over the defaults, then applies .env and
// COURIER_* environment overrides and validates the result
func LoadConfig(filepath string) (*Config, error) {
	config, err := ReadFile(filepath)
	if err != nil {
		return nil, err
	}

	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	config.fillIdentity()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// ReadFile reads a YAML file over the defaults without environment
// overrides or validation. Use it to edit a file in place.
func ReadFile(filepath string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// LoadDotEnv loads variables from path when it exists. Variables already set win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides settings from COURIER_* environment variables
func (c *Config) ApplyEnv() error {
	sections := []struct {
		prefix string
		target interface{}
	}{
		{"HUB_", &c.Hub},
		{"API_", &c.API},
		{"TRANSPORT_", &c.Transport},
		{"STORAGE_", &c.Storage},
		{"TRANSCRIPTION_", &c.Transcription},
		{"LOG_", &c.Logging},
	}
	for _, section := range sections {
		opts := env.Options{Prefix: EnvPrefix + section.prefix}
		if err := env.ParseWithOptions(section.target, opts); err != nil {
			return fmt.Errorf("failed to apply %s%s environment: %w", EnvPrefix, section.prefix, err)
		}
	}
	return nil
}

// fillIdentity propagates the hub ID to sections that were left empty
func (c *Config) fillIdentity() {
	if c.Connection.LocalID == "" || c.Connection.LocalID == connection.DefaultConfig().LocalID {
		c.Connection.LocalID = c.Hub.ID
	}
	if c.Sync.SourceID == "" || c.Sync.SourceID == statesync.DefaultConfig().SourceID {
		c.Sync.SourceID = c.Hub.ID
	}
	if c.Transport.ZMQIdentity == "" {
		c.Transport.ZMQIdentity = c.Hub.ID
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Hub.ID == "" {
		return fmt.Errorf("hub.id is required")
	}
	if c.Hub.CheckpointInterval <= 0 {
		return fmt.Errorf("hub.checkpoint_interval must be positive")
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	if c.API.AuthSecret != "" && len(c.API.AuthSecret) < 32 {
		return fmt.Errorf("api.auth_secret must be at least 32 characters")
	}
	if c.API.AuthSecret != "" && c.API.TokenTTL <= 0 {
		return fmt.Errorf("api.token_ttl must be positive when auth is enabled")
	}

	if _, err := envelope.CodecByName(c.Transport.Codec); err != nil {
		return fmt.Errorf("transport.codec: %w", err)
	}
	if !knownTransport(c.Transport.Default) {
		return fmt.Errorf("transport.default must be one of memory, websocket, zmq")
	}
	peerIDs := make(map[string]bool)
	for i, peer := range c.Transport.Peers {
		if peer.ID == "" {
			return fmt.Errorf("transport.peers[%d].id is required", i)
		}
		if peerIDs[peer.ID] {
			return fmt.Errorf("duplicate peer ID: %s", peer.ID)
		}
		peerIDs[peer.ID] = true

		if !envelope.ComponentType(peer.Type).Valid() {
			return fmt.Errorf("transport.peers[%d].type %q is not a component type", i, peer.Type)
		}
		if peer.Address == "" {
			return fmt.Errorf("transport.peers[%d].address is required", i)
		}
		if peer.Transport != "" && !knownTransport(peer.Transport) {
			return fmt.Errorf("transport.peers[%d].transport %q is unknown", i, peer.Transport)
		}
	}

	checks := []struct {
		section string
		err     error
	}{
		{"router", c.Router.Validate()},
		{"connection", c.Connection.Validate()},
		{"sync", c.Sync.Validate()},
		{"jobs", c.Jobs.Validate()},
		{"orchestrator", c.Orchestrator.Validate()},
	}
	for _, check := range checks {
		if check.err != nil {
			return fmt.Errorf("%s: %w", check.section, check.err)
		}
	}

	switch c.Storage.Backend {
	case "", "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("storage.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is unknown", c.Storage.Backend)
	}

	switch c.Transcription.Provider {
	case "simulator":
	case "http":
		if c.Transcription.BaseURL == "" {
			return fmt.Errorf("transcription.base_url is required for the http provider")
		}
	default:
		return fmt.Errorf("transcription.provider %q is unknown", c.Transcription.Provider)
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// Save saves the configuration to a YAML file
func (c *Config) Save(filepath string) error {
	return SaveConfig(c, filepath)
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func knownTransport(name string) bool {
	switch name {
	case "memory", "websocket", "zmq":
		return true
	}
	return false
}

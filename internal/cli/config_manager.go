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

package cli

import (
	"errors"
	"fmt"
	"os"

	"courier/internal/config"
)

var (
	ErrPeerExists   = errors.New("peer already configured")
	ErrPeerNotFound = errors.New("peer not configured")
)

// ConfigManager edits the static peer list of a hub configuration file
type ConfigManager struct {
	configPath string
}

// NewConfigManager creates a new config manager
func NewConfigManager(configPath string) *ConfigManager {
	return &ConfigManager{
		configPath: configPath,
	}
}

// GetConfigPath returns the managed file
func (cm *ConfigManager) GetConfigPath() string {
	return cm.configPath
}

// LoadConfig reads the file, creating it with defaults when missing.
// Environment overrides are not applied so a save writes back only what
// the file held.
func (cm *ConfigManager) LoadConfig() (*config.Config, error) {
	if _, err := os.Stat(cm.configPath); errors.Is(err, os.ErrNotExist) {
		defaultConfig := config.Default()
		if err := cm.SaveConfig(defaultConfig); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return defaultConfig, nil
	}

	cfg, err := config.ReadFile(cm.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// SaveConfig validates and writes the configuration
func (cm *ConfigManager) SaveConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid config: %w", err)
	}
	if err := config.SaveConfig(cfg, cm.configPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// AddPeer adds a component the hub dials at startup
func (cm *ConfigManager) AddPeer(peer config.PeerConfig) error {
	cfg, err := cm.LoadConfig()
	if err != nil {
		return err
	}

	for _, existing := range cfg.Transport.Peers {
		if existing.ID == peer.ID {
			return fmt.Errorf("%w: %s", ErrPeerExists, peer.ID)
		}
	}

	cfg.Transport.Peers = append(cfg.Transport.Peers, peer)
	return cm.SaveConfig(cfg)
}

// UpdatePeer replaces a configured peer, keeping its ID
func (cm *ConfigManager) UpdatePeer(peerID string, updated config.PeerConfig) error {
	cfg, err := cm.LoadConfig()
	if err != nil {
		return err
	}

	for i, peer := range cfg.Transport.Peers {
		if peer.ID == peerID {
			updated.ID = peerID
			cfg.Transport.Peers[i] = updated
			return cm.SaveConfig(cfg)
		}
	}
	return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
}

// RemovePeer drops a configured peer
func (cm *ConfigManager) RemovePeer(peerID string) error {
	cfg, err := cm.LoadConfig()
	if err != nil {
		return err
	}

	for i, peer := range cfg.Transport.Peers {
		if peer.ID == peerID {
			cfg.Transport.Peers = append(cfg.Transport.Peers[:i], cfg.Transport.Peers[i+1:]...)
			return cm.SaveConfig(cfg)
		}
	}
	return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
}

// GetPeer returns one configured peer
func (cm *ConfigManager) GetPeer(peerID string) (*config.PeerConfig, error) {
	peers, err := cm.ListPeers()
	if err != nil {
		return nil, err
	}
	for _, peer := range peers {
		if peer.ID == peerID {
			return &peer, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
}

// ListPeers returns every configured peer
func (cm *ConfigManager) ListPeers() ([]config.PeerConfig, error) {
	cfg, err := cm.LoadConfig()
	if err != nil {
		return nil, err
	}
	return cfg.Transport.Peers, nil
}

// ValidateConfig loads the file the way the daemon does, environment included
func (cm *ConfigManager) ValidateConfig() error {
	_, err := config.LoadConfig(cm.configPath)
	return err
}

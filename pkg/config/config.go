// Copyright 2024 The pubsub-go Authors
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

// Package config provides configuration management for pubsub-go: the
// static broker address table, capacity limits, timeouts, and the directory
// service address. Configuration is read from a YAML or JSON file and can
// be overridden per-field through PUBSUB_* environment variables (loaded
// from a .env file when one is present).
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// BrokerConfig holds the settings of a single broker node. Brokers is the
// fixed cluster membership table, broker id to host:port; it must contain
// the local broker's own entry.
type BrokerConfig struct {
	BrokerID            int            `yaml:"broker_id" json:"broker_id"`
	Brokers             map[int]string `yaml:"brokers" json:"brokers"`
	MaxPublishers       int            `yaml:"max_publishers" json:"max_publishers"`
	MaxSubscribers      int            `yaml:"max_subscribers" json:"max_subscribers"`
	MaxMessageLength    int            `yaml:"max_message_length" json:"max_message_length"`
	ConnectTimeoutMS    int            `yaml:"connect_timeout_ms" json:"connect_timeout_ms"`
	ReconnectIntervalMS int            `yaml:"reconnect_interval_ms" json:"reconnect_interval_ms"`
	DirectoryAddress    string         `yaml:"directory_address" json:"directory_address"`
	MetricsPort         string         `yaml:"metrics_port" json:"metrics_port"`
}

// Config holds the complete configuration.
type Config struct {
	Broker BrokerConfig `yaml:"broker" json:"broker"`
}

// DefaultConfig returns the default three-broker configuration.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			BrokerID: 0,
			Brokers: map[int]string{
				0: "localhost:5003",
				1: "localhost:5001",
				2: "localhost:5002",
			},
			MaxPublishers:       5,
			MaxSubscribers:      10,
			MaxMessageLength:    100,
			ConnectTimeoutMS:    5000,
			ReconnectIntervalMS: 5000,
			DirectoryAddress:    "localhost:6000",
			MetricsPort:         ":8082",
		},
	}
}

// LoadConfig loads configuration from a file, falling back to defaults when
// no path is given, and applies PUBSUB_* environment overrides last.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}

		ext := strings.ToLower(filepath.Ext(configPath))
		switch ext {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, config)
		case ".json":
			err = json.Unmarshal(data, config)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	// A .env file is optional; absence is not an error.
	_ = godotenv.Load()
	applyEnv(&config.Broker)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// SaveConfig saves configuration to a file.
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

func applyEnv(c *BrokerConfig) {
	if v, ok := envInt("PUBSUB_BROKER_ID"); ok {
		c.BrokerID = v
	}
	if v := os.Getenv("PUBSUB_DIRECTORY_ADDRESS"); v != "" {
		c.DirectoryAddress = v
	}
	if v := os.Getenv("PUBSUB_METRICS_PORT"); v != "" {
		c.MetricsPort = v
	}
	if v, ok := envInt("PUBSUB_MAX_PUBLISHERS"); ok {
		c.MaxPublishers = v
	}
	if v, ok := envInt("PUBSUB_MAX_SUBSCRIBERS"); ok {
		c.MaxSubscribers = v
	}
	if v, ok := envInt("PUBSUB_MAX_MESSAGE_LENGTH"); ok {
		c.MaxMessageLength = v
	}
	if v, ok := envInt("PUBSUB_CONNECT_TIMEOUT_MS"); ok {
		c.ConnectTimeoutMS = v
	}
	if v, ok := envInt("PUBSUB_RECONNECT_INTERVAL_MS"); ok {
		c.ReconnectIntervalMS = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func validateConfig(config *Config) error {
	b := &config.Broker
	if len(b.Brokers) == 0 {
		return fmt.Errorf("brokers table cannot be empty")
	}
	if _, ok := b.Brokers[b.BrokerID]; !ok {
		return fmt.Errorf("broker_id %d has no entry in the brokers table", b.BrokerID)
	}
	for id, addr := range b.Brokers {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("broker %d: invalid address %q: %w", id, addr, err)
		}
	}
	if b.MaxPublishers <= 0 {
		return fmt.Errorf("max_publishers must be positive")
	}
	if b.MaxSubscribers <= 0 {
		return fmt.Errorf("max_subscribers must be positive")
	}
	if b.MaxMessageLength <= 0 {
		return fmt.Errorf("max_message_length must be positive")
	}
	if b.ConnectTimeoutMS <= 0 {
		return fmt.Errorf("connect_timeout_ms must be positive")
	}
	if b.ReconnectIntervalMS <= 0 {
		return fmt.Errorf("reconnect_interval_ms must be positive")
	}
	return nil
}

// ListenAddr returns the local broker's own address from the table.
func (b *BrokerConfig) ListenAddr() string {
	return b.Brokers[b.BrokerID]
}

// HostPort splits the local broker's address for directory registration.
func (b *BrokerConfig) HostPort() (string, int, error) {
	host, portStr, err := net.SplitHostPort(b.ListenAddr())
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// PeerAddrs returns the address table without the local broker's entry.
func (b *BrokerConfig) PeerAddrs() map[int]string {
	peers := make(map[int]string, len(b.Brokers))
	for id, addr := range b.Brokers {
		if id == b.BrokerID {
			continue
		}
		peers[id] = addr
	}
	return peers
}

// ConnectTimeout returns the peer dial timeout as a duration.
func (b *BrokerConfig) ConnectTimeout() time.Duration {
	return time.Duration(b.ConnectTimeoutMS) * time.Millisecond
}

// ReconnectInterval returns the peer reconnect sweep interval as a duration.
func (b *BrokerConfig) ReconnectInterval() time.Duration {
	return time.Duration(b.ReconnectIntervalMS) * time.Millisecond
}

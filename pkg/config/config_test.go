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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	b := cfg.Broker
	assert.Equal(t, 0, b.BrokerID)
	assert.Equal(t, map[int]string{0: "localhost:5003", 1: "localhost:5001", 2: "localhost:5002"}, b.Brokers)
	assert.Equal(t, 5, b.MaxPublishers)
	assert.Equal(t, 10, b.MaxSubscribers)
	assert.Equal(t, 100, b.MaxMessageLength)
	assert.Equal(t, "localhost:6000", b.DirectoryAddress)
	assert.Equal(t, 5*time.Second, b.ConnectTimeout())
	assert.Equal(t, 5*time.Second, b.ReconnectInterval())
}

func TestLoadConfigDefaultsWithoutPath(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	data := `broker:
  broker_id: 2
  brokers:
    0: "localhost:5003"
    1: "localhost:5001"
    2: "localhost:5002"
  max_publishers: 7
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Broker.BrokerID)
	assert.Equal(t, 7, cfg.Broker.MaxPublishers)
	// Untouched fields keep their defaults.
	assert.Equal(t, 10, cfg.Broker.MaxSubscribers)
	assert.Equal(t, "localhost:6000", cfg.Broker.DirectoryAddress)
}

func TestLoadConfigUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	data := `broker:
  max_publishers: 7
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	t.Setenv("PUBSUB_MAX_PUBLISHERS", "9")
	t.Setenv("PUBSUB_DIRECTORY_ADDRESS", "directory.internal:6000")
	t.Setenv("PUBSUB_BROKER_ID", "1")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Broker.MaxPublishers)
	assert.Equal(t, "directory.internal:6000", cfg.Broker.DirectoryAddress)
	assert.Equal(t, 1, cfg.Broker.BrokerID)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty broker table", func(c *Config) { c.Broker.Brokers = nil }},
		{"unknown broker id", func(c *Config) { c.Broker.BrokerID = 9 }},
		{"bad address", func(c *Config) { c.Broker.Brokers[1] = "no-port-here" }},
		{"zero publishers", func(c *Config) { c.Broker.MaxPublishers = 0 }},
		{"negative subscribers", func(c *Config) { c.Broker.MaxSubscribers = -1 }},
		{"zero message length", func(c *Config) { c.Broker.MaxMessageLength = 0 }},
		{"zero connect timeout", func(c *Config) { c.Broker.ConnectTimeoutMS = 0 }},
		{"zero reconnect interval", func(c *Config) { c.Broker.ReconnectIntervalMS = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, validateConfig(cfg))
		})
	}
}

func TestSaveAndReloadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.BrokerID = 1
	cfg.Broker.MaxMessageLength = 256

	for _, ext := range []string{"yaml", "json"} {
		path := filepath.Join(t.TempDir(), "broker."+ext)
		require.NoError(t, SaveConfig(cfg, path))

		loaded, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, cfg, loaded, "round trip through %s", ext)
	}
}

func TestHelpers(t *testing.T) {
	b := DefaultConfig().Broker
	b.BrokerID = 1

	assert.Equal(t, "localhost:5001", b.ListenAddr())

	host, port, err := b.HostPort()
	require.NoError(t, err)
	assert.Equal(t, "localhost", host)
	assert.Equal(t, 5001, port)

	peers := b.PeerAddrs()
	assert.Equal(t, map[int]string{0: "localhost:5003", 2: "localhost:5002"}, peers)
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config represents the complete configuration for a CareLink agent.
type Config struct {
	Agent    AgentConfig       `json:"agent"`
	Network  NetworkConfig     `json:"network"`
	Router   RouterConfig      `json:"router"`
	Stream   StreamConfig      `json:"stream"`
	Registry RegistryConfig    `json:"registry"`
	Peers    map[string]string `json:"peers,omitempty"`
}

// AgentConfig contains the local agent's identity and declared capabilities.
type AgentConfig struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Version          string   `json:"version"`
	Capabilities     []string `json:"capabilities"`
	Specialties      []string `json:"specialties,omitempty"`
	EmergencyCapable bool     `json:"emergency_capable"`
}

// NetworkConfig contains transport configuration.
type NetworkConfig struct {
	ListenAddr   string `json:"listen_addr"`
	AdvertiseURL string `json:"advertise_url"`
	TLSCertFile  string `json:"tls_cert_file,omitempty"`
	TLSKeyFile   string `json:"tls_key_file,omitempty"`
}

// RouterConfig tunes the message router.
type RouterConfig struct {
	Workers int `json:"workers"`
}

// StreamConfig tunes the status stream.
type StreamConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
}

// RegistryConfig contains registry snapshot settings.
type RegistryConfig struct {
	SnapshotPath string `json:"snapshot_path,omitempty"`
}

// Load reads configuration from a JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadDefault returns a configuration with sensible defaults.
func LoadDefault() *Config {
	cfg := &Config{
		Agent: AgentConfig{
			ID:           "carelink-agent",
			Name:         "CareLink Agent",
			Version:      "0.1.0",
			Capabilities: []string{"clinical-reasoning"},
		},
		Network: NetworkConfig{
			ListenAddr: "0.0.0.0:8080",
		},
		Peers: map[string]string{},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Router.Workers <= 0 {
		c.Router.Workers = 4
	}
	if c.Stream.IntervalSeconds <= 0 {
		c.Stream.IntervalSeconds = 10
	}
	if c.Network.ListenAddr == "" {
		c.Network.ListenAddr = "0.0.0.0:8080"
	}
	if c.Network.AdvertiseURL == "" {
		c.Network.AdvertiseURL = fmt.Sprintf("http://%s", c.Network.ListenAddr)
	}
}

// Package config loads server/client configuration from YAML, the way
// the n-backup pack manifest configures its agent/server (gopkg.in/yaml.v3).
// The CLI owns flag parsing
// (there are no environment overrides); this package only owns the
// on-disk shape and sane defaults.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures a running BlobDVM server engine.
type ServerConfig struct {
	Name                 string   `yaml:"name"`
	About                string   `yaml:"about"`
	Relays               []string `yaml:"relays"`
	MaxFileSize          uint64   `yaml:"max_file_size"`
	RetentionHours       uint32   `yaml:"retention_hours"`
	MaxStoredBytes       uint64   `yaml:"max_stored_bytes"` // 0 = unbounded
	SweepIntervalSeconds int      `yaml:"sweep_interval_seconds"`
	PublishRateLimit     float64  `yaml:"publish_rate_limit"` // chunk events/sec, 0 = unlimited
	PublishBurst         int      `yaml:"publish_burst"`
	JobQueueCapacity     int      `yaml:"job_queue_capacity"`
	Workers              int      `yaml:"workers"`
}

// DefaultServerConfig returns the protocol's mandated and otherwise
// sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Name:                 "blobdvm",
		About:                "content-addressed blob storage over Nostr",
		MaxFileSize:          10 * 1024 * 1024,
		RetentionHours:       24,
		MaxStoredBytes:       0,
		SweepIntervalSeconds: 30,
		PublishRateLimit:     50,
		PublishBurst:         50,
		JobQueueCapacity:     1024,
		Workers:              4,
	}
}

// LoadServerConfig reads path as YAML over DefaultServerConfig.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ClientConfig configures a BlobDVM client engine.
type ClientConfig struct {
	Relays                 []string `yaml:"relays"`
	ResponseTimeoutSeconds int      `yaml:"response_timeout_seconds"`
	ChunkTimeoutSeconds    int      `yaml:"chunk_timeout_seconds"`
	ConcurrentChunkFetch   int      `yaml:"concurrent_chunk_fetch"`
	DiscoveryLimit         int      `yaml:"discovery_limit"`
}

// DefaultClientConfig returns the protocol's mandated and otherwise
// sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ResponseTimeoutSeconds: 30,
		ChunkTimeoutSeconds:    30,
		ConcurrentChunkFetch:   4,
		DiscoveryLimit:         50,
	}
}

// LoadClientConfig reads path as YAML over DefaultClientConfig.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

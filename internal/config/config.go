// Package config loads optional YAML configuration files for the shardkv
// service binaries, so a cluster can be scripted from a file instead of
// repeating flags on every invocation.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path into out. A missing path is not an
// error: callers pass an empty --config flag when no file was given, and
// Load treats that as "nothing to load".
func Load(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// ShardmasterFile is the shape of a shardmaster --config file.
type ShardmasterFile struct {
	Addr   string `yaml:"addr"`
	MinKey uint32 `yaml:"min_key"`
	MaxKey uint32 `yaml:"max_key"`
}

// ShardManagerFile is the shape of a shard manager --config file.
type ShardManagerFile struct {
	Addr            string `yaml:"addr"`
	ShardmasterAddr string `yaml:"shardmaster_addr"`
}

// ShardWorkerFile is the shape of a shard worker --config file.
type ShardWorkerFile struct {
	Addr             string `yaml:"addr"`
	ShardManagerAddr string `yaml:"shard_manager_addr"`
}

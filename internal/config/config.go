// Package config loads and hot-patches hashtreed's YAML configuration.
package config

import (
	"encoding/json"
	"os"

	jsonpatch "github.com/evanphx/json-patch"
	"gopkg.in/yaml.v2"

	"github.com/mmalmi/hashtreed/internal/pathutil"
)

// Config is the top-level hashtreed configuration.
type Config struct {
	DataDir         string   `yaml:"data_dir" json:"data_dir"`
	GatewayAddr     string   `yaml:"gateway_addr" json:"gateway_addr"`
	BlossomServers  []string `yaml:"blossom_servers" json:"blossom_servers"`
	NostrRelays     []string `yaml:"nostr_relays" json:"nostr_relays"`
	LocalCacheBytes int64    `yaml:"local_cache_bytes" json:"local_cache_bytes"`
	PeerPoolSize    int      `yaml:"peer_pool_size" json:"peer_pool_size"`
	Debug           bool     `yaml:"debug" json:"debug"`
}

// Default returns the configuration used when no file is present or a
// field is left unset, mirroring the defaults in the original
// htree.rs (default Blossom/Nostr relay lists).
func Default() *Config {
	return &Config{
		DataDir:     pathutil.VarDir(),
		GatewayAddr: "127.0.0.1:21417",
		BlossomServers: []string{
			"https://blossom.primal.net",
			"https://blossom.nostr.hu",
		},
		NostrRelays: []string{
			"wss://relay.damus.io",
			"wss://nos.lol",
			"wss://relay.nostr.band",
		},
		LocalCacheBytes: 2 << 30, // 2GiB
		PeerPoolSize:    16,
	}
}

// Load reads a YAML config file at path, falling back to defaults for
// any field the file doesn't set. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyMergePatch applies a JSON merge patch (RFC 7386) to the config,
// used when a kind-10063 Blossom server-list event updates just one field without
// the caller needing to round-trip the whole struct.
func (c *Config) ApplyMergePatch(patch []byte) error {
	cur, err := json.Marshal(c)
	if err != nil {
		return err
	}
	merged, err := jsonpatch.MergePatch(cur, patch)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, c)
}

// Save writes the config back to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// Package config loads this homeserver's TOML configuration, the way
// conduit's figment-based CONDUIT_CONFIG/CONDUIT_* loading works
// (original_source/src/main.rs), reimplemented with
// github.com/pelletier/go-toml/v2 plus a plain os.LookupEnv overlay
// since there's no figment equivalent among the retrieved examples.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration for a homeserver process.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	HTTP    HTTPConfig    `toml:"http"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig identifies this homeserver to the federation and holds
// its signing identity (spec.md §4.2's "this server's signing key").
type ServerConfig struct {
	Name           string `toml:"name"`
	KeyID          string `toml:"key_id"`
	SigningKeyPath string `toml:"signing_key_path"`
}

// StorageConfig points at the Badger data directory backing storage/kv.
type StorageConfig struct {
	Path string `toml:"path"`
}

// HTTPConfig holds the address the internal RPC listener (serving the
// routes federationapi/inthttp registers) binds to.
type HTTPConfig struct {
	InternalListen string `toml:"internal_listen"`
}

// LoggingConfig controls logrus's level and formatter.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Name:  "localhost",
			KeyID: "ed25519:1",
		},
		Storage: StorageConfig{
			Path: "./homeserver-data",
		},
		HTTP: HTTPConfig{
			InternalListen: "127.0.0.1:7775",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path (a TOML file named by the CONDUIT_CONFIG env var
// convention, see original_source/src/main.rs), applies defaults for
// anything missing, then overlays CONDUIT_-prefixed environment
// variables the same way conduit's figment merge does.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv("CONDUIT_CONFIG")
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %q: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides mirrors conduit's Env::prefixed("CONDUIT_").global()
// overlay (original_source/src/main.rs).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONDUIT_SERVER_NAME"); v != "" {
		cfg.Server.Name = v
	}
	if v := os.Getenv("CONDUIT_SERVER_KEY_ID"); v != "" {
		cfg.Server.KeyID = v
	}
	if v := os.Getenv("CONDUIT_SERVER_SIGNING_KEY_PATH"); v != "" {
		cfg.Server.SigningKeyPath = v
	}
	if v := os.Getenv("CONDUIT_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CONDUIT_HTTP_INTERNAL_LISTEN"); v != "" {
		cfg.HTTP.InternalListen = v
	}
	if v := os.Getenv("CONDUIT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CONDUIT_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Name == "" {
		return fmt.Errorf("config: server.name is required")
	}
	if cfg.Server.KeyID == "" {
		return fmt.Errorf("config: server.key_id is required")
	}
	if cfg.Storage.Path == "" {
		return fmt.Errorf("config: storage.path is required")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("config: logging.level must be one of debug, info, warn, error (got %q)", cfg.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("config: logging.format must be one of json, text (got %q)", cfg.Logging.Format)
	}
	return nil
}

// LoadSigningKey reads an unpadded-base64-encoded ed25519 seed from
// path, generating and persisting a fresh one if
// the file doesn't exist yet — mirroring conduit's behavior of
// minting a server key on first run (original_source/src/main.rs).
func LoadSigningKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, decodeErr := base64.RawStdEncoding.DecodeString(string(data))
		if decodeErr != nil {
			return nil, fmt.Errorf("config: decoding signing key %q: %w", path, decodeErr)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("config: signing key %q has wrong length %d", path, len(seed))
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: reading signing key %q: %w", path, err)
	}

	_, priv, genErr := ed25519.GenerateKey(nil)
	if genErr != nil {
		return nil, fmt.Errorf("config: generating signing key: %w", genErr)
	}
	encoded := base64.RawStdEncoding.EncodeToString(priv.Seed())
	if writeErr := os.WriteFile(path, []byte(encoded), 0600); writeErr != nil {
		return nil, fmt.Errorf("config: writing signing key %q: %w", path, writeErr)
	}
	return priv, nil
}

// Package config loads the engine configuration from YAML with
// environment overrides for credentials.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/pbkdf2"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	// DatabasePath is the sqlite file holding plans, checkpoints, tasks
	// and the sector metadata.
	DatabasePath string `yaml:"database_path"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Engine  EngineConfig  `yaml:"engine"`
	Sector  SectorConfig  `yaml:"sector"`
	S3      S3Config      `yaml:"s3"`
	Redis   RedisConfig   `yaml:"redis"`
}

// LogConfig tunes logrus.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace..panic, default info
	Format string `yaml:"format"` // "text" or "json"
}

// MetricsConfig tunes the /metrics listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // e.g. ":9090"
}

// EngineConfig tunes the checkpoint pipeline.
type EngineConfig struct {
	// StrictMode disables the quick-hash dedup short circuit.
	StrictMode bool `yaml:"strict_mode"`
}

// SectorConfig tunes the hybrid sector store.
type SectorConfig struct {
	BasePath              string   `yaml:"base_path"`
	MaxSectorSize         uint64   `yaml:"max_sector_size"`
	BlockSize             uint16   `yaml:"block_size"`
	PostSectorInterval    Duration `yaml:"post_sector_interval"`
	CollectSectorInterval Duration `yaml:"collect_sector_interval"`
	ChunkMaxWaitTime      Duration `yaml:"chunk_max_wait_time"`

	// KeyHex is the 32-byte sector key as hex. Alternatively a
	// passphrase can be supplied and the key derived from it.
	KeyHex        string `yaml:"key_hex"`
	KeyPassphrase string `yaml:"key_passphrase"`
	KeySalt       string `yaml:"key_salt"`
}

// S3Config configures the remote chunk target.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// RedisConfig enables the shared dedup-probe cache.
type RedisConfig struct {
	Enabled bool     `yaml:"enabled"`
	Addr    string   `yaml:"addr"`
	Prefix  string   `yaml:"prefix"`
	TTL     Duration `yaml:"ttl"`
}

// Default returns a runnable configuration.
func Default() *Config {
	return &Config{
		DatabasePath: "chunkvault.db",
		Log:          LogConfig{Level: "info", Format: "text"},
		Metrics:      MetricsConfig{Enabled: true, Listen: ":9090"},
		Sector: SectorConfig{
			BasePath:              "chunkvault-landing",
			MaxSectorSize:         1 << 30,
			BlockSize:             16 * 1024,
			PostSectorInterval:    Duration(5 * time.Second),
			CollectSectorInterval: Duration(5 * time.Second),
			ChunkMaxWaitTime:      Duration(time.Minute),
		},
	}
}

// Load reads a YAML file over the defaults and applies environment
// overrides for secrets.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CHUNKVAULT_S3_ACCESS_KEY"); v != "" {
		c.S3.AccessKey = v
	}
	if v := os.Getenv("CHUNKVAULT_S3_SECRET_KEY"); v != "" {
		c.S3.SecretKey = v
	}
	if v := os.Getenv("CHUNKVAULT_SECTOR_KEY"); v != "" {
		c.Sector.KeyHex = v
	}
	if v := os.Getenv("CHUNKVAULT_SECTOR_PASSPHRASE"); v != "" {
		c.Sector.KeyPassphrase = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must be set")
	}
	if c.Sector.BlockSize != 0 && c.Sector.BlockSize%16 != 0 {
		return fmt.Errorf("sector block_size %d is not a multiple of the AES block size", c.Sector.BlockSize)
	}
	if c.Sector.KeyHex != "" {
		raw, err := hex.DecodeString(c.Sector.KeyHex)
		if err != nil {
			return fmt.Errorf("sector key_hex is not valid hex: %w", err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("sector key_hex must decode to 32 bytes, got %d", len(raw))
		}
	}
	return nil
}

// pbkdf2Iterations follows current OWASP guidance for SHA-256.
const pbkdf2Iterations = 600_000

// SectorKey resolves the 32-byte sector key from the configuration:
// explicit hex wins, otherwise the key is derived from the passphrase.
func (c *Config) SectorKey() ([]byte, error) {
	if c.Sector.KeyHex != "" {
		return hex.DecodeString(c.Sector.KeyHex)
	}
	if c.Sector.KeyPassphrase != "" {
		salt := []byte(c.Sector.KeySalt)
		if len(salt) == 0 {
			salt = []byte("chunkvault-sector-key")
		}
		return pbkdf2.Key([]byte(c.Sector.KeyPassphrase), salt, pbkdf2Iterations, 32, sha256.New), nil
	}
	return nil, fmt.Errorf("no sector key configured: set sector.key_hex or sector.key_passphrase")
}

package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DBConfig holds the database connection parameters.
type DBConfig struct {
	Type     string `mapstructure:"type"` // "postgres" or "sqlite"
	Host     string `mapstructure:"host"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Port     int    `mapstructure:"port"`
	SSLMode  string `mapstructure:"sslmode"`
	TimeZone string `mapstructure:"timezone"`
	Path     string `mapstructure:"path"` // sqlite file, ":memory:" for tests
}

// LoggerConfig holds the logging configuration.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`  // e.g., "debug", "info", "warn", "error"
	Format     string `mapstructure:"format"` // "json" or "text"
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// Peer holds the information for a remote node.
type Peer struct {
	Name      string `mapstructure:"name"`
	Address   string `mapstructure:"address"`
	PublicKey string `mapstructure:"public_key"` // hex ed25519
}

// Node holds the identity and listen addresses of this node.
type Node struct {
	Name        string `mapstructure:"name"`
	ListenAddr  string `mapstructure:"listen_addr"`
	APIAddr     string `mapstructure:"api_addr"`
	IdentityKey string `mapstructure:"identity_key"` // hex ed25519 seed
}

// SetupConfig controls who may author setup descriptors and their defaults.
type SetupConfig struct {
	AuthorityKey       string        `mapstructure:"authority_key"`        // hex seed, coordinator only
	AuthorityPublicKey string        `mapstructure:"authority_public_key"` // hex
	Threshold          int           `mapstructure:"threshold"`
	TTL                time.Duration `mapstructure:"ttl"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Config holds the application's configuration values.
type Config struct {
	Node     Node          `mapstructure:"node"`
	Peers    []Peer        `mapstructure:"peers"`
	Setup    SetupConfig   `mapstructure:"setup"`
	Database DBConfig      `mapstructure:"database"`
	Logger   LoggerConfig  `mapstructure:"logger"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
}

// LoadConfig reads the configuration file at path. Every key can be
// overridden from the environment, e.g. DKLS_DATABASE_HOST.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("dkls")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.listen_addr", "127.0.0.1:7000")
	v.SetDefault("node.api_addr", "127.0.0.1:8080")
	v.SetDefault("setup.threshold", 2)
	v.SetDefault("setup.ttl", "2m")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "dkls-node.db")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.timezone", "UTC")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("metrics.enabled", true)
}

// Validate checks the keys are well formed.
func (c *Config) Validate() error {
	if c.Node.IdentityKey != "" {
		if _, err := c.IdentityKey(); err != nil {
			return err
		}
	}
	for _, p := range c.Peers {
		if _, err := decodePublicKey(p.PublicKey); err != nil {
			return fmt.Errorf("peer %s: %w", p.Name, err)
		}
	}
	if c.Setup.TTL <= 0 {
		return fmt.Errorf("setup.ttl must be positive")
	}
	switch c.Database.Type {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	return nil
}

// IdentityKey returns the node's long-term signing key.
func (c *Config) IdentityKey() (ed25519.PrivateKey, error) {
	return decodeSeed(c.Node.IdentityKey, "node.identity_key")
}

// AuthorityKey returns the setup authority signing key, if configured.
func (c *Config) AuthorityKey() (ed25519.PrivateKey, error) {
	return decodeSeed(c.Setup.AuthorityKey, "setup.authority_key")
}

// AuthorityPublicKey returns the key setup descriptors must be signed with.
func (c *Config) AuthorityPublicKey() (ed25519.PublicKey, error) {
	if c.Setup.AuthorityPublicKey == "" {
		priv, err := c.AuthorityKey()
		if err != nil {
			return nil, err
		}
		return priv.Public().(ed25519.PublicKey), nil
	}
	return decodePublicKey(c.Setup.AuthorityPublicKey)
}

// PeerPublicKey returns the identity key of the named peer.
func (c *Config) PeerPublicKey(name string) (ed25519.PublicKey, error) {
	for _, p := range c.Peers {
		if p.Name == name {
			return decodePublicKey(p.PublicKey)
		}
	}
	return nil, fmt.Errorf("unknown peer %s", name)
}

func decodeSeed(s, key string) (ed25519.PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != ed25519.SeedSize {
		return nil, fmt.Errorf("%s must be a hex encoded %d byte seed", key, ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(b), nil
}

func decodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be a hex encoded %d byte key", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

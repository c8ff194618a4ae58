// Package config defines the bountyd application configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level bountyd configuration.
type Config struct {
	Server   ServerConfig `json:"server" yaml:"server"`
	Auth     AuthConfig   `json:"auth" yaml:"auth"`
	Market   MarketConfig `json:"market" yaml:"market"`
	DataDir  string       `json:"data_dir" yaml:"data_dir"`
	LogLevel string       `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9190"
}

// AuthConfig controls API authentication. Agents log in with a wallet
// signature over a server challenge; the arbiter logs in with
// credentials (the password is a bcrypt hash).
type AuthConfig struct {
	JWTSecret   string `json:"jwt_secret" yaml:"jwt_secret"`
	ArbiterUser string `json:"arbiter_user" yaml:"arbiter_user"`
	ArbiterPass string `json:"arbiter_pass" yaml:"arbiter_pass"` // bcrypt hash
	// ArbiterAddress is the principal allowed to resolve disputes and
	// credit verified external deposits.
	ArbiterAddress string `json:"arbiter_address" yaml:"arbiter_address"`
}

// MarketConfig fixes the marketplace economics. The fee rate and the
// custody accounts are set at startup and apply to every deposit.
type MarketConfig struct {
	FeeBps          uint32 `json:"fee_bps" yaml:"fee_bps"`
	VaultAccount    string `json:"vault_account" yaml:"vault_account"`
	PlatformAccount string `json:"platform_account" yaml:"platform_account"`
	// RequirePaymentProof makes create and claim demand the
	// X-Payment-Proof header set by the external payment layer.
	RequirePaymentProof bool `json:"require_payment_proof" yaml:"require_payment_proof"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9190",
		},
		Auth: AuthConfig{
			ArbiterUser: "arbiter",
		},
		Market: MarketConfig{
			FeeBps:          250, // 2.5%
			VaultAccount:    "0x0000000000000000000000000000000000000E5c",
			PlatformAccount: "0x0000000000000000000000000000000000000Fee",
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

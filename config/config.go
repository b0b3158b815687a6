package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config drives the gigchaind daemon: where state lives, how the RPC surface
// is exposed, and the escrow/arbitration parameters applied at startup.
type Config struct {
	ListenAddress  string       `toml:"ListenAddress"`
	DataDir        string       `toml:"DataDir"`
	NetworkName    string       `toml:"NetworkName"`
	CommissionRate uint32       `toml:"CommissionRate"`
	FeeRecipient   string       `toml:"FeeRecipient"`
	MintAuthority  string       `toml:"MintAuthority"`
	Arbitrators    []string     `toml:"Arbitrators"`
	Allocations    []Allocation `toml:"Allocations"`
	RPCToken       string       `toml:"RPCToken,omitempty"`
}

// Allocation seeds one account balance the first time the daemon boots
// against an empty database. Without allocations no client could ever fund a
// deposit.
type Allocation struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = "127.0.0.1:8611"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./gigchain-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "gigchain-local"
	}
	if cfg.CommissionRate == 0 {
		cfg.CommissionRate = 5
	}
	if cfg.Arbitrators == nil {
		cfg.Arbitrators = []string{}
	}
}

// Validate rejects configurations the engines would refuse at runtime.
func (c *Config) Validate() error {
	if c.CommissionRate > 100 {
		return fmt.Errorf("config: CommissionRate %d out of range [0,100]", c.CommissionRate)
	}
	if strings.TrimSpace(c.FeeRecipient) == "" {
		return fmt.Errorf("config: FeeRecipient required")
	}
	if _, err := ParseAddress(c.FeeRecipient); err != nil {
		return fmt.Errorf("config: invalid FeeRecipient: %w", err)
	}
	if c.MintAuthority != "" {
		if _, err := ParseAddress(c.MintAuthority); err != nil {
			return fmt.Errorf("config: invalid MintAuthority: %w", err)
		}
	}
	for _, raw := range c.Arbitrators {
		if _, err := ParseAddress(raw); err != nil {
			return fmt.Errorf("config: invalid arbitrator %q: %w", raw, err)
		}
	}
	for _, alloc := range c.Allocations {
		if _, err := ParseAddress(alloc.Address); err != nil {
			return fmt.Errorf("config: invalid allocation address %q: %w", alloc.Address, err)
		}
		if _, err := ParseAmount(alloc.Balance); err != nil {
			return fmt.Errorf("config: invalid allocation balance %q: %w", alloc.Balance, err)
		}
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		FeeRecipient: "4f259744634c65f2e2cfe70baf3c0ea04640631b",
	}
	applyDefaults(cfg)
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

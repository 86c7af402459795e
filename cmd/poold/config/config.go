package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

// Supported custody drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"

	DefaultListenAddr  = ":8545"
	DefaultMetricsAddr = ":9090"
)

type PoolConfig struct {
	Name        string        `yaml:"name"`
	AssetX      string        `yaml:"asset_x"`
	AssetY      string        `yaml:"asset_y"`
	ListenAddr  string        `yaml:"listen_addr"`
	MetricsAddr string        `yaml:"metrics_addr"`
	Custody     CustodyConfig `yaml:"custody"`
}

type CustodyConfig struct {
	Driver  string        `yaml:"driver"`
	DSN     string        `yaml:"dsn"`
	Account string        `yaml:"account"`
	Seed    []SeedBalance `yaml:"seed"`
}

// SeedBalance credits an owner with an opening balance in the memory book.
type SeedBalance struct {
	Asset  string `yaml:"asset"`
	Owner  string `yaml:"owner"`
	Amount string `yaml:"amount"`
}

// Seed is a parsed SeedBalance.
type Seed struct {
	Asset  common.Address
	Owner  common.Address
	Amount *uint256.Int
}

// LoadConfig reads a configuration file from the given path, unmarshals it
// into a PoolConfig struct, applies defaults and validates the result.
func LoadConfig(path string) (*PoolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg PoolConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *PoolConfig) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = DefaultMetricsAddr
	}
	if c.Custody.Driver == "" {
		c.Custody.Driver = DriverMemory
	}
}

func (c *PoolConfig) validate() error {
	if !common.IsHexAddress(c.AssetX) {
		return fmt.Errorf("config: asset_x %q is not a hex address", c.AssetX)
	}
	if !common.IsHexAddress(c.AssetY) {
		return fmt.Errorf("config: asset_y %q is not a hex address", c.AssetY)
	}
	if !common.IsHexAddress(c.Custody.Account) {
		return fmt.Errorf("config: custody.account %q is not a hex address", c.Custody.Account)
	}

	switch c.Custody.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Custody.DSN == "" {
			return errors.New("config: custody.dsn is required for the postgres driver")
		}
		if len(c.Custody.Seed) > 0 {
			return errors.New("config: custody.seed is only supported by the memory driver")
		}
	default:
		return fmt.Errorf("config: unknown custody.driver %q", c.Custody.Driver)
	}

	_, err := c.Seeds()
	return err
}

func (c *PoolConfig) Assets() (assetX, assetY common.Address) {
	return common.HexToAddress(c.AssetX), common.HexToAddress(c.AssetY)
}

func (c *PoolConfig) Account() common.Address {
	return common.HexToAddress(c.Custody.Account)
}

// Seeds parses the configured opening balances.
func (c *PoolConfig) Seeds() ([]Seed, error) {
	seeds := make([]Seed, 0, len(c.Custody.Seed))
	for i, s := range c.Custody.Seed {
		if !common.IsHexAddress(s.Asset) {
			return nil, fmt.Errorf("config: custody.seed[%d].asset %q is not a hex address", i, s.Asset)
		}
		if !common.IsHexAddress(s.Owner) {
			return nil, fmt.Errorf("config: custody.seed[%d].owner %q is not a hex address", i, s.Owner)
		}
		amount, err := uint256.FromDecimal(s.Amount)
		if err != nil {
			return nil, fmt.Errorf("config: custody.seed[%d].amount %q: %w", i, s.Amount, err)
		}
		seeds = append(seeds, Seed{
			Asset:  common.HexToAddress(s.Asset),
			Owner:  common.HexToAddress(s.Owner),
			Amount: amount,
		})
	}
	return seeds, nil
}

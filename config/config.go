// Package config loads and validates the simulator's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// RateModel parametrises the pool's kinked interest curve. Rates are annual
// fractions, the kink a utilisation fraction.
type RateModel struct {
	BaseRate float64 `toml:"BaseRate"`
	Slope1   float64 `toml:"Slope1"`
	Slope2   float64 `toml:"Slope2"`
	Kink     float64 `toml:"Kink"`
}

// Market lists one underlying asset with its risk parameters.
type Market struct {
	Underlying              string `toml:"Underlying"`
	PriceWad                string `toml:"PriceWad"`
	ReserveFactorBps        uint64 `toml:"ReserveFactorBps"`
	P2PIndexCursorBps       uint64 `toml:"P2PIndexCursorBps"`
	LtvBps                  uint64 `toml:"LtvBps"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
	LiquidationBonusBps     uint64 `toml:"LiquidationBonusBps"`
}

// Config is the simulator's runtime configuration.
type Config struct {
	ListenAddress      string    `toml:"ListenAddress"`
	DataDir            string    `toml:"DataDir"`
	Environment        string    `toml:"Environment"`
	MaxSortedUsers     int       `toml:"MaxSortedUsers"`
	DefaultMatchingGas uint64    `toml:"DefaultMatchingGas"`
	RateModel          RateModel `toml:"RateModel"`
	Markets            []Market  `toml:"Markets"`
}

// Load reads the configuration from the given path, writing a default file
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
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if cfg.MaxSortedUsers == 0 {
		cfg.MaxSortedUsers = 16
	}
	if cfg.DefaultMatchingGas == 0 {
		cfg.DefaultMatchingGas = 100
	}
	if cfg.RateModel == (RateModel{}) {
		cfg.RateModel = RateModel{BaseRate: 0.02, Slope1: 0.15, Slope2: 0.6, Kink: 0.8}
	}
}

// Validate checks structural and range constraints before the configuration
// reaches the engine.
func (c *Config) Validate() error {
	if c.MaxSortedUsers < 0 {
		return fmt.Errorf("config: MaxSortedUsers cannot be negative")
	}
	if c.RateModel.Kink <= 0 || c.RateModel.Kink > 1 {
		return fmt.Errorf("config: RateModel.Kink must be in (0, 1]")
	}
	if c.RateModel.BaseRate < 0 || c.RateModel.Slope1 < 0 || c.RateModel.Slope2 < 0 {
		return fmt.Errorf("config: RateModel rates cannot be negative")
	}
	seen := make(map[common.Address]bool, len(c.Markets))
	for i, m := range c.Markets {
		if !common.IsHexAddress(m.Underlying) {
			return fmt.Errorf("config: Markets[%d].Underlying %q is not a hex address", i, m.Underlying)
		}
		token := common.HexToAddress(m.Underlying)
		if seen[token] {
			return fmt.Errorf("config: duplicate market %s", token.Hex())
		}
		seen[token] = true
		if m.ReserveFactorBps > 10_000 || m.P2PIndexCursorBps > 10_000 ||
			m.LtvBps > 10_000 || m.LiquidationThresholdBps > 10_000 {
			return fmt.Errorf("config: Markets[%d] basis points exceed 100%%", i)
		}
		if m.LtvBps > m.LiquidationThresholdBps {
			return fmt.Errorf("config: Markets[%d] LTV above liquidation threshold", i)
		}
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:      ":8080",
		DataDir:            "./morpho-data",
		Environment:        "local",
		MaxSortedUsers:     16,
		DefaultMatchingGas: 100,
		RateModel:          RateModel{BaseRate: 0.02, Slope1: 0.15, Slope2: 0.6, Kink: 0.8},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

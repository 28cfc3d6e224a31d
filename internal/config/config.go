package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"paygate/daemon/internal/models"
)

// Duration decodes TOML duration strings like "30m" or "24h". go-toml will
// not unmarshal a string into a plain time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Asset is a secondary currency carried by a chain: an ERC-20 contract on an
// EVM chain, or a spot token id on Hyperliquid.
type Asset struct {
	Symbol   string `toml:"symbol"`
	TokenID  string `toml:"token-id"`
	Decimals uint32 `toml:"decimals"`
}

type ChainConfig struct {
	Name           string   `toml:"name"`
	Family         string   `toml:"family"`
	Endpoints      []string `toml:"endpoints"`
	NativeCurrency string   `toml:"native-currency"`
	NativeDecimals uint32   `toml:"native-decimals"`
	Assets         []Asset  `toml:"assets"`

	// Depth is the finality lag in blocks; deposits and sweeps are treated as
	// irreversible only once Depth blocks behind head.
	Depth uint64 `toml:"depth"`

	// RescanBlocks bounds the one-time backward check performed when an
	// invoice is created, covering transfers that landed before the watcher
	// subscription took effect.
	RescanBlocks uint64 `toml:"rescan-blocks"`

	PollInterval Duration `toml:"poll-interval"`

	// RequestTimeout bounds individual HTTP calls to the chain's endpoints.
	RequestTimeout Duration `toml:"request-timeout"`
}

type Config struct {
	ListenAddr      string        `toml:"listen-addr"`
	AccountLifetime Duration `toml:"account-lifetime"`
	ReaperInterval  Duration `toml:"reaper-interval"`
	ForwardAttempts int           `toml:"forward-attempts"`
	ForwardWorkers  int           `toml:"forward-workers"`
	LogLevel        int           `toml:"log-level"`
	LogFormat       string        `toml:"log-format"`
	Debug           bool          `toml:"debug"`
	DataDir         string        `toml:"data-dir"`

	Chains []ChainConfig `toml:"chains"`
}

// Secrets are supplied through the environment, never the config file.
type Secrets struct {
	SeedPhrase string
	Recipient  string
	Remark     string
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8000"
	}
	if cfg.AccountLifetime == 0 {
		cfg.AccountLifetime = Duration(24 * time.Hour)
	}
	if cfg.ReaperInterval == 0 {
		cfg.ReaperInterval = Duration(time.Minute)
	}
	if cfg.ForwardAttempts == 0 {
		cfg.ForwardAttempts = 5
	}
	if cfg.ForwardWorkers == 0 {
		cfg.ForwardWorkers = 4
	}
	if cfg.LogLevel == 0 && !cfg.Debug {
		cfg.LogLevel = int(zerolog.InfoLevel)
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}

	if len(cfg.Chains) == 0 {
		return fmt.Errorf("no chains configured")
	}

	seen := make(map[string]bool, len(cfg.Chains))
	for i := range cfg.Chains {
		cc := &cfg.Chains[i]
		if cc.Name == "" {
			return fmt.Errorf("chain %d: missing name", i)
		}
		if seen[cc.Name] {
			return fmt.Errorf("chain %q: configured twice", cc.Name)
		}
		seen[cc.Name] = true

		switch models.ChainFamily(cc.Family) {
		case models.FamilyEVM, models.FamilyHyperliquid:
		default:
			return fmt.Errorf("chain %q: unknown family %q", cc.Name, cc.Family)
		}
		if len(cc.Endpoints) == 0 {
			return fmt.Errorf("chain %q: no endpoints", cc.Name)
		}
		if cc.NativeCurrency == "" {
			return fmt.Errorf("chain %q: missing native currency", cc.Name)
		}
		if cc.RescanBlocks == 0 {
			cc.RescanBlocks = 32
		}
		if cc.PollInterval == 0 {
			cc.PollInterval = Duration(2 * time.Second)
		}
		if cc.RequestTimeout == 0 {
			cc.RequestTimeout = Duration(10 * time.Second)
		}
		symbols := map[string]bool{cc.NativeCurrency: true}
		for _, a := range cc.Assets {
			if a.Symbol == "" || a.TokenID == "" {
				return fmt.Errorf("chain %q: asset with empty symbol or token id", cc.Name)
			}
			if symbols[a.Symbol] {
				return fmt.Errorf("chain %q: duplicate currency %q", cc.Name, a.Symbol)
			}
			symbols[a.Symbol] = true
		}
	}
	return nil
}

// Chain returns the config block for a chain, or nil if not configured.
func (c *Config) Chain(chain models.Chain) *ChainConfig {
	for i := range c.Chains {
		if c.Chains[i].Name == string(chain) {
			return &c.Chains[i]
		}
	}
	return nil
}

// Currency reports whether the chain carries the given currency and with how
// many decimals.
func (cc *ChainConfig) Currency(cur models.Currency) (decimals uint32, ok bool) {
	if string(cur) == cc.NativeCurrency {
		return cc.NativeDecimals, true
	}
	for _, a := range cc.Assets {
		if a.Symbol == string(cur) {
			return a.Decimals, true
		}
	}
	return 0, false
}

// Asset returns the asset block for a non-native currency.
func (cc *ChainConfig) Asset(cur models.Currency) (Asset, bool) {
	for _, a := range cc.Assets {
		if a.Symbol == string(cur) {
			return a, true
		}
	}
	return Asset{}, false
}

func SecretsFromEnv() (*Secrets, error) {
	s := &Secrets{
		SeedPhrase: os.Getenv("SEED_PHRASE"),
		Recipient:  os.Getenv("RECIPIENT_ADDRESS"),
		Remark:     os.Getenv("SWEEP_REMARK"),
	}
	if s.SeedPhrase == "" {
		return nil, fmt.Errorf("SEED_PHRASE is not set")
	}
	if s.Recipient == "" {
		return nil, fmt.Errorf("RECIPIENT_ADDRESS is not set")
	}
	return s, nil
}

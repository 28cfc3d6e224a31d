package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paygate/daemon/internal/models"
)

const sampleConfig = `
listen-addr = ":8000"
account-lifetime = "2h"

[[chains]]
name = "sepolia"
family = "evm"
endpoints = ["http://localhost:8545", "http://localhost:8546"]
native-currency = "ETH"
native-decimals = 18
depth = 12

[[chains.assets]]
symbol = "USDC"
token-id = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
decimals = 6

[[chains]]
name = "hyperliquid"
family = "hyperliquid"
endpoints = ["https://api.hyperliquid-testnet.xyz"]
native-currency = "USDC"
native-decimals = 8
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Equal(t, 2*time.Hour, cfg.AccountLifetime.Std())
	require.Equal(t, time.Minute, cfg.ReaperInterval.Std())
	require.Equal(t, 5, cfg.ForwardAttempts)
	require.Equal(t, "console", cfg.LogFormat)
	require.Equal(t, 1, cfg.LogLevel)
	require.False(t, cfg.Debug)

	sep := cfg.Chain(models.Chain("sepolia"))
	require.NotNil(t, sep)
	require.Equal(t, uint64(12), sep.Depth)
	require.Equal(t, uint64(32), sep.RescanBlocks)
	require.Equal(t, 2*time.Second, sep.PollInterval.Std())
	require.Equal(t, 10*time.Second, sep.RequestTimeout.Std())
}

func TestLoad_CurrencyLookup(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	sep := cfg.Chain(models.Chain("sepolia"))
	dec, ok := sep.Currency(models.Currency("ETH"))
	require.True(t, ok)
	require.Equal(t, uint32(18), dec)

	dec, ok = sep.Currency(models.Currency("USDC"))
	require.True(t, ok)
	require.Equal(t, uint32(6), dec)

	_, ok = sep.Currency(models.Currency("DOGE"))
	require.False(t, ok)

	asset, ok := sep.Asset(models.Currency("USDC"))
	require.True(t, ok)
	require.Equal(t, "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", asset.TokenID)

	require.Nil(t, cfg.Chain(models.Chain("mainnet")))
}

func TestLoad_DebugKeepsLevelVerbose(t *testing.T) {
	body := `
debug = true

[[chains]]
name = "sepolia"
family = "evm"
endpoints = ["http://localhost:8545"]
native-currency = "ETH"
native-decimals = 18
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	require.True(t, cfg.Debug)
	require.Equal(t, 0, cfg.LogLevel)
}

func TestLoad_ParsesDurationStrings(t *testing.T) {
	body := `
account-lifetime = "36h"
reaper-interval = "45s"

[[chains]]
name = "sepolia"
family = "evm"
endpoints = ["http://localhost:8545"]
native-currency = "ETH"
native-decimals = 18
poll-interval = "500ms"
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	require.Equal(t, 36*time.Hour, cfg.AccountLifetime.Std())
	require.Equal(t, 45*time.Second, cfg.ReaperInterval.Std())
	require.Equal(t, 500*time.Millisecond, cfg.Chains[0].PollInterval.Std())
}

func TestLoad_RejectsMalformedDuration(t *testing.T) {
	body := `
account-lifetime = "two hours"

[[chains]]
name = "sepolia"
family = "evm"
endpoints = ["http://localhost:8545"]
native-currency = "ETH"
native-decimals = 18
`
	_, err := Load(writeConfig(t, body))
	require.ErrorContains(t, err, "invalid duration")
}

func TestLoad_RejectsUnknownFamily(t *testing.T) {
	body := `
[[chains]]
name = "weird"
family = "substrate"
endpoints = ["ws://localhost:9944"]
native-currency = "DOT"
native-decimals = 10
`
	_, err := Load(writeConfig(t, body))
	require.ErrorContains(t, err, "unknown family")
}

func TestLoad_RejectsDuplicateCurrency(t *testing.T) {
	body := `
[[chains]]
name = "sepolia"
family = "evm"
endpoints = ["http://localhost:8545"]
native-currency = "ETH"
native-decimals = 18

[[chains.assets]]
symbol = "ETH"
token-id = "0x0000000000000000000000000000000000000001"
decimals = 18
`
	_, err := Load(writeConfig(t, body))
	require.ErrorContains(t, err, "duplicate currency")
}

func TestLoad_RejectsEmptyChains(t *testing.T) {
	_, err := Load(writeConfig(t, `listen-addr = ":8000"`))
	require.ErrorContains(t, err, "no chains configured")
}

func TestSecretsFromEnv(t *testing.T) {
	t.Setenv("SEED_PHRASE", "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about")
	t.Setenv("RECIPIENT_ADDRESS", "0x960b650301e941c095aef35f57ae1b2d73fc4df1")
	t.Setenv("SWEEP_REMARK", "gateway")

	s, err := SecretsFromEnv()
	require.NoError(t, err)
	require.Equal(t, "gateway", s.Remark)

	t.Setenv("SEED_PHRASE", "")
	_, err = SecretsFromEnv()
	require.ErrorContains(t, err, "SEED_PHRASE")
}

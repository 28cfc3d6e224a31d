package hyperliquid

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	hl "github.com/sonirico/go-hyperliquid"

	"paygate/daemon/internal/chains"
	"paygate/daemon/internal/config"
	"paygate/daemon/internal/models"
	"paygate/daemon/internal/utils/hlsign"
)

// Client implements the chain capability for Hyperliquid spot. The exchange
// exposes current balances rather than per-height history, so deposits are
// detected as spot-balance deltas on watched addresses and "heights" are unix
// seconds. Finality is single-block, so the configured depth should be 0.
type Client struct {
	chain     models.Chain
	cfg       *config.ChainConfig
	info      *hl.Info
	exchange  *exchangeClient
	isMainnet bool
	logger    zerolog.Logger

	mu       sync.Mutex
	lastSeen map[string]*big.Int // addr:symbol -> cumulative balance in minor units
}

func NewClient(ctx context.Context, cc *config.ChainConfig, logger zerolog.Logger) *Client {
	base := cc.Endpoints[0]
	return &Client{
		chain:     models.Chain(cc.Name),
		cfg:       cc,
		info:      hl.NewInfo(ctx, base, true, nil, nil),
		exchange:  newExchangeClient(base, cc.RequestTimeout.Std(), logger),
		isMainnet: base == hl.MainnetAPIURL,
		logger:    logger.With().Str("component", "hl_client").Str("chain", cc.Name).Logger(),
		lastSeen:  make(map[string]*big.Int),
	}
}

func (c *Client) Chain() models.Chain { return c.chain }

func (c *Client) HeadHeight(ctx context.Context) (uint64, error) {
	return uint64(time.Now().Unix()), nil
}

// ResumeHeight: balance deltas self-heal against the ledger's credited
// totals, so scanning resumes at the present instead of replaying seconds.
func (c *Client) ResumeHeight(ctx context.Context, checkpoint uint64) (uint64, error) {
	head := uint64(time.Now().Unix())
	if head == 0 {
		return checkpoint, nil
	}
	return head - 1, nil
}

// BlockTransfers reads spot balances for the watched addresses and emits one
// transfer per positive delta. The tx ref encodes the cumulative balance, so
// a re-read after a restart dedups against already-credited refs.
func (c *Client) BlockTransfers(ctx context.Context, height uint64, watched []string) ([]chains.Transfer, error) {
	symbols := []string{c.cfg.NativeCurrency}
	for _, a := range c.cfg.Assets {
		symbols = append(symbols, a.Symbol)
	}

	var out []chains.Transfer
	for _, addr := range watched {
		state, err := c.info.SpotUserState(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("%w: spot user state for %s: %v", chains.ErrAllEndpointsDown, addr, err)
		}

		for _, symbol := range symbols {
			total := "0"
			for i := range state.Balances {
				if state.Balances[i].Coin == symbol {
					total = state.Balances[i].Total
				}
			}
			decimals, _ := c.cfg.Currency(models.Currency(symbol))
			cumulative, err := toMinorUnits(total, decimals)
			if err != nil {
				return nil, fmt.Errorf("parsing %s balance %q: %w", symbol, total, err)
			}

			key := strings.ToLower(addr) + ":" + symbol
			c.mu.Lock()
			prev, ok := c.lastSeen[key]
			c.lastSeen[key] = cumulative
			c.mu.Unlock()
			if !ok {
				prev = new(big.Int)
			}

			delta := new(big.Int).Sub(cumulative, prev)
			if delta.Sign() <= 0 {
				continue
			}
			out = append(out, chains.Transfer{
				TxRef:    fmt.Sprintf("hl:%s:%s:%s", strings.ToLower(addr), symbol, cumulative),
				ToAddr:   addr,
				Currency: models.Currency(symbol),
				Amount:   delta,
			})
		}
	}
	return out, nil
}

// SubmitSweep moves the full spot balance to the recipient with a signed
// spotSend action.
func (c *Client) SubmitSweep(ctx context.Context, req chains.SweepRequest) (string, *big.Int, error) {
	decimals, ok := c.cfg.Currency(req.Currency)
	if !ok {
		return "", nil, fmt.Errorf("%w: currency %s not configured on %s",
			chains.ErrSweepRejected, req.Currency, c.chain)
	}
	tokenID := string(req.Currency)
	if asset, ok := c.cfg.Asset(req.Currency); ok {
		tokenID = asset.TokenID
	}

	from := req.Signer.Address()
	state, err := c.info.SpotUserState(ctx, from)
	if err != nil {
		return "", nil, fmt.Errorf("fetching balances for %s: %w", from, err)
	}

	total := "0"
	for i := range state.Balances {
		if state.Balances[i].Coin == string(req.Currency) {
			total = state.Balances[i].Total
		}
	}
	amount, err := toMinorUnits(total, decimals)
	if err != nil {
		return "", nil, fmt.Errorf("parsing %s balance %q: %w", req.Currency, total, err)
	}
	if amount.Sign() <= 0 {
		return "", nil, fmt.Errorf("%w: zero %s balance on %s", chains.ErrSweepRejected, req.Currency, from)
	}

	nonce := time.Now().UnixMilli()

	payloadTypes := []hlsign.TypeProperty{
		{Name: "hyperliquidChain", Type: "string"},
		{Name: "destination", Type: "string"},
		{Name: "token", Type: "string"},
		{Name: "amount", Type: "string"},
		{Name: "time", Type: "uint64"},
	}

	// destination must be lowercased, see the Hyperliquid signing docs
	actionPayload := map[string]interface{}{
		"type":        "spotSend",
		"destination": strings.ToLower(req.Recipient),
		"token":       tokenID,
		"amount":      total,
		"time":        new(big.Int).SetUint64(uint64(nonce)),
	}

	sig, err := hlsign.SignUserSignedAction(req.Signer, actionPayload, payloadTypes,
		"HyperliquidTransaction:SpotSend", c.isMainnet)
	if err != nil {
		return "", nil, fmt.Errorf("signing spot send: %w", err)
	}

	result, err := c.exchange.submitAction(ctx, actionPayload, nonce, sig)
	if err != nil {
		return "", nil, err
	}
	c.logger.Info().
		Str("from", from).
		Str("currency", string(req.Currency)).
		Str("amount", total).
		Str("tx_hash", result.TxHash).
		Msg("submitted spot send")
	return result.TxHash, amount, nil
}

// TxStatus: spot sends settle with single-block finality; an accepted
// submission is final.
func (c *Client) TxStatus(ctx context.Context, txRef string) (chains.TxStatus, error) {
	return chains.TxFinalized, nil
}

package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"paygate/daemon/internal/chains"
	"paygate/daemon/internal/utils/hlsign"
)

const defaultExchangeTimeout = 10 * time.Second

// exchangeClient posts signed actions to the exchange endpoint. The
// go-hyperliquid SDK only covers its own order flow, so user-signed transfer
// actions go over raw HTTP.
type exchangeClient struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

func newExchangeClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *exchangeClient {
	if timeout <= 0 {
		timeout = defaultExchangeTimeout
	}
	return &exchangeClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "hl_exchange").Logger(),
	}
}

// actionResult is the exchange's response envelope for signed actions.
type actionResult struct {
	Status string `json:"status"`
	TxHash string `json:"txHash,omitempty"`
	Error  string `json:"error,omitempty"`
}

// submitAction posts a signed action with its nonce and decodes the response.
// A reachable exchange that answers anything but "ok" is a rejection, not an
// outage, so the caller gets ErrSweepRejected rather than a retryable error.
func (e *exchangeClient) submitAction(ctx context.Context, action map[string]any, nonce int64, sig *hlsign.Signature) (*actionResult, error) {
	body, err := json.Marshal(map[string]any{
		"action":    action,
		"nonce":     nonce,
		"signature": *sig,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding action: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/exchange", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: posting action: %v", chains.ErrAllEndpointsDown, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading exchange response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("exchange returned %d: %s", resp.StatusCode, data)
	}

	var result actionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decoding exchange response: %w", err)
	}
	if result.Status != "ok" {
		e.logger.Warn().Str("status", result.Status).Str("error", result.Error).Msg("exchange rejected action")
		return nil, fmt.Errorf("%w: exchange status %q: %s", chains.ErrSweepRejected, result.Status, result.Error)
	}
	return &result, nil
}

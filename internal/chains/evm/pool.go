package evm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"paygate/daemon/internal/chains"
)

// Pool holds an ordered list of RPC endpoints for one chain. Calls go to the
// primary endpoint; on failure the pool fails over in order and promotes the
// first endpoint that answers. Connections are dialed lazily and dropped on
// error so the next use redials.
type Pool struct {
	urls   []string
	logger zerolog.Logger

	mu      sync.Mutex
	conns   []*ethclient.Client
	primary int
}

func NewPool(urls []string, logger zerolog.Logger) *Pool {
	return &Pool{
		urls:   urls,
		conns:  make([]*ethclient.Client, len(urls)),
		logger: logger.With().Str("component", "rpc_pool").Logger(),
	}
}

func (p *Pool) client(ctx context.Context, i int) (*ethclient.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[i] != nil {
		return p.conns[i], nil
	}
	c, err := ethclient.DialContext(ctx, p.urls[i])
	if err != nil {
		return nil, err
	}
	p.conns[i] = c
	return c, nil
}

func (p *Pool) drop(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[i] != nil {
		p.conns[i].Close()
		p.conns[i] = nil
	}
}

func (p *Pool) promote(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.primary != i {
		p.logger.Warn().Str("endpoint", p.urls[i]).Msg("failing over to endpoint")
		p.primary = i
	}
}

// Do runs fn against the primary endpoint, failing over through the rest of
// the list on error. Exhausting every endpoint returns ErrAllEndpointsDown
// wrapping the last error.
func (p *Pool) Do(ctx context.Context, fn func(*ethclient.Client) error) error {
	p.mu.Lock()
	start := p.primary
	n := len(p.urls)
	p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < n; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		i := (start + attempt) % n

		c, err := p.client(ctx, i)
		if err != nil {
			lastErr = err
			p.logger.Debug().Err(err).Str("endpoint", p.urls[i]).Msg("dial failed")
			continue
		}

		if err := fn(c); err != nil {
			lastErr = err
			p.logger.Debug().Err(err).Str("endpoint", p.urls[i]).Msg("endpoint call failed")
			p.drop(i)
			continue
		}

		p.promote(i)
		return nil
	}

	return fmt.Errorf("%w: %v", chains.ErrAllEndpointsDown, lastErr)
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.conns {
		if c != nil {
			c.Close()
			p.conns[i] = nil
		}
	}
}

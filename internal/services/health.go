package services

import (
	"sync"

	"paygate/daemon/internal/models"
)

type ChainStatus string

const (
	ChainOK       ChainStatus = "ok"
	ChainDegraded ChainStatus = "degraded"
	ChainFailed   ChainStatus = "failed"
)

type ChainHealth struct {
	Status     ChainStatus `json:"status"`
	LastHeight uint64      `json:"last_height"`
	Detail     string      `json:"detail,omitempty"`
}

// Health tracks per-chain liveness for the health endpoint. Degraded means
// RPC trouble with retries in flight; failed means the chain's processing has
// stopped and needs operator attention.
type Health struct {
	mu     sync.Mutex
	chains map[models.Chain]*ChainHealth
}

func NewHealth() *Health {
	return &Health{chains: make(map[models.Chain]*ChainHealth)}
}

func (h *Health) get(chain models.Chain) *ChainHealth {
	ch, ok := h.chains[chain]
	if !ok {
		ch = &ChainHealth{Status: ChainOK}
		h.chains[chain] = ch
	}
	return ch
}

func (h *Health) SetOK(chain models.Chain) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.get(chain)
	if ch.Status == ChainFailed {
		return
	}
	ch.Status = ChainOK
	ch.Detail = ""
}

func (h *Health) SetDegraded(chain models.Chain, detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.get(chain)
	if ch.Status == ChainFailed {
		return
	}
	ch.Status = ChainDegraded
	ch.Detail = detail
}

// SetFailed is sticky: a failed chain never reports ok again without a
// restart.
func (h *Health) SetFailed(chain models.Chain, detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.get(chain)
	ch.Status = ChainFailed
	ch.Detail = detail
}

func (h *Health) SetHeight(chain models.Chain, height uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.get(chain).LastHeight = height
}

func (h *Health) Snapshot() map[models.Chain]ChainHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[models.Chain]ChainHealth, len(h.chains))
	for chain, ch := range h.chains {
		out[chain] = *ch
	}
	return out
}

// Healthy reports whether every registered chain is ok.
func (h *Health) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.chains {
		if ch.Status != ChainOK {
			return false
		}
	}
	return true
}

package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"paygate/daemon/internal/config"
	"paygate/daemon/internal/models"
	"paygate/daemon/internal/stores"
)

// Expirer is the reconciler capability the reaper drives.
type Expirer interface {
	Expire(ctx context.Context, id string) error
}

// Reaper periodically expires invoices past their deadline. It only selects
// candidates; the transition itself goes through the owning reconciler so the
// single-writer ordering holds.
type Reaper struct {
	invoices    stores.InvoiceStore
	reconcilers map[models.Chain]Expirer
	interval    time.Duration
	logger      zerolog.Logger

	now func() time.Time
}

func NewReaper(invoices stores.InvoiceStore, reconcilers map[models.Chain]Expirer, cfg *config.Config, logger zerolog.Logger) *Reaper {
	return &Reaper{
		invoices:    invoices,
		reconcilers: reconcilers,
		interval:    cfg.ReaperInterval.Std(),
		logger:      logger.With().Str("component", "reaper").Logger(),
		now:         time.Now,
	}
}

func (r *Reaper) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	now := r.now().UTC()

	type candidate struct {
		id    string
		chain models.Chain
	}
	var due []candidate
	err := r.invoices.Scan(ctx, func(inv *models.Invoice) error {
		if inv.State.Terminal() || inv.State.Funded() {
			return nil
		}
		if now.After(inv.ExpiresAt) {
			due = append(due, candidate{id: inv.ID, chain: inv.Chain})
		}
		return nil
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("expiry scan failed")
		return
	}

	for _, c := range due {
		rec, ok := r.reconcilers[c.chain]
		if !ok {
			r.logger.Warn().Str("invoice", c.id).Str("chain", string(c.chain)).Msg("no reconciler for expired invoice")
			continue
		}
		// a deposit may have landed between the scan and this call; the
		// reconciler re-checks fundedness before expiring
		if err := rec.Expire(ctx, c.id); err != nil {
			r.logger.Warn().Err(err).Str("invoice", c.id).Msg("expiry rejected")
		}
	}
}

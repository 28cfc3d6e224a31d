package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"paygate/daemon/internal/chains"
	"paygate/daemon/internal/config"
	"paygate/daemon/internal/models"
	"paygate/daemon/internal/stores"
)

type watchCmd struct {
	subscribe   string
	unsubscribe string
	rescan      bool
}

// Watcher polls one chain for finalized blocks and emits deposits to watched
// addresses. The checkpoint advances only after a block is fully processed,
// so a crash replays the block and the ledger's credit dedup absorbs the
// duplicates.
type Watcher struct {
	client      chains.Client
	checkpoints stores.CheckpointStore
	cfg         *config.ChainConfig
	health      *Health
	logger      zerolog.Logger

	cmds chan watchCmd
	out  chan *models.Deposit

	subs map[string]bool // lowercased watched addresses
	last uint64
}

func NewWatcher(client chains.Client, checkpoints stores.CheckpointStore, cfg *config.ChainConfig, health *Health, logger zerolog.Logger) *Watcher {
	return &Watcher{
		client:      client,
		checkpoints: checkpoints,
		cfg:         cfg,
		health:      health,
		logger:      logger.With().Str("component", "watcher").Str("chain", cfg.Name).Logger(),
		cmds:        make(chan watchCmd, 64),
		out:         make(chan *models.Deposit, 64),
		subs:        make(map[string]bool),
	}
}

func (w *Watcher) Out() <-chan *models.Deposit { return w.out }

// Subscribe starts watching an address for deposits.
func (w *Watcher) Subscribe(addr string) {
	w.cmds <- watchCmd{subscribe: addr}
}

// SubscribeAndRescan additionally checks the recent block window for
// transfers that landed before the subscription took effect.
func (w *Watcher) SubscribeAndRescan(addr string) {
	w.cmds <- watchCmd{subscribe: addr, rescan: true}
}

func (w *Watcher) Unsubscribe(addr string) {
	w.cmds <- watchCmd{unsubscribe: addr}
}

func (w *Watcher) Start(ctx context.Context) error {
	defer close(w.out)

	if err := w.restore(ctx); err != nil {
		return fmt.Errorf("watcher %s: restoring checkpoint: %w", w.cfg.Name, err)
	}
	w.logger.Info().Uint64("height", w.last).Msg("watcher started")

	ticker := time.NewTicker(w.cfg.PollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-w.cmds:
			if err := w.handleCmd(ctx, cmd); err != nil {
				return err
			}
		case <-ticker.C:
			if err := w.catchUp(ctx); err != nil {
				return err
			}
		}
	}
}

// restore positions the scan after a restart. With no checkpoint the watcher
// starts just behind the current finalized height.
func (w *Watcher) restore(ctx context.Context) error {
	checkpoint, err := w.checkpoints.LastHeight(ctx, w.client.Chain())
	switch {
	case errors.Is(err, stores.ErrNoCheckpoint):
		head, err := w.headWithRetry(ctx)
		if err != nil {
			return err
		}
		if head > w.cfg.Depth+1 {
			w.last = head - w.cfg.Depth - 1
		}
		return nil
	case err != nil:
		return err
	}

	resume, err := w.client.ResumeHeight(ctx, checkpoint)
	if err != nil {
		return err
	}
	w.last = resume
	return nil
}

// catchUp processes every finalized height between the checkpoint and the
// current head, one block at a time, draining subscription commands between
// blocks so long catch-ups respond to invoice churn.
func (w *Watcher) catchUp(ctx context.Context) error {
	head, err := w.headWithRetry(ctx)
	if err != nil {
		return err
	}
	if head < w.cfg.Depth {
		return nil
	}
	finalized := head - w.cfg.Depth

	for h := w.last + 1; h <= finalized; h++ {
		if err := w.processBlock(ctx, h); err != nil {
			return err
		}
		w.last = h
		if err := w.checkpoints.SetLastHeight(ctx, w.client.Chain(), h); err != nil {
			return fmt.Errorf("persisting checkpoint at %d: %w", h, err)
		}
		w.health.SetHeight(w.client.Chain(), h)

		for {
			select {
			case cmd := <-w.cmds:
				if err := w.handleCmd(ctx, cmd); err != nil {
					return err
				}
				continue
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			break
		}
	}
	return nil
}

func (w *Watcher) processBlock(ctx context.Context, height uint64) error {
	if len(w.subs) == 0 {
		return nil
	}
	transfers, err := w.transfersWithRetry(ctx, height)
	if err != nil {
		return err
	}
	for i := range transfers {
		w.emit(ctx, height, &transfers[i])
	}
	return nil
}

func (w *Watcher) emit(ctx context.Context, height uint64, t *chains.Transfer) {
	if !w.subs[strings.ToLower(t.ToAddr)] {
		return
	}
	dep := &models.Deposit{
		Chain:       w.client.Chain(),
		BlockNumber: height,
		BlockHash:   t.BlockHash,
		TxRef:       t.TxRef,
		FromAddr:    t.FromAddr,
		ToAddr:      t.ToAddr,
		Currency:    t.Currency,
		Amount:      t.Amount,
		Finalized:   true,
	}
	select {
	case w.out <- dep:
	case <-ctx.Done():
	}
}

func (w *Watcher) handleCmd(ctx context.Context, cmd watchCmd) error {
	if cmd.unsubscribe != "" {
		delete(w.subs, strings.ToLower(cmd.unsubscribe))
		return nil
	}
	if cmd.subscribe == "" {
		return nil
	}
	w.subs[strings.ToLower(cmd.subscribe)] = true
	if !cmd.rescan {
		return nil
	}
	return w.rescan(ctx, cmd.subscribe)
}

// rescan covers the bounded window of already-processed blocks for one
// freshly subscribed address. Credit dedup makes overlap with the live scan
// harmless.
func (w *Watcher) rescan(ctx context.Context, addr string) error {
	if w.cfg.RescanBlocks == 0 || w.last == 0 {
		return nil
	}
	from := uint64(1)
	if w.last > w.cfg.RescanBlocks {
		from = w.last - w.cfg.RescanBlocks
	}
	w.logger.Debug().Str("address", addr).Uint64("from", from).Uint64("to", w.last).Msg("rescanning for new subscription")

	for h := from; h <= w.last; h++ {
		transfers, err := w.client.BlockTransfers(ctx, h, []string{addr})
		if err != nil {
			// best effort: deposits in the window surface on operator
			// rescan if this pass misses them
			w.logger.Warn().Err(err).Uint64("height", h).Msg("rescan aborted")
			return nil
		}
		for i := range transfers {
			w.emit(ctx, h, &transfers[i])
		}
	}
	return nil
}

func (w *Watcher) headWithRetry(ctx context.Context) (uint64, error) {
	var head uint64
	err := w.withRetry(ctx, func() error {
		var err error
		head, err = w.client.HeadHeight(ctx)
		return err
	})
	return head, err
}

func (w *Watcher) transfersWithRetry(ctx context.Context, height uint64) ([]chains.Transfer, error) {
	watched := make([]string, 0, len(w.subs))
	for addr := range w.subs {
		watched = append(watched, addr)
	}
	var transfers []chains.Transfer
	err := w.withRetry(ctx, func() error {
		var err error
		transfers, err = w.client.BlockTransfers(ctx, height, watched)
		return err
	})
	return transfers, err
}

// retryPolicy never stops on elapsed time: an outage ends when the endpoints
// come back or the context is cancelled, not after a fixed budget.
func retryPolicy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	policy.MaxInterval = 30 * time.Second
	return policy
}

// withRetry wraps an RPC call in exponential backoff. Endpoint outages mark
// the chain degraded and retry indefinitely; the watcher never dies because a
// node blinked.
func (w *Watcher) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(retryPolicy(), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			w.health.SetOK(w.client.Chain())
			return nil
		}
		if errors.Is(err, chains.ErrAllEndpointsDown) {
			w.health.SetDegraded(w.client.Chain(), err.Error())
			w.logger.Warn().Err(err).Msg("rpc endpoints down, backing off")
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

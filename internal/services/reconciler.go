package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"paygate/daemon/internal/config"
	"paygate/daemon/internal/keyring"
	"paygate/daemon/internal/models"
	"paygate/daemon/internal/stores"
)

var (
	ErrUnknownChain    = errors.New("unknown chain")
	ErrUnknownCurrency = errors.New("unknown currency")
)

// CreateRequest is an invoice creation command. ID is optional; re-submitting
// an identical request returns the existing invoice, a conflicting one fails
// with ErrDuplicateID.
type CreateRequest struct {
	ID       string
	Chain    models.Chain
	Currency models.Currency
	Amount   *big.Int
}

type createCmd struct {
	req   CreateRequest
	reply chan createReply
}

type createReply struct {
	inv *models.Invoice
	err error
}

type expireCmd struct {
	id    string
	reply chan error
}

// DepositSource is the watcher capability the reconciler consumes.
type DepositSource interface {
	Out() <-chan *models.Deposit
	Subscribe(addr string)
	SubscribeAndRescan(addr string)
	Unsubscribe(addr string)
}

// Sweeper accepts forward jobs.
type Sweeper interface {
	Enqueue(job ForwardJob)
}

// Reconciler is the single writer of invoice state for one chain. Deposits,
// creation requests, expiries, and forward results all funnel through its
// command loop, which gives every invoice a total order of events without
// record-level locks.
type Reconciler struct {
	chain     models.Chain
	cfg       *config.Config
	chainCfg  *config.ChainConfig
	invoices  stores.InvoiceStore
	keys      *keyring.Keyring
	watcher   DepositSource
	forwarder Sweeper
	health    *Health
	logger    zerolog.Logger

	creates chan createCmd
	expires chan expireCmd
	results chan ForwardResult

	now func() time.Time
}

func NewReconciler(
	chain models.Chain,
	cfg *config.Config,
	invoices stores.InvoiceStore,
	keys *keyring.Keyring,
	watcher DepositSource,
	forwarder Sweeper,
	health *Health,
	logger zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		chain:     chain,
		cfg:       cfg,
		chainCfg:  cfg.Chain(chain),
		invoices:  invoices,
		keys:      keys,
		watcher:   watcher,
		forwarder: forwarder,
		health:    health,
		logger:    logger.With().Str("component", "reconciler").Str("chain", string(chain)).Logger(),
		creates:   make(chan createCmd),
		expires:   make(chan expireCmd),
		results:   make(chan ForwardResult, 64),
		now:       time.Now,
	}
}

// CreateInvoice validates and persists a new invoice, derives its address,
// and registers it with the watcher. Safe to call from any goroutine.
func (r *Reconciler) CreateInvoice(ctx context.Context, req CreateRequest) (*models.Invoice, error) {
	cmd := createCmd{req: req, reply: make(chan createReply, 1)}
	select {
	case r.creates <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-cmd.reply:
		return rep.inv, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Expire transitions a non-funded invoice past its deadline to expired.
func (r *Reconciler) Expire(ctx context.Context, id string) error {
	cmd := expireCmd{id: id, reply: make(chan error, 1)}
	select {
	case r.expires <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) Start(ctx context.Context) error {
	if err := r.bootstrap(ctx); err != nil {
		return fmt.Errorf("reconciler %s: bootstrap: %w", r.chain, err)
	}

	for {
		var err error
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-r.creates:
			inv, cerr := r.handleCreate(ctx, cmd.req)
			cmd.reply <- createReply{inv: inv, err: cerr}
			err = cerr
		case cmd := <-r.expires:
			eerr := r.handleExpire(ctx, cmd.id)
			cmd.reply <- eerr
			err = eerr
		case dep, ok := <-r.watcher.Out():
			if !ok {
				return fmt.Errorf("reconciler %s: watcher stream closed", r.chain)
			}
			err = r.handleDeposit(ctx, dep)
		case res := <-r.results:
			err = r.handleForwardResult(ctx, res)
		}

		// integrity violations stop this chain; anything else is logged and
		// the loop keeps serving the other invoices
		if errors.Is(err, stores.ErrLedgerIntegrity) {
			r.health.SetFailed(r.chain, err.Error())
			r.logger.Error().Err(err).Msg("ledger integrity violation, stopping chain")
			return err
		}
		if err != nil {
			r.logger.Warn().Err(err).Msg("reconcile step failed")
		}
	}
}

// bootstrap restores watcher subscriptions and in-flight forwards after a
// restart.
func (r *Reconciler) bootstrap(ctx context.Context) error {
	var resubscribed, reforwarded int
	err := r.invoices.Scan(ctx, func(inv *models.Invoice) error {
		if inv.Chain != r.chain || inv.State.Terminal() {
			return nil
		}
		if inv.State.Funded() {
			r.enqueueForward(inv)
			reforwarded++
			return nil
		}
		r.watcher.Subscribe(inv.Address)
		resubscribed++
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info().Int("watching", resubscribed).Int("forwarding", reforwarded).Msg("reconciler recovered")
	return nil
}

func (r *Reconciler) handleCreate(ctx context.Context, req CreateRequest) (*models.Invoice, error) {
	if r.chainCfg == nil || req.Chain != r.chain {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, req.Chain)
	}
	if _, ok := r.chainCfg.Currency(req.Currency); !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownCurrency, req.Currency, req.Chain)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount due must be positive")
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	} else if existing, err := r.invoices.Get(ctx, id); err == nil {
		if existing.Chain == req.Chain && existing.Currency == req.Currency &&
			existing.AmountDue.Cmp(req.Amount) == 0 {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %s", stores.ErrDuplicateID, id)
	} else if !errors.Is(err, stores.ErrInvoiceNotFound) {
		return nil, err
	}

	index, err := r.invoices.NextDerivationIndex(ctx, r.chain)
	if err != nil {
		return nil, err
	}
	signer, err := r.keys.Derive(r.chain, req.Currency, index)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	inv := &models.Invoice{
		ID:              id,
		Chain:           req.Chain,
		Currency:        req.Currency,
		AmountDue:       new(big.Int).Set(req.Amount),
		DerivationIndex: index,
		Address:         signer.Address(),
		State:           models.StatePending,
		ObservedAmount:  new(big.Int),
		CreatedAt:       now,
		ExpiresAt:       now.Add(r.cfg.AccountLifetime.Std()),
	}
	if err := r.invoices.Insert(ctx, inv); err != nil {
		return nil, err
	}

	r.watcher.SubscribeAndRescan(inv.Address)
	r.logger.Info().
		Str("invoice", inv.ID).
		Str("currency", string(inv.Currency)).
		Str("address", inv.Address).
		Str("amount_due", inv.AmountDue.String()).
		Msg("invoice created")
	return inv, nil
}

func (r *Reconciler) handleDeposit(ctx context.Context, dep *models.Deposit) error {
	inv, err := r.invoices.GetByAddress(ctx, r.chain, dep.ToAddr)
	if errors.Is(err, stores.ErrInvoiceNotFound) {
		// subscription outlived the invoice, drop it
		r.watcher.Unsubscribe(dep.ToAddr)
		r.logger.Debug().Str("address", dep.ToAddr).Msg("deposit to unwatched address ignored")
		return nil
	}
	if err != nil {
		return err
	}
	if inv.State.Terminal() {
		r.watcher.Unsubscribe(inv.Address)
		return nil
	}

	updated, err := r.invoices.Update(ctx, inv.ID, func(inv *models.Invoice) error {
		if dep.Currency != inv.Currency {
			r.logger.Warn().
				Str("invoice", inv.ID).
				Str("tx_ref", dep.TxRef).
				Str("currency", string(dep.Currency)).
				Msg("deposit in wrong currency recorded as uncredited")
			inv.Uncredited = append(inv.Uncredited, models.UncreditedDeposit{
				TxRef:    dep.TxRef,
				Currency: dep.Currency,
				Amount:   new(big.Int).Set(dep.Amount),
			})
			return nil
		}
		if !inv.Credit(dep.TxRef, dep.Amount) {
			r.logger.Debug().Str("invoice", inv.ID).Str("tx_ref", dep.TxRef).Msg("duplicate deposit ignored")
			return nil
		}
		if inv.State.Funded() {
			// late extra deposit on an already funded invoice; the sweep
			// moves the full balance anyway
			return nil
		}
		switch inv.ObservedAmount.Cmp(inv.AmountDue) {
		case -1:
			inv.State = models.StateUnderpaid
		case 0:
			inv.State = models.StatePaid
		case 1:
			inv.State = models.StateOverpaid
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info().
		Str("invoice", updated.ID).
		Str("tx_ref", dep.TxRef).
		Str("observed", updated.ObservedAmount.String()).
		Str("state", string(updated.State)).
		Msg("deposit reconciled")

	if updated.State == models.StatePaid || updated.State == models.StateOverpaid {
		r.watcher.Unsubscribe(updated.Address)
		r.enqueueForward(updated)
	}
	return nil
}

func (r *Reconciler) enqueueForward(inv *models.Invoice) {
	r.forwarder.Enqueue(ForwardJob{
		InvoiceID:       inv.ID,
		Chain:           inv.Chain,
		Currency:        inv.Currency,
		DerivationIndex: inv.DerivationIndex,
		SweepTxRef:      inv.SweepTxRef,
		Attempts:        inv.ForwardAttempts,
		Done:            func(res ForwardResult) { r.results <- res },
	})
}

func (r *Reconciler) handleForwardResult(ctx context.Context, res ForwardResult) error {
	updated, err := r.invoices.Update(ctx, res.InvoiceID, func(inv *models.Invoice) error {
		inv.ForwardAttempts = res.Attempts
		if res.TxRef != "" {
			inv.SweepTxRef = res.TxRef
		}
		switch {
		case !res.Final:
			inv.State = models.StateForwarding
		case res.Failed:
			inv.State = models.StateForwardFailed
			inv.FailureReason = res.Reason
		default:
			inv.State = models.StateSettled
			now := r.now().UTC()
			inv.SettledAt = &now
		}
		return nil
	})
	if err != nil {
		return err
	}

	event := r.logger.Info()
	if updated.State == models.StateForwardFailed {
		event = r.logger.Error()
	}
	event.
		Str("invoice", updated.ID).
		Str("state", string(updated.State)).
		Str("sweep_tx_ref", updated.SweepTxRef).
		Msg("forward state updated")
	return nil
}

func (r *Reconciler) handleExpire(ctx context.Context, id string) error {
	updated, err := r.invoices.Update(ctx, id, func(inv *models.Invoice) error {
		if inv.State.Funded() {
			return fmt.Errorf("invoice %s is funded, not expirable", id)
		}
		inv.State = models.StateExpired
		return nil
	})
	if err != nil {
		return err
	}
	r.watcher.Unsubscribe(updated.Address)
	r.logger.Info().Str("invoice", id).Msg("invoice expired")
	return nil
}

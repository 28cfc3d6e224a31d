package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"paygate/daemon/internal/chains"
	"paygate/daemon/internal/config"
	"paygate/daemon/internal/keyring"
	"paygate/daemon/internal/models"
)

// ForwardJob asks the worker pool to sweep an invoice's derived address to
// the recipient. Done is invoked on the submitting goroutine; the reconciler
// routes it back into its own command loop.
type ForwardJob struct {
	InvoiceID       string
	Chain           models.Chain
	Currency        models.Currency
	DerivationIndex uint32

	// SweepTxRef carries a previously submitted sweep so recovery after a
	// crash polls the existing transaction instead of double-spending.
	SweepTxRef string
	Attempts   int

	Done func(ForwardResult)
}

// ForwardResult reports one phase transition. Submitted results carry the tx
// ref; Final results end the invoice in settled or forward_failed.
type ForwardResult struct {
	InvoiceID string
	TxRef     string
	Amount    *big.Int
	Attempts  int
	Final     bool
	Failed    bool
	Reason    string
}

// Forwarder runs the sweep worker pool. Submission failures retry with
// exponential backoff up to the configured attempt limit; rejections
// (insufficient balance for fees, malformed tx) fail immediately.
type Forwarder struct {
	clients     map[models.Chain]chains.Client
	keys        *keyring.Keyring
	cfg         *config.Config
	secrets     *config.Secrets
	logger      zerolog.Logger
	confirmEach time.Duration

	jobs chan ForwardJob
}

func NewForwarder(clients map[models.Chain]chains.Client, keys *keyring.Keyring, cfg *config.Config, secrets *config.Secrets, logger zerolog.Logger) *Forwarder {
	return &Forwarder{
		clients:     clients,
		keys:        keys,
		cfg:         cfg,
		secrets:     secrets,
		logger:      logger.With().Str("component", "forwarder").Logger(),
		confirmEach: 2 * time.Second,
		jobs:        make(chan ForwardJob, 64),
	}
}

func (f *Forwarder) Enqueue(job ForwardJob) {
	f.jobs <- job
}

func (f *Forwarder) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < f.cfg.ForwardWorkers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case job := <-f.jobs:
					f.run(ctx, job)
				}
			}
		})
	}
	return g.Wait()
}

func (f *Forwarder) run(ctx context.Context, job ForwardJob) {
	logger := f.logger.With().Str("invoice", job.InvoiceID).Str("chain", string(job.Chain)).Logger()

	client, ok := f.clients[job.Chain]
	if !ok {
		job.Done(ForwardResult{
			InvoiceID: job.InvoiceID, Attempts: job.Attempts,
			Final: true, Failed: true,
			Reason: fmt.Sprintf("no client for chain %s", job.Chain),
		})
		return
	}

	// a sweep already on the wire only needs its status confirmed
	if job.SweepTxRef != "" {
		status, err := f.awaitFinality(ctx, client, job.SweepTxRef)
		if err == nil && status == chains.TxFinalized {
			job.Done(ForwardResult{InvoiceID: job.InvoiceID, TxRef: job.SweepTxRef, Attempts: job.Attempts, Final: true})
			return
		}
		if err != nil {
			logger.Warn().Err(err).Str("tx_ref", job.SweepTxRef).Msg("could not confirm prior sweep, resubmitting")
		} else {
			logger.Warn().Str("tx_ref", job.SweepTxRef).Msg("prior sweep failed on chain, resubmitting")
		}
	}

	txRef, amount, err := f.submit(ctx, client, job)
	if err != nil {
		reason := err.Error()
		logger.Error().Err(err).Int("attempts", job.Attempts).Msg("forwarding failed")
		job.Done(ForwardResult{
			InvoiceID: job.InvoiceID, Attempts: job.Attempts,
			Final: true, Failed: true, Reason: reason,
		})
		return
	}
	job.Attempts++
	logger.Info().Str("tx_ref", txRef).Msg("sweep submitted")
	job.Done(ForwardResult{InvoiceID: job.InvoiceID, TxRef: txRef, Amount: amount, Attempts: job.Attempts})

	status, err := f.awaitFinality(ctx, client, txRef)
	switch {
	case err != nil:
		job.Done(ForwardResult{
			InvoiceID: job.InvoiceID, TxRef: txRef, Attempts: job.Attempts,
			Final: true, Failed: true,
			Reason: fmt.Sprintf("confirming sweep %s: %v", txRef, err),
		})
	case status == chains.TxFailed:
		job.Done(ForwardResult{
			InvoiceID: job.InvoiceID, TxRef: txRef, Attempts: job.Attempts,
			Final: true, Failed: true,
			Reason: fmt.Sprintf("sweep %s failed on chain", txRef),
		})
	default:
		job.Done(ForwardResult{InvoiceID: job.InvoiceID, TxRef: txRef, Amount: amount, Attempts: job.Attempts, Final: true})
	}
}

func (f *Forwarder) submit(ctx context.Context, client chains.Client, job ForwardJob) (string, *big.Int, error) {
	signer, err := f.keys.Derive(job.Chain, job.Currency, job.DerivationIndex)
	if err != nil {
		return "", nil, err
	}
	req := chains.SweepRequest{
		Signer:    signer,
		Currency:  job.Currency,
		Recipient: f.secrets.Recipient,
		Remark:    f.secrets.Remark,
	}

	remaining := f.cfg.ForwardAttempts - job.Attempts
	if remaining < 1 {
		remaining = 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(remaining-1)), ctx)

	var txRef string
	var amount *big.Int
	err = backoff.Retry(func() error {
		var err error
		txRef, amount, err = client.SubmitSweep(ctx, req)
		if errors.Is(err, chains.ErrSweepRejected) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	return txRef, amount, err
}

// awaitFinality polls the sweep until the chain reports it final or failed.
// Unbounded in time but not in RPC errors; persistent errors bubble up and
// fail the forward, which an operator can retry by restarting.
func (f *Forwarder) awaitFinality(ctx context.Context, client chains.Client, txRef string) (chains.TxStatus, error) {
	ticker := time.NewTicker(f.confirmEach)
	defer ticker.Stop()

	var rpcErrors int
	for {
		status, err := client.TxStatus(ctx, txRef)
		if err != nil {
			rpcErrors++
			if rpcErrors >= 10 {
				return chains.TxPending, err
			}
		} else {
			rpcErrors = 0
			if status != chains.TxPending {
				return status, nil
			}
		}
		select {
		case <-ctx.Done():
			return chains.TxPending, ctx.Err()
		case <-ticker.C:
		}
	}
}

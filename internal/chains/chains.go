package chains

import (
	"context"
	"errors"
	"math/big"

	"paygate/daemon/internal/keyring"
	"paygate/daemon/internal/models"
)

var (
	// ErrAllEndpointsDown means every configured RPC endpoint for a chain
	// failed. Transient: callers back off and retry, they do not crash.
	ErrAllEndpointsDown = errors.New("all rpc endpoints down")

	// ErrSweepRejected marks permanent sweep failures (insufficient balance
	// for fees, malformed or rejected transaction). Not retried.
	ErrSweepRejected = errors.New("sweep rejected")
)

// Transfer is a raw transfer-shaped event extracted from one finalized block.
type Transfer struct {
	TxRef     string
	BlockHash string
	FromAddr  string
	ToAddr    string
	Currency  models.Currency
	Amount    *big.Int
}

type TxStatus int

const (
	TxPending TxStatus = iota
	TxFinalized
	TxFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxFinalized:
		return "finalized"
	case TxFailed:
		return "failed"
	}
	return "unknown"
}

// SweepRequest asks a chain client to move the full balance held by the
// signer's address to the recipient.
type SweepRequest struct {
	Signer    *keyring.Signer
	Currency  models.Currency
	Recipient string
	Remark    string
}

// Client is the per-chain-family RPC capability. Core logic never branches on
// chain identity beyond selecting which Client to call.
type Client interface {
	Chain() models.Chain

	// HeadHeight is the latest height observed on the chain. The watcher
	// applies the configured finality depth on top of it.
	HeadHeight(ctx context.Context) (uint64, error)

	// ResumeHeight maps a persisted checkpoint to the height scanning should
	// resume from after a restart. Chains with full per-height history return
	// the checkpoint unchanged; chains that only expose current state skip
	// ahead to the present.
	ResumeHeight(ctx context.Context, checkpoint uint64) (uint64, error)

	// BlockTransfers extracts transfer events from one block. watched lists
	// the addresses currently of interest; implementations may use it to
	// bound the scan or ignore it and return everything.
	BlockTransfers(ctx context.Context, height uint64, watched []string) ([]Transfer, error)

	// SubmitSweep builds, signs, and submits the sweep transaction. Returns
	// the tx ref and the amount actually moved.
	SubmitSweep(ctx context.Context, req SweepRequest) (string, *big.Int, error)

	TxStatus(ctx context.Context, txRef string) (TxStatus, error)
}

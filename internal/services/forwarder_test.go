package services

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paygate/daemon/internal/chains"
	"paygate/daemon/internal/config"
	"paygate/daemon/internal/keyring"
	"paygate/daemon/internal/mocks"
	"paygate/daemon/internal/models"
)

type resultRecorder struct {
	mu      sync.Mutex
	results []ForwardResult
	final   chan ForwardResult
}

func newResultRecorder() *resultRecorder {
	return &resultRecorder{final: make(chan ForwardResult, 1)}
}

func (r *resultRecorder) done(res ForwardResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
	if res.Final {
		r.final <- res
	}
}

func (r *resultRecorder) all() []ForwardResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ForwardResult(nil), r.results...)
}

func (r *resultRecorder) waitFinal(t *testing.T) ForwardResult {
	t.Helper()
	select {
	case res := <-r.final:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("no final forward result")
		return ForwardResult{}
	}
}

func startForwarder(t *testing.T, client *mocks.MockChainClient) *Forwarder {
	t.Helper()
	cfg := testConfig()
	keys, err := keyring.New(testMnemonic, cfg)
	require.NoError(t, err)
	secrets := &config.Secrets{SeedPhrase: testMnemonic, Recipient: "0xRecipient"}

	f := NewForwarder(
		map[models.Chain]chains.Client{"sepolia": client},
		keys, cfg, secrets, testLogger())
	f.confirmEach = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func TestForwarderSweepsAndSettles(t *testing.T) {
	client := mocks.NewMockChainClient("sepolia")
	client.SweepFn = func(ctx context.Context, req chains.SweepRequest) (string, *big.Int, error) {
		return "0xsweep", big.NewInt(100), nil
	}

	f := startForwarder(t, client)
	rec := newResultRecorder()
	f.Enqueue(ForwardJob{
		InvoiceID: "inv-1", Chain: "sepolia", Currency: "USDC",
		DerivationIndex: 0, Done: rec.done,
	})

	final := rec.waitFinal(t)
	require.False(t, final.Failed)
	require.Equal(t, "0xsweep", final.TxRef)
	require.Equal(t, 1, final.Attempts)

	// a submitted (non-final) result precedes the final one
	results := rec.all()
	require.GreaterOrEqual(t, len(results), 2)
	require.False(t, results[0].Final)
	require.Equal(t, "0xsweep", results[0].TxRef)

	require.Len(t, client.Sweeps, 1)
	require.Equal(t, "0xRecipient", client.Sweeps[0].Recipient)
}

func TestForwarderRejectionIsPermanent(t *testing.T) {
	client := mocks.NewMockChainClient("sepolia")
	client.SweepFn = func(ctx context.Context, req chains.SweepRequest) (string, *big.Int, error) {
		return "", nil, chains.ErrSweepRejected
	}

	f := startForwarder(t, client)
	rec := newResultRecorder()
	f.Enqueue(ForwardJob{
		InvoiceID: "inv-2", Chain: "sepolia", Currency: "ETH", Done: rec.done,
	})

	final := rec.waitFinal(t)
	require.True(t, final.Failed)
	require.NotEmpty(t, final.Reason)
	require.Len(t, client.Sweeps, 1, "rejections must not be retried")
}

func TestForwarderRetriesTransientErrors(t *testing.T) {
	client := mocks.NewMockChainClient("sepolia")
	var calls int
	client.SweepFn = func(ctx context.Context, req chains.SweepRequest) (string, *big.Int, error) {
		calls++
		if calls < 3 {
			return "", nil, errors.New("rpc timeout")
		}
		return "0xretried", big.NewInt(10), nil
	}

	f := startForwarder(t, client)
	rec := newResultRecorder()
	f.Enqueue(ForwardJob{
		InvoiceID: "inv-3", Chain: "sepolia", Currency: "ETH", Done: rec.done,
	})

	final := rec.waitFinal(t)
	require.False(t, final.Failed)
	require.Equal(t, "0xretried", final.TxRef)
	require.Equal(t, 3, calls)
}

func TestForwarderResumesExistingSweep(t *testing.T) {
	client := mocks.NewMockChainClient("sepolia")
	client.Statuses["0xprior"] = chains.TxFinalized

	f := startForwarder(t, client)
	rec := newResultRecorder()
	f.Enqueue(ForwardJob{
		InvoiceID: "inv-4", Chain: "sepolia", Currency: "ETH",
		SweepTxRef: "0xprior", Attempts: 1, Done: rec.done,
	})

	final := rec.waitFinal(t)
	require.False(t, final.Failed)
	require.Equal(t, "0xprior", final.TxRef)
	require.Empty(t, client.Sweeps, "finalized sweep must not be resubmitted")
}

func TestForwarderFailedSweepResubmits(t *testing.T) {
	client := mocks.NewMockChainClient("sepolia")
	client.Statuses["0xdead"] = chains.TxFailed
	client.SweepFn = func(ctx context.Context, req chains.SweepRequest) (string, *big.Int, error) {
		return "0xfresh", big.NewInt(10), nil
	}

	f := startForwarder(t, client)
	rec := newResultRecorder()
	f.Enqueue(ForwardJob{
		InvoiceID: "inv-5", Chain: "sepolia", Currency: "ETH",
		SweepTxRef: "0xdead", Done: rec.done,
	})

	final := rec.waitFinal(t)
	require.False(t, final.Failed)
	require.Equal(t, "0xfresh", final.TxRef)
	require.Len(t, client.Sweeps, 1)
}

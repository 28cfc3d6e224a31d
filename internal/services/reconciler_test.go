package services

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paygate/daemon/internal/config"
	"paygate/daemon/internal/keyring"
	"paygate/daemon/internal/mocks"
	"paygate/daemon/internal/models"
	"paygate/daemon/internal/stores"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testConfig() *config.Config {
	return &config.Config{
		AccountLifetime: config.Duration(time.Hour),
		ForwardAttempts: 3,
		ForwardWorkers:  1,
		Chains: []config.ChainConfig{{
			Name:           "sepolia",
			Family:         "evm",
			Endpoints:      []string{"http://localhost:8545"},
			NativeCurrency: "ETH",
			NativeDecimals: 18,
			Assets: []config.Asset{
				{Symbol: "USDC", TokenID: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", Decimals: 6},
			},
		}},
	}
}

type fakeWatcher struct {
	mu           sync.Mutex
	out          chan *models.Deposit
	subscribed   []string
	rescanned    []string
	unsubscribed []string
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{out: make(chan *models.Deposit, 16)}
}

func (f *fakeWatcher) Out() <-chan *models.Deposit { return f.out }

func (f *fakeWatcher) Subscribe(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, addr)
}

func (f *fakeWatcher) SubscribeAndRescan(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, addr)
	f.rescanned = append(f.rescanned, addr)
}

func (f *fakeWatcher) Unsubscribe(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, addr)
}

func (f *fakeWatcher) unsubscribedAddrs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribed...)
}

type fakeForwarder struct {
	jobs chan ForwardJob
}

func newFakeForwarder() *fakeForwarder {
	return &fakeForwarder{jobs: make(chan ForwardJob, 16)}
}

func (f *fakeForwarder) Enqueue(job ForwardJob) { f.jobs <- job }

type reconcilerFixture struct {
	rec     *Reconciler
	store   *mocks.MockInvoiceStore
	watcher *fakeWatcher
	fwd     *fakeForwarder
}

func startReconciler(t *testing.T) *reconcilerFixture {
	t.Helper()
	cfg := testConfig()
	keys, err := keyring.New(testMnemonic, cfg)
	require.NoError(t, err)

	fx := &reconcilerFixture{
		store:   mocks.NewMockInvoiceStore(),
		watcher: newFakeWatcher(),
		fwd:     newFakeForwarder(),
	}
	fx.rec = NewReconciler("sepolia", cfg, fx.store, keys, fx.watcher, fx.fwd, NewHealth(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		fx.rec.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return fx
}

func (fx *reconcilerFixture) waitState(t *testing.T, id string, want models.State) *models.Invoice {
	t.Helper()
	var inv *models.Invoice
	require.Eventually(t, func() bool {
		var err error
		inv, err = fx.store.Get(context.Background(), id)
		return err == nil && inv.State == want
	}, 2*time.Second, 5*time.Millisecond, "invoice %s never reached %s", id, want)
	return inv
}

func TestCreateInvoice(t *testing.T) {
	fx := startReconciler(t)
	ctx := context.Background()

	inv, err := fx.rec.CreateInvoice(ctx, CreateRequest{
		Chain: "sepolia", Currency: "USDC", Amount: big.NewInt(100),
	})
	require.NoError(t, err)
	require.Equal(t, models.StatePending, inv.State)
	require.NotEmpty(t, inv.Address)
	require.Equal(t, uint32(0), inv.DerivationIndex)
	require.True(t, inv.ExpiresAt.After(inv.CreatedAt))
	require.Contains(t, fx.watcher.rescanned, inv.Address)

	second, err := fx.rec.CreateInvoice(ctx, CreateRequest{
		Chain: "sepolia", Currency: "USDC", Amount: big.NewInt(100),
	})
	require.NoError(t, err)
	require.Equal(t, uint32(1), second.DerivationIndex)
	require.NotEqual(t, inv.Address, second.Address)
}

func TestCreateInvoiceValidation(t *testing.T) {
	fx := startReconciler(t)
	ctx := context.Background()

	_, err := fx.rec.CreateInvoice(ctx, CreateRequest{
		Chain: "mainnet", Currency: "ETH", Amount: big.NewInt(1),
	})
	require.ErrorIs(t, err, ErrUnknownChain)

	_, err = fx.rec.CreateInvoice(ctx, CreateRequest{
		Chain: "sepolia", Currency: "DOGE", Amount: big.NewInt(1),
	})
	require.ErrorIs(t, err, ErrUnknownCurrency)

	_, err = fx.rec.CreateInvoice(ctx, CreateRequest{
		Chain: "sepolia", Currency: "ETH", Amount: big.NewInt(0),
	})
	require.Error(t, err)
}

func TestCreateInvoiceIdempotentByID(t *testing.T) {
	fx := startReconciler(t)
	ctx := context.Background()

	req := CreateRequest{ID: "order-1", Chain: "sepolia", Currency: "ETH", Amount: big.NewInt(500)}
	first, err := fx.rec.CreateInvoice(ctx, req)
	require.NoError(t, err)

	again, err := fx.rec.CreateInvoice(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.Address, again.Address)

	req.Amount = big.NewInt(999)
	_, err = fx.rec.CreateInvoice(ctx, req)
	require.ErrorIs(t, err, stores.ErrDuplicateID)
}

func deposit(inv *models.Invoice, txRef string, amount int64) *models.Deposit {
	return &models.Deposit{
		Chain:     inv.Chain,
		TxRef:     txRef,
		ToAddr:    inv.Address,
		Currency:  inv.Currency,
		Amount:    big.NewInt(amount),
		Finalized: true,
	}
}

func TestPartialThenFullPayment(t *testing.T) {
	fx := startReconciler(t)
	ctx := context.Background()

	inv, err := fx.rec.CreateInvoice(ctx, CreateRequest{
		Chain: "sepolia", Currency: "USDC", Amount: big.NewInt(100),
	})
	require.NoError(t, err)

	fx.watcher.out <- deposit(inv, "0xaaa", 60)
	got := fx.waitState(t, inv.ID, models.StateUnderpaid)
	require.Equal(t, "60", got.ObservedAmount.String())

	fx.watcher.out <- deposit(inv, "0xbbb", 40)
	fx.waitState(t, inv.ID, models.StatePaid)

	var job ForwardJob
	select {
	case job = <-fx.fwd.jobs:
	case <-time.After(2 * time.Second):
		t.Fatal("no forward job enqueued")
	}
	require.Equal(t, inv.ID, job.InvoiceID)
	require.Contains(t, fx.watcher.unsubscribedAddrs(), inv.Address)

	job.Done(ForwardResult{InvoiceID: inv.ID, TxRef: "0xsweep", Attempts: 1})
	fx.waitState(t, inv.ID, models.StateForwarding)

	job.Done(ForwardResult{InvoiceID: inv.ID, TxRef: "0xsweep", Attempts: 1, Final: true})
	got = fx.waitState(t, inv.ID, models.StateSettled)
	require.Equal(t, "0xsweep", got.SweepTxRef)
	require.NotNil(t, got.SettledAt)
}

func TestOverpayment(t *testing.T) {
	fx := startReconciler(t)
	ctx := context.Background()

	inv, err := fx.rec.CreateInvoice(ctx, CreateRequest{
		Chain: "sepolia", Currency: "USDC", Amount: big.NewInt(50),
	})
	require.NoError(t, err)

	fx.watcher.out <- deposit(inv, "0xccc", 70)
	got := fx.waitState(t, inv.ID, models.StateOverpaid)
	require.Equal(t, "70", got.ObservedAmount.String())

	select {
	case <-fx.fwd.jobs:
	case <-time.After(2 * time.Second):
		t.Fatal("overpaid invoice not forwarded")
	}
}

func TestDuplicateDepositIgnored(t *testing.T) {
	fx := startReconciler(t)
	ctx := context.Background()

	inv, err := fx.rec.CreateInvoice(ctx, CreateRequest{
		Chain: "sepolia", Currency: "USDC", Amount: big.NewInt(100),
	})
	require.NoError(t, err)

	fx.watcher.out <- deposit(inv, "0xdup", 60)
	fx.watcher.out <- deposit(inv, "0xdup", 60)
	got := fx.waitState(t, inv.ID, models.StateUnderpaid)

	require.Eventually(t, func() bool {
		got, _ = fx.store.Get(ctx, inv.ID)
		return len(got.Credits) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "60", got.ObservedAmount.String())
}

func TestWrongCurrencyUncredited(t *testing.T) {
	fx := startReconciler(t)
	ctx := context.Background()

	inv, err := fx.rec.CreateInvoice(ctx, CreateRequest{
		Chain: "sepolia", Currency: "ETH", Amount: big.NewInt(100),
	})
	require.NoError(t, err)

	dep := deposit(inv, "0xeee", 40)
	dep.Currency = "USDC"
	fx.watcher.out <- dep

	require.Eventually(t, func() bool {
		got, _ := fx.store.Get(ctx, inv.ID)
		return len(got.Uncredited) == 1
	}, 2*time.Second, 5*time.Millisecond)

	got, err := fx.store.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatePending, got.State)
	require.Equal(t, "0", got.ObservedAmount.String())
}

func TestExpire(t *testing.T) {
	fx := startReconciler(t)
	ctx := context.Background()

	inv, err := fx.rec.CreateInvoice(ctx, CreateRequest{
		Chain: "sepolia", Currency: "ETH", Amount: big.NewInt(100),
	})
	require.NoError(t, err)

	require.NoError(t, fx.rec.Expire(ctx, inv.ID))
	got := fx.waitState(t, inv.ID, models.StateExpired)
	require.Equal(t, models.StateExpired, got.State)
	require.Contains(t, fx.watcher.unsubscribedAddrs(), inv.Address)
}

func TestExpireFundedRejected(t *testing.T) {
	fx := startReconciler(t)
	ctx := context.Background()

	inv, err := fx.rec.CreateInvoice(ctx, CreateRequest{
		Chain: "sepolia", Currency: "USDC", Amount: big.NewInt(50),
	})
	require.NoError(t, err)

	fx.watcher.out <- deposit(inv, "0xfff", 50)
	fx.waitState(t, inv.ID, models.StatePaid)

	require.Error(t, fx.rec.Expire(ctx, inv.ID))
}

func TestBootstrapRecovery(t *testing.T) {
	cfg := testConfig()
	keys, err := keyring.New(testMnemonic, cfg)
	require.NoError(t, err)

	store := mocks.NewMockInvoiceStore()
	ctx := context.Background()
	pending := &models.Invoice{
		ID: "inv-pending", Chain: "sepolia", Currency: "ETH",
		AmountDue: big.NewInt(10), Address: "0xPending", State: models.StatePending,
	}
	funded := &models.Invoice{
		ID: "inv-paid", Chain: "sepolia", Currency: "ETH",
		AmountDue: big.NewInt(10), Address: "0xPaid", State: models.StatePaid,
		SweepTxRef: "0xoldsweep",
	}
	require.NoError(t, store.Insert(ctx, pending))
	require.NoError(t, store.Insert(ctx, funded))

	watcher := newFakeWatcher()
	fwd := newFakeForwarder()
	rec := NewReconciler("sepolia", cfg, store, keys, watcher, fwd, NewHealth(), testLogger())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go rec.Start(runCtx)

	select {
	case job := <-fwd.jobs:
		require.Equal(t, "inv-paid", job.InvoiceID)
		require.Equal(t, "0xoldsweep", job.SweepTxRef)
	case <-time.After(2 * time.Second):
		t.Fatal("funded invoice not re-enqueued")
	}
	require.Eventually(t, func() bool {
		watcher.mu.Lock()
		defer watcher.mu.Unlock()
		for _, a := range watcher.subscribed {
			if a == "0xPending" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

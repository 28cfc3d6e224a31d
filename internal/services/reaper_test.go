package services

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paygate/daemon/internal/config"
	"paygate/daemon/internal/mocks"
	"paygate/daemon/internal/models"
)

type fakeExpirer struct {
	mu      sync.Mutex
	expired []string
}

func (f *fakeExpirer) Expire(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, id)
	return nil
}

func (f *fakeExpirer) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.expired...)
}

func TestReaperExpiresOnlyStaleUnfunded(t *testing.T) {
	store := mocks.NewMockInvoiceStore()
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	insert := func(id string, state models.State, expires time.Time) {
		require.NoError(t, store.Insert(ctx, &models.Invoice{
			ID: id, Chain: "sepolia", Currency: "ETH", Address: "0x" + id,
			AmountDue: big.NewInt(10), State: state, ExpiresAt: expires,
		}))
	}
	insert("stale-pending", models.StatePending, past)
	insert("stale-underpaid", models.StateUnderpaid, past)
	insert("fresh-pending", models.StatePending, future)
	insert("stale-paid", models.StatePaid, past)
	insert("stale-settled", models.StateSettled, past)

	exp := &fakeExpirer{}
	cfg := testConfig()
	cfg.ReaperInterval = config.Duration(10 * time.Millisecond)
	reaper := NewReaper(store, map[models.Chain]Expirer{"sepolia": exp}, cfg, testLogger())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go reaper.Start(runCtx)

	require.Eventually(t, func() bool {
		return len(exp.ids()) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	ids := exp.ids()
	require.Contains(t, ids, "stale-pending")
	require.Contains(t, ids, "stale-underpaid")
	require.NotContains(t, ids, "fresh-pending")
	require.NotContains(t, ids, "stale-paid", "funded invoices are immune to expiry")
	require.NotContains(t, ids, "stale-settled", "terminal invoices are immune to expiry")
}

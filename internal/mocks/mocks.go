package mocks

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"paygate/daemon/internal/chains"
	"paygate/daemon/internal/models"
	"paygate/daemon/internal/stores"
)

// MockInvoiceStore is an in-memory InvoiceStore with optional function
// overrides per call site.
type MockInvoiceStore struct {
	mu        sync.Mutex
	byID      map[string]*models.Invoice
	byAddr    map[string]string
	nextIndex map[models.Chain]uint32

	InsertFn func(ctx context.Context, inv *models.Invoice) error
	UpdateFn func(ctx context.Context, id string, mutate func(*models.Invoice) error) (*models.Invoice, error)
}

func NewMockInvoiceStore() *MockInvoiceStore {
	return &MockInvoiceStore{
		byID:      make(map[string]*models.Invoice),
		byAddr:    make(map[string]string),
		nextIndex: make(map[models.Chain]uint32),
	}
}

func (m *MockInvoiceStore) Insert(ctx context.Context, inv *models.Invoice) error {
	if m.InsertFn != nil {
		return m.InsertFn(ctx, inv)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[inv.ID]; ok {
		return stores.ErrDuplicateID
	}
	cp := *inv
	m.byID[inv.ID] = &cp
	m.byAddr[string(inv.Chain)+":"+strings.ToLower(inv.Address)] = inv.ID
	return nil
}

func (m *MockInvoiceStore) Get(ctx context.Context, id string) (*models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.byID[id]
	if !ok {
		return nil, stores.ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *MockInvoiceStore) GetByAddress(ctx context.Context, chain models.Chain, addr string) (*models.Invoice, error) {
	m.mu.Lock()
	id, ok := m.byAddr[string(chain)+":"+strings.ToLower(addr)]
	m.mu.Unlock()
	if !ok {
		return nil, stores.ErrInvoiceNotFound
	}
	return m.Get(ctx, id)
}

func (m *MockInvoiceStore) Update(ctx context.Context, id string, mutate func(*models.Invoice) error) (*models.Invoice, error) {
	if m.UpdateFn != nil {
		return m.UpdateFn(ctx, id, mutate)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.byID[id]
	if !ok {
		return nil, stores.ErrInvoiceNotFound
	}
	if err := mutate(inv); err != nil {
		return nil, err
	}
	cp := *inv
	return &cp, nil
}

func (m *MockInvoiceStore) Scan(ctx context.Context, visit func(*models.Invoice) error) error {
	m.mu.Lock()
	invs := make([]*models.Invoice, 0, len(m.byID))
	for _, inv := range m.byID {
		cp := *inv
		invs = append(invs, &cp)
	}
	m.mu.Unlock()
	for _, inv := range invs {
		if err := visit(inv); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockInvoiceStore) NextDerivationIndex(ctx context.Context, chain models.Chain) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.nextIndex[chain]
	m.nextIndex[chain] = idx + 1
	return idx, nil
}

func (m *MockInvoiceStore) Close() error { return nil }

// MockCheckpointStore keeps checkpoints in memory.
type MockCheckpointStore struct {
	mu      sync.Mutex
	heights map[models.Chain]uint64
}

func NewMockCheckpointStore() *MockCheckpointStore {
	return &MockCheckpointStore{heights: make(map[models.Chain]uint64)}
}

func (m *MockCheckpointStore) LastHeight(ctx context.Context, chain models.Chain) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.heights[chain]
	if !ok {
		return 0, stores.ErrNoCheckpoint
	}
	return h, nil
}

func (m *MockCheckpointStore) SetLastHeight(ctx context.Context, chain models.Chain, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heights[chain] = height
	return nil
}

func (m *MockCheckpointStore) Close() error { return nil }

// MockChainClient serves canned heights and transfers and records submitted
// sweeps.
type MockChainClient struct {
	ChainName models.Chain

	mu        sync.Mutex
	Head      uint64
	Transfers map[uint64][]chains.Transfer
	Statuses  map[string]chains.TxStatus

	HeadFn  func(ctx context.Context) (uint64, error)
	SweepFn func(ctx context.Context, req chains.SweepRequest) (string, *big.Int, error)
	Sweeps  []chains.SweepRequest
}

func NewMockChainClient(chain models.Chain) *MockChainClient {
	return &MockChainClient{
		ChainName: chain,
		Transfers: make(map[uint64][]chains.Transfer),
		Statuses:  make(map[string]chains.TxStatus),
	}
}

func (m *MockChainClient) Chain() models.Chain { return m.ChainName }

func (m *MockChainClient) HeadHeight(ctx context.Context) (uint64, error) {
	if m.HeadFn != nil {
		return m.HeadFn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Head, nil
}

func (m *MockChainClient) SetHead(h uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Head = h
}

func (m *MockChainClient) ResumeHeight(ctx context.Context, checkpoint uint64) (uint64, error) {
	return checkpoint, nil
}

func (m *MockChainClient) AddTransfer(height uint64, t chains.Transfer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Transfers[height] = append(m.Transfers[height], t)
}

func (m *MockChainClient) BlockTransfers(ctx context.Context, height uint64, watched []string) ([]chains.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Transfers[height], nil
}

func (m *MockChainClient) SubmitSweep(ctx context.Context, req chains.SweepRequest) (string, *big.Int, error) {
	m.mu.Lock()
	m.Sweeps = append(m.Sweeps, req)
	m.mu.Unlock()
	if m.SweepFn != nil {
		return m.SweepFn(ctx, req)
	}
	return "mock-sweep", big.NewInt(0), nil
}

func (m *MockChainClient) TxStatus(ctx context.Context, txRef string) (chains.TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Statuses[txRef]; ok {
		return s, nil
	}
	return chains.TxFinalized, nil
}

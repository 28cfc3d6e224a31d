package stores

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"

	"paygate/daemon/internal/models"
)

var (
	bucketInvoices  = []byte("invoices_by_id")
	bucketAddrIndex = []byte("invoices_by_addr")
	bucketMeta      = []byte("meta")

	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrDuplicateID     = errors.New("duplicate invoice id")

	// ErrLedgerIntegrity marks states the ledger must never reach (address
	// owned by two invoices, reused derivation index). Fatal to the affected
	// chain's processing; never silently absorbed.
	ErrLedgerIntegrity = errors.New("ledger integrity violation")
)

type InvoiceStore interface {
	Insert(ctx context.Context, inv *models.Invoice) error
	Get(ctx context.Context, id string) (*models.Invoice, error)
	GetByAddress(ctx context.Context, chain models.Chain, addr string) (*models.Invoice, error)
	Update(ctx context.Context, id string, mutate func(*models.Invoice) error) (*models.Invoice, error)
	Scan(ctx context.Context, visit func(*models.Invoice) error) error
	NextDerivationIndex(ctx context.Context, chain models.Chain) (uint32, error)
	Close() error
}

type LocalInvoiceStore struct {
	db *bolt.DB
}

func NewLocalInvoiceStore(path string) (*LocalInvoiceStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketInvoices, bucketAddrIndex, bucketMeta} {
			if _, e := tx.CreateBucketIfNotExists(b); e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &LocalInvoiceStore{db: db}, nil
}

// addrKey lowercases the address so lookups work regardless of checksum
// casing.
func addrKey(chain models.Chain, addr string) []byte {
	return []byte(fmt.Sprintf("%s:%s", chain, strings.ToLower(addr)))
}

// NextDerivationIndex atomically reserves the next index for a chain. Indices
// are never reused, even after expiry, so two invoices never share an address.
func (s *LocalInvoiceStore) NextDerivationIndex(ctx context.Context, chain models.Chain) (uint32, error) {
	var next uint32
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		key := []byte("derivation_index:" + chain)
		if v := meta.Get(key); v != nil {
			next = binary.BigEndian.Uint32(v)
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, next+1)
		return meta.Put(key, buf)
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *LocalInvoiceStore) Insert(ctx context.Context, inv *models.Invoice) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		byID := tx.Bucket(bucketInvoices)
		byAddr := tx.Bucket(bucketAddrIndex)

		if byID.Get([]byte(inv.ID)) != nil {
			return ErrDuplicateID
		}
		if owner := byAddr.Get(addrKey(inv.Chain, inv.Address)); owner != nil {
			return fmt.Errorf("%w: address %s already owned by invoice %s",
				ErrLedgerIntegrity, inv.Address, owner)
		}

		if err := byID.Put([]byte(inv.ID), data); err != nil {
			return err
		}
		return byAddr.Put(addrKey(inv.Chain, inv.Address), []byte(inv.ID))
	})
}

func (s *LocalInvoiceStore) Get(ctx context.Context, id string) (*models.Invoice, error) {
	var inv models.Invoice
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketInvoices).Get([]byte(id))
		if v == nil {
			return ErrInvoiceNotFound
		}
		return json.Unmarshal(v, &inv)
	})
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *LocalInvoiceStore) GetByAddress(ctx context.Context, chain models.Chain, addr string) (*models.Invoice, error) {
	var inv *models.Invoice
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketAddrIndex).Get(addrKey(chain, addr))
		if id == nil {
			return ErrInvoiceNotFound
		}
		v := tx.Bucket(bucketInvoices).Get(id)
		if v == nil {
			return fmt.Errorf("%w: dangling address index for %s", ErrLedgerIntegrity, addr)
		}
		var i models.Invoice
		if err := json.Unmarshal(v, &i); err != nil {
			return err
		}
		inv = &i
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// Update applies mutate to the stored invoice inside a single write
// transaction and returns the updated record. Terminal invoices are immutable.
func (s *LocalInvoiceStore) Update(ctx context.Context, id string, mutate func(*models.Invoice) error) (*models.Invoice, error) {
	var out *models.Invoice
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvoices)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrInvoiceNotFound
		}
		var inv models.Invoice
		if err := json.Unmarshal(v, &inv); err != nil {
			return err
		}
		if inv.State.Terminal() {
			return fmt.Errorf("invoice %s is terminal (%s)", id, inv.State)
		}
		if err := mutate(&inv); err != nil {
			return err
		}
		blob, err := json.Marshal(&inv)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), blob); err != nil {
			return err
		}
		out = &inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Scan visits all invoices in id order.
func (s *LocalInvoiceStore) Scan(ctx context.Context, visit func(*models.Invoice) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketInvoices).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var inv models.Invoice
			if err := json.Unmarshal(v, &inv); err != nil {
				return err
			}
			if err := visit(&inv); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *LocalInvoiceStore) Close() error {
	return s.db.Close()
}

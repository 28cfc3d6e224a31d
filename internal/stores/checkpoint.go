package stores

import (
	"context"
	"encoding/binary"
	"errors"

	bolt "go.etcd.io/bbolt"

	"paygate/daemon/internal/models"
)

var (
	bucketCheckpoints = []byte("checkpoints")

	ErrNoCheckpoint = errors.New("no checkpoint for chain")
)

// CheckpointStore persists the last finalized height processed per chain so a
// restarted watcher resumes exactly where it stopped, never from genesis.
type CheckpointStore interface {
	LastHeight(ctx context.Context, chain models.Chain) (uint64, error)
	SetLastHeight(ctx context.Context, chain models.Chain, height uint64) error
	Close() error
}

type LocalCheckpointStore struct {
	db *bolt.DB
}

func NewLocalCheckpointStore(path string) (*LocalCheckpointStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketCheckpoints)
		return e
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &LocalCheckpointStore{db: db}, nil
}

func (s *LocalCheckpointStore) LastHeight(ctx context.Context, chain models.Chain) (uint64, error) {
	var height uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCheckpoints).Get([]byte(chain))
		if v == nil {
			return ErrNoCheckpoint
		}
		height = binary.BigEndian.Uint64(v)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return height, nil
}

func (s *LocalCheckpointStore) SetLastHeight(ctx context.Context, chain models.Chain, height uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, height)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put([]byte(chain), buf)
	})
}

func (s *LocalCheckpointStore) Close() error {
	return s.db.Close()
}

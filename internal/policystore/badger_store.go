package policystore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"titan-control-plane/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// ErrPolicyNotFound is returned when no policy is stored for a mode.
var ErrPolicyNotFound = errors.New("policy not found")

// ErrEpochExists is returned when a transition epoch is appended twice.
var ErrEpochExists = errors.New("transition epoch already recorded")

var (
	policyPrefix     = []byte("policy/")
	transitionPrefix = []byte("transition/")
)

// badgerStore is the BadgerDB implementation of the Store.
type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a BadgerDB-backed policy store.
func NewBadgerStore(dbPath string) (Store, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is disabled to keep the control plane's logs clean.
	// Errors still surface through the returned values.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

func policyKey(mode models.Mode) []byte {
	return append(append([]byte{}, policyPrefix...), []byte(mode)...)
}

// transitionKey encodes the epoch big-endian so badger's key order is epoch order.
func transitionKey(epoch uint64) []byte {
	key := append([]byte{}, transitionPrefix...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	return append(key, buf[:]...)
}

func (s *badgerStore) Policy(mode models.Mode) (models.Policy, error) {
	var policy models.Policy

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(policyKey(mode))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &policy)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.Policy{}, fmt.Errorf("%w: mode %s", ErrPolicyNotFound, mode)
	}
	if err != nil {
		return models.Policy{}, err
	}
	return policy, nil
}

func (s *badgerStore) SavePolicies(policies map[models.Mode]models.Policy) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for mode, p := range policies {
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := txn.Set(policyKey(mode), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *badgerStore) AppendTransition(rec models.TransitionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := transitionKey(rec.Epoch)

	return s.db.Update(func(txn *badger.Txn) error {
		// The log is append-only: an existing epoch key is a correctness bug upstream.
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%w: epoch %d", ErrEpochExists, rec.Epoch)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *badgerStore) Transitions() ([]models.TransitionRecord, error) {
	var records []models.TransitionRecord

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = transitionPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(transitionPrefix); it.ValidForPrefix(transitionPrefix); it.Next() {
			var rec models.TransitionRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}

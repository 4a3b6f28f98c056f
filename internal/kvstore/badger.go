package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
)

// BadgerStore is a BadgerDB-backed Store suitable for production use with
// persistence across restarts.
type BadgerStore struct {
	db     *badger.DB
	ctx    context.Context
	cancel context.CancelFunc
}

// OpenBadger opens (or creates) a Badger database at dir. An empty dir opens
// an in-memory database.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BadgerStore{db: db, ctx: ctx, cancel: cancel}, nil
}

func (s *BadgerStore) Get(key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return out, true, nil
}

func (s *BadgerStore) Set(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *BadgerStore) SetTTL(key string, value []byte, ttlSeconds int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value).WithTTL(time.Duration(ttlSeconds) * time.Second)
		return txn.SetEntry(e)
	})
}

func (s *BadgerStore) Remove(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (s *BadgerStore) List(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return keys, nil
}

// Subscribe delivers committed changes under prefix. Delivery runs on a
// dedicated goroutine until cancel is called or the store closes.
func (s *BadgerStore) Subscribe(prefix string, fn func(Event)) func() {
	ctx, cancel := context.WithCancel(s.ctx)
	go func() {
		_ = s.db.Subscribe(ctx, func(kvs *badger.KVList) error {
			for _, kv := range kvs.Kv {
				fn(Event{
					Key:     string(kv.Key),
					Value:   kv.Value,
					Deleted: len(kv.Value) == 0,
				})
			}
			return nil
		}, []pb.Match{{Prefix: []byte(prefix)}})
	}()
	return cancel
}

func (s *BadgerStore) Close() error {
	s.cancel()
	return s.db.Close()
}

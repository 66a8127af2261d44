package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
	"github.com/sirupsen/logrus"
)

// BadgerStore is the Store implementation backing the keyed byte
// store with github.com/dgraph-io/badger/v4. Badger is the closest Go
// analogue of the embedded ordered store (sled) the source server is
// built on: LSM-tree durability per transaction, ordered iteration,
// and a prefix Subscribe primitive that this store turns into
// WatchPrefix.
type BadgerStore struct {
	db *badger.DB
}

// Open opens (creating if necessary) a Badger-backed Store rooted at dir.
func Open(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kv: opening badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Get(_ context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = append([]byte(nil), v...)
			return nil
		})
	})
	return value, err
}

func (s *BadgerStore) Put(_ context.Context, key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *BadgerStore) Delete(_ context.Context, key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (s *BadgerStore) CompareAndSwap(_ context.Context, key []byte, expected, newValue []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if expected != nil {
				return ErrCASMismatch{}
			}
		case err != nil:
			return err
		default:
			if expected == nil {
				return ErrCASMismatch{}
			}
			var current []byte
			if err := item.Value(func(v []byte) error {
				current = append([]byte(nil), v...)
				return nil
			}); err != nil {
				return err
			}
			if !bytes.Equal(current, expected) {
				return ErrCASMismatch{}
			}
		}
		return txn.Set(key, newValue)
	})
}

func (s *BadgerStore) ScanPrefix(_ context.Context, prefix []byte) ([]KV, error) {
	var out []KV
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := append([]byte(nil), item.Key()...)
			var value []byte
			if err := item.Value(func(v []byte) error {
				value = append([]byte(nil), v...)
				return nil
			}); err != nil {
				return err
			}
			out = append(out, KV{Key: key, Value: value})
		}
		return nil
	})
	return out, err
}

// WatchPrefix subscribes to the prefix using Badger's Subscribe and
// translates each callback batch into individual, ordered WatchEvents
// on a buffered channel. The subscription (and the goroutine driving
// it) ends when ctx is cancelled.
func (s *BadgerStore) WatchPrefix(ctx context.Context, prefix []byte) (<-chan WatchEvent, error) {
	ch := make(chan WatchEvent, 64)
	go func() {
		defer close(ch)
		err := s.db.Subscribe(ctx, func(kvs *badger.KVList) error {
			for _, kv := range kvs.GetKv() {
				ev := WatchEvent{KV: KV{Key: kv.GetKey(), Value: kv.GetValue()}}
				if kv.GetMeta() != nil && len(kv.GetMeta()) > 0 && kv.GetMeta()[0] == metaTombstone {
					ev.Kind = EventRemove
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		}, []pb.Match{{Prefix: prefix}})
		if err != nil && !errors.Is(err, context.Canceled) {
			logrus.WithError(err).WithField("prefix", string(prefix)).Warn("kv: watch-prefix subscription ended")
		}
	}()
	return ch, nil
}

// metaTombstone is the Badger internal value-log meta bit set on
// entries written by Delete; Subscribe surfaces deletes as an empty
// value with this bit set.
const metaTombstone = 1 << 0

type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{})   { logrus.Errorf("badger: "+f, v...) }
func (badgerLogger) Warningf(f string, v ...interface{}) { logrus.Warnf("badger: "+f, v...) }
func (badgerLogger) Infof(f string, v ...interface{})    { logrus.Debugf("badger: "+f, v...) }
func (badgerLogger) Debugf(f string, v ...interface{})   { logrus.Debugf("badger: "+f, v...) }

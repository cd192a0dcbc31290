// Package kv is the ordered key-value substrate every other storage
// package is built on: one bucket per column family, atomic multi-key
// write batches, and forward/backward range iteration. It generalizes the
// teacher's one-bucket-per-entity BoltStore into five column-family
// buckets addressed by pkg/kvcodec keys.
package kv

import (
	"bytes"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/shardpost/mailcore/pkg/kvcodec"
)

// Direction controls the order an Iterator walks a column family in.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// OpKind distinguishes a Set from a Delete within a Batch.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
)

// Op is a single mutation within a Batch.
type Op struct {
	Kind   OpKind
	CF     kvcodec.ColumnFamily
	Key    []byte
	Value  []byte
}

// Batch is an ordered list of operations applied atomically by Store.Write.
type Batch []Op

func (b *Batch) Set(cf kvcodec.ColumnFamily, key, value []byte) {
	*b = append(*b, Op{Kind: OpSet, CF: cf, Key: key, Value: value})
}

func (b *Batch) Delete(cf kvcodec.ColumnFamily, key []byte) {
	*b = append(*b, Op{Kind: OpDelete, CF: cf, Key: key})
}

// Store is the KV substrate contract. A single implementation (BoltStore)
// backs it in this repository; the interface exists so pkg/orm, pkg/query
// and pkg/changelog never import bbolt directly.
type Store interface {
	Get(cf kvcodec.ColumnFamily, key []byte) ([]byte, error)
	MultiGet(cf kvcodec.ColumnFamily, keys [][]byte) ([][]byte, error)
	Exists(cf kvcodec.ColumnFamily, key []byte) (bool, error)
	Write(batch Batch) error
	// Iterate calls fn for every key/value in cf, in the given direction,
	// starting at (or, for Backward, ending at) start. fn returning false
	// stops iteration early.
	Iterate(cf kvcodec.ColumnFamily, start []byte, dir Direction, fn func(key, value []byte) (bool, error)) error
	Close() error
}

var allColumnFamilies = []kvcodec.ColumnFamily{
	kvcodec.CFValues,
	kvcodec.CFBitmaps,
	kvcodec.CFIndexes,
	kvcodec.CFBlobs,
	kvcodec.CFLogs,
}

// BoltStore implements Store on top of go.etcd.io/bbolt, one bucket per
// column family, following NewBoltStore in the teacher's pkg/storage.
type BoltStore struct {
	db *bolt.DB
}

// Open creates or opens the database file "mailcore.db" under dataDir,
// ensuring every column-family bucket exists.
func Open(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "mailcore.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, cf := range allColumnFamilies {
			if _, err := tx.CreateBucketIfNotExists(cf.BucketName()); err != nil {
				return fmt.Errorf("create bucket %s: %w", cf.BucketName(), err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Get(cf kvcodec.ColumnFamily, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cf.BucketName()).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) MultiGet(cf kvcodec.ColumnFamily, keys [][]byte) ([][]byte, error) {
	out := make([][]byte, len(keys))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cf.BucketName())
		for i, key := range keys {
			if v := b.Get(key); v != nil {
				out[i] = append([]byte(nil), v...)
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Exists(cf kvcodec.ColumnFamily, key []byte) (bool, error) {
	v, err := s.Get(cf, key)
	return v != nil, err
}

func (s *BoltStore) Write(batch Batch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range batch {
			b := tx.Bucket(op.CF.BucketName())
			switch op.Kind {
			case OpSet:
				if err := b.Put(op.Key, op.Value); err != nil {
					return err
				}
			case OpDelete:
				if err := b.Delete(op.Key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *BoltStore) Iterate(cf kvcodec.ColumnFamily, start []byte, dir Direction, fn func(key, value []byte) (bool, error)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(cf.BucketName()).Cursor()
		var k, v []byte
		if dir == Forward {
			if len(start) == 0 {
				k, v = c.First()
			} else {
				k, v = c.Seek(start)
			}
			for ; k != nil; k, v = c.Next() {
				cont, err := fn(k, v)
				if err != nil || !cont {
					return err
				}
			}
			return nil
		}

		// Backward: bbolt has no direct "seek at or before", so seek
		// forward to the first key >= start then step back one, or
		// start from the end if no start is given.
		if len(start) == 0 {
			k, v = c.Last()
		} else {
			k, v = c.Seek(start)
			if k == nil || !bytes.Equal(k, start) {
				k, v = c.Prev()
			}
		}
		for ; k != nil; k, v = c.Prev() {
			cont, err := fn(k, v)
			if err != nil || !cont {
				return err
			}
		}
		return nil
	})
}

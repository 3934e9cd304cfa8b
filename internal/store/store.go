// Package store implements the local node's write-ahead history ledger:
// the persistence collaborator an Exchange consults to answer
// reserveHistoryForExchange / releaseHistoryForExchange (spec §6, §4.5
// "local history reservation"). Backed by go.etcd.io/bbolt, the storage
// engine family the teacher's own embedded etcd server already depends on
// (go.etcd.io/etcd/server/v3). Neither the teacher nor any other pack repo
// exercises bbolt's transactional API directly (PelionIoT-maestro's
// boltdb/bolt usage is a bare struct field, not a worked transaction), so
// the bucket/transaction shape here follows bbolt's own documented
// View/Update convention rather than a ported idiom.
package store

import (
	"encoding/binary"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var historyBucket = []byte("partition_history")

// HistoryStore is a local, durable ledger of each group/partition's update
// counter, from which an exchange can answer "can I supply WAL history
// for a rebalance starting at counter N" without asking a peer.
type HistoryStore struct {
	db *bolt.DB

	mu        sync.Mutex
	reserved  bool
}

// Open opens (creating if absent) the bbolt database at path.
func Open(path string) (*HistoryStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(historyBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init bucket: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *HistoryStore) Close() error { return s.db.Close() }

func bucketKey(groupID string, partition int) []byte {
	key := make([]byte, len(groupID)+1+8)
	copy(key, groupID)
	key[len(groupID)] = '#'
	binary.BigEndian.PutUint64(key[len(groupID)+1:], uint64(partition))
	return key
}

// RecordApplied durably records that groupID's partition p has applied up
// to counter, the local node's own write-ahead position.
func (s *HistoryStore) RecordApplied(groupID string, partition int, counter int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(historyBucket)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(counter))
		return b.Put(bucketKey(groupID, partition), buf[:])
	})
}

// ReserveHistoryForExchange snapshots every durably-recorded counter,
// satisfying the exchange.Persistence interface. The snapshot is a
// consistent read of the ledger as of this call; the exchange compares it
// against peer-reported minimum counters to decide whether this node can
// supply WAL-based rebalance for a partition (spec §4.5, reconcile's
// two-pass history-supplier search).
func (s *HistoryStore) ReserveHistoryForExchange() (map[string]map[int]int64, error) {
	s.mu.Lock()
	if s.reserved {
		s.mu.Unlock()
		return nil, fmt.Errorf("store: history already reserved by another exchange")
	}
	s.reserved = true
	s.mu.Unlock()

	out := make(map[string]map[int]int64)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(historyBucket)
		return b.ForEach(func(k, v []byte) error {
			groupID, partition, ok := splitBucketKey(k)
			if !ok {
				return nil
			}
			if len(v) != 8 {
				return nil
			}
			counter := int64(binary.BigEndian.Uint64(v))
			if out[groupID] == nil {
				out[groupID] = make(map[int]int64)
			}
			out[groupID][partition] = counter
			return nil
		})
	})
	if err != nil {
		s.mu.Lock()
		s.reserved = false
		s.mu.Unlock()
		return nil, fmt.Errorf("store: reserve history: %w", err)
	}
	return out, nil
}

// ReleaseHistoryForExchange ends the exchange's hold on the ledger
// snapshot, allowing a future exchange to reserve again.
func (s *HistoryStore) ReleaseHistoryForExchange() {
	s.mu.Lock()
	s.reserved = false
	s.mu.Unlock()
}

func splitBucketKey(k []byte) (groupID string, partition int, ok bool) {
	if len(k) < 9 {
		return "", 0, false
	}
	sep := len(k) - 8 - 1
	if sep < 0 || k[sep] != '#' {
		return "", 0, false
	}
	return string(k[:sep]), int(binary.BigEndian.Uint64(k[sep+1:])), true
}

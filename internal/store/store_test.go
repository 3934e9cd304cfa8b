package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndReserveHistory(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordApplied("g0", 3, 42); err != nil {
		t.Fatalf("RecordApplied: %v", err)
	}
	if err := s.RecordApplied("g0", 7, 100); err != nil {
		t.Fatalf("RecordApplied: %v", err)
	}
	if err := s.RecordApplied("g1", 0, 5); err != nil {
		t.Fatalf("RecordApplied: %v", err)
	}

	snap, err := s.ReserveHistoryForExchange()
	if err != nil {
		t.Fatalf("ReserveHistoryForExchange: %v", err)
	}
	if snap["g0"][3] != 42 || snap["g0"][7] != 100 || snap["g1"][0] != 5 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestReserveHistoryRejectsConcurrentReservation(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.ReserveHistoryForExchange(); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := s.ReserveHistoryForExchange(); err == nil {
		t.Fatal("expected second concurrent reservation to fail")
	}
	s.ReleaseHistoryForExchange()
	if _, err := s.ReserveHistoryForExchange(); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestBucketKeyRoundTrip(t *testing.T) {
	key := bucketKey("group-with-dash", 12345)
	groupID, partition, ok := splitBucketKey(key)
	if !ok {
		t.Fatal("expected splitBucketKey to succeed")
	}
	if groupID != "group-with-dash" || partition != 12345 {
		t.Fatalf("got group=%q partition=%d", groupID, partition)
	}
}

package store

import (
	"testing"
	"time"
)

func TestPutGetDelete(t *testing.T) {
	s := New()
	rec := FileRecord{Hash: "abc", Size: 10, ExpiresAt: now() + 3600}

	if already := s.Put("abc", rec); already {
		t.Fatal("first put should not report already present")
	}

	got, ok := s.Get("abc")
	if !ok || got.Size != 10 {
		t.Fatalf("Get returned %+v, %v", got, ok)
	}

	if !s.Delete("abc") {
		t.Fatal("Delete should report the record was present")
	}
	if _, ok := s.Get("abc"); ok {
		t.Fatal("record should be gone after Delete")
	}
	if s.Delete("abc") {
		t.Fatal("second Delete should report false")
	}
}

func TestPutIdempotentWhileLive(t *testing.T) {
	s := New()
	rec := FileRecord{Hash: "abc", Size: 10, ExpiresAt: now() + 3600}
	s.Put("abc", rec)

	already := s.Put("abc", FileRecord{Hash: "abc", Size: 999, ExpiresAt: now() + 3600})
	if !already {
		t.Fatal("re-storing an identical hash while live should report already present")
	}

	got, _ := s.Get("abc")
	if got.Size != 10 {
		t.Fatalf("existing record should be retained, got size %d", got.Size)
	}
}

func TestPutReplacesExpiredRecord(t *testing.T) {
	s := New()
	s.Put("abc", FileRecord{Hash: "abc", Size: 1, ExpiresAt: now() - 1})

	already := s.Put("abc", FileRecord{Hash: "abc", Size: 42, ExpiresAt: now() + 3600})
	if already {
		t.Fatal("put over an expired record should not report already present")
	}

	got, ok := s.Get("abc")
	if !ok || got.Size != 42 {
		t.Fatalf("expected fresh record, got %+v, %v", got, ok)
	}
}

func TestGetExpired(t *testing.T) {
	s := New()
	s.Put("abc", FileRecord{Hash: "abc", Size: 1, ExpiresAt: now() - 1})

	if _, ok := s.Get("abc"); ok {
		t.Fatal("Get should treat an expired record as not found")
	}
}

func TestTotalBytesExcludesExpired(t *testing.T) {
	s := New()
	s.Put("live", FileRecord{Hash: "live", Size: 100, ExpiresAt: now() + 3600})
	s.Put("dead", FileRecord{Hash: "dead", Size: 900, ExpiresAt: now() - 1})

	if total := s.TotalBytes(); total != 100 {
		t.Fatalf("TotalBytes = %d, want 100", total)
	}
}

func TestSweeperEvictsExpiredRecords(t *testing.T) {
	s := New()
	s.Put("short", FileRecord{Hash: "short", Size: 1, ExpiresAt: now() + 1})

	stop := s.StartSweeper(1 * time.Second)
	defer stop()

	time.Sleep(2500 * time.Millisecond)

	if s.len() != 0 {
		t.Fatalf("expected sweeper to have evicted expired record, %d remain", s.len())
	}
}

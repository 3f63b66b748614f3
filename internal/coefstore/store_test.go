package coefstore

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blobs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	want := []byte("hello, coef")

	hash, err := s.Put(want)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if hash != Hash(want) {
		t.Fatalf("expected hash %s, got %s", Hash(want), hash)
	}

	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	b := []byte("repeat me")

	h1, err := s.Put(b)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	h2, err := s.Put(b)
	if err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected idempotent hash, got %s vs %s", h1, h2)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 distinct blob after duplicate put, got %d", len(list))
	}
}

func TestGetMissingReturnsMissingError(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get("deadbeef")
	if err == nil {
		t.Fatal("expected error for missing blob")
	}
	if _, ok := err.(*Missing); !ok {
		t.Fatalf("expected *Missing, got %T: %v", err, err)
	}
}

func TestExists(t *testing.T) {
	s := openTestStore(t)
	b := []byte("exists check")
	hash, _ := s.Put(b)

	ok, err := s.Exists(hash)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !ok {
		t.Fatal("expected blob to exist after put")
	}

	ok, err = s.Exists("0000")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if ok {
		t.Fatal("expected absent blob to not exist")
	}
}

func TestListReturnsAllDistinctHashes(t *testing.T) {
	s := openTestStore(t)
	blobs := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	want := map[string]bool{}
	for _, b := range blobs {
		h, err := s.Put(b)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		want[h] = true
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != len(want) {
		t.Fatalf("expected %d hashes, got %d", len(want), len(list))
	}
	for _, h := range list {
		if !want[h] {
			t.Fatalf("unexpected hash in list: %s", h)
		}
	}
}

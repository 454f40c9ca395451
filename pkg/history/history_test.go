package history

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestVisitAndSearchExactMatch(t *testing.T) {
	s := newTestStore(t)
	if err := s.Visit("npub1/photos/sunset.jpg", "sunset.jpg", "photos"); err != nil {
		t.Fatal(err)
	}
	if err := s.Visit("npub1/docs/readme.txt", "readme.txt", "docs"); err != nil {
		t.Fatal(err)
	}
	results, err := s.Search("sunset.jpg", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 || results[0].Label != "sunset.jpg" {
		t.Fatalf("expected exact match first, got %+v", results)
	}
}

func TestSearchPrefixBeatsSubsequence(t *testing.T) {
	s := newTestStore(t)
	s.Visit("a", "summer-photos", "tree1")
	s.Visit("b", "xsuymumzer", "tree2")
	results, err := s.Search("sum", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) < 1 || results[0].Label != "summer-photos" {
		t.Fatalf("expected prefix match to rank first, got %+v", results)
	}
}

func TestVisitCountBoostsFrequentItems(t *testing.T) {
	s := newTestStore(t)
	s.Visit("a", "notes", "tree1")
	for i := 0; i < 5; i++ {
		s.Visit("b", "notes", "tree2")
	}
	results, err := s.Search("notes", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Path != "b" {
		t.Fatalf("expected more-visited entry to rank first, got %+v", results)
	}
}

func TestSearchNoMatchReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	s.Visit("a", "hello", "tree1")
	results, err := s.Search("zzz", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no matches, got %+v", results)
	}
}

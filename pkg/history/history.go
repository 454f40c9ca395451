// Package history implements HistoryStore, the L7 bounded ordered KV of
// visited trees/files with deterministic fuzzy-search scoring.
//
// The storage shape (ordered records keyed by path, evict oldest on
// overflow) is adapted from db/list.go's indexed-list encoding, moved
// from blobstash's own binary offset layout onto a pudge-backed record
// store; the scoring algorithm is new, tokenized with blevesearch/segment.
package history

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/blevesearch/segment"
	"github.com/recoilme/pudge"
)

const (
	maxEntries    = 1000
	evictFraction = 0.10
)

// Entry is one visited item.
type Entry struct {
	Path        string    `json:"path"`
	Label       string    `json:"label"`
	TreeName    string    `json:"tree_name"`
	VisitCount  int       `json:"visit_count"`
	LastVisited time.Time `json:"last_visited"`
}

// Store is the L7 bounded history store.
type Store struct {
	mu sync.Mutex
	db *pudge.Db
}

// Open opens (or creates) the history database file history.db inside
// dir, creating dir if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	db, err := pudge.Open(filepath.Join(dir, "history.db"), &pudge.Config{SyncInterval: 0})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Visit records a visit to path, creating or updating its entry, then
// evicts if the store is over capacity.
func (s *Store) Visit(path, label, treeName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e Entry
	if err := s.db.Get(path, &e); err == nil {
		e.VisitCount++
	} else {
		e = Entry{Path: path, VisitCount: 1}
	}
	e.Path = path
	e.Label = label
	e.TreeName = treeName
	e.LastVisited = time.Now()
	if err := s.db.Set(path, e); err != nil {
		return err
	}
	return s.evictIfNeeded()
}

func (s *Store) evictIfNeeded() error {
	keys, err := s.db.Keys(nil, 0, 0, true)
	if err != nil {
		return err
	}
	if len(keys) <= maxEntries {
		return nil
	}
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		var e Entry
		if err := s.db.Get(string(k), &e); err == nil {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastVisited.Before(entries[j].LastVisited)
	})
	toEvict := int(float64(len(entries)) * evictFraction)
	if toEvict < len(entries)-maxEntries {
		toEvict = len(entries) - maxEntries
	}
	for i := 0; i < toEvict && i < len(entries); i++ {
		if err := s.db.Delete(entries[i].Path); err != nil {
			return err
		}
	}
	return nil
}

// Search runs the fuzzy-search scoring algorithm against every stored
// entry and returns the top `limit` matches.
func (s *Store) Search(query string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.db.Keys(nil, 0, 0, true)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)

	type scored struct {
		e     Entry
		score float64
	}
	var results []scored
	for _, k := range keys {
		var e Entry
		if err := s.db.Get(string(k), &e); err != nil {
			continue
		}
		sc := score(q, e)
		if sc > 0 {
			results = append(results, scored{e: e, score: sc})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].e.LastVisited.After(results[j].e.LastVisited)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	out := make([]Entry, len(results))
	for i, r := range results {
		out[i] = r.e
	}
	return out, nil
}

// score computes the scoring function for an entry against a lowercased
// query q: maximum across label/path/treeName (weighted), plus a
// frequency boost.
func score(q string, e Entry) float64 {
	best := 0.0
	for _, target := range []struct {
		t string
		w float64
	}{
		{e.Label, 1.0},
		{e.Path, 0.8},
		{e.TreeName, 0.7},
	} {
		if target.t == "" {
			continue
		}
		s := matchScore(q, strings.ToLower(target.t)) * target.w
		if s > best {
			best = s
		}
	}
	if best == 0 {
		return 0
	}
	return best + math.Log(1+float64(e.VisitCount))*0.1
}

func matchScore(q, t string) float64 {
	if q == "" {
		return 0
	}
	if t == q {
		return 10.0
	}
	if strings.HasPrefix(t, q) {
		return 8.0 + float64(len(q))/float64(len(t))
	}
	if strings.Contains(t, q) {
		return 5.0 + float64(len(q))/float64(len(t))
	}
	if s := wordPrefixScore(q, t); s > 0 {
		return s
	}
	return subsequenceScore(q, t)
}

// wordPrefixScore checks whether any word of t (tokenized with
// blevesearch/segment on non-alphanumeric boundaries) starts with q.
func wordPrefixScore(q, t string) float64 {
	seg := segment.NewWordSegmenter(bytes.NewReader([]byte(t)))
	for seg.Segment() {
		word := strings.ToLower(string(seg.Bytes()))
		if word == "" || !isWordToken(word) {
			continue
		}
		if strings.HasPrefix(word, q) {
			return 4.0 + float64(len(q))/float64(len(word))
		}
	}
	return 0
}

func isWordToken(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// subsequenceScore iterates t, consuming q's characters in order,
// accumulating 0.2 per match, +0.3 at a word boundary, +0.5 if
// consecutive with the previous match. Returns 0 unless all of q was
// consumed.
func subsequenceScore(q, t string) float64 {
	qi := 0
	score := 0.0
	lastMatched := -2
	for i, c := range t {
		if qi >= len(q) {
			break
		}
		if rune(q[qi]) != c {
			continue
		}
		score += 0.2
		boundary := i == 0 || !isAlnum(rune(t[i-1]))
		if boundary {
			score += 0.3
		}
		if lastMatched == i-1 {
			score += 0.5
		}
		lastMatched = i
		qi++
	}
	if qi < len(q) {
		return 0
	}
	return score
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

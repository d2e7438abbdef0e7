package edgecache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
)

// Entry is a stored response.
type Entry struct {
	Status int
	Header http.Header
	Body   []byte
}

// Response rebuilds an *http.Response for req from the entry.
func (e Entry) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Store holds named caches of responses keyed by request URL. Entries never expire;
// whole caches are dropped by Delete.
type Store struct {
	mu     sync.RWMutex
	caches map[string]map[string]Entry
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{caches: make(map[string]map[string]Entry)}
}

// Open creates the named cache if it does not exist.
func (s *Store) Open(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; !ok {
		s.caches[name] = make(map[string]Entry)
	}
}

// Put stores e under key in the named cache, creating the cache as needed.
func (s *Store) Put(name, key string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[name]
	if !ok {
		c = make(map[string]Entry)
		s.caches[name] = c
	}
	e.Header = e.Header.Clone()
	c[key] = e
}

// Match looks key up in one cache.
func (s *Store) Match(name, key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.caches[name][key]
	return e, ok
}

// MatchAny looks key up across all caches in name order.
func (s *Store) MatchAny(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.namesLocked() {
		if e, ok := s.caches[name][key]; ok {
			return e, true
		}
	}
	return Entry{}, false
}

// Names returns the cache names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.namesLocked()
}

func (s *Store) namesLocked() []string {
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Delete drops a whole cache. It reports whether the cache existed.
func (s *Store) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	delete(s.caches, name)
	return ok
}

// Len returns the number of entries in the named cache.
func (s *Store) Len(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.caches[name])
}

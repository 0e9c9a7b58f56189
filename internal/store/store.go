// Package store holds the authoritative id -> document map in memory.
package store

import (
	"sort"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/document"
)

// PersistFunc writes the full map somewhere durable. It is called with the
// store's write lock held and must not retain or mutate docs.
type PersistFunc func(docs map[string]document.Document) error

// Store is a document map guarded by a single reader/writer lock. Readers
// run concurrently; a writer excludes everyone for the whole
// mutate-and-persist span.
type Store struct {
	mu   sync.RWMutex
	docs map[string]document.Document
}

// New returns a Store seeded with docs. The map is adopted, not copied.
func New(docs map[string]document.Document) *Store {
	if docs == nil {
		docs = make(map[string]document.Document)
	}
	return &Store{docs: docs}
}

// Insert stores doc under its id, replacing any previous value.
func (s *Store) Insert(doc document.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc.Clone()
}

// Put inserts doc and persists the resulting map under the same write lock.
// If persist fails the insert is undone, so the in-memory map never runs
// ahead of the last successful snapshot.
func (s *Store) Put(doc document.Document, persist PersistFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.docs[doc.ID]
	s.docs[doc.ID] = doc.Clone()
	if persist == nil {
		return nil
	}
	if err := persist(s.docs); err != nil {
		if existed {
			s.docs[doc.ID] = prev
		} else {
			delete(s.docs, doc.ID)
		}
		return err
	}
	return nil
}

// Flush persists the current map under the write lock.
func (s *Store) Flush(persist PersistFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return persist(s.docs)
}

// Get returns a copy of the document stored under id.
func (s *Store) Get(id string) (document.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return document.Document{}, false
	}
	return d.Clone(), true
}

// Resolve looks up ids in order under a single read lock, silently skipping
// ids the store does not know.
func (s *Store) Resolve(ids []string) []document.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]document.Document, 0, len(ids))
	for _, id := range ids {
		if d, ok := s.docs[id]; ok {
			out = append(out, d.Clone())
		}
	}
	return out
}

// Has reports whether id is stored.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[id]
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *Store) IsEmpty() bool {
	return s.Len() == 0
}

// Snapshot returns copies of every document, ordered by id.
func (s *Store) Snapshot() []document.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]document.Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

package store

import (
	"context"
	"reflect"
	"sync"
)

// Memory is an in-process Collection. It backs the "memory" store backend
// and stands in for a database in tests.
type Memory struct {
	name string

	mu   sync.RWMutex
	docs []Document
}

func NewMemory(name string) *Memory {
	return &Memory{name: name}
}

func (m *Memory) Name() string {
	return m.name
}

func (m *Memory) Exists(_ context.Context, filter Document) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.indexOf(filter) >= 0, nil
}

func (m *Memory) Insert(_ context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.docs = append(m.docs, clone(doc))
	return nil
}

func (m *Memory) Update(_ context.Context, filter, fields Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(filter)
	if i < 0 {
		return nil
	}
	for k, v := range fields {
		m.docs[i][k] = v
	}
	return nil
}

// Find returns copies of every document matching filter.
func (m *Memory) Find(filter Document) []Document {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Document
	for _, doc := range m.docs {
		if matches(doc, filter) {
			out = append(out, clone(doc))
		}
	}
	return out
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.docs)
}

func (m *Memory) indexOf(filter Document) int {
	for i, doc := range m.docs {
		if matches(doc, filter) {
			return i
		}
	}
	return -1
}

func matches(doc, filter Document) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func clone(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

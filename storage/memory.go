package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps room documents in process memory. It backs tests and
// single-node deployments with REMOTE_BACKEND=memory.
type MemoryBackend struct {
	now func() time.Time

	mu   sync.Mutex
	docs map[string][]byte
	subs map[string]map[chan []byte]struct{}
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		now:  time.Now,
		docs: make(map[string][]byte),
		subs: make(map[string]map[chan []byte]struct{}),
	}
}

func (m *MemoryBackend) Ensure(ctx context.Context, room string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[room]; ok {
		return nil
	}
	data, err := EncodeDocument(Document{})
	if err != nil {
		return err
	}
	m.docs[room] = data
	return nil
}

func (m *MemoryBackend) Load(ctx context.Context, room string) (Document, error) {
	m.mu.Lock()
	data, ok := m.docs[room]
	m.mu.Unlock()
	if !ok {
		return Document{}, ErrNotFound
	}
	return DecodeDocument(data)
}

// Transact holds the backend lock for the whole transaction, so fn never
// has to be rerun.
func (m *MemoryBackend) Transact(ctx context.Context, room, writerID string, fn TxFunc) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current := Document{}
	if data, ok := m.docs[room]; ok {
		doc, err := DecodeDocument(data)
		if err != nil {
			return Document{}, err
		}
		current = doc
	}
	payload, err := fn(current)
	if err != nil {
		return Document{}, err
	}
	if payload == nil {
		return current, nil
	}
	next := nextDocument(current, writerID, m.now(), payload)
	data, err := EncodeDocument(next)
	if err != nil {
		return Document{}, err
	}
	m.docs[room] = data
	for ch := range m.subs[room] {
		select {
		case ch <- data:
		default:
			// Drop the oldest pending notification in favour of the newest.
			select {
			case <-ch:
			default:
			}
			ch <- data
		}
	}
	return next, nil
}

// Subscribe delivers the current document, if any, and then every commit.
func (m *MemoryBackend) Subscribe(ctx context.Context, room string, fn func(Document)) error {
	ch := make(chan []byte, 16)
	m.mu.Lock()
	if m.subs[room] == nil {
		m.subs[room] = make(map[chan []byte]struct{})
	}
	m.subs[room][ch] = struct{}{}
	current, ok := m.docs[room]
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.subs[room], ch)
		m.mu.Unlock()
	}()

	if ok {
		if doc, err := DecodeDocument(current); err == nil {
			fn(doc)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-ch:
			doc, err := DecodeDocument(data)
			if err != nil {
				continue
			}
			fn(doc)
		}
	}
}

// Put overwrites the stored document for room without notifying
// subscribers. Tests use it to simulate out-of-band writers.
func (m *MemoryBackend) Put(room string, doc Document) error {
	data, err := EncodeDocument(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[room] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

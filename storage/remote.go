package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"boxboard/domain"
)

var (
	// ErrNotFound is returned when a key or room document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTooManyConflicts is returned when a transaction keeps losing the
	// compare-and-swap race.
	ErrTooManyConflicts = errors.New("too many concurrent writers")
)

// DefaultMaxAttempts bounds compare-and-swap retries per transaction.
const DefaultMaxAttempts = 8

// Meta describes the last write of a room document.
type Meta struct {
	Revision  int64  `json:"revision"`
	WriterID  string `json:"writerId,omitempty"`
	WrittenAt int64  `json:"writtenAt,omitempty"`
}

// Document is the shared remote record of one room. A nil Payload means
// the document holds metadata only.
type Document struct {
	Meta    Meta             `json:"meta"`
	Payload *domain.Snapshot `json:"payload"`
}

// TxFunc computes the next payload from the current document. Returning a
// nil snapshot leaves the document untouched.
type TxFunc func(current Document) (*domain.Snapshot, error)

// Backend is a shared document store with optimistic transactions and
// change notifications.
type Backend interface {
	// Ensure creates a metadata-only document for room when none exists.
	Ensure(ctx context.Context, room string) error
	// Load returns the current document, or ErrNotFound.
	Load(ctx context.Context, room string) (Document, error)
	// Transact runs fn against the latest document and writes its result
	// atomically, rerunning fn when another writer got there first.
	Transact(ctx context.Context, room, writerID string, fn TxFunc) (Document, error)
	// Subscribe calls fn for every document observed after the call, until
	// ctx is cancelled or the subscription fails.
	Subscribe(ctx context.Context, room string, fn func(Document)) error
	Close() error
}

// EncodeDocument serializes d for storage.
func EncodeDocument(d Document) ([]byte, error) {
	return sonic.ConfigStd.Marshal(d)
}

// DecodeDocument parses a stored document. The payload goes through the
// tolerant snapshot decoder; only an unreadable envelope is an error.
func DecodeDocument(data []byte) (Document, error) {
	var raw struct {
		Meta    Meta            `json:"meta"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := sonic.ConfigStd.Unmarshal(data, &raw); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	doc := Document{Meta: raw.Meta}
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		snap, _ := domain.Decode(raw.Payload)
		doc.Payload = &snap
	}
	return doc, nil
}

// nextDocument stamps payload as the successor of current.
func nextDocument(current Document, writerID string, now time.Time, payload *domain.Snapshot) Document {
	return Document{
		Meta: Meta{
			Revision:  current.Meta.Revision + 1,
			WriterID:  writerID,
			WrittenAt: now.UnixMilli(),
		},
		Payload: payload,
	}
}

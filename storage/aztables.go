package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"boxboard/domain"
)

const roomDocRowKey = "doc"

// entityClient is the subset of *aztables.Client used by TableBackend.
type entityClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
}

type roomEntity struct {
	aztables.Entity
	Revision     int64  `json:"Revision,string"`
	RevisionType string `json:"Revision@odata.type"`
	WriterID     string `json:"WriterId"`
	WrittenAt    int64  `json:"WrittenAt,string"`
	WrittenType  string `json:"WrittenAt@odata.type"`
	Payload      string `json:"Payload"`
}

// TableBackend stores each room as one Azure Tables entity and commits
// with ETag preconditions. Subscriptions poll the entity.
type TableBackend struct {
	client       entityClient
	logger       log.FieldLogger
	pollInterval time.Duration
	maxAttempts  int
	now          func() time.Time
}

// NewTableClient opens the rooms table from a storage connection string.
func NewTableClient(connStr, table string) (*aztables.Client, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return svc.NewClient(table), nil
}

// NewTableBackend wraps a table client. A zero pollInterval defaults to one second.
func NewTableBackend(client *aztables.Client, pollInterval time.Duration, logger log.FieldLogger) *TableBackend {
	return newTableBackend(client, pollInterval, logger)
}

func newTableBackend(client entityClient, pollInterval time.Duration, logger log.FieldLogger) *TableBackend {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &TableBackend{client: client, logger: logger, pollInterval: pollInterval, maxAttempts: DefaultMaxAttempts, now: time.Now}
}

func hasStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

func encodeRoomEntity(room string, doc Document) ([]byte, error) {
	ent := roomEntity{
		Entity:       aztables.Entity{PartitionKey: room, RowKey: roomDocRowKey},
		Revision:     doc.Meta.Revision,
		RevisionType: "Edm.Int64",
		WriterID:     doc.Meta.WriterID,
		WrittenAt:    doc.Meta.WrittenAt,
		WrittenType:  "Edm.Int64",
	}
	if doc.Payload != nil {
		data, err := sonic.ConfigStd.Marshal(doc.Payload)
		if err != nil {
			return nil, err
		}
		ent.Payload = string(data)
	}
	return sonic.ConfigStd.Marshal(ent)
}

func decodeRoomEntity(data []byte) (Document, error) {
	var ent roomEntity
	if err := sonic.ConfigStd.Unmarshal(data, &ent); err != nil {
		return Document{}, fmt.Errorf("decode room entity: %w", err)
	}
	doc := Document{Meta: Meta{Revision: ent.Revision, WriterID: ent.WriterID, WrittenAt: ent.WrittenAt}}
	if ent.Payload != "" {
		snap, _ := domain.Decode([]byte(ent.Payload))
		doc.Payload = &snap
	}
	return doc, nil
}

func (t *TableBackend) Ensure(ctx context.Context, room string) error {
	data, err := encodeRoomEntity(room, Document{})
	if err != nil {
		return err
	}
	_, err = t.client.AddEntity(ctx, data, nil)
	if hasStatus(err, http.StatusConflict) {
		return nil
	}
	return err
}

func (t *TableBackend) load(ctx context.Context, room string) (Document, azcore.ETag, error) {
	resp, err := t.client.GetEntity(ctx, room, roomDocRowKey, nil)
	if hasStatus(err, http.StatusNotFound) {
		return Document{}, "", ErrNotFound
	}
	if err != nil {
		return Document{}, "", err
	}
	doc, err := decodeRoomEntity(resp.Value)
	return doc, resp.ETag, err
}

func (t *TableBackend) Load(ctx context.Context, room string) (Document, error) {
	doc, _, err := t.load(ctx, room)
	return doc, err
}

func (t *TableBackend) Transact(ctx context.Context, room, writerID string, fn TxFunc) (Document, error) {
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		current, etag, err := t.load(ctx, room)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Document{}, err
		}
		payload, err := fn(current)
		if err != nil {
			return Document{}, err
		}
		if payload == nil {
			return current, nil
		}
		next := nextDocument(current, writerID, t.now(), payload)
		data, err := encodeRoomEntity(room, next)
		if err != nil {
			return Document{}, err
		}
		if etag == "" {
			_, err = t.client.AddEntity(ctx, data, nil)
		} else {
			_, err = t.client.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		}
		if hasStatus(err, http.StatusPreconditionFailed) || hasStatus(err, http.StatusConflict) {
			t.logger.WithFields(log.Fields{"room": room, "attempt": attempt}).Debug("room entity changed during transaction, retrying")
			continue
		}
		if err != nil {
			return Document{}, err
		}
		return next, nil
	}
	return Document{}, fmt.Errorf("room %s: %w", room, ErrTooManyConflicts)
}

// Subscribe polls the room entity and delivers it whenever its ETag changes.
func (t *TableBackend) Subscribe(ctx context.Context, room string, fn func(Document)) error {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	var last azcore.ETag
	for {
		doc, etag, err := t.load(ctx, room)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil && !errors.Is(err, ErrNotFound):
			t.logger.WithError(err).WithField("room", room).Warn("poll room entity")
		case err == nil && etag != last:
			last = etag
			fn(doc)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (t *TableBackend) Close() error { return nil }

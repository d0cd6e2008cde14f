package client

import (
	"bytes"
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"boxboard/domain"
	"boxboard/fanout"
	"boxboard/storage"
)

// loadRemote fetches the room document once at startup. It reports whether
// the document has no boards yet, so initRemote should fill it.
func (c *Client) loadRemote(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommitTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "boxboard.remote.load", trace.WithAttributes(attribute.String("room", c.cfg.Room)))
	defer span.End()

	if err := c.remote.Ensure(ctx, c.cfg.Room); err != nil {
		c.failLoad(span, err)
		return false
	}
	doc, err := c.remote.Load(ctx, c.cfg.Room)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.failLoad(span, err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStatusLocked(StatusConnected)
	if doc.Payload == nil {
		return true
	}
	span.SetAttributes(attribute.Int64("revision", doc.Meta.Revision))
	c.appliedRevision = doc.Meta.Revision
	c.applyRemoteLocked(*doc.Payload, "load")
	return len(doc.Payload.Boards) == 0
}

// initRemote gives an empty room document its first content: the restored
// local state, or the default board. The check runs inside the transaction,
// so devices starting together write one default board between them.
func (c *Client) initRemote(ctx context.Context) {
	local := c.Snapshot()
	if c.cfg.SeedBoxes <= 0 && len(local.Boards)+len(local.People) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommitTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "boxboard.remote.init", trace.WithAttributes(attribute.String("room", c.cfg.Room)))
	defer span.End()

	var seeded bool
	doc, err := c.remote.Transact(ctx, c.cfg.Room, c.id, func(current storage.Document) (*domain.Snapshot, error) {
		seeded = false
		if current.Payload != nil && len(current.Payload.Boards) > 0 {
			return nil, nil
		}
		next := local.Clone()
		if current.Payload != nil {
			next = current.Payload.Clone()
		}
		if len(next.Boards) == 0 {
			for _, cmd := range c.seedCommands() {
				seeded = domain.Apply(&next, cmd) || seeded
			}
		}
		if !seeded && (current.Payload != nil || len(next.Boards)+len(next.People) == 0) {
			return nil, nil
		}
		return &next, nil
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.setStatusLocked(StatusDegraded)
		c.logger.WithError(err).Warn("initial remote write failed")
		if len(local.Boards)+len(local.People) > 0 {
			c.pendingFull = true
		}
		return
	}
	span.SetAttributes(attribute.Int64("revision", doc.Meta.Revision), attribute.Bool("seeded", seeded))
	if doc.Meta.Revision > c.appliedRevision {
		c.appliedRevision = doc.Meta.Revision
	}
	if doc.Payload != nil {
		c.applyRemoteLocked(*doc.Payload, "init")
	}
	if seeded {
		c.logger.WithField("boxes", c.cfg.SeedBoxes).Info("seeded default board")
	}
}

func (c *Client) failLoad(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.WithError(err).Warn("initial remote load failed, continuing local-only until it recovers")
	c.mu.Lock()
	c.setStatusLocked(StatusDegraded)
	c.mu.Unlock()
}

// commitPending writes queued changes to the remote document. Commands are
// replayed on the latest remote payload so concurrent edits by other
// writers survive; a poll-detected change writes the whole local state.
func (c *Client) commitPending(ctx context.Context) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	c.mu.Lock()
	if c.remote == nil || (len(c.pending) == 0 && !c.pendingFull) {
		c.mu.Unlock()
		return nil
	}
	cmds, full := c.pending, c.pendingFull
	c.pending, c.pendingFull = nil, false
	c.inflight = cmds
	local := c.store.Snapshot()
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "boxboard.remote.commit", trace.WithAttributes(
		attribute.String("room", c.cfg.Room),
		attribute.Int("commands", len(cmds)),
		attribute.Bool("full", full),
	))
	defer span.End()

	start := time.Now()
	doc, err := c.remote.Transact(ctx, c.cfg.Room, c.id, func(current storage.Document) (*domain.Snapshot, error) {
		if full || current.Payload == nil {
			next := local.Clone()
			return &next, nil
		}
		next := current.Payload.Clone()
		for _, cmd := range cmds {
			domain.Apply(&next, cmd)
		}
		return &next, nil
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight = nil
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.pending = append(cmds, c.pending...)
		c.pendingFull = c.pendingFull || full
		c.setStatusLocked(StatusDegraded)
		c.logger.WithError(err).WithField("commands", len(cmds)).Error("remote commit failed, will retry on next change")
		return err
	}
	span.SetAttributes(attribute.Int64("revision", doc.Meta.Revision))
	c.logger.WithFields(log.Fields{
		"revision":    doc.Meta.Revision,
		"commands":    len(cmds),
		"full":        full,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("remote commit")
	c.setStatusLocked(StatusConnected)
	if doc.Meta.Revision > c.appliedRevision {
		c.appliedRevision = doc.Meta.Revision
	}
	if doc.Payload != nil && !c.closed {
		c.applyRemoteLocked(*doc.Payload, "commit")
	}
	return nil
}

// onRemote handles one document from the remote subscription.
func (c *Client) onRemote(doc storage.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if len(c.pending) == 0 && !c.pendingFull {
		c.setStatusLocked(StatusConnected)
	}
	entry := c.logger.WithFields(log.Fields{"revision": doc.Meta.Revision, "writer": doc.Meta.WriterID})
	if doc.Payload == nil {
		entry.Debug("ignoring metadata-only document")
		return
	}
	if doc.Meta.Revision <= c.appliedRevision {
		entry.Debug("ignoring stale document")
		return
	}
	c.appliedRevision = doc.Meta.Revision
	if doc.Meta.WriterID == c.id {
		return
	}
	_, span := c.tracer.Start(c.ctx, "boxboard.remote.apply", trace.WithAttributes(
		attribute.String("room", c.cfg.Room),
		attribute.Int64("revision", doc.Meta.Revision),
	))
	defer span.End()
	c.applyRemoteLocked(*doc.Payload, "subscription")
}

// onFanout handles a full-state message from a sibling client.
func (c *Client) onFanout(msg fanout.Message) {
	if msg.Type != fanout.MessageTypeState || msg.OriginClientID == c.id || msg.Room != c.cfg.Room {
		return
	}
	snap, err := domain.Decode(msg.Payload)
	if err != nil {
		c.logger.WithError(err).WithField("origin", msg.OriginClientID).Debug("fan-out payload repaired")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.applyRemoteLocked(snap, "fanout")
}

// applyRemoteLocked replaces the local state with payload plus any local
// commands not yet committed. The replacement runs in the store's remote
// mode, so it is saved locally but never fanned out or committed.
func (c *Client) applyRemoteLocked(payload domain.Snapshot, source string) {
	next := payload.Clone()
	for _, cmd := range c.inflight {
		domain.Apply(&next, cmd)
	}
	for _, cmd := range c.pending {
		domain.Apply(&next, cmd)
	}
	domain.Sanitize(&next)
	if data, err := domain.Encode(next); err == nil && bytes.Equal(data, c.lastBroadcast) {
		return
	}
	c.store.ReplaceAll(next)
	c.logger.WithField("source", source).Debug("applied remote state")
}

func (c *Client) fanoutLoop(sub *fanout.Subscription) {
	defer c.wg.Done()
	for msg := range sub.C {
		c.onFanout(msg)
	}
}

// subscribeLoop keeps the remote subscription alive, backing off between
// failed attempts.
func (c *Client) subscribeLoop(ctx context.Context) {
	defer c.wg.Done()
	attempt := 0
	for {
		err := c.remote.Subscribe(ctx, c.cfg.Room, c.onRemote)
		if ctx.Err() != nil {
			return
		}
		attempt++
		if err == nil {
			err = errors.New("subscription ended")
		}
		c.logger.WithError(err).WithField("attempt", attempt).Warn("remote subscription lost, resubscribing")
		c.mu.Lock()
		c.setStatusLocked(StatusDegraded)
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-time.After(exponentialBackoff(attempt, time.Second, 30*time.Second)):
		}
	}
}

package client

import (
	"bytes"
	"context"
	"time"

	"boxboard/domain"
	"boxboard/fanout"
	"boxboard/storage"
	"boxboard/store"
)

// detectLocked compares the current state with the last broadcast one and,
// on a difference, persists locally, fans out and queues a remote commit.
// cmd is nil when the safety-net poll found the difference.
func (c *Client) detectLocked(cmd *domain.Command) {
	if c.store.Mode() != store.Idle {
		return
	}
	data, err := domain.Encode(c.store.Snapshot())
	if err != nil {
		c.logger.WithError(err).Error("encode state")
		return
	}
	if bytes.Equal(data, c.lastBroadcast) {
		return
	}
	c.lastBroadcast = data
	c.persistLocked(data)
	c.publishLocked(data)
	if c.remote == nil {
		return
	}
	if cmd != nil {
		c.pending = append(c.pending, *cmd)
	} else {
		c.pendingFull = true
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// absorbLocked records state that arrived from elsewhere as already
// broadcast and saves it locally. Nothing is sent anywhere.
func (c *Client) absorbLocked() {
	data, err := domain.Encode(c.store.Snapshot())
	if err != nil {
		c.logger.WithError(err).Error("encode state")
		return
	}
	c.lastBroadcast = data
	c.persistLocked(data)
}

func (c *Client) persistLocked(data []byte) {
	if c.local == nil {
		return
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.local.Save(ctx, storage.LocalKey(c.cfg.Room), data); err != nil {
		c.logger.WithError(err).Warn("save local state")
	}
}

func (c *Client) publishLocked(data []byte) {
	if c.hub == nil {
		return
	}
	c.hub.Publish(fanout.Message{
		Type:           fanout.MessageTypeState,
		OriginClientID: c.id,
		Room:           c.cfg.Room,
		Payload:        data,
	})
}

// pollLoop is the change-detection safety net.
func (c *Client) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if !c.closed {
				c.detectLocked(nil)
			}
			c.mu.Unlock()
		}
	}
}

// commitLoop debounces kicks and commits once changes settle.
func (c *Client) commitLoop(ctx context.Context) {
	defer c.wg.Done()
	timer := time.NewTimer(c.cfg.Debounce)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
			timer.Reset(c.cfg.Debounce)
		case <-timer.C:
			cctx, cancel := context.WithTimeout(ctx, c.cfg.CommitTimeout)
			c.commitPending(cctx)
			cancel()
		}
	}
}

// Flush commits pending changes now instead of waiting for the debounce.
func (c *Client) Flush(ctx context.Context) error {
	return c.commitPending(ctx)
}

package client

import (
	"math"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"boxboard/domain"
	"boxboard/store"
)

// Status describes the connection to the shared remote store.
type Status string

const (
	// StatusUnconfigured means no remote backend is set; the client is local-only.
	StatusUnconfigured Status = "unconfigured"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	// StatusDegraded means the last remote operation failed; local edits continue.
	StatusDegraded Status = "degraded"
)

// UpdateKind tells watchers what an Update carries.
type UpdateKind string

const (
	UpdateState  UpdateKind = "state"
	UpdateStatus UpdateKind = "status"
)

// Update is delivered to watchers after every state change and every
// connectivity change.
type Update struct {
	Kind     UpdateKind
	Origin   store.Origin
	Snapshot domain.Snapshot
	Status   Status
}

func (c *Client) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	prev := c.status
	c.status = s
	entry := c.logger.WithFields(log.Fields{"from": prev, "to": s})
	if s == StatusDegraded {
		entry.Warn("remote status changed")
	} else {
		entry.Info("remote status changed")
	}
	c.notifyLocked(Update{Kind: UpdateStatus, Status: s})
}

func (c *Client) notifyLocked(u Update) {
	for _, fn := range c.watchers {
		fn(u)
	}
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

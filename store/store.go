// Package store holds the in-memory board state and the closed set of
// operations that may change it.
package store

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"boxboard/domain"
)

// ErrApplyingRemote is returned when a command arrives while a remote
// snapshot is being absorbed.
var ErrApplyingRemote = errors.New("store is applying a remote snapshot")

// Mode tells listeners whether a change is local or being absorbed from elsewhere.
type Mode int

const (
	Idle Mode = iota
	ApplyingRemote
)

func (m Mode) String() string {
	if m == ApplyingRemote {
		return "applying-remote"
	}
	return "idle"
}

// Origin identifies where a change came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Change is delivered to listeners after every effective state change.
type Change struct {
	Origin Origin
	// Command is set for local changes.
	Command *domain.Command
}

// Listener observes state changes. Listeners run synchronously inside
// Apply and ReplaceAll and may read the store but must not mutate it.
type Listener func(Change)

// Store is a single-owner state container. It is not safe for concurrent
// use; the owning client serializes access.
type Store struct {
	snap      domain.Snapshot
	mode      Mode
	listeners map[int]Listener
	nextID    int
	logger    log.FieldLogger
}

// New creates a store holding a sanitized copy of initial.
func New(initial domain.Snapshot, logger log.FieldLogger) *Store {
	if logger == nil {
		logger = log.StandardLogger()
	}
	snap := initial.Clone()
	if n := domain.Sanitize(&snap); n > 0 {
		logger.WithField("repairs", n).Warn("initial snapshot repaired")
	}
	return &Store{snap: snap, listeners: map[int]Listener{}, logger: logger}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() domain.Snapshot { return s.snap.Clone() }

// Mode returns the current echo-guard mode.
func (s *Store) Mode() Mode { return s.mode }

// Apply validates and runs cmd. Listeners are notified only when the
// state actually changed.
func (s *Store) Apply(cmd domain.Command) (bool, error) {
	if s.mode == ApplyingRemote {
		return false, ErrApplyingRemote
	}
	if err := cmd.Validate(); err != nil {
		return false, err
	}
	if !domain.Apply(&s.snap, cmd) {
		return false, nil
	}
	if err := domain.CheckInvariants(s.snap); err != nil {
		// Unreachable with a correct mutator.
		s.logger.WithError(err).WithField("command", cmd.Type).Error("invariant violated after command")
		domain.Sanitize(&s.snap)
	}
	s.notify(Change{Origin: OriginLocal, Command: &cmd})
	return true, nil
}

// ReplaceAll swaps in next wholesale. Listeners observe the change with
// OriginRemote while the store is in ApplyingRemote mode; the mode always
// returns to Idle afterwards.
func (s *Store) ReplaceAll(next domain.Snapshot) {
	s.mode = ApplyingRemote
	defer func() { s.mode = Idle }()

	snap := next.Clone()
	if n := domain.Sanitize(&snap); n > 0 {
		s.logger.WithField("repairs", n).Warn("incoming snapshot repaired")
	}
	s.snap = snap
	s.notify(Change{Origin: OriginRemote})
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	return func() { delete(s.listeners, id) }
}

func (s *Store) notify(ch Change) {
	for _, l := range s.listeners {
		l(ch)
	}
}

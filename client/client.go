// Package client runs one room replica: the local store, its durable copy,
// the in-process fan-out and the optional shared remote document.
package client

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"boxboard/domain"
	"boxboard/fanout"
	"boxboard/storage"
	"boxboard/store"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("client closed")

// Hub is the in-process fan-out the client publishes to and listens on.
type Hub interface {
	Publish(msg fanout.Message)
	Subscribe(room, clientID string, buffer int) *fanout.Subscription
}

// Config tunes a client. Zero durations take the defaults below.
type Config struct {
	Room string
	// ID identifies this client as origin and remote writer. Generated when empty.
	ID string
	// Debounce delays remote commits until changes settle.
	Debounce time.Duration
	// PollInterval is the period of the change-detection safety net.
	PollInterval time.Duration
	// CommitTimeout bounds one remote transaction.
	CommitTimeout time.Duration
	// SeedBoxes is the number of boxes on the default board created for an
	// empty room. Zero disables seeding.
	SeedBoxes int
}

const (
	DefaultDebounce      = 150 * time.Millisecond
	DefaultPollInterval  = 250 * time.Millisecond
	DefaultCommitTimeout = 10 * time.Second
	DefaultBoardName     = "Main"
)

// Options carries the collaborators of a client. Every field is optional.
type Options struct {
	Local          storage.LocalStore
	Hub            Hub
	Remote         storage.Backend
	Logger         log.FieldLogger
	TracerProvider trace.TracerProvider
	Now            func() time.Time
	NewID          func() string
}

// Client owns one replica of a room. All state access goes through its
// mutex; remote I/O never runs while it is held.
type Client struct {
	cfg    Config
	id     string
	local  storage.LocalStore
	hub    Hub
	remote storage.Backend
	logger log.FieldLogger
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string

	commitMu sync.Mutex
	kick     chan struct{}

	mu              sync.Mutex
	store           *store.Store
	lastBroadcast   []byte
	pending         []domain.Command
	pendingFull     bool
	inflight        []domain.Command
	appliedRevision int64
	status          Status
	watchers        map[int]func(Update)
	nextWatcher     int
	closed          bool

	ctx    context.Context
	cancel context.CancelFunc
	sub    *fanout.Subscription
	wg     sync.WaitGroup
}

// New creates a client holding an empty room. Call Start to load state
// and begin syncing.
func New(cfg Config, opts Options) *Client {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if cfg.ID == "" {
		cfg.ID = opts.NewID()
	}

	c := &Client{
		cfg:      cfg,
		id:       cfg.ID,
		local:    opts.Local,
		hub:      opts.Hub,
		remote:   opts.Remote,
		logger:   opts.Logger.WithFields(log.Fields{"room": cfg.Room, "client": cfg.ID}),
		tracer:   opts.TracerProvider.Tracer("boxboard/client"),
		now:      opts.Now,
		newID:    opts.NewID,
		kick:     make(chan struct{}, 1),
		status:   StatusUnconfigured,
		watchers: map[int]func(Update){},
	}
	if c.remote != nil {
		c.status = StatusConnecting
	}
	c.store = store.New(domain.NewSnapshot(), c.logger)
	c.lastBroadcast, _ = domain.Encode(c.store.Snapshot())
	c.store.Subscribe(c.onStoreChange)
	return c
}

// ID returns the origin/writer id of this client.
func (c *Client) ID() string { return c.id }

// Room returns the room this client replicates.
func (c *Client) Room() string { return c.cfg.Room }

// Start restores the local copy, joins the fan-out, loads the remote
// document and starts background syncing. An empty room gets a default
// board, or the restored local state when there is one.
func (c *Client) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.restoreLocal(c.ctx)

	if c.hub != nil {
		c.sub = c.hub.Subscribe(c.cfg.Room, c.id, 16)
		c.wg.Add(1)
		go c.fanoutLoop(c.sub)
	}

	if c.remote != nil {
		if c.loadRemote(c.ctx) {
			c.initRemote(c.ctx)
		}
		c.wg.Add(2)
		go c.subscribeLoop(c.ctx)
		go c.commitLoop(c.ctx)
	} else {
		c.seedDefaults()
	}

	c.wg.Add(1)
	go c.pollLoop(c.ctx)
	return nil
}

// Close commits anything pending, then stops background work.
func (c *Client) Close(ctx context.Context) error {
	err := c.Flush(ctx)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.sub != nil {
		c.sub.Close()
	}
	c.wg.Wait()
	return err
}

// Do stamps and applies one command. It returns the stamped command, so
// callers learn the ids of created records, and whether the state changed.
func (c *Client) Do(cmd domain.Command) (domain.Command, bool, error) {
	cmd.Stamp(c.now(), c.newID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cmd, false, ErrClosed
	}
	changed, err := c.store.Apply(cmd)
	if err != nil {
		return cmd, false, err
	}
	if !changed {
		c.logger.WithFields(log.Fields{"command": cmd.Type, "id": cmd.ID}).Debug("command had no effect")
	}
	return cmd, changed, nil
}

// Snapshot returns a copy of the current state.
func (c *Client) Snapshot() domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Snapshot()
}

// Status returns the current remote connectivity.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Watch registers fn for updates and returns a function that removes it.
// fn runs with the client locked: it must not block or call the client.
func (c *Client) Watch(fn func(Update)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

func (c *Client) onStoreChange(ch store.Change) {
	switch ch.Origin {
	case store.OriginLocal:
		c.detectLocked(ch.Command)
	case store.OriginRemote:
		c.absorbLocked()
	}
	c.notifyLocked(Update{Kind: UpdateState, Origin: ch.Origin, Snapshot: c.store.Snapshot(), Status: c.status})
}

func (c *Client) restoreLocal(ctx context.Context) {
	if c.local == nil {
		return
	}
	data, err := c.local.Load(ctx, storage.LocalKey(c.cfg.Room))
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		c.logger.WithError(err).Warn("load local state")
		return
	}
	snap, err := domain.Decode(data)
	if err != nil {
		c.logger.WithError(err).Warn("local state partially discarded")
	}
	c.mu.Lock()
	c.store.ReplaceAll(snap)
	c.mu.Unlock()
}

// seedDefaults creates the default board in a local-only room that has none.
func (c *Client) seedDefaults() {
	if len(c.Snapshot().Boards) > 0 {
		return
	}
	cmds := c.seedCommands()
	for _, cmd := range cmds {
		if _, _, err := c.Do(cmd); err != nil {
			c.logger.WithError(err).Error("seed default board")
			return
		}
	}
	if len(cmds) > 0 {
		c.logger.WithField("boxes", c.cfg.SeedBoxes).Info("seeded default board")
	}
}

// seedCommands returns the stamped commands that build the default board.
func (c *Client) seedCommands() []domain.Command {
	if c.cfg.SeedBoxes <= 0 {
		return nil
	}
	board := domain.Command{Type: domain.CreateBoard, Name: DefaultBoardName}
	board.Stamp(c.now(), c.newID)
	cmds := []domain.Command{board}
	for i := 1; i <= c.cfg.SeedBoxes; i++ {
		box := domain.Command{Type: domain.CreateBox, BoardID: board.BoardID, Label: strconv.Itoa(i)}
		box.Stamp(c.now(), c.newID)
		cmds = append(cmds, box)
	}
	return cmds
}

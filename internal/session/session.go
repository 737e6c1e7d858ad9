// Package session drives one client's collaboration lifecycle: connect,
// bind listeners once, join the room, activate notebooks in a strict
// hydration order, and route server events into the local stores.
package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relaynote/internal/auth"
	"github.com/agentworkforce/relaynote/internal/blockstore"
	"github.com/agentworkforce/relaynote/internal/channel"
	"github.com/agentworkforce/relaynote/internal/contentsync"
	"github.com/agentworkforce/relaynote/internal/directory"
	"github.com/agentworkforce/relaynote/internal/execution"
	"github.com/agentworkforce/relaynote/internal/metrics"
	"github.com/agentworkforce/relaynote/internal/presence"
	"github.com/agentworkforce/relaynote/internal/remote"
)

const leaveTimeout = 2 * time.Second

var tracer = otel.Tracer("relaynote.session")

type Logger interface {
	Printf(format string, args ...any)
}

// Channel is the realtime connection the controller drives.
// *channel.Client satisfies it.
type Channel interface {
	Bind(handler func(channel.Event)) error
	Unbind()
	Emit(ctx context.Context, kind string, payload any) error
	Request(ctx context.Context, kind string, payload any) (json.RawMessage, error)
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens a channel to room with a bearer token.
type Dialer func(ctx context.Context, room, token string) (Channel, error)

// ChannelDialer dials the websocket channel described by opts, filling in
// the room and token of each connection.
func ChannelDialer(opts channel.Options) Dialer {
	return func(ctx context.Context, room, token string) (Channel, error) {
		dialOpts := opts
		dialOpts.Room = room
		dialOpts.Token = token
		client, err := channel.Dial(ctx, dialOpts)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// StateSource serves the authoritative CRDT snapshot and block metadata of
// a notebook. *remote.HTTPClient satisfies it.
type StateSource interface {
	FetchState(ctx context.Context, room, notebookID string) (string, error)
	FetchBlocks(ctx context.Context, room, notebookID string) ([]remote.BlockMeta, error)
}

type MilestoneRestorer interface {
	RestoreMilestone(ctx context.Context, room, id string) (remote.Snapshot, error)
}

type Options struct {
	Dial       Dialer
	State      StateSource
	Milestones MilestoneRestorer

	// Stores default to fresh instances.
	Blocks    *blockstore.Store
	Content   *contentsync.Layer
	Directory *directory.Directory

	// Execution, when set, has pending output of remotely deleted blocks
	// cancelled.
	Execution *execution.Bridge

	PresenceLimiter *rate.Limiter
	Metrics         *metrics.Collectors
	Logger          Logger

	// ChatWindow is how close two identical chat messages must be to count
	// as one. Defaults to 2s.
	ChatWindow time.Duration
	OnChat     func(channel.ChatMessage)
	// OnError receives non-fatal failures: server error events, presence
	// failures and lost connections.
	OnError func(error)

	Now   func() time.Time
	NewID func() string
}

// Controller owns which notebook is active. All methods are safe for
// concurrent use; none may be called from a store subscriber.
type Controller struct {
	dial       Dialer
	state      StateSource
	milestones MilestoneRestorer
	blocks     *blockstore.Store
	content    *contentsync.Layer
	directory  *directory.Directory
	presence   *presence.Tracker
	exec       *execution.Bridge
	metrics    *metrics.Collectors
	logger     Logger
	onChat     func(channel.ChatMessage)
	onError    func(error)
	now        func() time.Time
	newID      func() string
	// origin tags outgoing updates so their echoes can be skipped.
	origin string

	// hydrateMu serializes the commit step of notebook switches with the
	// handling of remote content and block events.
	hydrateMu sync.Mutex

	mu         sync.Mutex
	ch         Channel
	room       string
	identity   *presence.Identity
	bound      bool
	joined     bool
	selected   string
	active     string
	loads      map[string]LoadState
	loadingID  string
	generation uint64
	// buffered holds block events for loadingID, replayed once it is live.
	buffered []channel.Event
	chat     *chatDeduper
}

func New(opts Options) *Controller {
	c := &Controller{
		dial:       opts.Dial,
		state:      opts.State,
		milestones: opts.Milestones,
		blocks:     opts.Blocks,
		content:    opts.Content,
		directory:  opts.Directory,
		exec:       opts.Execution,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		onChat:     opts.OnChat,
		onError:    opts.OnError,
		now:        opts.Now,
		newID:      opts.NewID,
		origin:     uuid.NewString(),
		loads:      map[string]LoadState{},
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.blocks == nil {
		c.blocks = blockstore.NewWithOptions(blockstore.Options{Now: c.now, NewID: c.newID})
	}
	if c.content == nil {
		c.content = contentsync.NewLayer(newClientID())
	}
	if c.directory == nil {
		c.directory = directory.New()
	}
	c.presence = presence.NewTracker(presence.Options{
		Broadcaster: c,
		Limiter:     opts.PresenceLimiter,
		Logger:      opts.Logger,
		OnError:     c.reportError,
	})
	c.chat = newChatDeduper(opts.ChatWindow)
	return c
}

func newClientID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

func (c *Controller) Blocks() *blockstore.Store       { return c.blocks }
func (c *Controller) Content() *contentsync.Layer     { return c.content }
func (c *Controller) Directory() *directory.Directory { return c.directory }
func (c *Controller) Presence() *presence.Tracker     { return c.presence }

func (c *Controller) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Controller) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Connect opens the channel with token and binds the event listeners. The
// token's identity claims become the presence identity. Connecting to a
// different room tears the current connection down first.
func (c *Controller) Connect(ctx context.Context, room, token string) error {
	return c.connect(ctx, room, auth.SessionFromToken(token))
}

// ConnectWith is Connect with the session supplied by provider.
func (c *Controller) ConnectWith(ctx context.Context, room string, provider auth.Provider) error {
	session, err := provider.Session(ctx)
	if err != nil {
		return &ConnectionError{Room: room, Err: err}
	}
	return c.connect(ctx, room, session)
}

func (c *Controller) connect(ctx context.Context, room string, session auth.Session) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return &ConnectionError{Room: room, Err: errors.New("room is required")}
	}
	if strings.TrimSpace(session.AccessToken) == "" {
		return &ConnectionError{Room: room, Err: auth.ErrNoSession}
	}
	if session.Expired(c.now()) {
		return &ConnectionError{Room: room, Err: auth.ErrTokenExpired}
	}
	if c.dial == nil {
		return &ConnectionError{Room: room, Err: errors.New("no dialer configured")}
	}

	c.mu.Lock()
	current, currentRoom := c.ch, c.room
	c.mu.Unlock()
	if current != nil {
		if currentRoom == room {
			return nil
		}
		if err := c.Teardown(); err != nil {
			c.logf("teardown of room %s failed: %v", currentRoom, err)
		}
	}

	ch, err := c.dial(ctx, room, session.AccessToken)
	if err != nil {
		return &ConnectionError{Room: room, Err: err}
	}

	var identity *presence.Identity
	if session.UserID != "" || session.UserEmail != "" {
		identity = &presence.Identity{UserID: session.UserID, UserEmail: session.UserEmail}
	}
	c.mu.Lock()
	c.ch = ch
	c.room = room
	c.identity = identity
	c.mu.Unlock()
	c.presence.SetIdentity(identity)

	if err := c.Bind(); err != nil {
		_ = c.Teardown()
		return &ConnectionError{Room: room, Err: err}
	}
	go c.watch(ch, room)
	return nil
}

// Bind installs the event listeners on the current channel. Binding again
// while bound is a logged no-op.
func (c *Controller) Bind() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return &ConnectionError{Room: c.room, Err: ErrNotConnected}
	}
	if c.bound {
		c.logf("listeners already bound for room %s; ignoring", c.room)
		return nil
	}
	if err := c.ch.Bind(c.dispatch); err != nil {
		return err
	}
	c.bound = true
	return nil
}

// watch reports a connection that ended without Teardown.
func (c *Controller) watch(ch Channel, room string) {
	<-ch.Done()
	c.mu.Lock()
	lost := c.ch == ch
	if lost {
		c.joined = false
	}
	c.mu.Unlock()
	if lost {
		c.reportError(&ConnectionError{Room: room, Err: fmt.Errorf("connection lost: %w", ch.Err())})
	}
}

// JoinRoom joins room and waits for the acknowledgment. Notebook operations
// are refused until it succeeds.
func (c *Controller) JoinRoom(ctx context.Context, room string) error {
	c.mu.Lock()
	ch, connected := c.ch, c.room
	c.mu.Unlock()
	if ch == nil {
		return &ConnectionError{Room: room, Err: ErrNotConnected}
	}
	if room != connected {
		return fmt.Errorf("join room %s: connected to %s", room, connected)
	}
	if _, err := ch.Request(ctx, channel.RequestJoinRoom, channel.JoinRoom{Room: room}); err != nil {
		return fmt.Errorf("join room %s: %w", room, err)
	}
	c.mu.Lock()
	if c.ch == ch {
		c.joined = true
	}
	c.mu.Unlock()
	return nil
}

// Teardown unbinds the listeners, leaves the room and disconnects. Local
// state of the room is cleared so nothing leaks into the next room.
func (c *Controller) Teardown() error {
	c.mu.Lock()
	ch, room, joined := c.ch, c.room, c.joined
	c.ch = nil
	c.bound = false
	c.joined = false
	c.generation++
	c.loadingID = ""
	c.buffered = nil
	c.selected = ""
	c.active = ""
	c.loads = map[string]LoadState{}
	c.identity = nil
	c.mu.Unlock()
	if ch == nil {
		return nil
	}

	ch.Unbind()
	if joined {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		if err := ch.Emit(ctx, channel.RequestLeaveRoom, channel.JoinRoom{Room: room}); err != nil {
			c.logf("leave room %s failed: %v", room, err)
		}
		cancel()
	}
	err := ch.Close()

	c.presence.SetIdentity(nil)
	c.presence.Clear()
	c.content.Reset()
	c.blocks.Clear()
	c.directory.Replace(nil)
	return err
}

func (c *Controller) Close() error {
	return c.Teardown()
}

// BroadcastPresence publishes the local presence state over the channel.
func (c *Controller) BroadcastPresence(ctx context.Context, state presence.State) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	err := ch.Emit(ctx, channel.RequestSetPresence, state)
	c.metrics.ObservePresence(err)
	return err
}

// SetLocalPresence publishes the local cursor for the active notebook. It
// emits nothing when no notebook is active or nobody is signed in.
func (c *Controller) SetLocalPresence(ctx context.Context, blockID *string, cursor *int) error {
	return c.presence.SetLocal(ctx, blockID, cursor)
}

func (c *Controller) dispatch(ev channel.Event) {
	c.metrics.ObserveEvent(ev.EventName())
	switch e := ev.(type) {
	case channel.NotebookHistory:
		c.directory.Replace(e.Notebooks)
	case channel.NotebookCreated:
		c.directory.Upsert(e.Notebook)
	case channel.NotebookUpdated:
		c.directory.Upsert(e.Notebook)
	case channel.NotebookDeleted:
		c.notebookDeleted(e.NotebookID)
	case channel.AwarenessUpdate:
		c.presence.ReplaceAll(e.NotebookID, e.Records)
	case channel.ServerError:
		c.reportError(fmt.Errorf("server error %s: %s", e.Code, e.Message))
	case channel.CRDTUpdate:
		c.remoteUpdate(e)
	case channel.BlockCreated:
		c.remoteBlockEvent(e.NotebookID, e)
	case channel.BlockMoved:
		c.remoteBlockEvent(e.NotebookID, e)
	case channel.BlockDeleted:
		c.remoteBlockEvent(e.NotebookID, e)
	case channel.ChatMessage:
		c.receiveChat(e)
	default:
		c.logf("unhandled event %s", ev.EventName())
	}
}

func (c *Controller) joinedChannel(op string) (Channel, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil || !c.joined {
		return nil, "", &NotJoinedError{Op: op}
	}
	return c.ch, c.room, nil
}

// liveNotebook returns the channel, room and active notebook for a notebook
// operation.
func (c *Controller) liveNotebook(op string) (Channel, string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil || !c.joined {
		return nil, "", "", &NotJoinedError{Op: op}
	}
	if c.active == "" {
		return nil, "", "", fmt.Errorf("%s: %w", op, ErrNoActiveNotebook)
	}
	return c.ch, c.room, c.active, nil
}

func (c *Controller) reportError(err error) {
	c.logf("%v", err)
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Controller) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

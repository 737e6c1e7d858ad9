// Package channel is the realtime event channel between a notebook client and
// the collaboration server: JSON frames over a websocket, with
// acknowledgment-based requests and one bound event handler.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaynote/internal/metrics"
)

var (
	ErrAckTimeout   = errors.New("acknowledgment timed out")
	ErrRejected     = errors.New("request rejected")
	ErrClosed       = errors.New("channel closed")
	ErrAlreadyBound = errors.New("handler already bound")
)

const (
	defaultAckTimeout = 10 * time.Second
	defaultReadLimit  = 8 << 20
	eventQueueSize    = 256
)

// HandshakeError is returned when the server refuses the websocket upgrade.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("websocket handshake rejected with http %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("websocket handshake failed: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Unauthorized reports whether the server rejected the credentials.
func (e *HandshakeError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

type AckError struct {
	Request string
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Request, e.Message)
}

func (e *AckError) Is(target error) bool {
	return target == ErrRejected
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8090/v1/ws.
	URL        string
	Room       string
	Token      string
	AckTimeout time.Duration
	HTTPClient *http.Client
	Validator  *Validator
	Logger     Logger
	// Metrics, when set, counts frames dropped by the read loop.
	Metrics *metrics.Collectors
}

type ackResult struct {
	payload AckPayload
	err     error
}

type Client struct {
	conn       *websocket.Conn
	room       string
	ackTimeout time.Duration
	validator  *Validator
	logger     Logger
	metrics    *metrics.Collectors

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan ackResult
	handler func(Event)
	closed  bool
	err     error

	events chan Event
	done   chan struct{}
	cancel context.CancelFunc
}

// Dial opens the channel for room with a bearer token. A refused handshake is
// returned as *HandshakeError.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	endpoint, err := url.Parse(strings.TrimSpace(opts.URL))
	if err != nil {
		return nil, fmt.Errorf("parse channel url: %w", err)
	}
	query := endpoint.Query()
	query.Set("room", opts.Room)
	endpoint.RawQuery = query.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.Token)
	header.Set("X-Correlation-Id", correlationID())

	conn, resp, err := websocket.Dial(ctx, endpoint.String(), &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		herr := &HandshakeError{Err: err}
		if resp != nil {
			herr.StatusCode = resp.StatusCode
		}
		return nil, herr
	}
	conn.SetReadLimit(defaultReadLimit)

	validator := opts.Validator
	if validator == nil {
		validator, err = DefaultValidator()
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "validator unavailable")
			return nil, err
		}
	}
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:       conn,
		room:       opts.Room,
		ackTimeout: ackTimeout,
		validator:  validator,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		pending:    map[string]chan ackResult{},
		events:     make(chan Event, eventQueueSize),
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	go c.readLoop(readCtx)
	go c.dispatchLoop()
	return c, nil
}

func (c *Client) Room() string {
	return c.room
}

// Bind installs the single event handler. Events are delivered in receipt
// order from one goroutine. A second Bind fails with ErrAlreadyBound.
func (c *Client) Bind(handler func(Event)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return ErrAlreadyBound
	}
	c.handler = handler
	return nil
}

// Unbind removes the handler. Events received while unbound are dropped.
func (c *Client) Unbind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = nil
}

// Emit sends a fire-and-forget frame.
func (c *Client) Emit(ctx context.Context, kind string, payload any) error {
	frame, err := EncodeFrame(kind, "", payload)
	if err != nil {
		return err
	}
	return c.write(ctx, frame)
}

// Request sends a frame and waits for its acknowledgment. No acknowledgment
// within the ack timeout is a failure.
func (c *Client) Request(ctx context.Context, kind string, payload any) (json.RawMessage, error) {
	id := uuid.NewString()
	frame, err := EncodeFrame(kind, id, payload)
	if err != nil {
		return nil, err
	}
	ch := make(chan ackResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if !res.payload.OK {
			return nil, &AckError{Request: kind, Message: res.payload.Error}
		}
		return res.payload.Data, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", kind, ErrAckTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, if it has.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection and waits for the dispatch goroutine. It must not
// be called from the bound handler.
func (c *Client) Close() error {
	c.mu.Lock()
	already := c.closed
	c.mu.Unlock()
	if already {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "client closing")
	c.cancel()
	<-c.done
	if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Client) write(ctx context.Context, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", frame.Type, err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.shutdown()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.setErr(err)
			return
		}
		if err := c.validator.Validate(data); err != nil {
			c.dropFrame(err)
			continue
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.dropFrame(err)
			continue
		}
		if frame.Type == EventAck {
			c.resolveAck(frame)
			continue
		}
		ev, err := DecodeEvent(frame)
		if err != nil {
			c.dropFrame(err)
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) dropFrame(err error) {
	c.logf("dropping frame: %v", err)
	c.metrics.ObserveDroppedFrame()
}

func (c *Client) dispatchLoop() {
	for ev := range c.events {
		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler == nil {
			c.logf("no handler bound; dropping %s", ev.EventName())
			continue
		}
		handler(ev)
	}
	close(c.done)
}

func (c *Client) resolveAck(frame Frame) {
	var payload AckPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		c.logf("dropping malformed ack %s: %v", frame.AckID, err)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[frame.AckID]
	c.mu.Unlock()
	if !ok {
		c.logf("ack %s has no pending request", frame.AckID)
		return
	}
	select {
	case ch <- ackResult{payload: payload}:
	default:
		c.logf("duplicate ack %s ignored", frame.AckID)
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = map[string]chan ackResult{}
	c.mu.Unlock()
	for _, ch := range pending {
		select {
		case ch <- ackResult{err: ErrClosed}:
		default:
		}
	}
	close(c.events)
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		c.err = err
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func correlationID() string {
	return fmt.Sprintf("relaynote-%d", time.Now().UnixNano())
}

// Package bridge is the persistent duplex channel between the process
// that owns the chat connection and the process that owns AI decisions.
// It carries three message shapes over one connection: events
// (fire-and-forget), queries and actions (request with a single reply).
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/helmsman/pkg/clock"
)

// State is the client connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Addr  string
	Token string

	// CallTimeout bounds every outbound query and action. Default 15s.
	CallTimeout time.Duration

	// MaxRetries is the number of consecutive failed connection attempts
	// after which Run gives up. Default 10.
	MaxRetries int

	// InitialBackoff and MaxBackoff bound the delay between attempts.
	// Defaults 1s and 30s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Clock  clock.Clock
	Logger *slog.Logger

	// Dial overrides how connections are made. Defaults to TCP.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

// Client is the AI-process side of the bridge. It keeps reconnecting
// until Run's context is cancelled or retries are exhausted. Calls made
// while disconnected fail immediately with ErrNotConnected.
type Client struct {
	opts     ClientOptions
	instance string
	handlers *handlers

	mu            sync.Mutex
	state         State
	peer          *peer
	onStateChange func(State)
}

// NewClient creates a Client. Register handlers before calling Run.
func NewClient(opts ClientOptions) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = max(30*time.Second, opts.InitialBackoff)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Dial == nil {
		var d net.Dialer
		opts.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &Client{
		opts:     opts,
		instance: uuid.NewString(),
		handlers: newHandlers(),
	}
}

// Instance returns the id this client announces in its hello.
func (c *Client) Instance() string { return c.instance }

// HandleEvent registers the handler for an inbound event. A later
// registration for the same name replaces the earlier one.
func (c *Client) HandleEvent(name string, fn EventHandler) {
	c.handlers.setEvent(name, fn)
}

// HandleQuery registers the handler for an inbound query.
func (c *Client) HandleQuery(name string, fn RequestHandler) {
	c.handlers.setRequest(KindQuery, name, fn)
}

// OnStateChange registers a callback invoked on every state transition.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a peer is currently connected.
func (c *Client) Connected() bool { return c.State() == StateConnected }

// CallAction sends an action and decodes the reply into out. It fails
// fast when disconnected and with ErrTimeout when no reply arrives in
// time. Actions may have side effects, so callers should not retry a
// timed-out action blindly.
func (c *Client) CallAction(ctx context.Context, name, key string, payload, out any) error {
	p := c.currentPeer()
	if p == nil {
		return ErrNotConnected
	}
	return p.call(ctx, KindAction, name, key, payload, out)
}

// Query sends a query and decodes the reply into out.
func (c *Client) Query(ctx context.Context, name, key string, payload, out any) error {
	p := c.currentPeer()
	if p == nil {
		return ErrNotConnected
	}
	return p.call(ctx, KindQuery, name, key, payload, out)
}

// Run connects and serves until ctx is done, reconnecting with capped
// exponential backoff after each drop. It returns ctx.Err() on
// cancellation, an error wrapping ErrRetriesExhausted after MaxRetries
// consecutive failed attempts, or ErrUnauthorized if the token is
// rejected.
func (c *Client) Run(ctx context.Context) error {
	logger := c.opts.Logger
	backoff := c.opts.InitialBackoff
	failures := 0

	for {
		c.setState(StateConnecting)
		p, err := c.connect(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrUnauthorized) {
				return err
			}
			failures++
			if failures > c.opts.MaxRetries {
				return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, failures, err)
			}
			logger.Warn("bridge connect failed, retrying",
				"addr", c.opts.Addr,
				"attempt", failures,
				"backoff", backoff,
				"error", err,
			)
		} else {
			failures = 0
			backoff = c.opts.InitialBackoff
			c.setPeer(p)
			c.setState(StateConnected)
			logger.Info("bridge connected", "addr", c.opts.Addr, "instance", c.instance)

			err := p.serve(ctx)
			c.setPeer(nil)
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("bridge connection lost", "addr", c.opts.Addr, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.opts.Clock.After(backoff):
		}
		backoff = min(backoff*2, c.opts.MaxBackoff)
	}
}

func (c *Client) connect(ctx context.Context) (*peer, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	conn, err := c.opts.Dial(dialCtx, c.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.Addr, err)
	}

	enc := newEncoder(conn)
	dec := newDecoder(conn)

	payload, err := marshal(hello{Token: c.opts.Token, Instance: c.instance})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("encode hello: %w", err)
	}

	_ = conn.SetDeadline(time.Now().Add(c.opts.CallTimeout))
	if err := enc.Encode(&Envelope{Kind: KindHello, Payload: payload}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	if env.Kind != KindWelcome || env.Error != "" {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, env.Error)
	}

	return newPeer(conn, dec, enc, c.handlers, c.opts.Clock, c.opts.CallTimeout, c.opts.Logger), nil
}

func (c *Client) currentPeer() *peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.peer
}

func (c *Client) setPeer(p *peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = p
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onStateChange
	c.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}

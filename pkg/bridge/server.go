package bridge

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pario-ai/helmsman/pkg/clock"
)

// handshakeTimeout bounds how long an accepted connection may take to
// send its hello.
const handshakeTimeout = 10 * time.Second

// ServerOptions configures a Server.
type ServerOptions struct {
	// Token must match the client's hello. Empty accepts any client.
	Token string

	// CallTimeout bounds every outbound query. Default 15s.
	CallTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Server is the chat-process side of the bridge. It serves one
// authenticated client at a time; a newly authenticated client replaces
// the previous one.
type Server struct {
	opts     ServerOptions
	handlers *handlers

	mu   sync.Mutex
	peer *peer
}

// NewServer creates a Server.
func NewServer(opts ServerOptions) *Server {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{opts: opts, handlers: newHandlers()}
}

// HandleAction registers the handler for an inbound action.
func (s *Server) HandleAction(name string, fn RequestHandler) {
	s.handlers.setRequest(KindAction, name, fn)
}

// HandleQuery registers the handler for an inbound query.
func (s *Server) HandleQuery(name string, fn RequestHandler) {
	s.handlers.setRequest(KindQuery, name, fn)
}

// Connected reports whether a client is connected.
func (s *Server) Connected() bool {
	return s.currentPeer() != nil
}

// Emit sends an event to the connected client. Events for one key are
// handled by the client in the order they were emitted.
func (s *Server) Emit(name, key string, payload any) error {
	p := s.currentPeer()
	if p == nil {
		return ErrNotConnected
	}
	return p.emit(name, key, payload)
}

// Query sends a query to the connected client and decodes the reply.
func (s *Server) Query(ctx context.Context, name, key string, payload, out any) error {
	p := s.currentPeer()
	if p == nil {
		return ErrNotConnected
	}
	return p.call(ctx, KindQuery, name, key, payload, out)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.dropPeer(nil)
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				s.dropPeer(nil)
				return err
			}
			s.opts.Logger.Warn("bridge accept failed", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	logger := s.opts.Logger.With("remote", conn.RemoteAddr().String())

	p, instance, err := s.handshake(conn)
	if err != nil {
		logger.Warn("bridge handshake failed", "error", err)
		conn.Close()
		return
	}

	s.mu.Lock()
	old := s.peer
	s.peer = p
	s.mu.Unlock()
	if old != nil {
		logger.Info("replacing bridge client")
		old.close()
	}

	logger.Info("bridge client connected", "instance", instance)
	err = p.serve(ctx)
	s.dropPeer(p)
	logger.Info("bridge client disconnected", "instance", instance, "error", err)
}

func (s *Server) handshake(conn net.Conn) (*peer, string, error) {
	enc := newEncoder(conn)
	dec := newDecoder(conn)

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, "", fmt.Errorf("read hello: %w", err)
	}

	var h hello
	if env.Kind == KindHello {
		if err := unmarshal(env.Payload, &h); err != nil {
			return nil, "", fmt.Errorf("decode hello: %w", err)
		}
	}
	if env.Kind != KindHello || !s.authorized(h.Token) {
		_ = enc.Encode(&Envelope{Kind: KindWelcome, Error: "unauthorized"})
		return nil, "", ErrUnauthorized
	}

	payload, err := marshal(welcome{Instance: h.Instance})
	if err != nil {
		return nil, "", err
	}
	if err := enc.Encode(&Envelope{Kind: KindWelcome, Payload: payload}); err != nil {
		return nil, "", fmt.Errorf("send welcome: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	return newPeer(conn, dec, enc, s.handlers, s.opts.Clock, s.opts.CallTimeout, s.opts.Logger), h.Instance, nil
}

func (s *Server) authorized(token string) bool {
	if s.opts.Token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Token)) == 1
}

func (s *Server) currentPeer() *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// dropPeer clears p if it is still current. A nil p drops whatever is
// connected.
func (s *Server) dropPeer(p *peer) {
	s.mu.Lock()
	cur := s.peer
	if p == nil || cur == p {
		s.peer = nil
	}
	s.mu.Unlock()
	if p == nil && cur != nil {
		cur.close()
	}
}

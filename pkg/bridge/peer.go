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

	"github.com/fxamacker/cbor/v2"

	"github.com/pario-ai/helmsman/pkg/clock"
)

// peer is one authenticated connection. Both the client and the server
// side run the same frame loop over it.
type peer struct {
	conn     net.Conn
	dec      *cbor.Decoder
	handlers *handlers
	pending  *pendingTable
	runner   *keyedRunner
	timeout  time.Duration
	logger   *slog.Logger

	wmu sync.Mutex
	enc *cbor.Encoder

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(conn net.Conn, dec *cbor.Decoder, enc *cbor.Encoder, h *handlers, clk clock.Clock, timeout time.Duration, logger *slog.Logger) *peer {
	return &peer{
		conn:     conn,
		dec:      dec,
		enc:      enc,
		handlers: h,
		pending:  newPendingTable(clk),
		runner:   newKeyedRunner(),
		timeout:  timeout,
		logger:   logger,
		closed:   make(chan struct{}),
	}
}

func (p *peer) send(env *Envelope) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := p.enc.Encode(env); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// call sends a query or action and waits for its reply.
func (p *peer) call(ctx context.Context, kind Kind, name, key string, payload, out any) error {
	if v, ok := payload.(validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	raw, err := marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	id, done := p.pending.add(p.timeout)
	if err := p.send(&Envelope{Kind: kind, ID: id, Name: name, Key: key, Payload: raw}); err != nil {
		p.pending.complete(id, result{err: err})
		<-done
		return err
	}

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		if p.pending.complete(id, result{err: ctx.Err()}) {
			<-done
			return ctx.Err()
		}
		res = <-done
	}

	if res.err != nil {
		return res.err
	}
	if res.env.Error != "" {
		return &RemoteError{Name: name, Code: res.env.Code, Message: res.env.Error}
	}
	if out != nil && len(res.env.Payload) > 0 {
		if err := unmarshal(res.env.Payload, out); err != nil {
			return fmt.Errorf("decode %s reply: %w", name, err)
		}
	}
	return nil
}

// emit sends an event.
func (p *peer) emit(name, key string, payload any) error {
	if v, ok := payload.(validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	raw, err := marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return p.send(&Envelope{Kind: KindEvent, Name: name, Key: key, Payload: raw})
}

// serve reads frames until the connection drops or ctx is done. Pending
// calls are rejected with ErrDisconnected, and serve returns only after
// queued event handlers have finished.
func (p *peer) serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { p.close() })
	defer stop()
	defer p.runner.wait()
	defer p.close()

	for {
		var raw cbor.RawMessage
		if err := p.dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return ErrDisconnected
			}
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}

		var env Envelope
		if err := unmarshal(raw, &env); err != nil {
			p.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		p.dispatch(ctx, &env)
	}
}

func (p *peer) dispatch(ctx context.Context, env *Envelope) {
	switch env.Kind {
	case KindReply:
		if !p.pending.complete(env.ID, result{env: env}) {
			p.logger.Debug("dropping reply with no pending call", "id", env.ID)
		}
	case KindEvent:
		req := &Request{Kind: env.Kind, Name: env.Name, Key: env.Key, Payload: env.Payload}
		p.runner.run(env.Key, func() { p.handleEvent(ctx, req) })
	case KindQuery, KindAction:
		go p.handleRequest(ctx, env)
	default:
		p.logger.Warn("dropping frame of unknown kind", "kind", env.Kind, "name", env.Name)
	}
}

func (p *peer) handleEvent(ctx context.Context, req *Request) {
	fn := p.handlers.event(req.Name)
	if fn == nil {
		p.logger.Debug("no handler for event", "event", req.Name)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event handler panicked", "event", req.Name, "key", req.Key, "panic", r)
		}
	}()
	if err := fn(ctx, req); err != nil {
		p.logger.Error("event handler failed", "event", req.Name, "key", req.Key, "error", err)
	}
}

// handleRequest always sends exactly one reply.
func (p *peer) handleRequest(ctx context.Context, env *Envelope) {
	reply := &Envelope{Kind: KindReply, ID: env.ID, Name: env.Name}
	defer func() {
		if err := p.send(reply); err != nil {
			p.logger.Warn("reply not sent", "name", env.Name, "id", env.ID, "error", err)
		}
	}()

	fn := p.handlers.request(env.Kind, env.Name)
	if fn == nil {
		p.logger.Warn("no handler for request", "kind", env.Kind, "name", env.Name)
		reply.Code = codeUnknown
		reply.Error = ErrUnknownMessage.Error() + ": " + env.Name
		return
	}

	req := &Request{Kind: env.Kind, Name: env.Name, Key: env.Key, Payload: env.Payload}
	out, err := p.invoke(ctx, fn, req)
	if err == nil {
		reply.Payload, err = marshal(out)
	}
	if err == nil {
		return
	}
	p.logger.Error("request handler failed", "kind", env.Kind, "name", env.Name, "error", err)

	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		reply.Code = codeInvalid
		reply.Error = err.Error()
	case env.Kind == KindQuery:
		// Queries still answer with a usable payload: whatever the
		// handler returned alongside its error, or an empty one.
		reply.Payload = safeDefault(out)
	default:
		reply.Code = codeFailed
		reply.Error = err.Error()
	}
}

// emptyPayload decodes into the zero value of any reply struct.
var emptyPayload = RawMessage{0xa0}

func safeDefault(out any) RawMessage {
	if out != nil {
		if raw, err := marshal(out); err == nil {
			return raw
		}
	}
	return emptyPayload
}

func (p *peer) invoke(ctx context.Context, fn RequestHandler, req *Request) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(ctx, req)
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
		p.pending.failAll(ErrDisconnected)
	})
}

func (p *peer) done() <-chan struct{} { return p.closed }

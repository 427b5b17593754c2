// Package transport implements the client side of the daemon connection,
// with request multiplexing and heartbeat.
//
// ClientTransport lets many concurrent registry requests share one TCP
// connection. Each request gets a unique sequence ID, and a background
// goroutine (recvLoop) continuously reads responses and routes them to the
// waiting caller through a per-request channel.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ daemon
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan ← response → goroutine-2 wakes up
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"shm-discovery/codec"
	"shm-discovery/message"
	"shm-discovery/protocol"
)

// DefaultHeartbeatInterval is how often an idle connection sends a heartbeat frame.
const DefaultHeartbeatInterval = 30 * time.Second

// ErrClosed is returned by Send after the connection broke or Close was called.
var ErrClosed = errors.New("transport closed")

// ClientTransport manages a single multiplexed connection to the daemon.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.Codec
	seq     uint32     // protected by sending
	pending sync.Map   // map[uint32]chan *message.Message
	sending sync.Mutex // serializes whole frames on conn
	broken  atomic.Bool
	done    chan struct{}
	once    sync.Once
	clock   clock.Clock
}

// Option configures a ClientTransport.
type Option func(*options)

type options struct {
	heartbeat time.Duration
	clock     clock.Clock
}

// WithHeartbeat sets the heartbeat interval. Zero or negative disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithClock replaces the wall clock driving heartbeats.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// NewClientTransport wraps conn and starts the receive loop and, unless
// disabled, the heartbeat loop.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, opts ...Option) *ClientTransport {
	o := options{heartbeat: DefaultHeartbeatInterval, clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	t := &ClientTransport{
		conn:  conn,
		codec: codec.GetCodec(codecType),
		done:  make(chan struct{}),
		clock: o.clock,
	}
	go t.recvLoop()
	if o.heartbeat > 0 {
		go t.heartbeatLoop(o.heartbeat)
	}
	return t
}

// Send encodes and writes req, returning its sequence number and the channel
// its response will arrive on. The channel always receives exactly one
// message unless Cancel is called first.
func (t *ClientTransport) Send(req *message.Message) (uint32, <-chan *message.Message, error) {
	body, err := t.codec.Encode(req)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	// Checked under the lock: shutdown drains pending while holding it.
	if t.broken.Load() {
		return 0, nil, ErrClosed
	}

	t.seq++
	seq := t.seq
	header := protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}

	// Register before writing so recvLoop cannot see the response first.
	respChan := make(chan *message.Message, 1)
	t.pending.Store(seq, respChan)

	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, fmt.Errorf("%w: %v", message.ErrTransport, err)
	}
	return seq, respChan, nil
}

// Cancel forgets a pending request; a late response is dropped.
func (t *ClientTransport) Cancel(seq uint32) {
	t.pending.Delete(seq)
}

// RoundTrip sends req and waits for its response or for ctx to end.
// A context deadline maps to message.ErrTimeout; a broken connection to
// message.ErrTransport. Error responses from the daemon are returned as
// messages, not errors.
func (t *ClientTransport) RoundTrip(ctx context.Context, req *message.Message) (*message.Message, error) {
	seq, ch, err := t.Send(req)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, fmt.Errorf("%w: %v", message.ErrTransport, err)
		}
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Code == message.CodeTransport {
			return nil, resp.Err()
		}
		return resp, nil
	case <-ctx.Done():
		t.Cancel(seq)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", req.Kind, message.ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

// Broken reports whether the connection has failed or been closed.
func (t *ClientTransport) Broken() bool { return t.broken.Load() }

// Close closes the connection. Pending requests fail with a transport error.
func (t *ClientTransport) Close() error {
	err := t.conn.Close()
	t.shutdown(ErrClosed)
	return err
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// recvLoop is the only reader of conn; frame boundaries need sequential reads.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.shutdown(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := &message.Message{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			resp = message.Fail("", fmt.Errorf("%w: decode response: %v", message.ErrTransport, err))
		}

		if channel, ok := t.pending.LoadAndDelete(header.Seq); ok {
			channel.(chan *message.Message) <- resp
		}
	}
}

// shutdown marks the transport broken and fails every pending caller so none
// blocks forever.
func (t *ClientTransport) shutdown(cause error) {
	t.once.Do(func() {
		t.broken.Store(true)
		close(t.done)
		// Hold the write lock so no Send registers a new seq while we drain.
		t.sending.Lock()
		defer t.sending.Unlock()
		t.pending.Range(func(key, _ any) bool {
			// LoadAndDelete races fairly with recvLoop: only one side delivers.
			if channel, ok := t.pending.LoadAndDelete(key); ok {
				channel.(chan *message.Message) <- message.Fail("", fmt.Errorf("%w: %v", message.ErrTransport, cause))
			}
			return true
		})
	})
}

// heartbeatLoop keeps an idle connection from being reaped and detects a
// dead peer on the write side.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := t.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat, CodecType: byte(t.codec.Type())}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.shutdown(err)
			return
		}
	}
}

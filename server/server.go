// Package server implements the registry daemon endpoint: accept loop,
// middleware chain, parallel request processing, connection-scoped offers
// and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → dispatch (by Kind) → Codec.Encode → write response
//
// When a connection ends, every offer it still holds is withdrawn, so a
// publisher that dies without cleaning up does not leave stale entries.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shm-discovery/codec"
	"shm-discovery/message"
	"shm-discovery/middleware"
	"shm-discovery/protocol"
	"shm-discovery/registry"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server closed")

// Server exposes a Registry over framed TCP.
type Server struct {
	registry    registry.Registry
	logger      *zap.Logger
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(dispatch)))
	handlers    map[message.Kind]handlerFunc

	mu       sync.Mutex
	listener net.Listener
	serving  chan struct{} // closed when the accept loop returns
	conns    map[string]net.Conn
	shutdown atomic.Bool
	connWG   sync.WaitGroup // one per live connection
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a server in front of reg.
func NewServer(reg registry.Registry, opts ...Option) *Server {
	svr := &Server{
		registry: reg,
		logger:   zap.NewNop(),
		conns:    make(map[string]net.Conn),
	}
	for _, opt := range opts {
		opt(svr)
	}
	svr.logger = svr.logger.Named("server")
	svr.handlers = map[message.Kind]handlerFunc{
		message.KindFind:      svr.handleFind,
		message.KindOffer:     svr.handleOffer,
		message.KindStopOffer: svr.handleStopOffer,
		message.KindCounter:   svr.handleCounter,
	}
	return svr
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// ListenAndServe listens on address and calls Serve.
func (svr *Server) ListenAndServe(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.Serve(l)
}

// Serve accepts connections on l until Shutdown. It returns ErrServerClosed
// after a graceful shutdown.
func (svr *Server) Serve(l net.Listener) error {
	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	svr.listener = l
	serving := make(chan struct{})
	svr.serving = serving
	// Build the chain once at startup, not per request.
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)
	svr.mu.Unlock()
	defer close(serving)

	svr.logger.Info("serving", zap.Stringer("addr", l.Addr()))
	for {
		conn, err := l.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return ErrServerClosed
			}
			return err
		}

		id := uuid.NewString()
		svr.mu.Lock()
		if svr.shutdown.Load() {
			svr.mu.Unlock()
			conn.Close()
			continue
		}
		svr.conns[id] = conn
		svr.connWG.Add(1)
		svr.mu.Unlock()

		go svr.handleConn(id, conn)
	}
}

// Addr returns the listen address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Connections returns the number of open client connections.
func (svr *Server) Connections() int {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return len(svr.conns)
}

// handleConn runs the read loop of one connection. Reads are sequential to
// keep frame boundaries; each request is processed on its own goroutine and
// responses are serialized by a per-connection write lock.
func (svr *Server) handleConn(id string, conn net.Conn) {
	defer svr.connWG.Done()
	logger := svr.logger.With(zap.String("conn", id), zap.Stringer("remote", conn.RemoteAddr()))
	logger.Debug("connection opened")

	sess := newSession(id)
	ctx, cancel := context.WithCancel(withSession(context.Background(), sess))
	writeMu := &sync.Mutex{}
	var inflight sync.WaitGroup

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !svr.shutdown.Load() {
				logger.Debug("read failed", zap.Error(err))
			}
			break
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			svr.handleRequest(ctx, header, body, conn, writeMu, logger)
		}()
	}

	inflight.Wait()
	cancel()
	if released := svr.release(sess); released > 0 {
		logger.Info("released connection offers", zap.Int("count", released))
	}

	svr.mu.Lock()
	delete(svr.conns, id)
	svr.mu.Unlock()
	conn.Close()
	logger.Debug("connection closed")
}

// handleRequest decodes one request, runs it through the chain and writes
// the response under the request's seq.
func (svr *Server) handleRequest(ctx context.Context, header *protocol.Header, body []byte,
	conn net.Conn, writeMu *sync.Mutex, logger *zap.Logger) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))

	req := &message.Message{}
	var resp *message.Message
	if err := c.Decode(body, req); err != nil {
		resp = message.Fail(req.Kind, fmt.Errorf("%w: decode request: %v", message.ErrInvalidArgument, err))
	} else {
		resp = svr.handler(ctx, req)
	}

	result, err := c.Encode(resp)
	if err != nil {
		logger.Error("encode response", zap.String("kind", string(req.Kind)), zap.Error(err))
		if result, err = c.Encode(message.Fail(req.Kind, fmt.Errorf("%w: encode response", message.ErrInternal))); err != nil {
			return
		}
	}

	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq, // same seq as request, this is how multiplexing works
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		logger.Debug("write response", zap.Error(err))
	}
}

// Shutdown performs graceful shutdown:
//  1. Set shutdown flag and close the listener (no new connections)
//  2. Stop reading on every connection (no new requests)
//  3. Wait for in-flight requests to be answered and connection offers released (with timeout)
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	svr.shutdown.Store(true)
	l, serving := svr.listener, svr.serving
	svr.mu.Unlock()

	var err error
	if l != nil {
		if err = l.Close(); errors.Is(err, net.ErrClosed) {
			err = nil // already shut down
		}
		<-serving
	}

	// The accept loop is gone, so conns can only shrink from here.
	svr.mu.Lock()
	for _, conn := range svr.conns {
		conn.SetReadDeadline(time.Now())
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.connWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		svr.logger.Info("shutdown complete")
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}

package server

import (
	"context"
	"fmt"
	"sync"

	"shm-discovery/message"
	"shm-discovery/service"
)

type handlerFunc func(ctx context.Context, req *message.Message) (*message.Message, error)

// dispatch is the innermost handler of the chain. Every response it returns
// carries the change counter as of the end of the request.
func (svr *Server) dispatch(ctx context.Context, req *message.Message) *message.Message {
	var resp *message.Message
	if h, ok := svr.handlers[req.Kind]; !ok {
		resp = message.Fail(req.Kind, fmt.Errorf("%w: unknown kind %q", message.ErrInvalidArgument, req.Kind))
	} else {
		var err error
		if resp, err = h(ctx, req); err != nil {
			resp = message.Fail(req.Kind, err)
		}
	}
	resp.Counter = svr.registry.ChangeCounter().Load()
	return resp
}

func (svr *Server) handleFind(_ context.Context, req *message.Message) (*message.Message, error) {
	q, err := req.Query.ToQuery()
	if err != nil {
		return nil, err
	}
	found, err := svr.registry.Find(q)
	if err != nil {
		return nil, err
	}
	resp := &message.Message{Kind: req.Kind, Descriptions: make([]message.Triple, 0, found.Len())}
	for d := range found.All() {
		resp.Descriptions = append(resp.Descriptions, message.FromDescription(d))
	}
	return resp, nil
}

func (svr *Server) handleOffer(ctx context.Context, req *message.Message) (*message.Message, error) {
	d, err := requestDescription(req)
	if err != nil {
		return nil, err
	}
	if err := svr.registry.Offer(d); err != nil {
		return nil, err
	}
	// An offer that outlived its connection (e.g. after the Timeout
	// middleware answered) finds the session released and is undone.
	if sess := sessionFrom(ctx); sess != nil && !sess.hold(d) {
		svr.registry.StopOffer(d)
		return nil, fmt.Errorf("%w: connection %s closed", message.ErrTransport, sess.id)
	}
	return &message.Message{Kind: req.Kind}, nil
}

// handleStopOffer withdraws one of the connection's own offers. A connection
// cannot withdraw offers it does not hold, so it can never drop another
// publisher's reference.
func (svr *Server) handleStopOffer(ctx context.Context, req *message.Message) (*message.Message, error) {
	d, err := requestDescription(req)
	if err != nil {
		return nil, err
	}
	if sess := sessionFrom(ctx); sess == nil || sess.drop(d) {
		svr.registry.StopOffer(d)
	}
	return &message.Message{Kind: req.Kind}, nil
}

func (svr *Server) handleCounter(_ context.Context, req *message.Message) (*message.Message, error) {
	return &message.Message{Kind: req.Kind}, nil
}

func requestDescription(req *message.Message) (service.Description, error) {
	if len(req.Descriptions) != 1 {
		return service.Description{}, fmt.Errorf("%w: %s needs exactly one description, got %d",
			message.ErrInvalidArgument, req.Kind, len(req.Descriptions))
	}
	return req.Descriptions[0].ToDescription()
}

// release withdraws every offer sess still holds and returns how many
// references were dropped.
func (svr *Server) release(sess *session) int {
	n := 0
	for d, refs := range sess.drain() {
		for ; refs > 0; refs-- {
			svr.registry.StopOffer(d)
			n++
		}
	}
	return n
}

// session is the per-connection offer ledger.
type session struct {
	id     string
	mu     sync.Mutex
	offers map[service.Description]uint64
	closed bool // set by drain; no holds after that
}

func newSession(id string) *session {
	return &session{id: id, offers: make(map[service.Description]uint64)}
}

// hold records one reference to d. It reports false once the session has
// been drained, in which case nothing is recorded.
func (s *session) hold(d service.Description) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.offers[d]++
	return true
}

// drop removes one reference and reports whether the session held one.
func (s *session) drop(d service.Description) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.offers[d]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(s.offers, d)
	} else {
		s.offers[d] = n - 1
	}
	return true
}

// drain closes the session and returns what it held.
func (s *session) drain() map[service.Description]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	offers := s.offers
	s.offers = make(map[service.Description]uint64)
	s.closed = true
	return offers
}

type sessionKey struct{}

func withSession(ctx context.Context, s *session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func sessionFrom(ctx context.Context) *session {
	s, _ := ctx.Value(sessionKey{}).(*session)
	return s
}

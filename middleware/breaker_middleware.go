package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"shm-discovery/message"
)

// BreakerConfig tunes Breaker. Zero fields take the defaults noted.
type BreakerConfig struct {
	Name                string        // default "registry"
	ConsecutiveFailures uint32        // failures that open the breaker, default 5
	OpenTimeout         time.Duration // time spent open before a trial request, default 5s
	Logger              *zap.Logger
}

var errRoundTripFailed = errors.New("round trip failed")

// Breaker stops sending requests after repeated transport failures and
// answers with CodeUnavailable until a trial request succeeds again.
// Daemon-side errors such as overflow or registry-full count as successes:
// the daemon was reachable.
func Breaker(cfg BreakerConfig) Middleware {
	if cfg.Name == "" {
		cfg.Name = "registry"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cb := gobreaker.NewCircuitBreaker[*message.Message](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			resp, err := cb.Execute(func() (*message.Message, error) {
				resp := next(ctx, req)
				switch resp.Code {
				case message.CodeTransport, message.CodeTimeout, message.CodeUnavailable:
					return resp, errRoundTripFailed
				}
				return resp, nil
			})
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return message.Fail(req.Kind, fmt.Errorf("%w: %v", message.ErrUnavailable, err))
			}
			return resp
		}
	}
}

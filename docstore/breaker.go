package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes the circuit breaker in front of a store.
type BreakerConfig struct {
	Name string

	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32

	// Interval resets the failure counts while closed. Zero never resets them.
	Interval time.Duration

	// Timeout is how long the breaker stays open before trying again.
	Timeout time.Duration

	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
}

/*
Breaker decorates a Store with a circuit breaker.

Repeated transient failures open the circuit; while open, calls fail fast with
ErrUnavailable instead of waiting on a store that is down. Errors caused by the
request itself (a missing document, an oversized batch, a missing index) do not
count as failures. Nothing is retried.
*/
type Breaker struct {
	Store
	cb     *gobreaker.CircuitBreaker[any]
	logger zerolog.Logger
}

func NewBreaker(s Store, cfg BreakerConfig, logger zerolog.Logger) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "docstore"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	logger = logger.With().Str("component", "breaker").Str("breaker", cfg.Name).Logger()

	threshold := cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsCallerError(err) || errors.Is(err, context.Canceled)
		},
	})

	return &Breaker{Store: s, cb: cb, logger: logger}
}

func (b *Breaker) Get(ctx context.Context, collection, id string) (Document, error) {
	res, err := b.execute(func() (any, error) { return b.Store.Get(ctx, collection, id) })
	if err != nil {
		return Document{}, err
	}
	return res.(Document), nil
}

func (b *Breaker) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	res, err := b.execute(func() (any, error) { return b.Store.Query(ctx, collection, q) })
	if err != nil {
		return nil, err
	}
	docs, _ := res.([]Document)
	return docs, nil
}

func (b *Breaker) BatchWrite(ctx context.Context, writes []Write) error {
	_, err := b.execute(func() (any, error) { return nil, b.Store.BatchWrite(ctx, writes) })
	return err
}

// Subscribe refuses new listeners while the circuit is open.
func (b *Breaker) Subscribe(ctx context.Context, collection string, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (Unsubscribe, error) {
	if b.cb.State() == gobreaker.StateOpen {
		return nil, &OpError{Op: "subscribe", Collection: collection, Err: ErrUnavailable}
	}
	return b.Store.Subscribe(ctx, collection, q, onSnapshot, onError)
}

func (b *Breaker) SubscribeDocument(ctx context.Context, collection, id string, onDoc DocumentFunc, onError ErrorFunc) (Unsubscribe, error) {
	if b.cb.State() == gobreaker.StateOpen {
		return nil, &OpError{Op: "subscribe", Collection: collection, ID: id, Err: ErrUnavailable}
	}
	return b.Store.SubscribeDocument(ctx, collection, id, onDoc, onError)
}

// State reports the breaker state: "closed", "half-open" or "open".
func (b *Breaker) State() string { return b.cb.State().String() }

func (b *Breaker) execute(fn func() (any, error)) (any, error) {
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.logger.Debug().Err(err).Msg("request rejected")
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return res, err
}

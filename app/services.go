package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/krisalay/client-cache/api"
	"github.com/krisalay/client-cache/clock"
)

const shutdownTimeout = 10 * time.Second

/*
Run supervises the background services until ctx is done:
  - the connection sweeper, closing idle listeners
  - the janitor, purging expired cache entries
  - the operator HTTP server, when enabled

A service that fails is restarted with backoff. Run returns nil on a clean stop.
*/
func (a *App) Run(ctx context.Context) error {
	sup := suture.New("client-cache", suture.Spec{
		EventHook:        eventHook(a.Logger),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	})
	interval := a.Config.Janitor.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	sup.Add(a.Conns)
	sup.Add(&janitor{
		facades:  a.Facades(),
		clock:    a.Clock,
		interval: interval,
		logger:   a.Logger.With().Str("component", "janitor").Logger(),
	})
	if a.Config.HTTP.Enabled {
		sup.Add(&httpService{
			server: &http.Server{
				Addr:              a.Config.HTTP.Addr,
				Handler:           a.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			},
			logger: a.Logger.With().Str("component", "http").Logger(),
		})
	}

	err := sup.Serve(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func eventHook(logger zerolog.Logger) suture.EventHook {
	logger = logger.With().Str("component", "supervisor").Logger()
	return func(e suture.Event) {
		logger.Warn().Fields(e.Map()).Msg(e.String())
	}
}

// janitor purges expired entries from every facade on a fixed interval.
type janitor struct {
	facades  []api.Named
	clock    clock.Clock
	interval time.Duration
	logger   zerolog.Logger
}

func (j *janitor) Serve(ctx context.Context) error {
	tick := make(chan struct{}, 1)
	arm := func() clock.Timer {
		return j.clock.AfterFunc(j.interval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	}

	timer := arm()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-tick:
			if n := api.PurgeAll(j.facades); n > 0 {
				j.logger.Debug().Int("purged", n).Msg("expired entries purged")
			}
			timer = arm()
		}
	}
}

func (j *janitor) String() string { return "cache-janitor" }

type httpService struct {
	server *http.Server
	logger zerolog.Logger
}

func (h *httpService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return err
	}
	h.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn().Err(err).Msg("shutdown")
		}
		return ctx.Err()
	}
}

func (h *httpService) String() string { return "http-server" }

/*
Package app assembles the cache service from a config.Config: the document
store, the connection manager, the write policy, every facade and the
background services that keep them tidy.

A typical program does

	a, err := app.New(cfg)
	...
	defer a.Close(context.Background())
	go a.Run(ctx)

and then hands a.Users, a.Posts and the other facades to its own code.
*/
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/krisalay/client-cache/api"
	"github.com/krisalay/client-cache/clock"
	"github.com/krisalay/client-cache/config"
	"github.com/krisalay/client-cache/connmgr"
	"github.com/krisalay/client-cache/docstore"
	"github.com/krisalay/client-cache/docstore/badgerstore"
	"github.com/krisalay/client-cache/docstore/memstore"
	"github.com/krisalay/client-cache/facade"
	"github.com/krisalay/client-cache/httpapi"
	"github.com/krisalay/client-cache/logging"
	"github.com/krisalay/client-cache/metrics"
	"github.com/krisalay/client-cache/types"
	"github.com/krisalay/client-cache/writepolicy"
)

type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Clock  clock.Clock

	Store  docstore.Store
	Conns  *connmgr.Manager
	Writer writepolicy.WritePolicy

	// Metrics is nil when metrics are disabled.
	Metrics *metrics.Prometheus

	Users         *facade.Users
	Groups        *facade.Groups
	HotSpots      *facade.HotSpots
	Posts         *facade.Posts
	Notifications *facade.Notifications
	Hashtags      *facade.Hashtags
	Messages      *facade.Messages

	closeStore func() error
}

type options struct {
	logger *zerolog.Logger
	clock  clock.Clock
	store  docstore.Store
}

type Option func(*options)

// WithLogger replaces the logger built from the logging config.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithStore uses s instead of opening the configured driver. App.Close does not close s.
func WithStore(s docstore.Store) Option {
	return func(o *options) { o.store = s }
}

// New builds every component. Nothing runs in the background until Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}

	var logger zerolog.Logger
	if o.logger != nil {
		logger = *o.logger
	} else {
		l, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
		logger = l
	}

	a := &App{Config: cfg, Logger: logger, Clock: o.clock, closeStore: func() error { return nil }}

	var m types.Metrics = types.NoopMetrics{}
	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New(cfg.Metrics.Namespace)
		m = a.Metrics
	}

	store := o.store
	if store == nil {
		s, closeFn, err := openStore(cfg.Store, a.Clock, logger)
		if err != nil {
			return nil, err
		}
		store, a.closeStore = s, closeFn
	}
	if cfg.Store.Breaker.Enabled {
		store = docstore.NewBreaker(store, cfg.Store.Breaker.Store(), logger)
	}
	a.Store = store

	a.Conns = connmgr.New(cfg.Connections.Manager(), a.Clock, m, logger)
	if cfg.Batch.WriteThrough {
		a.Writer = writepolicy.NewWriteThroughPolicy(store, m)
	} else {
		a.Writer = writepolicy.NewWriteBackPolicy(store, cfg.Batch.WriteBack(), a.Clock, m, logger)
	}

	if err := a.buildFacades(m); err != nil {
		_ = a.shutdown(context.Background())
		return nil, err
	}

	logger.Info().
		Str("driver", cfg.Store.Driver).
		Bool("breaker", cfg.Store.Breaker.Enabled).
		Bool("write_through", cfg.Batch.WriteThrough).
		Int("max_connections", cfg.Connections.Max).
		Msg("cache service ready")
	return a, nil
}

func openStore(cfg config.StoreConfig, clk clock.Clock, logger zerolog.Logger) (docstore.Store, func() error, error) {
	switch cfg.Driver {
	case "badger":
		s, err := badgerstore.Open(badgerstore.Config{
			Path:     cfg.Path,
			InMemory: cfg.Path == "",
			Clock:    clk,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "memory", "":
		s := memstore.New(memstore.WithClock(clk))
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (a *App) buildFacades(m types.Metrics) error {
	cfg := a.Config
	d := facade.Deps{
		Store:   a.Store,
		Conns:   a.Conns,
		Writer:  a.Writer,
		Clock:   a.Clock,
		Metrics: m,
		Logger:  a.Logger,
	}
	chunk := cfg.Facades.ChunkSize

	var err error
	if a.Users, err = facade.NewUsers(d, cfg.Caches.Users.Facade(), chunk); err != nil {
		return err
	}
	if a.Groups, err = facade.NewGroups(d, cfg.Caches.Groups.Facade(), chunk); err != nil {
		return err
	}
	if a.HotSpots, err = facade.NewHotSpots(d, cfg.Caches.HotSpots.Facade(), cfg.Facades.HotSpotsWindow()); err != nil {
		return err
	}
	if a.Posts, err = facade.NewPosts(d, a.Users, cfg.Caches.Posts.Facade(), cfg.Facades.PostsWindow()); err != nil {
		return err
	}
	if a.Notifications, err = facade.NewNotifications(d, a.Users, cfg.Caches.Notifications.Facade(), cfg.Facades.NotificationsWindow()); err != nil {
		return err
	}
	if a.Hashtags, err = facade.NewHashtags(d, a.Users, cfg.Caches.Hashtags.Facade()); err != nil {
		return err
	}
	a.Messages = facade.NewMessages(d)
	return nil
}

// Facades lists every cache-owning facade under the name it is reported as.
func (a *App) Facades() []api.Named {
	return []api.Named{
		{Name: "users", Facade: a.Users},
		{Name: "groups", Facade: a.Groups},
		{Name: "hotspots", Facade: a.HotSpots},
		{Name: "posts", Facade: a.Posts},
		{Name: "notifications", Facade: a.Notifications},
		{Name: "hashtags", Facade: a.Hashtags},
	}
}

// Handler is the operator HTTP surface. It serves /metrics only when metrics are enabled.
func (a *App) Handler() http.Handler {
	d := httpapi.Deps{
		Facades: a.Facades(),
		Conns:   a.Conns,
		Writer:  a.Writer,
		Logger:  a.Logger,
	}
	if a.Metrics != nil {
		d.Metrics = a.Metrics.Handler()
	}
	return httpapi.NewRouter(d)
}

/*
Close stops the service.

BEHAVIOR:
---------
- Waits for background hashtag count updates
- Flushes every queued mutation
- Closes every realtime listener
- Closes the store it opened

Errors are joined; every step runs regardless.
*/
func (a *App) Close(ctx context.Context) error {
	return a.shutdown(ctx)
}

func (a *App) shutdown(ctx context.Context) error {
	var errs []error
	if a.Hashtags != nil {
		a.Hashtags.Wait()
	}
	if a.Writer != nil {
		if err := a.Writer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush writes: %w", err))
		}
	}
	if a.Conns != nil {
		a.Conns.Close()
	}
	if err := a.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	err := errors.Join(errs...)
	if err != nil {
		a.Logger.Error().Err(err).Msg("shutdown")
	} else {
		a.Logger.Info().Msg("cache service stopped")
	}
	return err
}

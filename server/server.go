// Package server wires the tiered cache, the reconciler, the controller client
// and the generation engine from a profile, and serves the HTTP API.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hrygo/kvtier/internal/metrics"
	"github.com/hrygo/kvtier/internal/profile"
	"github.com/hrygo/kvtier/plugin/placement"
	"github.com/hrygo/kvtier/plugin/timeout"
	"github.com/hrygo/kvtier/server/controller"
	"github.com/hrygo/kvtier/server/engine"
	"github.com/hrygo/kvtier/server/internal/observability"
	"github.com/hrygo/kvtier/server/middleware"
	"github.com/hrygo/kvtier/server/reconciler"
	v1 "github.com/hrygo/kvtier/server/router/api/v1"
	"github.com/hrygo/kvtier/store/cache"
)

// Server owns every long-lived component.
type Server struct {
	Profile           *profile.Profile
	Cache             *cache.TieredCache
	Controller        *controller.Client
	Reconciler        *reconciler.Reconciler
	Engine            *engine.Generator // nil when the engine is disabled
	Metrics           *metrics.Collectors
	Registry          *prometheus.Registry
	GenerationMetrics *observability.GenerationMetrics

	echoServer *echo.Echo
	// perplexity remembers the last generation's perplexity per prompt so
	// cached answers are reconciled with the same signal.
	perplexity sync.Map
}

// Option configures NewServer.
type Option func(*serverOptions)

type serverOptions struct {
	tiers []cache.Tier
	guard placement.OffloadGuard
}

// WithTiers uses the given tiers instead of opening them from the profile.
func WithTiers(tiers []cache.Tier) Option {
	return func(o *serverOptions) {
		o.tiers = tiers
	}
}

// WithGuard replaces the offload guard used by the reconciler.
func WithGuard(g placement.OffloadGuard) Option {
	return func(o *serverOptions) {
		o.guard = g
	}
}

// NewServer builds a server from a validated profile.
func NewServer(ctx context.Context, p *profile.Profile, opts ...Option) (*Server, error) {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	tiers := o.tiers
	if tiers == nil {
		var err error
		if tiers, err = BuildTiers(ctx, p); err != nil {
			return nil, err
		}
	}
	tc, err := cache.NewTieredCache(tiers, cache.WithMetrics(m))
	if err != nil {
		closeTiers(tiers)
		return nil, err
	}

	ctl := controller.NewClient(&controller.Config{
		ControllerURL: p.Controller.URL,
		EngineURL:     p.Controller.EngineURL,
		Model:         p.Controller.Model,
		InstanceID:    p.Controller.InstanceID,
		Timeout:       p.Controller.Timeout,
	}, controller.WithObserver(m.ObserveController))

	rcfg := reconciler.DefaultConfig()
	rcfg.Params = p.Heuristic.Params()
	rcfg.CallTimeout = p.Controller.Timeout
	rcfg.MoveRate = p.Controller.MoveRate
	rcfg.MoveBurst = p.Controller.MoveBurst
	for tier, loc := range p.Controller.Locations {
		rcfg.Locations[placement.Tier(tier)] = loc
	}
	ropts := []reconciler.Option{reconciler.WithMetrics(m)}
	if o.guard != nil {
		ropts = append(ropts, reconciler.WithGuard(o.guard))
	}

	s := &Server{
		Profile:           p,
		Cache:             tc,
		Controller:        ctl,
		Reconciler:        reconciler.New(ctl, tc, rcfg, ropts...),
		Metrics:           m,
		Registry:          registry,
		GenerationMetrics: observability.NewGenerationMetrics(),
	}

	if p.Engine.Enabled {
		gen, err := engine.New(engine.Config{
			BaseURL:     p.Engine.BaseURL,
			Model:       p.Engine.Model,
			APIKey:      p.Engine.APIKey,
			MaxTokens:   p.Engine.MaxTokens,
			Temperature: p.Engine.Temperature,
			Timeout:     p.Engine.Timeout,
		})
		if err != nil {
			_ = tc.Close()
			return nil, errors.Wrap(err, "failed to create engine")
		}
		s.Engine = gen
	}

	slog.Info("kvtier initialized",
		slog.Any("tiers", tc.Tiers()),
		slog.String("controller", p.Controller.URL),
		slog.Bool("engine", s.Engine != nil),
	)
	return s, nil
}

// Generate answers prompt from the cache, generating on a total miss, and
// reconciles the entry's placement afterwards.
func (s *Server) Generate(ctx context.Context, prompt string) (*v1.GenerateResult, error) {
	if s.Engine == nil {
		return nil, errors.New("engine is not enabled")
	}

	start := time.Now()
	generated := false
	compute := s.Engine.ComputeFunc(func(key string, gen *engine.Generation) {
		generated = true
		s.perplexity.Store(key, gen.Perplexity)
	})
	meta := func() placement.AccessMetadata {
		return placement.AccessMetadata{Perplexity: s.lastPerplexity(prompt), Now: time.Now()}
	}

	value, res, err := s.Reconciler.ReconcileAfterGet(ctx, prompt, compute, meta)
	if value == nil && err != nil {
		return nil, err
	}
	if err != nil {
		slog.Warn("cache write failed after generation", slog.String("key", timeout.Truncate(prompt)), slog.String("error", err.Error()))
	}

	d := time.Since(start)
	cached := !generated
	s.GenerationMetrics.RecordGeneration(d, cached)
	s.Metrics.RecordGeneration(cached)

	return &v1.GenerateResult{
		Text:       string(value),
		Cached:     cached,
		Perplexity: s.lastPerplexity(prompt),
		DurationMs: d.Milliseconds(),
		Reconcile:  &res,
	}, nil
}

func (s *Server) lastPerplexity(key string) float64 {
	if v, ok := s.perplexity.Load(key); ok {
		return v.(float64)
	}
	return 0
}

// Handler builds the echo instance serving the API.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	if s.Profile.Server.RateLimit > 0 {
		e.Use(middleware.NewRateLimiter(s.Profile.Server.RateLimit, s.Profile.Server.RateBurst).Middleware())
	}

	svc := &v1.APIV1Service{
		Cache:             s.Cache,
		Reconciler:        s.Reconciler,
		Params:            s.Profile.Heuristic.Params(),
		Guard:             s.Reconciler.Guard(),
		Controller:        s.Controller,
		GenerationMetrics: s.GenerationMetrics,
		Gatherer:          s.Registry,
	}
	if s.Engine != nil {
		svc.Generator = s
	}
	svc.Register(e)
	return e
}

// Serve listens on the profile address until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	s.echoServer = s.Handler()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("kvtier listening", slog.String("addr", s.Profile.Server.Addr))
		if err := s.echoServer.Start(s.Profile.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout.ShutdownTimeout)
	defer cancel()
	if err := s.echoServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down server")
	}
	return nil
}

// Close releases the cache backends.
func (s *Server) Close() error {
	return s.Cache.Close()
}

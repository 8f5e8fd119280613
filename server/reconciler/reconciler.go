// Package reconciler aligns an entry's controller-reported location with the
// tier preferred by the placement heuristic.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hrygo/kvtier/plugin/placement"
	"github.com/hrygo/kvtier/plugin/timeout"
	"github.com/hrygo/kvtier/server/controller"
	apierrors "github.com/hrygo/kvtier/server/internal/errors"
	"github.com/hrygo/kvtier/server/internal/observability"
	"github.com/hrygo/kvtier/store/cache"
)

// ControllerClient is the subset of the placement controller API used here.
type ControllerClient interface {
	Tokenize(ctx context.Context, text string) ([]int, error)
	Lookup(ctx context.Context, tokens []int) (*controller.LookupResult, error)
	Move(ctx context.Context, from, to controller.Position) (*controller.MoveResult, error)
}

// Outcome classifies one reconciliation.
type Outcome string

const (
	OutcomeNotFound Outcome = "not_found"
	OutcomeInPlace  Outcome = "in_place"
	OutcomeOverride Outcome = "override"
	OutcomeMoved    Outcome = "moved"
	OutcomeFailed   Outcome = "failed"
)

// Result describes what a reconciliation observed and did. Err is set only
// when Outcome is OutcomeFailed.
type Result struct {
	RequestID string                 `json:"request_id"`
	Key       string                 `json:"key"`
	Outcome   Outcome                `json:"outcome"`
	Decision  placement.Decision     `json:"decision"`
	Current   *controller.Position   `json:"current,omitempty"`
	Target    *controller.Position   `json:"target,omitempty"`
	Move      *controller.MoveResult `json:"move,omitempty"`
	Err       error                  `json:"-"`
}

// Config holds reconciler settings.
type Config struct {
	Params placement.Params
	// Locations maps each tier to the controller's name for it.
	Locations map[placement.Tier]string
	// CallTimeout bounds every controller request.
	CallTimeout time.Duration
	// MoveRate limits moves per second across all keys. Zero means unlimited.
	MoveRate  float64
	MoveBurst int
}

// DefaultConfig returns defaults with tier names used verbatim as locations.
func DefaultConfig() Config {
	return Config{
		Params: placement.DefaultParams(),
		Locations: map[placement.Tier]string{
			placement.TierHot:  string(placement.TierHot),
			placement.TierWarm: string(placement.TierWarm),
			placement.TierCold: string(placement.TierCold),
		},
		CallTimeout: timeout.ControllerCallTimeout,
		MoveRate:    0,
		MoveBurst:   1,
	}
}

// Metrics receives reconciliation outcomes.
type Metrics interface {
	RecordReconcile(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) RecordReconcile(string) {}

// Reconciler issues at most one move per call. Controller failures are logged
// and reported in the Result, never returned as errors.
type Reconciler struct {
	client  ControllerClient
	cache   *cache.TieredCache
	cfg     Config
	guard   placement.OffloadGuard
	access  *placement.AccessTable
	limiter *rate.Limiter
	metrics Metrics
	logger  *slog.Logger

	// tiers is the reverse of cfg.Locations.
	tiers map[string]placement.Tier
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithGuard replaces the offload guard. The default reads LMCACHE_DISABLE_OFFLOAD.
func WithGuard(g placement.OffloadGuard) Option {
	return func(r *Reconciler) {
		r.guard = g
	}
}

// WithAccessTable shares an access table.
func WithAccessTable(t *placement.AccessTable) Option {
	return func(r *Reconciler) {
		r.access = t
	}
}

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(r *Reconciler) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithLogger replaces the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a reconciler over client. tc may be nil when ReconcileAfterGet
// is not used; the reconciler never closes it.
func New(client ControllerClient, tc *cache.TieredCache, cfg Config, opts ...Option) *Reconciler {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = timeout.ControllerCallTimeout
	}
	if cfg.Locations == nil {
		cfg.Locations = DefaultConfig().Locations
	}

	r := &Reconciler{
		client:  client,
		cache:   tc,
		cfg:     cfg,
		guard:   placement.NewEnvGuard(),
		access:  placement.NewAccessTable(),
		limiter: rate.NewLimiter(rate.Inf, 1),
		metrics: noopMetrics{},
		logger:  slog.Default(),
		tiers:   make(map[string]placement.Tier, len(cfg.Locations)),
	}
	if cfg.MoveRate > 0 {
		burst := cfg.MoveBurst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.MoveRate), burst)
	}
	for tier, loc := range cfg.Locations {
		r.tiers[loc] = tier
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Guard returns the offload guard used for decisions.
func (r *Reconciler) Guard() placement.OffloadGuard {
	return r.guard
}

// Access returns the access table.
func (r *Reconciler) Access() *placement.AccessTable {
	return r.access
}

// Reconcile records an access to key, asks the controller where it lives and
// moves it if the heuristic prefers another tier.
func (r *Reconciler) Reconcile(ctx context.Context, key string, meta placement.AccessMetadata) (res Result) {
	rc := observability.NewRequestContext(r.logger, "reconcile", timeout.Truncate(key))
	ctx = observability.WithRequestContext(ctx, rc)
	res = Result{RequestID: rc.RequestID, Key: key}
	defer func() {
		r.metrics.RecordReconcile(string(res.Outcome))
	}()

	r.access.Touch(key)
	meta = r.access.Merge(key, meta)

	tokens, err := withTimeout(ctx, r.cfg.CallTimeout, func(ctx context.Context) ([]int, error) {
		return r.client.Tokenize(ctx, key)
	})
	if err != nil {
		return r.fail(ctx, rc, res, "tokenize failed", err)
	}

	lookup, err := withTimeout(ctx, r.cfg.CallTimeout, func(ctx context.Context) (*controller.LookupResult, error) {
		return r.client.Lookup(ctx, tokens)
	})
	if err != nil {
		return r.fail(ctx, rc, res, "lookup failed", err)
	}
	if lookup == nil || !lookup.Found {
		res.Outcome = OutcomeNotFound
		rc.Debug(ctx, "entry not held by controller")
		return res
	}

	current := lookup.Position
	res.Current = &current
	override := r.guard.OffloadDisabled()
	res.Decision = placement.Decide(meta, r.cfg.Params, placement.StaticGuard(override))

	if override {
		res.Outcome = OutcomeOverride
		rc.Info(ctx, "offload disabled, skipping move",
			slog.String(observability.LogFieldTier, string(res.Decision.Tier)),
			slog.Int(observability.LogFieldTTL, res.Decision.TTL),
			slog.String("current", current.Location),
		)
		return res
	}

	if r.tierOf(current.Location) == res.Decision.Tier {
		res.Outcome = OutcomeInPlace
		rc.Debug(ctx, "entry already in preferred tier",
			slog.String(observability.LogFieldTier, string(res.Decision.Tier)),
			slog.Int(observability.LogFieldTTL, res.Decision.TTL),
		)
		return res
	}

	target := controller.Position{InstanceID: current.InstanceID, Location: r.locationOf(res.Decision.Tier)}
	res.Target = &target

	if err := r.limiter.Wait(ctx); err != nil {
		return r.fail(ctx, rc, res, "move throttled", apierrors.FromTransport(err, apierrors.ErrCodeMoveFailed, "rate limiter"))
	}

	moved, err := withTimeout(ctx, r.cfg.CallTimeout, func(ctx context.Context) (*controller.MoveResult, error) {
		return r.client.Move(ctx, current, target)
	})
	if err != nil {
		return r.fail(ctx, rc, res, "move failed", err)
	}

	res.Outcome = OutcomeMoved
	res.Move = moved
	rc.Info(ctx, "moved entry",
		slog.String("from", current.Location),
		slog.String("to", target.Location),
		slog.Int(observability.LogFieldTTL, res.Decision.TTL),
		rc.DurationAttr(),
	)
	return res
}

// ReconcileAfterGet reads key through the tiered cache, computing it on a
// total miss, and then reconciles its placement. meta is called after the
// read so a compute step can contribute what it learned, such as perplexity.
// Only cache errors are returned; reconciliation problems stay in the Result.
func (r *Reconciler) ReconcileAfterGet(ctx context.Context, key string, compute cache.ComputeFunc, meta func() placement.AccessMetadata) ([]byte, Result, error) {
	if r.cache == nil {
		return nil, Result{}, apierrors.InvalidArgument("reconciler has no cache")
	}
	value, ok, err := r.cache.Get(ctx, key, compute)
	if !ok {
		return nil, Result{Key: key}, err
	}
	var m placement.AccessMetadata
	if meta != nil {
		m = meta()
	}
	return value, r.Reconcile(ctx, key, m), err
}

func (r *Reconciler) fail(ctx context.Context, rc *observability.RequestContext, res Result, msg string, err error) Result {
	res.Outcome = OutcomeFailed
	res.Err = err
	rc.Error(ctx, msg, err,
		slog.String(observability.LogFieldErrorCode, string(apierrors.CodeOf(err, apierrors.ErrCodeControllerUnavailable))),
		rc.DurationAttr(),
	)
	return res
}

// tierOf maps a controller location to a tier. Unknown locations map to a
// tier named after the location itself.
func (r *Reconciler) tierOf(location string) placement.Tier {
	if tier, ok := r.tiers[location]; ok {
		return tier
	}
	return placement.Tier(location)
}

func (r *Reconciler) locationOf(tier placement.Tier) string {
	if loc, ok := r.cfg.Locations[tier]; ok {
		return loc
	}
	return string(tier)
}

func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}

package v1

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hrygo/kvtier/plugin/placement"
	"github.com/hrygo/kvtier/server/controller"
	apierrors "github.com/hrygo/kvtier/server/internal/errors"
	"github.com/hrygo/kvtier/server/internal/observability"
	"github.com/hrygo/kvtier/server/reconciler"
	"github.com/hrygo/kvtier/store/cache"
)

// GenerateResult is the outcome of one cached generation.
type GenerateResult struct {
	Text       string             `json:"text"`
	Cached     bool               `json:"cached"`
	Perplexity float64            `json:"perplexity,omitempty"`
	DurationMs int64              `json:"duration_ms"`
	Reconcile  *reconciler.Result `json:"reconcile,omitempty"`
}

// Generator answers prompts through the tiered cache.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*GenerateResult, error)
}

// LookupClient is the controller call behind /kv/lookup.
type LookupClient interface {
	Lookup(ctx context.Context, tokens []int) (*controller.LookupResult, error)
}

// APIV1Service serves the HTTP API over the cache and the reconciler.
// Controller, Generator and Gatherer are optional; their routes answer 503
// (or are not registered) when unset.
type APIV1Service struct {
	Cache             *cache.TieredCache
	Reconciler        *reconciler.Reconciler
	Params            placement.Params
	Guard             placement.OffloadGuard // nil reads LMCACHE_DISABLE_OFFLOAD
	Controller        LookupClient
	Generator         Generator
	GenerationMetrics *observability.GenerationMetrics
	Gatherer          prometheus.Gatherer
}

// Register installs every route on e.
func (s *APIV1Service) Register(e *echo.Echo) {
	e.GET("/healthz", s.Healthz)
	if s.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})))
	}

	// Engine-compatible endpoints.
	e.POST("/generate", s.Generate)
	e.POST("/kv/lookup", s.KVLookup)
	e.POST("/kv/hydrate", s.KVHydrate)

	api := e.Group("/api/v1", middleware.BodyLimit("64M"))
	api.GET("/cache/:key", s.GetEntry)
	api.PUT("/cache/:key", s.SetEntry)
	api.DELETE("/cache/:key", s.DeleteEntry)
	api.GET("/stats", s.GetStats)
	api.POST("/ttl", s.ComputeTTL)
	api.POST("/reconcile", s.Reconcile)
}

func (s *APIV1Service) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "tiers": s.Cache.Tiers()})
}

// errorResponse maps coded errors to HTTP statuses.
func errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch apierrors.CodeOf(err, "") {
	case apierrors.ErrCodeInvalidArgument:
		status = http.StatusBadRequest
	case apierrors.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	case apierrors.ErrCodeControllerUnavailable, apierrors.ErrCodeEngineUnavailable, apierrors.ErrCodeContextCanceled:
		status = http.StatusServiceUnavailable
	case apierrors.ErrCodeMalformedResponse, apierrors.ErrCodeMoveFailed:
		status = http.StatusBadGateway
	}
	body := map[string]string{"error": err.Error()}
	if code := apierrors.CodeOf(err, ""); code != "" {
		body["code"] = string(code)
	}
	return c.JSON(status, body)
}

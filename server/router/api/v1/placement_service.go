package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/kvtier/plugin/placement"
	"github.com/hrygo/kvtier/server/reconciler"
)

// ComputeTTL previews the placement decision for the posted metadata.
// POST /api/v1/ttl
func (s *APIV1Service) ComputeTTL(c echo.Context) error {
	var meta placement.AccessMetadata
	if err := c.Bind(&meta); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	return c.JSON(http.StatusOK, placement.Decide(meta, s.Params, s.guard()))
}

func (s *APIV1Service) guard() placement.OffloadGuard {
	if s.Guard != nil {
		return s.Guard
	}
	return placement.NewEnvGuard()
}

// ReconcileRequest names the entry and the metadata to decide with.
type ReconcileRequest struct {
	Key string `json:"key"`
	placement.AccessMetadata
}

// ReconcileResponse is a reconciler.Result with its error rendered.
type ReconcileResponse struct {
	*reconciler.Result
	Error string `json:"error,omitempty"`
}

// Reconcile aligns one entry's controller location with its preferred tier.
// POST /api/v1/reconcile
func (s *APIV1Service) Reconcile(c echo.Context) error {
	if s.Reconciler == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "reconciler is not configured"})
	}
	var req ReconcileRequest
	if err := c.Bind(&req); err != nil || req.Key == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "key is required"})
	}

	res := s.Reconciler.Reconcile(c.Request().Context(), req.Key, req.AccessMetadata)
	resp := ReconcileResponse{Result: &res}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// KVLookupRequest carries token ids.
type KVLookupRequest struct {
	Tokens []int `json:"tokens"`
}

// KVLookup asks the controller where a token prefix lives.
// POST /kv/lookup
func (s *APIV1Service) KVLookup(c echo.Context) error {
	if s.Controller == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "controller is not configured"})
	}
	var req KVLookupRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	res, err := s.Controller.Lookup(c.Request().Context(), req.Tokens)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

package v1

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/kvtier/plugin/timeout"
)

// GetEntry returns the raw value of a key.
// GET /api/v1/cache/:key
func (s *APIV1Service) GetEntry(c echo.Context) error {
	key := c.Param("key")
	value, ok, err := s.Cache.Get(c.Request().Context(), key, nil)
	if err != nil {
		slog.Error("cache read failed", slog.String("key", timeout.Truncate(key)), slog.String("error", err.Error()))
		return errorResponse(c, err)
	}
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	}
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, value)
}

// SetEntry writes the request body to every tier.
// PUT /api/v1/cache/:key
func (s *APIV1Service) SetEntry(c echo.Context) error {
	key := c.Param("key")
	value, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read body"})
	}
	if err := s.Cache.Set(c.Request().Context(), key, value); err != nil {
		slog.Warn("cache write partially failed", slog.String("key", timeout.Truncate(key)), slog.String("error", err.Error()))
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteEntry removes a key from every tier.
// DELETE /api/v1/cache/:key
func (s *APIV1Service) DeleteEntry(c echo.Context) error {
	if err := s.Cache.Delete(c.Request().Context(), c.Param("key")); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// StatsResponse combines cache and generation counters.
type StatsResponse struct {
	Cache      any `json:"cache"`
	Generation any `json:"generation,omitempty"`
}

// GetStats returns counters.
// GET /api/v1/stats
func (s *APIV1Service) GetStats(c echo.Context) error {
	resp := StatsResponse{Cache: s.Cache.Stats()}
	if s.GenerationMetrics != nil {
		resp.Generation = s.GenerationMetrics.Snapshot()
	}
	return c.JSON(http.StatusOK, resp)
}

// KVHydrate stores an uploaded blob under key in every tier.
// POST /kv/hydrate (multipart: key, blob, meta)
func (s *APIV1Service) KVHydrate(c echo.Context) error {
	key := c.FormValue("key")
	if key == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "key is required"})
	}
	fh, err := c.FormFile("blob")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "blob is required"})
	}
	f, err := fh.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to open blob"})
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read blob"})
	}
	if err := s.Cache.Set(c.Request().Context(), key, data); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "key": key, "bytes": len(data)})
}

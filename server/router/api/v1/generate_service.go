package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type GenerateRequest struct {
	Prompt string `json:"prompt"`
}

// Generate answers a prompt from cache, generating on a miss.
// POST /generate
func (s *APIV1Service) Generate(c echo.Context) error {
	if s.Generator == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "engine is not configured"})
	}
	var req GenerateRequest
	if err := c.Bind(&req); err != nil || req.Prompt == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "prompt is required"})
	}
	res, err := s.Generator.Generate(c.Request().Context(), req.Prompt)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

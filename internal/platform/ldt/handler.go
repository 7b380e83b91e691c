package ldt

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler provides stateless HTTP endpoints for the codec.
type Handler struct {
	parser *Parser
}

// NewHandler creates a new codec handler.
func NewHandler(parser *Parser) *Handler {
	if parser == nil {
		parser = NewParser()
	}
	return &Handler{parser: parser}
}

// RegisterRoutes registers codec endpoints on the provided route group.
//
//	POST /api/v1/ldt/parse   - Parse an LDT payload to JSON
//	POST /api/v1/ldt/encode  - Encode a Result as LDT text
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/ldt/parse", h.ParseMessage)
	g.POST("/ldt/encode", h.EncodeResult)
}

type parseResponse struct {
	Format      Format       `json:"format"`
	Lines       int          `json:"lines"`
	Records     int          `json:"records"`
	Sequence    string       `json:"sequence,omitempty"`
	Result      *Result      `json:"result"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// ParseMessage handles POST /api/v1/ldt/parse.
// It has no side effects: nothing is matched, stored or quarantined.
func (h *Handler) ParseMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}
	if len(body) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "request body is empty",
		})
	}

	parsed, err := h.parser.Parse(body)
	if err != nil {
		var se *StructuralError
		if errors.As(err, &se) {
			return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
				"error":       se.Error(),
				"code":        se.Code,
				"diagnostics": nonNil(parsed.Diagnostics),
			})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to decode payload: " + err.Error(),
		})
	}

	return c.JSON(http.StatusOK, parseResponse{
		Format:      parsed.Canonical.Format,
		Lines:       parsed.Validation.Lines,
		Records:     len(parsed.Validation.Records),
		Sequence:    parsed.Validation.Sequence,
		Result:      parsed.Result,
		Diagnostics: nonNil(parsed.Diagnostics),
	})
}

// EncodeResult handles POST /api/v1/ldt/encode.
// It accepts a Result as JSON and returns CRLF-terminated LDT text. The
// optional charset query parameter selects a legacy output charset.
func (h *Handler) EncodeResult(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}
	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	charset := c.QueryParam("charset")
	if charset == "" {
		text, err := h.parser.Table().EncodeText(&res)
		if err != nil {
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{
				"error": err.Error(),
			})
		}
		return c.Blob(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
	}

	data, err := h.parser.Table().EncodeBytes(&res, charset)
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{
			"error": err.Error(),
		})
	}
	return c.Blob(http.StatusOK, "text/plain; charset="+charset, data)
}

func nonNil(d []Diagnostic) []Diagnostic {
	if d == nil {
		return []Diagnostic{}
	}
	return d
}

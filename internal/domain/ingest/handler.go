package ingest

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ldtgate/pkg/pagination"
)

// Header names carrying the envelope of a submission.
const (
	HeaderMessageID = "X-Message-ID"
	HeaderTenantID  = "X-Tenant-ID"
	HeaderClientID  = "X-Client-ID"
)

type Handler struct {
	pipeline *Pipeline
}

func NewHandler(p *Pipeline) *Handler {
	return &Handler{pipeline: p}
}

// RegisterRoutes registers the ingestion endpoints.
//
//	POST /ldt/messages              - submit one raw message
//	GET  /ldt/results               - list applied results of an entity
//	GET  /ldt/results/:id           - applied result as JSON
//	GET  /ldt/results/:id/export    - applied result re-encoded as LDT text
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/ldt/messages", h.Submit)
	api.GET("/ldt/results", h.ListResults)
	api.GET("/ldt/results/:id", h.GetResult)
	api.GET("/ldt/results/:id/export", h.ExportResult)
}

var dispositionStatus = map[Disposition]int{
	DispositionApplied:     http.StatusCreated,
	DispositionDuplicate:   http.StatusOK,
	DispositionQuarantined: http.StatusAccepted,
}

func (h *Handler) Submit(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}

	req := c.Request()
	out, err := h.pipeline.Process(req.Context(), Submission{
		Raw:               body,
		ExternalMessageID: strings.TrimSpace(req.Header.Get(HeaderMessageID)),
		Caller: Caller{
			TenantID: req.Header.Get(HeaderTenantID),
			ClientID: req.Header.Get(HeaderClientID),
		},
	})
	if err != nil {
		c.Response().Header().Set("Retry-After", "30")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "message not accepted, redeliver later")
	}
	return c.JSON(dispositionStatus[out.Disposition], out)
}

func (h *Handler) ListResults(c echo.Context) error {
	entityID := c.QueryParam("entity_id")
	if entityID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "entity_id is required")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.pipeline.ResultsForEntity(c.Request().Context(), entityID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "result store unavailable")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetResult(c echo.Context) error {
	r, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

// ExportResult re-encodes a stored result. ?charset= selects a legacy
// output charset.
func (h *Handler) ExportResult(c echo.Context) error {
	r, err := h.lookup(c)
	if err != nil {
		return err
	}
	table := h.pipeline.Parser().Table()
	charset := c.QueryParam("charset")
	if charset == "" {
		text, err := table.EncodeText(r.Result)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return c.Blob(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
	}
	data, err := table.EncodeBytes(r.Result, charset)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.Blob(http.StatusOK, "text/plain; charset="+charset, data)
}

func (h *Handler) lookup(c echo.Context) (*LabResult, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := h.pipeline.Result(c.Request().Context(), id)
	if errors.Is(err, ErrResultNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "result not found")
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "result store unavailable")
	}
	return r, nil
}

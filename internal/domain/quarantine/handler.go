package quarantine

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ldtgate/pkg/pagination"
)

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/quarantine")
	g.GET("", h.List)
	g.GET("/stale", h.ListStale)
	g.GET("/:id", h.Get)
	g.POST("/:id/retry", h.Retry)
	g.POST("/:id/resolve", h.Resolve)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		Status: Status(c.QueryParam("status")),
		Reason: Reason(c.QueryParam("reason")),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	}
	items, total, err := h.mgr.List(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "quarantine store unavailable")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListStale(c echo.Context) error {
	items, err := h.mgr.Stale(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "quarantine store unavailable")
	}
	if items == nil {
		items = []*Entry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.mgr.Get(c.Request().Context(), id)
	if err != nil {
		return statusFor(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Retry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.mgr.RetryNow(c.Request().Context(), id)
	if err != nil {
		return statusFor(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Resolve(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.ResolvedBy = c.Request().Header.Get("X-Client-ID")

	e, err := h.mgr.Resolve(c.Request().Context(), id, req)
	if err != nil {
		return statusFor(err)
	}
	return c.JSON(http.StatusOK, e)
}

func statusFor(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "quarantine entry not found")
	case errors.Is(err, ErrInvalidResolution):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotApplied):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusServiceUnavailable, "quarantine store unavailable")
	}
}

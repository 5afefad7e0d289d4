package scope

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/aphp/Cohort360-FrontEnd-sub004/internal/platform/auth"
	"github.com/aphp/Cohort360-FrontEnd-sub004/pkg/pagination"
	"github.com/aphp/Cohort360-FrontEnd-sub004/pkg/scopetree"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/scopes", auth.RequireRole(auth.RoleReader))
	read.GET("/roots", h.ListRoots)
	read.POST("/_batch", h.GetBatch)
	read.GET("/_search", h.Search)
	read.GET("/:id", h.GetUnit)
	read.GET("/:id/children", h.ListChildren)

	read.POST("/selection/_restore", h.RestoreSelection)
	read.POST("/selection/_toggle", h.ToggleSelection)
	read.POST("/selection/_select-all", h.SelectAll)
	read.POST("/selection/_status", h.SelectionStatus)

	write := api.Group("/scopes", auth.RequireRole(auth.RoleAdmin))
	write.POST("", h.CreateUnit)
}

type batchRequest struct {
	IDs []string `json:"ids"`
}

type selectionRequest struct {
	Selection []string `json:"selection"`
	NodeID    string   `json:"node_id,omitempty"`
	NodeIDs   []string `json:"node_ids,omitempty"`
}

type searchResponse struct {
	Results    []scopetree.Node  `json:"results"`
	TotalCount int               `json:"total_count"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
	Links      []pagination.Link `json:"links"`
}

type statusResponse struct {
	States  []NodeStatus `json:"states"`
	Unknown []string     `json:"unknown"`
}

func (h *Handler) ListRoots(c echo.Context) error {
	units, err := h.svc.ListRoots(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, toNodes(units))
}

func (h *Handler) GetUnit(c echo.Context) error {
	u, err := h.svc.GetUnit(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, u.ToNode())
}

func (h *Handler) ListChildren(c echo.Context) error {
	units, err := h.svc.Children(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, toNodes(units))
}

func (h *Handler) GetBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.IDs) > pagination.MaxLimit {
		return echo.NewHTTPError(http.StatusBadRequest, "too many ids in one batch")
	}
	units, err := h.svc.GetUnits(c.Request().Context(), req.IDs)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, toNodes(units))
}

func (h *Handler) Search(c echo.Context) error {
	p := pagination.FromContextWithDefault(c, h.svc.PageSize())
	params := SearchParams{
		Query:       c.QueryParam("q"),
		AccessLevel: c.QueryParam("access_level"),
		UnitType:    c.QueryParam("unit_type"),
		Limit:       p.Limit,
		Offset:      p.Offset,
	}
	units, total, err := h.svc.SearchUnits(c.Request().Context(), params)
	if err != nil {
		return mapError(err)
	}

	extra := url.Values{}
	for _, k := range []string{"q", "access_level", "unit_type"} {
		if v := c.QueryParam(k); v != "" {
			extra.Set(k, v)
		}
	}
	return c.JSON(http.StatusOK, searchResponse{
		Results:    toNodes(units),
		TotalCount: total,
		Page:       p.Page,
		PageSize:   p.Limit,
		Links:      p.Links(c.Path(), extra.Encode(), total),
	})
}

func (h *Handler) CreateUnit(c echo.Context) error {
	var u Unit
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.CreateUnit(c.Request().Context(), &u); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, u.ToNode())
}

func (h *Handler) RestoreSelection(c echo.Context) error {
	var req selectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	view, err := h.svc.Restore(c.Request().Context(), req.Selection)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) ToggleSelection(c echo.Context) error {
	var req selectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	view, err := h.svc.ToggleSelection(c.Request().Context(), req.Selection, req.NodeID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) SelectAll(c echo.Context) error {
	var req selectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	view, err := h.svc.SelectAll(c.Request().Context(), req.Selection, req.NodeIDs)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) SelectionStatus(c echo.Context) error {
	var req selectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	states, unknown, err := h.svc.Status(c.Request().Context(), req.Selection, req.NodeIDs)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, statusResponse{States: states, Unknown: unknown})
}

// mapError turns service errors into HTTP errors. Anything unrecognized is
// a 500 and is logged by the request logger.
func mapError(err error) error {
	var he *echo.HTTPError
	var ie inputError
	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, ErrNotFound), errors.Is(err, scopetree.ErrStaleReference):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicate), errors.Is(err, scopetree.ErrLineageConflict), errors.Is(err, scopetree.ErrBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case scopetree.IsFetchFailure(err):
		return echo.NewHTTPError(http.StatusBadGateway, "scope backend unavailable").SetInternal(err)
	case errors.As(err, &ie):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

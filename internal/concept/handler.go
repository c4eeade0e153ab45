package concept

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/leafcohort/leaf/internal/platform/auth"
	"github.com/leafcohort/leaf/internal/platform/db"
)

type Handler struct {
	svc *Searcher
}

func NewHandler(svc *Searcher) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/concept")
	g.GET("", h.GetTreetop)
	g.GET("/search", h.Search)
	g.GET("/parents", h.GetParents)
	g.GET("/:id", h.Get)
	g.GET("/:id/children", h.GetChildren)
}

func (h *Handler) GetTreetop(c echo.Context) error {
	ctx := c.Request().Context()
	top, err := h.svc.GetTreetop(ctx, auth.UserFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, top)
}

func (h *Handler) Search(c echo.Context) error {
	var rootID *uuid.UUID
	if raw := c.QueryParam("rootId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid rootId")
		}
		rootID = &id
	}

	ctx := c.Request().Context()
	concepts, err := h.svc.GetAncestryBySearchTerm(ctx, auth.UserFromContext(ctx), rootID, c.QueryParam("term"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, concepts)
}

// GetParents accepts ids as a comma-separated list, a repeated parameter, or
// both.
func (h *Handler) GetParents(c echo.Context) error {
	var ids []uuid.UUID
	for _, v := range c.QueryParams()["ids"] {
		for _, raw := range strings.Split(v, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid concept id "+raw)
			}
			ids = append(ids, id)
		}
	}

	ctx := c.Request().Context()
	concepts, err := h.svc.GetAncestry(ctx, auth.UserFromContext(ctx), ids)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, concepts)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	concept, err := h.svc.Get(ctx, auth.UserFromContext(ctx), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, concept)
}

func (h *Handler) GetChildren(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	concepts, err := h.svc.GetChildren(ctx, auth.UserFromContext(ctx), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, concepts)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, db.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "concept not found")
	case errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusNoContent)
	}
	return echo.NewHTTPError(db.StatusCode(db.Classify(err)), "failed to load concepts")
}

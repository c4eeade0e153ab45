package help

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/leafcohort/leaf/internal/platform/auth"
	"github.com/leafcohort/leaf/internal/platform/db"
	"github.com/leafcohort/leaf/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/help")
	g.GET("/pages", h.Pages)
	g.GET("/categories", h.Categories)
	g.GET("/:pageid/content", h.Content)

	admin := api.Group("/admin/help", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/:id", h.Get)
	admin.POST("", h.Create)
	admin.PUT("/:id", h.Update)
	admin.DELETE("/:id", h.Delete)
}

func httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalid):
		return c.JSON(http.StatusBadRequest, HelpError{Message: err.Error()})
	case errors.Is(err, db.ErrNotFound):
		return c.JSON(http.StatusNotFound, HelpError{Message: "help page not found"})
	}
	return echo.NewHTTPError(db.StatusCode(err), "failed to process help request").SetInternal(err)
}

func pageID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid help page id")
	}
	return id, nil
}

func (h *Handler) Pages(c echo.Context) error {
	pages, err := h.svc.Pages(c.Request().Context())
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(pages, pagination.FromContext(c)))
}

func (h *Handler) Categories(c echo.Context) error {
	categories, err := h.svc.Categories(c.Request().Context())
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, categories)
}

func (h *Handler) Content(c echo.Context) error {
	id, err := pageID(c, "pageid")
	if err != nil {
		return err
	}
	content, err := h.svc.Content(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, content)
}

// -- Admin Handlers --

func (h *Handler) Get(c echo.Context) error {
	id, err := pageID(c, "id")
	if err != nil {
		return err
	}
	page, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

func (h *Handler) Create(c echo.Context) error {
	var page AdminPage
	if err := c.Bind(&page); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Create(c.Request().Context(), &page); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, page)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := pageID(c, "id")
	if err != nil {
		return err
	}
	var page AdminPage
	if err := c.Bind(&page); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	page.ID = id
	if err := h.svc.Update(c.Request().Context(), &page); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := pageID(c, "id")
	if err != nil {
		return err
	}
	deleted, err := h.svc.Delete(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	if deleted == nil {
		return c.JSON(http.StatusNotFound, HelpError{Message: "help page not found"})
	}
	return c.JSON(http.StatusOK, deleted)
}

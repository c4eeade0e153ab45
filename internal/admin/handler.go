package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/leafcohort/leaf/internal/compiler"
	"github.com/leafcohort/leaf/internal/platform/auth"
	"github.com/leafcohort/leaf/internal/platform/db"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	g.GET("/sqlset", h.ListSQLSets)
	g.GET("/sqlset/:id", h.GetSQLSet)
	g.POST("/sqlset", h.CreateSQLSet)
	g.PUT("/sqlset/:id", h.UpdateSQLSet)
	g.DELETE("/sqlset/:id", h.DeleteSQLSet)

	g.GET("/specializationgroup", h.ListSpecializationGroups)
	g.GET("/specializationgroup/:id", h.GetSpecializationGroup)
	g.POST("/specializationgroup", h.CreateSpecializationGroup)
	g.PUT("/specializationgroup/:id", h.UpdateSpecializationGroup)
	g.DELETE("/specializationgroup/:id", h.DeleteSpecializationGroup)

	g.POST("/specialization", h.CreateSpecialization)
	g.PUT("/specialization/:id", h.UpdateSpecialization)
	g.DELETE("/specialization/:id", h.DeleteSpecialization)

	g.POST("/concept/sample", h.SampleSQL)
}

// crudError renders err as a CRUDError body with the matching status.
func crudError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalid):
		return c.JSON(http.StatusBadRequest, CRUDError{Message: err.Error()})
	case errors.Is(err, db.ErrNotFound):
		return c.JSON(http.StatusNotFound, CRUDError{Message: err.Error()})
	}
	status := db.StatusCode(err)
	if status == http.StatusConflict {
		return c.JSON(status, CRUDError{Message: "conflicts with an existing record"})
	}
	c.Logger().Error(err)
	return c.JSON(status, CRUDError{Message: "failed to process request"})
}

func intParam(c echo.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func uuidParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func user(c echo.Context) *auth.User {
	return auth.UserFromContext(c.Request().Context())
}

// -- SQL Set Handlers --

func (h *Handler) ListSQLSets(c echo.Context) error {
	sets, err := h.svc.ListSQLSets(c.Request().Context())
	if err != nil {
		return crudError(c, err)
	}
	return c.JSON(http.StatusOK, sets)
}

func (h *Handler) GetSQLSet(c echo.Context) error {
	id, err := intParam(c)
	if err != nil {
		return err
	}
	set, err := h.svc.GetSQLSet(c.Request().Context(), id)
	if err != nil {
		return crudError(c, err)
	}
	return c.JSON(http.StatusOK, set)
}

func (h *Handler) CreateSQLSet(c echo.Context) error {
	var set SQLSet
	if err := c.Bind(&set); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateSQLSet(c.Request().Context(), user(c), &set); err != nil {
		return crudError(c, err)
	}
	return c.JSON(http.StatusCreated, set)
}

func (h *Handler) UpdateSQLSet(c echo.Context) error {
	id, err := intParam(c)
	if err != nil {
		return err
	}
	var set SQLSet
	if err := c.Bind(&set); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	set.ID = id
	if err := h.svc.UpdateSQLSet(c.Request().Context(), user(c), &set); err != nil {
		return crudError(c, err)
	}
	return c.JSON(http.StatusOK, set)
}

// DeleteSQLSet answers 409 with the dependents when the set is still in use.
func (h *Handler) DeleteSQLSet(c echo.Context) error {
	id, err := intParam(c)
	if err != nil {
		return err
	}
	result, err := h.svc.DeleteSQLSet(c.Request().Context(), id)
	if err != nil {
		return crudError(c, err)
	}
	if !result.Ok() {
		return c.JSON(http.StatusConflict, result)
	}
	return c.NoContent(http.StatusOK)
}

// -- Specialization Group Handlers --

func (h *Handler) ListSpecializationGroups(c echo.Context) error {
	groups, err := h.svc.ListSpecializationGroups(c.Request().Context())
	if err != nil {
		return crudError(c, err)
	}
	return c.JSON(http.StatusOK, groups)
}

func (h *Handler) GetSpecializationGroup(c echo.Context) error {
	id, err := intParam(c)
	if err != nil {
		return err
	}
	g, err := h.svc.GetSpecializationGroup(c.Request().Context(), id)
	if err != nil {
		return crudError(c, err)
	}
	return c.JSON(http.StatusOK, g)
}

func (h *Handler) CreateSpecializationGroup(c echo.Context) error {
	var g compiler.SpecializationGroup
	if err := c.Bind(&g); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateSpecializationGroup(c.Request().Context(), &g); err != nil {
		return crudError(c, err)
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handler) UpdateSpecializationGroup(c echo.Context) error {
	id, err := intParam(c)
	if err != nil {
		return err
	}
	var g compiler.SpecializationGroup
	if err := c.Bind(&g); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	g.ID = id
	if err := h.svc.UpdateSpecializationGroup(c.Request().Context(), &g); err != nil {
		return crudError(c, err)
	}
	return c.JSON(http.StatusOK, g)
}

func (h *Handler) DeleteSpecializationGroup(c echo.Context) error {
	id, err := intParam(c)
	if err != nil {
		return err
	}
	result, err := h.svc.DeleteSpecializationGroup(c.Request().Context(), id)
	if err != nil {
		return crudError(c, err)
	}
	if !result.Ok() {
		return c.JSON(http.StatusConflict, result)
	}
	return c.NoContent(http.StatusOK)
}

// -- Specialization Handlers --

func (h *Handler) CreateSpecialization(c echo.Context) error {
	var sp compiler.Specialization
	if err := c.Bind(&sp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateSpecialization(c.Request().Context(), &sp); err != nil {
		return crudError(c, err)
	}
	return c.JSON(http.StatusCreated, sp)
}

func (h *Handler) UpdateSpecialization(c echo.Context) error {
	id, err := uuidParam(c)
	if err != nil {
		return err
	}
	var sp compiler.Specialization
	if err := c.Bind(&sp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sp.ID = id
	if err := h.svc.UpdateSpecialization(c.Request().Context(), &sp); err != nil {
		return crudError(c, err)
	}
	return c.JSON(http.StatusOK, sp)
}

func (h *Handler) DeleteSpecialization(c echo.Context) error {
	id, err := uuidParam(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteSpecialization(c.Request().Context(), id); err != nil {
		return crudError(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func (h *Handler) SampleSQL(c echo.Context) error {
	var req SampleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.svc.SampleSQL(c.Request().Context(), req)
	if err != nil {
		return crudError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

package cohort

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/leafcohort/leaf/internal/compiler"
	"github.com/leafcohort/leaf/internal/concept"
	"github.com/leafcohort/leaf/internal/platform/auth"
	"github.com/leafcohort/leaf/internal/platform/db"
)

type Handler struct {
	counter      *Counter
	demographics *DemographicProvider
}

func NewHandler(counter *Counter, demographics *DemographicProvider) *Handler {
	return &Handler{counter: counter, demographics: demographics}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/cohort")
	g.POST("/count", h.Count)
	g.GET("/:queryid/demographics", h.Demographics)
}

// Count answers 400 with the preflight result when the query is invalid and
// 204 when the client went away before the count finished.
func (h *Handler) Count(c echo.Context) error {
	var dto concept.PatientCountQueryDTO
	if err := c.Bind(&dto); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	result, err := h.counter.Count(ctx, auth.UserFromContext(ctx), dto)
	if err != nil {
		return ErrorResponse(c, err)
	}
	if !result.Preflight.PreflightPassed {
		return c.JSON(http.StatusBadRequest, result)
	}
	c.Set("query_id", result.QueryID.String())
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) Demographics(c echo.Context) error {
	queryID, err := uuid.Parse(c.Param("queryid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid query id")
	}
	c.Set("query_id", queryID.String())

	ctx := c.Request().Context()
	d, state, err := h.demographics.Demographics(ctx, auth.UserFromContext(ctx), queryID)
	if err != nil {
		return ErrorResponse(c, err)
	}
	switch state {
	case StateQueryNotFound:
		return echo.NewHTTPError(http.StatusNotFound, "query not found")
	case StateCohortTooLarge:
		return echo.NewHTTPError(http.StatusNotFound, "cohort too large to summarise")
	}
	return c.JSON(http.StatusOK, d)
}

// ErrorResponse maps cohort execution failures to HTTP responses.
func ErrorResponse(c echo.Context, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, compiler.ErrPreflight):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var dbErr *db.Error
	if errors.As(err, &dbErr) {
		return echo.NewHTTPError(dbErr.StatusCode, "clinical database error").SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "failed to process query").SetInternal(err)
}

package dataset

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/leafcohort/leaf/internal/cohort"
	"github.com/leafcohort/leaf/internal/platform/auth"
	"github.com/leafcohort/leaf/internal/platform/db"
)

type Handler struct {
	queries *QueryService
	svc     *Service
}

func NewHandler(queries *QueryService, svc *Service) *Handler {
	return &Handler{queries: queries, svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/dataset")
	g.GET("", h.ListQueries)
	g.GET("/:id", h.GetQuery)

	api.GET("/cohort/:queryid/dataset", h.Dataset)
}

func (h *Handler) ListQueries(c echo.Context) error {
	queries, err := h.queries.GetAll(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(db.StatusCode(err), "failed to load dataset queries").SetInternal(err)
	}
	return c.JSON(http.StatusOK, queries)
}

func (h *Handler) GetQuery(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid dataset id")
	}
	q, err := h.queries.Get(c.Request().Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "dataset not found")
	}
	if err != nil {
		return echo.NewHTTPError(db.StatusCode(err), "failed to load dataset query").SetInternal(err)
	}
	return c.JSON(http.StatusOK, q)
}

// stateError is the body returned when a dataset request cannot be resolved.
type stateError struct {
	State string `json:"state"`
}

// Dataset runs a dataset query against a cached cohort. early and late are
// Unix seconds; format=csv returns the rows as a CSV attachment.
func (h *Handler) Dataset(c echo.Context) error {
	req, err := parseRequest(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	c.Set("query_id", req.QueryID.String())

	ctx := c.Request().Context()
	user := auth.UserFromContext(ctx)
	ectx, state, err := h.queries.ExecutionContext(ctx, user, req)
	if err != nil {
		return cohort.ErrorResponse(c, err)
	}
	switch state {
	case StateOk:
	case StateDatasetShapeMismatch:
		return c.JSON(http.StatusBadRequest, stateError{State: state.String()})
	default:
		return c.JSON(http.StatusNotFound, stateError{State: state.String()})
	}

	ds, err := h.svc.GetDataset(ctx, user, ectx)
	if err != nil {
		return cohort.ErrorResponse(c, err)
	}

	if c.QueryParam("format") == "csv" {
		body, err := gocsv.MarshalBytes(ds.Rows)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to encode dataset").SetInternal(err)
		}
		name := fmt.Sprintf("%s_%s.csv", ds.Shape, ds.DatasetID)
		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
		return c.Blob(http.StatusOK, "text/csv", body)
	}
	return c.JSON(http.StatusOK, ds)
}

func parseRequest(c echo.Context) (ExecutionRequest, error) {
	var req ExecutionRequest
	var err error
	if req.QueryID, err = uuid.Parse(c.Param("queryid")); err != nil {
		return req, fmt.Errorf("invalid query id")
	}
	if req.DatasetID, err = uuid.Parse(c.QueryParam("datasetid")); err != nil {
		return req, fmt.Errorf("invalid dataset id")
	}
	if req.Shape, err = ParseShape(c.QueryParam("shape")); err != nil {
		return req, err
	}
	if req.Early, err = unixParam(c, "early"); err != nil {
		return req, err
	}
	if req.Late, err = unixParam(c, "late"); err != nil {
		return req, err
	}
	if req.Early != nil && req.Late != nil && req.Late.Before(*req.Early) {
		return req, fmt.Errorf("late must not be before early")
	}
	return req, nil
}

func unixParam(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be unix seconds", name)
	}
	t := time.Unix(secs, 0).UTC()
	return &t, nil
}

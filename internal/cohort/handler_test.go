package cohort

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/leafcohort/leaf/internal/concept"
	"github.com/leafcohort/leaf/internal/config"
	"github.com/leafcohort/leaf/internal/platform/auth"
	"github.com/leafcohort/leaf/internal/platform/db"
)

func newRequest(e *echo.Echo, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req = req.WithContext(auth.WithUser(req.Context(), researcher()))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func newTestHandler(conv Converter, svc Service, store *fakeStore, src DemographicSource) *Handler {
	obf := NewObfuscator(config.DeidentConfig{})
	counter := newTestCounter(conv, svc, store, config.DeidentConfig{})
	return NewHandler(counter, NewDemographicProvider(store, src, obf))
}

func TestHandler_Count(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(&fakeConverter{vc: passed()}, &fakeService{cohort: cohortOf("p1", "p2")}, store, &fakeDemographicSource{})
	e := echo.New()

	c, rec := newRequest(e, http.MethodPost, "/api/cohort/count", `{"queryId":"client-1","panels":[]}`)
	if err := h.Count(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got CohortCount
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Count.Value != 2 || got.ClientQueryID != "client-1" {
		t.Errorf("unexpected count: %+v", got)
	}
	if c.Get("query_id") != got.QueryID.String() {
		t.Errorf("expected query_id to be set on the context")
	}
}

func TestHandler_CountPreflightFailure(t *testing.T) {
	vc := &concept.ValidationContext{MissingConcepts: []concept.ResourceRef{{UniversalID: "urn:leaf:concept:missing"}}}
	h := newTestHandler(&fakeConverter{vc: vc}, &fakeService{}, newFakeStore(), &fakeDemographicSource{})
	e := echo.New()

	c, rec := newRequest(e, http.MethodPost, "/api/cohort/count", `{"panels":[]}`)
	if err := h.Count(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "urn:leaf:concept:missing") {
		t.Errorf("expected the preflight result in the body, got %s", rec.Body.String())
	}
}

func TestHandler_CountCancelled(t *testing.T) {
	h := newTestHandler(&fakeConverter{vc: passed()}, &fakeService{err: context.Canceled}, newFakeStore(), &fakeDemographicSource{})
	e := echo.New()

	c, rec := newRequest(e, http.MethodPost, "/api/cohort/count", `{"panels":[]}`)
	if err := h.Count(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_CountDatabaseError(t *testing.T) {
	dbErr := &db.Error{StatusCode: http.StatusGatewayTimeout, Err: errors.New("statement timeout")}
	h := newTestHandler(&fakeConverter{vc: passed()}, &fakeService{err: dbErr}, newFakeStore(), &fakeDemographicSource{})
	e := echo.New()

	c, _ := newRequest(e, http.MethodPost, "/api/cohort/count", `{"panels":[]}`)
	if got := httpStatus(t, h.Count(c)); got != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", got)
	}
}

func TestHandler_Demographics(t *testing.T) {
	store := newFakeStore()
	src := &fakeDemographicSource{rows: []DemographicRow{{PersonID: "p1", Gender: "female"}}}
	h := newTestHandler(&fakeConverter{}, &fakeService{}, store, src)
	e := echo.New()
	id := seedQuery(store, researcher().UUID(), true, "p1")
	tooLarge := seedQuery(store, researcher().UUID(), false, "p1")

	c, _ := newRequest(e, http.MethodGet, "/api/cohort/bad/demographics", "")
	c.SetParamNames("queryid")
	c.SetParamValues("not-a-uuid")
	if got := httpStatus(t, h.Demographics(c)); got != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed id, got %d", got)
	}

	for _, missing := range []uuid.UUID{uuid.New(), tooLarge} {
		c, _ = newRequest(e, http.MethodGet, "/api/cohort/x/demographics", "")
		c.SetParamNames("queryid")
		c.SetParamValues(missing.String())
		if got := httpStatus(t, h.Demographics(c)); got != http.StatusNotFound {
			t.Errorf("expected 404 for %s, got %d", missing, got)
		}
	}

	c, rec := newRequest(e, http.MethodGet, "/api/cohort/x/demographics", "")
	c.SetParamNames("queryid")
	c.SetParamValues(id.String())
	if err := h.Demographics(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var d Demographics
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Patients != 1 || d.Gender["female"] != 1 {
		t.Errorf("unexpected demographics: %+v", d)
	}
}

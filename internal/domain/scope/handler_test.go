package scope

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/aphp/Cohort360-FrontEnd-sub004/pkg/scopetree"
)

func newTestHandler() (*Handler, *mockUnitRepo, *echo.Echo) {
	svc, repo := newTestService()
	return NewHandler(svc), repo, echo.New()
}

func jsonContext(e *echo.Echo, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected HTTP %d, got %v", code, err)
	}
	if he.Code != code {
		t.Errorf("expected HTTP %d, got %d (%v)", code, he.Code, he.Message)
	}
}

func TestHandler_ListRoots(t *testing.T) {
	h, _, e := newTestHandler()
	c, rec := jsonContext(e, http.MethodGet, "/api/v1/scopes/roots", "")

	if err := h.ListRoots(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var nodes []scopetree.Node
	json.Unmarshal(rec.Body.Bytes(), &nodes)
	if len(nodes) != 1 || nodes[0].ID != "aphp" {
		t.Errorf("unexpected roots: %s", rec.Body.String())
	}
}

func TestHandler_GetUnit(t *testing.T) {
	h, _, e := newTestHandler()
	c, rec := jsonContext(e, http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues("h1")

	if err := h.GetUnit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var n scopetree.Node
	json.Unmarshal(rec.Body.Bytes(), &n)
	if n.Name != "HOPITAL 1" || len(n.DescendantIDs) != 2 {
		t.Errorf("unexpected unit: %s", rec.Body.String())
	}
}

func TestHandler_GetUnit_NotFound(t *testing.T) {
	h, _, e := newTestHandler()
	c, _ := jsonContext(e, http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues("ghost")

	expectStatus(t, h.GetUnit(c), http.StatusNotFound)
}

func TestHandler_ListChildren(t *testing.T) {
	h, _, e := newTestHandler()
	c, rec := jsonContext(e, http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues("aphp")

	if err := h.ListChildren(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var nodes []scopetree.Node
	json.Unmarshal(rec.Body.Bytes(), &nodes)
	if len(nodes) != 2 {
		t.Errorf("expected 2 children, got %d", len(nodes))
	}
}

func TestHandler_GetBatch(t *testing.T) {
	h, _, e := newTestHandler()
	c, rec := jsonContext(e, http.MethodPost, "/api/v1/scopes/_batch", `{"ids":["s1","s2","ghost"]}`)

	if err := h.GetBatch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var nodes []scopetree.Node
	json.Unmarshal(rec.Body.Bytes(), &nodes)
	if len(nodes) != 2 {
		t.Errorf("expected 2 nodes, got %s", rec.Body.String())
	}
}

func TestHandler_GetBatch_TooMany(t *testing.T) {
	h, _, e := newTestHandler()
	ids := make([]string, 101)
	for i := range ids {
		ids[i] = "x"
	}
	body, _ := json.Marshal(batchRequest{IDs: ids})
	c, _ := jsonContext(e, http.MethodPost, "/api/v1/scopes/_batch", string(body))

	expectStatus(t, h.GetBatch(c), http.StatusBadRequest)
}

func TestHandler_Search(t *testing.T) {
	h, _, e := newTestHandler()
	c, rec := jsonContext(e, http.MethodGet, "/api/v1/scopes/_search?q=service&page_size=1", "")
	c.SetPath("/api/v1/scopes/_search")

	if err := h.Search(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp searchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.TotalCount != 2 || len(resp.Results) != 1 || resp.Page != 1 || resp.PageSize != 1 {
		t.Errorf("unexpected response: %s", rec.Body.String())
	}
	if len(resp.Links) != 2 || resp.Links[1].Relation != "next" {
		t.Fatalf("expected self and next links, got %+v", resp.Links)
	}
	if want := "/api/v1/scopes/_search?page=2&page_size=1&q=service"; resp.Links[1].URL != want {
		t.Errorf("next link = %s, want %s", resp.Links[1].URL, want)
	}
}

func TestHandler_CreateUnit(t *testing.T) {
	h, _, e := newTestHandler()
	c, rec := jsonContext(e, http.MethodPost, "/api/v1/scopes", `{"id":"s3","name":"SERVICE 3","quantity":5,"parent_id":"h2"}`)

	if err := h.CreateUnit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var n scopetree.Node
	json.Unmarshal(rec.Body.Bytes(), &n)
	if len(n.AncestorIDs) != 2 || n.AncestorIDs[0] != "h2" {
		t.Errorf("unexpected ancestors %v", n.AncestorIDs)
	}
}

func TestHandler_CreateUnit_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing name", `{"id":"s3"}`, http.StatusBadRequest},
		{"unknown parent", `{"id":"s3","name":"X","parent_id":"ghost"}`, http.StatusBadRequest},
		{"duplicate id", `{"id":"s1","name":"X"}`, http.StatusConflict},
		{"malformed body", `{"id":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, e := newTestHandler()
			c, _ := jsonContext(e, http.MethodPost, "/api/v1/scopes", tt.body)
			expectStatus(t, h.CreateUnit(c), tt.code)
		})
	}
}

func TestHandler_ToggleSelection(t *testing.T) {
	h, _, e := newTestHandler()
	c, rec := jsonContext(e, http.MethodPost, "/api/v1/scopes/selection/_toggle", `{"selection":["s1"],"node_id":"s2"}`)

	if err := h.ToggleSelection(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var view SelectionView
	json.Unmarshal(rec.Body.Bytes(), &view)
	if len(view.IDs) != 1 || view.IDs[0] != "h1" || view.TotalQuantity != 30 {
		t.Errorf("unexpected selection: %s", rec.Body.String())
	}
}

func TestHandler_ToggleSelection_Errors(t *testing.T) {
	h, repo, e := newTestHandler()

	c, _ := jsonContext(e, http.MethodPost, "/", `{"selection":[],"node_id":"ghost"}`)
	expectStatus(t, h.ToggleSelection(c), http.StatusNotFound)

	c, _ = jsonContext(e, http.MethodPost, "/", `{"selection":[]}`)
	expectStatus(t, h.ToggleSelection(c), http.StatusBadRequest)

	repo.failOn = errors.New("connection reset")
	c, _ = jsonContext(e, http.MethodPost, "/", `{"selection":["s1"],"node_id":"s2"}`)
	expectStatus(t, h.ToggleSelection(c), http.StatusBadGateway)
}

func TestHandler_RestoreSelection(t *testing.T) {
	h, _, e := newTestHandler()
	c, rec := jsonContext(e, http.MethodPost, "/", `{"selection":["s1","s2","h1"]}`)

	if err := h.RestoreSelection(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var view SelectionView
	json.Unmarshal(rec.Body.Bytes(), &view)
	if len(view.IDs) != 1 || view.IDs[0] != "h1" {
		t.Errorf("unexpected selection: %s", rec.Body.String())
	}
}

func TestHandler_SelectAll(t *testing.T) {
	h, _, e := newTestHandler()
	c, rec := jsonContext(e, http.MethodPost, "/", `{"selection":[],"node_ids":["h1","h2"]}`)

	if err := h.SelectAll(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var view SelectionView
	json.Unmarshal(rec.Body.Bytes(), &view)
	if len(view.IDs) != 1 || view.IDs[0] != "aphp" {
		t.Errorf("expected the root, got %s", rec.Body.String())
	}
}

func TestHandler_SelectionStatus(t *testing.T) {
	h, _, e := newTestHandler()
	c, rec := jsonContext(e, http.MethodPost, "/", `{"selection":["s2"],"node_ids":["h1","s2","nope"]}`)

	if err := h.SelectionStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := rec.Body.String()
	for _, want := range []string{`"id":"h1","state":"indeterminate"`, `"id":"s2","state":"checked"`, `"unknown":["nope"]`} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s in %s", want, body)
		}
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"not found", ErrNotFound, http.StatusNotFound},
		{"stale", scopetree.ErrStaleReference, http.StatusNotFound},
		{"busy", scopetree.ErrBusy, http.StatusConflict},
		{"lineage", scopetree.ErrLineageConflict, http.StatusConflict},
		{"fetch", &scopetree.FetchError{Op: "fetch nodes", Err: errors.New("down")}, http.StatusBadGateway},
		{"input", inputError("bad"), http.StatusBadRequest},
		{"http error passes through", echo.NewHTTPError(http.StatusTeapot), http.StatusTeapot},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, mapError(tt.err), tt.code)
		})
	}
}

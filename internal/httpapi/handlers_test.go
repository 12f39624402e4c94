package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"voice-platform/internal/auth"
	"voice-platform/internal/calls"
	"voice-platform/internal/rbac"
	"voice-platform/internal/reporting"
	"voice-platform/internal/telephony"
)

type apiHarness struct {
	store  *calls.MemoryStore
	dialer *telephony.SandboxProvider
	svc    *calls.Service
	h      Handlers
}

func newAPIHarness() *apiHarness {
	store := calls.NewMemoryStore()
	dialer := telephony.NewSandboxProvider()
	svc := calls.NewService(store, dialer, calls.ServiceConfig{DefaultFrom: "+15550000000"}, slog.Default())
	return &apiHarness{
		store:  store,
		dialer: dialer,
		svc:    svc,
		h:      Handlers{Calls: svc, Reports: reporting.NewService(store, nil)},
	}
}

// router stands in for auth.RequireAccessToken by injecting a fixed identity.
func (a *apiHarness) router(userID, role string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), userID, role))
		c.Next()
	})
	a.h.Register(v1)
	return r
}

func do(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeCall(t *testing.T, w *httptest.ResponseRecorder) calls.Call {
	t.Helper()
	var c calls.Call
	if err := json.Unmarshal(w.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode call: %v (%s)", err, w.Body.String())
	}
	return c
}

func TestCreateCall(t *testing.T) {
	a := newAPIHarness()
	r := a.router("u1", rbac.RoleAgent)

	w := do(r, http.MethodPost, "/v1/calls", map[string]string{"to": "+15551112222"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	c := decodeCall(t, w)
	if c.Status != calls.CallStatusStarted || c.UserID != "u1" || c.ProviderCallID == "" {
		t.Fatalf("unexpected call %+v", c)
	}

	if w := do(r, http.MethodPost, "/v1/calls", map[string]string{"to": " "}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing to, got %d", w.Code)
	}

	viewer := a.router("u2", rbac.RoleViewer)
	if w := do(viewer, http.MethodPost, "/v1/calls", map[string]string{"to": "+15551112222"}); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer, got %d", w.Code)
	}
}

func TestCreateCall_ProviderFailureIs502(t *testing.T) {
	a := newAPIHarness()
	a.dialer.FailPlace = errors.New("provider down")
	r := a.router("u1", rbac.RoleAgent)

	w := do(r, http.MethodPost, "/v1/calls", map[string]string{"to": "+15551112222"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	var body struct {
		Call calls.Call `json:"call"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := a.store.Get(context.Background(), body.Call.ID)
	if err != nil || got.Status != calls.CallStatusFailed {
		t.Fatalf("expected call failed locally, got %+v %v", got, err)
	}
}

func TestGetCall_Visibility(t *testing.T) {
	a := newAPIHarness()
	c, err := a.svc.Place(context.Background(), calls.PlaceRequest{UserID: "owner", To: "+15551112222"})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	if w := do(a.router("owner", rbac.RoleViewer), http.MethodGet, "/v1/calls/"+c.ID, nil); w.Code != http.StatusOK {
		t.Fatalf("owner expected 200, got %d", w.Code)
	}
	if w := do(a.router("other", rbac.RoleAgent), http.MethodGet, "/v1/calls/"+c.ID, nil); w.Code != http.StatusNotFound {
		t.Fatalf("other user expected 404, got %d", w.Code)
	}
	if w := do(a.router("root", rbac.RoleAdmin), http.MethodGet, "/v1/calls/"+c.ID, nil); w.Code != http.StatusOK {
		t.Fatalf("admin expected 200, got %d", w.Code)
	}
	if w := do(a.router("owner", rbac.RoleViewer), http.MethodGet, "/v1/calls/missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing expected 404, got %d", w.Code)
	}
}

func TestCancelCall(t *testing.T) {
	a := newAPIHarness()
	c, err := a.svc.Place(context.Background(), calls.PlaceRequest{UserID: "u1", To: "+15551112222"})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	r := a.router("u1", rbac.RoleAgent)

	if w := do(a.router("u2", rbac.RoleAgent), http.MethodDelete, "/v1/calls/"+c.ID, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user's call, got %d", w.Code)
	}

	w := do(r, http.MethodDelete, "/v1/calls/"+c.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if got := decodeCall(t, w); got.Status != calls.CallStatusDeleted {
		t.Fatalf("expected deleted, got %s", got.Status)
	}
	if ended := a.dialer.Ended(); len(ended) != 1 || ended[0] != c.ProviderCallID {
		t.Fatalf("expected provider hangup, got %v", ended)
	}
}

func TestListCalls_ScopedToCaller(t *testing.T) {
	a := newAPIHarness()
	ctx := context.Background()
	for _, uid := range []string{"u1", "u1", "u2"} {
		if _, err := a.svc.Place(ctx, calls.PlaceRequest{UserID: uid, To: "+15551112222"}); err != nil {
			t.Fatalf("place: %v", err)
		}
	}

	var body struct {
		Count int `json:"count"`
	}
	w := do(a.router("u1", rbac.RoleViewer), http.MethodGet, "/v1/calls?user_id=u2", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Count != 2 {
		t.Fatalf("expected own 2 calls, got %d (%s)", body.Count, w.Body.String())
	}

	w = do(a.router("root", rbac.RoleAdmin), http.MethodGet, "/v1/calls?limit=1", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Count != 1 {
		t.Fatalf("expected limit 1, got %d", body.Count)
	}

	if w := do(a.router("u1", rbac.RoleViewer), http.MethodGet, "/v1/calls?status=dialing", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", w.Code)
	}
	if w := do(a.router("u1", rbac.RoleViewer), http.MethodGet, "/v1/calls?from=yesterday", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad from, got %d", w.Code)
	}
}

func TestGetTranscript(t *testing.T) {
	a := newAPIHarness()
	ctx := context.Background()
	c, err := a.svc.Place(ctx, calls.PlaceRequest{UserID: "u1", To: "+15551112222"})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	r := a.router("u1", rbac.RoleViewer)

	if w := do(r, http.MethodGet, "/v1/calls/"+c.ID+"/transcript", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before transcript, got %d", w.Code)
	}

	if _, err := a.svc.Transition(ctx, calls.ByID(c.ID), calls.Event{Kind: calls.EventProviderStatus, Status: calls.CallStatusCompleted}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := a.store.UpsertTranscript(ctx, calls.Transcript{CallID: c.ID, Text: "hello", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	w := do(r, http.MethodGet, "/v1/calls/"+c.ID+"/transcript", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var tr calls.Transcript
	if err := json.Unmarshal(w.Body.Bytes(), &tr); err != nil || tr.Text != "hello" {
		t.Fatalf("unexpected transcript %+v %v", tr, err)
	}
}

func TestCallsSummary(t *testing.T) {
	a := newAPIHarness()
	ctx := context.Background()
	if _, err := a.svc.Place(ctx, calls.PlaceRequest{UserID: "u1", To: "+15551112222"}); err != nil {
		t.Fatalf("place: %v", err)
	}

	w := do(a.router("u1", rbac.RoleViewer), http.MethodGet, "/v1/reports/calls", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	var sum reporting.CallsSummary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.TotalCalls != 1 || sum.LiveCalls != 1 || sum.UserID != "u1" {
		t.Fatalf("unexpected summary %+v", sum)
	}

	bad := do(a.router("u1", rbac.RoleViewer), http.MethodGet, "/v1/reports/calls?from=2024-01-01T00:00:00Z&to=2023-01-01T00:00:00Z", nil)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d", bad.Code)
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestRouterHealthEndpoints(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 from /healthz, got %d", rr.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode health payload: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", payload["status"])
	}

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 from /readyz, got %d", rr.Code)
	}
}

func TestRouterReadyzReportsDependencyFailure(t *testing.T) {
	health := NewHealthHandlers(WithReadinessCheck(func(ctx context.Context) error {
		return errors.New("firestore unreachable")
	}))
	router := NewRouter(WithHealthHandlers(health))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestRouterUnknownRouteEnvelope(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if payload["error"] != errorNotFoundCode {
		t.Fatalf("expected %s code, got %v", errorNotFoundCode, payload["error"])
	}
}

func TestRouterUnconfiguredGroupReturnsNotImplemented(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected status 501, got %d", rr.Code)
	}
}

func TestRouterMountsConfiguredGroups(t *testing.T) {
	orderCalled := false
	stockCalled := false
	internalCalled := false

	router := NewRouter(
		WithOrderRoutes(func(r chi.Router) {
			r.Get("/ping", func(w http.ResponseWriter, req *http.Request) {
				orderCalled = true
				w.WriteHeader(http.StatusNoContent)
			})
		}),
		WithStockRoutes(func(r chi.Router) {
			r.Get("/ping", func(w http.ResponseWriter, req *http.Request) {
				stockCalled = true
				w.WriteHeader(http.StatusNoContent)
			})
		}),
		WithInternalRoutes(func(r chi.Router) {
			r.Get("/ping", func(w http.ResponseWriter, req *http.Request) {
				internalCalled = true
				w.WriteHeader(http.StatusNoContent)
			})
		}),
	)

	for _, path := range []string{"/api/v1/orders/ping", "/api/v1/stock/ping", "/api/v1/internal/ping"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected status 204 from %s, got %d", path, rr.Code)
		}
	}

	if !orderCalled || !stockCalled || !internalCalled {
		t.Fatalf("expected all groups to be routed: orders=%v stock=%v internal=%v", orderCalled, stockCalled, internalCalled)
	}
}

func TestRouterInternalMiddlewareApplied(t *testing.T) {
	router := NewRouter(
		WithInternalRoutes(func(r chi.Router) {
			r.Post("/reconciliation:run", func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		}),
		WithInternalMiddlewares(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if req.Header.Get("X-Internal-Token") == "" {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, req)
			})
		}),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/reconciliation:run", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 without token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/internal/reconciliation:run", nil)
	req.Header.Set("X-Internal-Token", "secret")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 with token, got %d", rr.Code)
	}
}

package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"layeredge/api_posts/internal/fetcher"
	"layeredge/pkg/breaker"
	"layeredge/pkg/cache"
	"layeredge/pkg/logging"
)

func setupRoutes(t *testing.T, adminToken string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := cache.NewMemoryStore(cache.Options{})
	registry := breaker.NewRegistry(store, breaker.DefaultConfig())
	orch := fetcher.New(store, registry, fetcher.Adapters{}, fetcher.DefaultConfig())

	router := gin.New()
	Register(router,
		NewPostsHandler(&fetcherStub{}, 0, nil, nil),
		NewUsersHandler(&userFetcherStub{}, 0, nil, nil),
		NewSubmissionHandler(&submitterStub{}, 0, nil, nil),
		NewAdminHandler(orch, logging.Discard()),
		adminToken,
	)
	return router
}

func adminRequest(router *gin.Engine, method, path, token string, payload any) *httptest.ResponseRecorder {
	req := newJSONRequest(path, payload)
	req.Method = method
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := newRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestAdminRoutesRequireToken(t *testing.T) {
	router := setupRoutes(t, "s3cret")

	if resp := adminRequest(router, http.MethodGet, "/admin/breakers/embed", "", ""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	if resp := adminRequest(router, http.MethodGet, "/admin/breakers/embed", "wrong", ""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}

	disabled := setupRoutes(t, "")
	if resp := adminRequest(disabled, http.MethodGet, "/admin/breakers/embed", "anything", ""); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when admin is disabled, got %d", resp.Code)
	}
}

func TestAdminBreakerLifecycle(t *testing.T) {
	router := setupRoutes(t, "s3cret")

	resp := adminRequest(router, http.MethodGet, "/admin/breakers/scrape", "s3cret", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	b := decode(t, resp)["breaker"].(map[string]any)
	if b["state"] != string(breaker.StateClosed) || b["health_score"] != float64(100) {
		t.Fatalf("unexpected breaker %+v", b)
	}

	resp = adminRequest(router, http.MethodPost, "/admin/breakers/scrape/override", "s3cret",
		map[string]any{"enabled": true, "duration_seconds": 600})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	b = decode(t, adminRequest(router, http.MethodGet, "/admin/breakers/scrape", "s3cret", ""))["breaker"].(map[string]any)
	if b["manual_override"] != true {
		t.Fatalf("expected manual override, got %+v", b)
	}

	if resp := adminRequest(router, http.MethodPost, "/admin/breakers/scrape/reset", "s3cret", ""); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	b = decode(t, adminRequest(router, http.MethodGet, "/admin/breakers/scrape", "s3cret", ""))["breaker"].(map[string]any)
	if b["manual_override"] != false {
		t.Fatalf("reset should clear the override, got %+v", b)
	}
}

func TestAdminUnknownBreaker(t *testing.T) {
	router := setupRoutes(t, "s3cret")

	resp := adminRequest(router, http.MethodGet, "/admin/breakers/nope", "s3cret", "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", resp.Code, resp.Body.String())
	}
	resp = adminRequest(router, http.MethodPost, "/admin/breakers/nope/reset", "s3cret", "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestAdminOverrideValidation(t *testing.T) {
	router := setupRoutes(t, "s3cret")

	resp := adminRequest(router, http.MethodPost, "/admin/breakers/embed/override", "s3cret",
		map[string]any{"enabled": true, "duration_seconds": -5})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	resp = adminRequest(router, http.MethodPost, "/admin/breakers/embed/override", "s3cret", "{bad")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestRegisterMountsUserLookupAndBreaker(t *testing.T) {
	router := setupRoutes(t, "s3cret")

	if resp := postJSON(router, "/api/users/lookup", map[string]string{"username": "alice"}); resp.Code != http.StatusOK {
		t.Fatalf("expected user lookup route, got %d", resp.Code)
	}
	if resp := adminRequest(router, http.MethodGet, "/admin/breakers/user", "s3cret", ""); resp.Code != http.StatusOK {
		t.Fatalf("expected user breaker to be administrable, got %d", resp.Code)
	}
}

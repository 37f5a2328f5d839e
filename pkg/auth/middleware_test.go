package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/storage"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestMiddleware_BypassEndpoints(t *testing.T) {
	chain := &AuthChain{DefaultDecision: No}
	handler := Middleware(chain, nil, DefaultBypassEndpoints)(okHandler())

	for _, path := range []string{"/api/health", "/metrics"} {
		if rec := serve(handler, "GET", path); rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
	if rec := serve(handler, "OPTIONS", "/api/chat"); rec.Code != http.StatusOK {
		t.Errorf("preflight: status = %d, want 200", rec.Code)
	}
}

func TestMiddleware_NoAuth_Rejects(t *testing.T) {
	chain := &AuthChain{DefaultDecision: No}
	handler := Middleware(chain, nil, DefaultBypassEndpoints)(okHandler())

	rec := serve(handler, "POST", "/api/chat")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}

	var body api.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error == nil || body.Error.Code != "unauthorized" {
		t.Errorf("error = %+v", body.Error)
	}
}

func TestMiddleware_ValidAuth_Passes(t *testing.T) {
	chain := &AuthChain{
		Authenticators: []Authenticator{
			vote{Decision: Yes, Identity: &Identity{Subject: "web-frontend", Metadata: map[string]string{"tenant_id": "org-a"}}},
		},
		DefaultDecision: No,
	}

	var gotTenant, gotSubject string
	handler := Middleware(chain, nil, DefaultBypassEndpoints)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = storage.GetTenant(r.Context())
		if id := IdentityFromContext(r.Context()); id != nil {
			gotSubject = id.Subject
		}
		w.WriteHeader(http.StatusOK)
	}))

	if rec := serve(handler, "POST", "/api/chat"); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if gotSubject != "web-frontend" || gotTenant != "org-a" {
		t.Errorf("subject=%q tenant=%q", gotSubject, gotTenant)
	}
}

func TestMiddleware_EmptySubject(t *testing.T) {
	chain := &AuthChain{
		Authenticators: []Authenticator{
			vote{Decision: Yes, Identity: &Identity{}},
		},
	}
	handler := Middleware(chain, nil, nil)(okHandler())

	if rec := serve(handler, "POST", "/api/chat"); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestMiddleware_RateLimit_Exceeded(t *testing.T) {
	chain := &AuthChain{
		Authenticators: []Authenticator{
			vote{Decision: Yes, Identity: &Identity{Subject: "svc-batch", ServiceTier: "limited"}},
		},
		DefaultDecision: No,
	}

	limiter := NewInProcessLimiter(map[string]TierConfig{
		"limited": {RequestsPerMinute: 2},
	}, 100)

	handler := Middleware(chain, limiter, DefaultBypassEndpoints)(okHandler())

	for i := 0; i < 2; i++ {
		if rec := serve(handler, "POST", "/api/chat"); rec.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := serve(handler, "POST", "/api/chat")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("rate limited request: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestMiddleware_NoLimiter_AllAllowed(t *testing.T) {
	chain := &AuthChain{
		Authenticators: []Authenticator{
			accept("web-frontend"),
		},
	}
	handler := Middleware(chain, nil, DefaultBypassEndpoints)(okHandler())

	for i := 0; i < 100; i++ {
		if rec := serve(handler, "POST", "/api/chat"); rec.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i+1, rec.Code)
			break
		}
	}
}

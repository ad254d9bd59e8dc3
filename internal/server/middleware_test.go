package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/decisionfirst/runbookd/internal/auth"
	"github.com/decisionfirst/runbookd/internal/model"
	"github.com/decisionfirst/runbookd/internal/ratelimit"
)

func TestRateLimitMiddleware(t *testing.T) {
	// MemoryLimiter with rate=1 token/sec and burst=2 allows the first 2 rapid
	// requests (initial burst capacity) then rejects until tokens refill.
	limiter := ratelimit.NewMemoryLimiter(1, 2)
	defer func() { _ = limiter.Close() }()

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, nil)(inner)

	// Simulate 3 rapid requests from the same IP. First 2 consume the
	// burst tokens; the third is rejected with 429.
	for i := range 3 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/auth/token", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		handler.ServeHTTP(rec, req)

		if i < 2 {
			if rec.Code != http.StatusOK {
				t.Errorf("request %d: got status %d, want %d (within burst)", i+1, rec.Code, http.StatusOK)
			}
		} else {
			if rec.Code != http.StatusTooManyRequests {
				t.Errorf("request %d: got status %d, want %d (burst exhausted)", i+1, rec.Code, http.StatusTooManyRequests)
			}
			if rec.Header().Get("Retry-After") == "" {
				t.Error("rate-limited response should include Retry-After header")
			}
		}
	}
}

func TestRateLimitMiddleware_DifferentIPs(t *testing.T) {
	// Each IP gets its own bucket, so requests from different IPs should
	// not interfere with each other.
	limiter := ratelimit.NewMemoryLimiter(1, 1)
	defer func() { _ = limiter.Close() }()

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, nil)(inner)

	rec1 := httptest.NewRecorder()
	req1 := httptest.NewRequest("POST", "/auth/token", nil)
	req1.RemoteAddr = "10.0.0.1:1000"
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Errorf("IP A first request: got %d, want %d", rec1.Code, http.StatusOK)
	}

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("POST", "/auth/token", nil)
	req2.RemoteAddr = "10.0.0.1:1000"
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("IP A second request: got %d, want %d", rec2.Code, http.StatusTooManyRequests)
	}

	rec3 := httptest.NewRecorder()
	req3 := httptest.NewRequest("POST", "/auth/token", nil)
	req3.RemoteAddr = "10.0.0.2:1000"
	handler.ServeHTTP(rec3, req3)
	if rec3.Code != http.StatusOK {
		t.Errorf("IP B first request: got %d, want %d", rec3.Code, http.StatusOK)
	}
}

func withClaims(r *http.Request, claims *auth.Claims) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), contextKeyClaims, claims))
}

func TestRequireRole(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := requireRole(model.RoleEditor)(inner)

	cases := []struct {
		name   string
		role   model.Role
		want   int
		claims bool
	}{
		{"viewer is rejected", model.RoleViewer, http.StatusForbidden, true},
		{"editor passes", model.RoleEditor, http.StatusOK, true},
		{"admin passes", model.RoleAdmin, http.StatusOK, true},
		{"no claims is unauthorized", "", http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/runbooks", nil)
			if tc.claims {
				req = withClaims(req, &auth.Claims{
					RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.New().String()},
					Username:         "t",
					Role:             tc.role,
				})
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("got %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := requestIDMiddleware(inner)

	t.Run("generates an id when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
		if seen == "" {
			t.Error("expected a generated request id in context")
		}
		if rec.Header().Get("X-Request-ID") != seen {
			t.Error("response header should echo the request id")
		}
	})

	t.Run("propagates a caller-supplied id", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		req.Header.Set("X-Request-ID", "given-id")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if seen != "given-id" {
			t.Errorf("got %q, want given-id", seen)
		}
	})
}

func TestWriteErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/runbooks", nil)
	req = req.WithContext(context.WithValue(req.Context(), contextKeyRequestID, "req-1"))

	writeError(rec, req, http.StatusNotFound, model.ErrCodeNotFound, "runbook not found")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", rec.Code)
	}
	var body model.APIError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != model.ErrCodeNotFound {
		t.Errorf("code: got %q", body.Error.Code)
	}
	if body.Meta.RequestID != "req-1" {
		t.Errorf("request_id: got %q", body.Meta.RequestID)
	}
}

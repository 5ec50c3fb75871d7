package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matt-riley/cartfee/internal/admin"
	"github.com/matt-riley/cartfee/internal/config"
	"github.com/matt-riley/cartfee/internal/core"
	"github.com/matt-riley/cartfee/internal/logging"
	"github.com/matt-riley/cartfee/internal/metrics"
	"github.com/matt-riley/cartfee/internal/middleware"
	"github.com/matt-riley/cartfee/internal/repository"
	"github.com/matt-riley/cartfee/internal/service"
)

func newTestService(t *testing.T) *service.Service {
	t.Helper()

	svc, err := service.New(context.Background(), repository.NewMemoryRepository(), service.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("service.New() error = %v", err)
	}
	return svc
}

func newTestHandler(t *testing.T, validator middleware.TokenValidator) http.Handler {
	t.Helper()

	limiter := middleware.NewRateLimiter(context.Background(), 100)
	t.Cleanup(limiter.Stop)
	return newHTTPHandler(newTestService(t), validator, metrics.New(), logging.Discard(), config.Config{}, limiter)
}

func TestNewHTTPHandlerProtectsV1RoutesIncludingEscapedPaths(t *testing.T) {
	validator := &fakeHTTPTokenValidator{keyID: "key-test"}
	handler := newTestHandler(t, validator)

	t.Run("unauthenticated escaped v1 path is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/%76%31/fees", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("WWW-Authenticate = %q, want %q", got, "Bearer")
		}
	})

	t.Run("authenticated v1 path is allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/fees", nil)
		req.Header.Set("Authorization", "Bearer key.secret")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if validator.calls != 1 {
			t.Fatalf("ValidateToken calls = %d, want %d", validator.calls, 1)
		}
	})
}

func TestNewHTTPHandlerKeepsPublicEndpointsAccessible(t *testing.T) {
	handler := newTestHandler(t, &fakeHTTPTokenValidator{err: errors.New("invalid token")})

	for _, path := range []string{"/healthz", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.Header.Set("Authorization", "Bearer bad")
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}

	t.Run("unknown routes are not exposed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})
}

func TestNewHTTPHandlerAssignsRequestID(t *testing.T) {
	handler := newTestHandler(t, &fakeHTTPTokenValidator{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("X-Request-ID = %q, want %q", got, "req-42")
	}
}

func TestNewHTTPHandlerValidatesAPIKeysAgainstStore(t *testing.T) {
	hash, err := middleware.HashAPIKey("good-secret")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}
	repo := repository.NewMemoryRepository(repository.WithAPIKeyHashes(map[string]string{"ops": hash}))
	handler := newTestHandler(t, middleware.APIKeyValidator{Store: repo})

	tests := []struct {
		token string
		want  int
	}{
		{token: "ops.good-secret", want: http.StatusOK},
		{token: "ops.bad-secret", want: http.StatusUnauthorized},
		{token: "missing.good-secret", want: http.StatusUnauthorized},
		{token: "no-delimiter", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/conditions", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

const seedYAML = `
rules:
  - id: heavy-cart
    fee_type: fixed
    amount: 5
    match_type: match_all
    conditions:
      - kind: quantity
        operator: greater_than
        values: ["10"]
  - id: paypal
    fee_type: percentage
    amount: 2.5
    match_type: match_any
    conditions:
      - kind: payment_gateway
        operator: equal
        values: [paypal]
`

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestSeedRules(t *testing.T) {
	svc := newTestService(t)

	n, err := seedRules(context.Background(), svc, writeSeedFile(t, seedYAML))
	if err != nil {
		t.Fatalf("seedRules() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("seeded = %d, want 2", n)
	}

	rule, err := svc.GetFeeRule(context.Background(), "paypal")
	if err != nil {
		t.Fatalf("GetFeeRule() error = %v", err)
	}
	if rule.FeeType != core.FeeTypePercentage || rule.Amount.String() != "2.5" {
		t.Fatalf("seeded rule = %+v", rule)
	}
}

func TestSeedRulesRejectsInvalidSetWithoutWriting(t *testing.T) {
	svc := newTestService(t)
	invalid := strings.Replace(seedYAML, "fee_type: percentage", "fee_type: bogus", 1)

	n, err := seedRules(context.Background(), svc, writeSeedFile(t, invalid))
	if err == nil {
		t.Fatal("seedRules() error = nil, want validation error")
	}
	if !errors.Is(err, service.ErrInvalidSettings) {
		t.Fatalf("seedRules() error = %v, want ErrInvalidSettings", err)
	}
	if n != 0 {
		t.Fatalf("seeded = %d, want 0", n)
	}

	rules, err := svc.ListFeeRules(context.Background())
	if err != nil {
		t.Fatalf("ListFeeRules() error = %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("rules after rejected seed = %d, want 0", len(rules))
	}
}

func TestSeedRulesMissingFile(t *testing.T) {
	if _, err := seedRules(context.Background(), newTestService(t), filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("seedRules() error = nil, want missing file error")
	}
}

type fakeHTTPTokenValidator struct {
	err   error
	calls int
	keyID string
}

func (f *fakeHTTPTokenValidator) ValidateToken(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.keyID, f.err
}

func TestHashPassword(t *testing.T) {
	var out bytes.Buffer
	if err := hashPassword(strings.NewReader("open sesame\n"), &out); err != nil {
		t.Fatalf("hashPassword() error = %v", err)
	}
	hash := strings.TrimSpace(out.String())
	ok, err := admin.VerifyPassword("open sesame", hash)
	if err != nil || !ok {
		t.Fatalf("VerifyPassword() = %v, %v for %q", ok, err, hash)
	}

	if err := hashPassword(strings.NewReader("\n"), &out); err == nil {
		t.Fatal("expected error for empty password")
	}
}

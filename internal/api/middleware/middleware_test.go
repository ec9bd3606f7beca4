package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuth(t *testing.T) {
	const key = "secret-key"

	tests := []struct {
		name     string
		header   string
		wantCode int
	}{
		{"valid key", "Bearer secret-key", http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret-key", http.StatusUnauthorized},
		{"empty key", "Bearer ", http.StatusUnauthorized},
		{"wrong key", "Bearer other-key", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://test/v1/index/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec := httptest.NewRecorder()
			Auth(key)(okHandler()).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}

	t.Run("unconfigured key rejects everything", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://test/v1/index/stats", nil)
		req.Header.Set("Authorization", "Bearer ")

		rec := httptest.NewRecorder()
		Auth("")(okHandler()).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRequestID(t *testing.T) {
	t.Run("generates id when absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://test/health", nil)
		rec := httptest.NewRecorder()

		RequestID(okHandler()).ServeHTTP(rec, req)

		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("propagates client id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://test/health", nil)
		req.Header.Set("X-Request-ID", "client-id-1")

		rec := httptest.NewRecorder()
		RequestID(okHandler()).ServeHTTP(rec, req)

		assert.Equal(t, "client-id-1", rec.Header().Get("X-Request-ID"))
	})
}

func TestMaxBody(t *testing.T) {
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		w.WriteHeader(http.StatusOK)
	})

	t.Run("under limit passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "http://test/v1/match", strings.NewReader("small"))
		rec := httptest.NewRecorder()

		MaxBody(64, nil)(echo).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("over limit returns 413", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "http://test/v1/match", strings.NewReader(strings.Repeat("a", 128)))
		rec := httptest.NewRecorder()

		MaxBody(64, nil)(echo).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/v1/trials/NCT01234567", "/v1/trials/{nctId}"},
		{"/v1/trials/NCT01234567/", "/v1/trials/{nctId}/"},
		{"/v1/match", "/v1/match"},
		{"/v1/index/stats", "/v1/index/stats"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeRoute(tt.path), tt.path)
	}
}

package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type observed struct {
	route, status string
}

type recorder struct{ got []observed }

func (r *recorder) ObserveHTTP(route, status string, _ time.Duration) {
	r.got = append(r.got, observed{route, status})
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPipeline(t *testing.T) {
	obs := &recorder{}
	r := chi.NewRouter()
	r.Use(RequestID, Logger(discard(), obs), Recovery(discard()))
	r.Get("/collections/{name}", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, GetRequestID(r.Context()))
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("bad state") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/collections/shifts", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "req-123", w.Header().Get(HeaderRequestID))

	require.Len(t, obs.got, 2)
	assert.Equal(t, observed{"/collections/{name}", "418"}, obs.got[0])
	assert.Equal(t, "500", obs.got[1].status)
}

func TestRequireToken(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	t.Run("empty token disables the check", func(t *testing.T) {
		w := httptest.NewRecorder()
		RequireToken("", discard())(ok).ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/config", nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("rejects missing and wrong tokens", func(t *testing.T) {
		h := RequireToken("ops-secret", discard())(ok)
		for _, header := range []string{"", "Bearer nope", "ops-secret"} {
			req := httptest.NewRequest(http.MethodPut, "/config", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code, header)
		}

		req := httptest.NewRequest(http.MethodPut, "/config", nil)
		req.Header.Set("Authorization", "Bearer ops-secret")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func serveCORS(origins []string, method, origin string) *httptest.ResponseRecorder {
	called := false
	h := CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(method, "/messaging/", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if method != http.MethodOptions && !called {
		rec.Code = -1
	}
	return rec
}

func TestCORSExplicitOriginGetsCredentials(t *testing.T) {
	t.Parallel()

	rec := serveCORS([]string{"https://chat.example.com"}, http.MethodGet, "https://chat.example.com")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "https://chat.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSWildcardWithoutCredentials(t *testing.T) {
	t.Parallel()

	rec := serveCORS([]string{"*"}, http.MethodPost, "https://elsewhere.example")
	assert.Equal(t, "https://elsewhere.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSUnknownOrigin(t *testing.T) {
	t.Parallel()

	rec := serveCORS([]string{"https://chat.example.com"}, http.MethodGet, "https://evil.example")
	assert.Equal(t, http.StatusAccepted, rec.Code, "request still served, browser enforces")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	t.Parallel()

	rec := serveCORS([]string{"*"}, http.MethodOptions, "https://chat.example.com")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

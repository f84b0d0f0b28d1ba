package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-governance-gateway/middleware"
)

// authed attaches claims for sub the way RequireAuth would
func authed(req *http.Request, sub string, roles ...string) *http.Request {
	claims := &middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: sub},
		Email:            sub + "@example.com",
		Roles:            roles,
	}
	ctx := middleware.WithRequestID(req.Context(), "req-test")
	return req.WithContext(middleware.WithClaims(ctx, claims))
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

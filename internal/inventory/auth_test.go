package inventory

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckAPIKey(t *testing.T) {
	assert.ErrorIs(t, CheckAPIKey("", "secret"), ErrAPIKeyMissing)
	assert.ErrorIs(t, CheckAPIKey("nope", "secret"), ErrAPIKeyInvalid)
	assert.ErrorIs(t, CheckAPIKey("secret", ""), ErrAPIKeyInvalid)
	assert.NoError(t, CheckAPIKey("secret", "secret"))
}

func TestRequireAPIKey(t *testing.T) {
	reached := false
	guarded := RequireAPIKey("secret", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		key    string
		status int
		body   string
	}{
		{name: "missing", status: http.StatusUnauthorized, body: "API Key is missing"},
		{name: "invalid", key: "wrong", status: http.StatusForbidden, body: "Invalid API Key"},
		{name: "valid", key: "secret", status: http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reached = false
			req := httptest.NewRequest(http.MethodPost, "/api/pos/sync", nil)
			if tc.key != "" {
				req.Header.Set(APIKeyHeader, tc.key)
			}
			rec := httptest.NewRecorder()
			guarded.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.body == "", reached)
			if tc.body != "" {
				assert.Contains(t, rec.Body.String(), tc.body)
			}
		})
	}
}

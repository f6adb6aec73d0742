package inventory

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/odyssey-pos/internal/platform/httpx"
)

// APIKeyHeader carries the shared secret on portal-originated calls.
const APIKeyHeader = "X-API-Key"

// CheckAPIKey compares the presented key with the configured one.
func CheckAPIKey(presented, expected string) error {
	if presented == "" {
		return ErrAPIKeyMissing
	}
	if expected == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return ErrAPIKeyInvalid
	}
	return nil
}

// RequireAPIKey rejects requests whose X-API-Key does not match expected.
// Rejected requests never reach the ledger.
func RequireAPIKey(expected string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := CheckAPIKey(r.Header.Get(APIKeyHeader), expected)
			switch err {
			case nil:
				next.ServeHTTP(w, r)
			case ErrAPIKeyMissing:
				logger.Warn("inbound sync without api key", slog.String("path", r.URL.Path))
				httpx.JSON(w, http.StatusUnauthorized, messageResponse{Success: false, Message: err.Error()})
			default:
				logger.Warn("inbound sync with invalid api key", slog.String("path", r.URL.Path))
				httpx.JSON(w, http.StatusForbidden, messageResponse{Success: false, Message: err.Error()})
			}
		})
	}
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

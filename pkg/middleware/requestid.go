package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ara-campus/ara/pkg/logger"
)

const RequestIDHeader = "X-Request-ID"

// RequestID reuses an inbound X-Request-ID or assigns a new UUID, echoes it
// on the response, and stores it in the request context for logging.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

// GetRequestID returns the ID assigned by RequestID.
func GetRequestID(r *http.Request) string {
	return logger.RequestID(r.Context())
}

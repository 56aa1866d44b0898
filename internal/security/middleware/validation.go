package middleware

import (
	"log/slog"
	"mime"
	"net/http"
)

// mutating methods are the only ones expected to carry a request body.
var mutatingMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// ValidateJSONContentType rejects mutating requests whose body is not
// declared as JSON. Bodyless requests pass through untouched.
func ValidateJSONContentType(log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutatingMethods[r.Method] || r.ContentLength == 0 {
				next.ServeHTTP(w, r)
				return
			}

			declared := r.Header.Get("Content-Type")
			mediaType, _, err := mime.ParseMediaType(declared)
			if err != nil || mediaType != "application/json" {
				log.Warn("rejected non-json body",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("content_type", declared),
				)
				http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

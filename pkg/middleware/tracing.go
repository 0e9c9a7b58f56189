package middleware

import (
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/tracing"
)

// Tracing opens a root span per request and logs the finished span tree.
// It must run inside RequestID so the trace id matches the request id.
func Tracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.Start(r.Context(), r.Method+" "+normalizePath(r.URL.Path))
		next.ServeHTTP(w, r.WithContext(ctx))
		span.End()
		span.Log(ctx, logger.FromContext(ctx))
	})
}

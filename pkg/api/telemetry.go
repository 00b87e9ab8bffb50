package api

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openclaw/core/pkg/observability"
)

// statusCapture records the response status for telemetry.
type statusCapture struct {
	http.ResponseWriter
	status int
}

func (sc *statusCapture) WriteHeader(code int) {
	sc.status = code
	sc.ResponseWriter.WriteHeader(code)
}

// Telemetry traces each request and feeds the RED metrics.
func Telemetry(provider *observability.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attrs := []attribute.KeyValue{
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			}
			ctx, finish := provider.TrackOperation(r.Context(), r.Method+" "+r.URL.Path, attrs...)

			capture := &statusCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r.WithContext(ctx))

			observability.SpanFromContext(ctx).SetAttributes(
				attribute.Int("http.response.status_code", capture.status))
			if capture.status >= 500 {
				finish(fmt.Errorf("http %d", capture.status))
				return
			}
			finish(nil)
		})
	}
}

package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type ctxKey string

const ctxKeyDispatch ctxKey = "dispatch_request"

// dispatchRequest is what the request log knows about one dispatch call.
// The auth middleware fills in the worker once its token is validated.
type dispatchRequest struct {
	id     string
	worker string
}

func dispatchFromContext(ctx context.Context) *dispatchRequest {
	d, _ := ctx.Value(ctxKeyDispatch).(*dispatchRequest)
	return d
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if d := dispatchFromContext(ctx); d != nil {
		return d.id
	}
	return ""
}

// setWorker records the authenticated worker of the request, if tracked.
func setWorker(ctx context.Context, worker string) {
	if d := dispatchFromContext(ctx); d != nil {
		d.worker = worker
	}
}

// dispatchLogMiddleware assigns the request id and logs one line per call
// with the route, unit and worker it concerned.
func dispatchLogMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			d := &dispatchRequest{id: requestID()}
			w.Header().Set("X-Request-ID", d.id)
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), ctxKeyDispatch, d)))

			route, unit := r.URL.Path, ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
				unit = rctx.URLParam("id")
			}
			attrs := []any{
				"method", r.Method,
				"route", route,
				"status", sw.status,
				"duration", time.Since(start).String(),
				"request_id", d.id,
			}
			if unit != "" {
				attrs = append(attrs, "unit", unit)
			}
			if d.worker != "" {
				attrs = append(attrs, "worker", d.worker)
			}

			level := slog.LevelDebug
			if sw.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "dispatch request", attrs...)
		})
	}
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

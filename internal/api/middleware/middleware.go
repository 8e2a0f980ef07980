package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ZertGraf/pr-insight/internal/api/handler"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
)

// quietPaths are polled by the platform and not worth an access log line.
var quietPaths = map[string]struct{}{
	"/metrics": {},
	"/health":  {},
}

// AccessLog logs one line per request, keyed by the matched route so
// per-id paths group together. Server errors log at error level.
func AccessLog(log *logger.Logger) func(next http.Handler) http.Handler {
	log = log.Component("http/access")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			if _, ok := quietPaths[r.URL.Path]; ok && ww.Status() < http.StatusInternalServerError {
				return
			}

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			args := []any{
				"method", r.Method,
				"route", route,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"request_id", chimw.GetReqID(r.Context()),
				"duration_ms", time.Since(start).Milliseconds(),
			}

			switch {
			case ww.Status() >= http.StatusInternalServerError:
				log.Error("request", args...)
			case ww.Status() >= http.StatusBadRequest:
				log.Warn("request", args...)
			default:
				log.Info("request", args...)
			}
		})
	}
}

// BodyLimit caps request bodies. A declared length over the limit is
// refused before the handler runs; chunked bodies are cut off by
// http.MaxBytesReader.
func BodyLimit(limit int64, log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				log.Warn("request body too large",
					"path", r.URL.Path,
					"content_length", r.ContentLength,
					"limit", limit,
				)
				writeError(w, http.StatusRequestEntityTooLarge, handler.CodeTooLarge,
					fmt.Sprintf("request body exceeds %d bytes", limit), log)
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Security sets response headers for a JSON-only API.
func Security() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}

// Recovery turns a handler panic into a 500 with the API error body.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Recovery(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error("panic recovered",
					"panic", rec,
					"route", r.URL.Path,
					"request_id", chimw.GetReqID(r.Context()),
					"stack", string(debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError, handler.CodeInternal, "internal server error", log)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code handler.ErrorCode, message string, log *logger.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(handler.ErrorResponse{
		Error: handler.ErrorDetail{Code: code, Message: message},
	}); err != nil {
		log.Warn("failed to write error response", "error", err)
	}
}

package http

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/localrivet/opgate/security"
)

// recoverer turns a handler panic into a 500 reply. Unlike chi's Recoverer
// it answers with the gateway error body and logs through slog.
func (t *Transport) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			t.GetLogger().Error("panic serving request",
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", middleware.GetReqID(r.Context()),
			)
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// measure records one sample per request in the monitor. Responses with a
// 4xx or 5xx status, and panics, count as errors. An open event stream
// counts as a connection but not as a request: its lifetime is not a
// response time. Streams rejected before opening are still recorded.
func (t *Transport) measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream := r.Method == http.MethodGet && r.URL.Path == PathStream
		clock := t.monitor.Clock()
		start := clock.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		t.monitor.IncrementConnections()
		defer func() {
			t.monitor.DecrementConnections()
			rec := recover()
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if rec != nil {
				status = http.StatusInternalServerError
			}
			if !stream || status >= http.StatusBadRequest {
				t.monitor.RecordRequest(clock.Since(start), status >= http.StatusBadRequest)
			}
			if rec != nil {
				panic(rec)
			}
		}()
		next.ServeHTTP(ww, r)
	})
}

// authenticate requires a valid Authorization header on every route except
// /health and /stream. The stream route authenticates on its own because
// browser clients pass credentials in the query string.
func (t *Transport) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathHealth, PathStream:
			next.ServeHTTP(w, r)
			return
		}

		if t.auth == nil || !t.auth.Enabled() {
			ctx := security.WithIdentity(r.Context(), security.BypassIdentity("local"))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		id, err := t.auth.AuthenticateHeader(r.Header.Get("Authorization"))
		if err != nil {
			t.GetLogger().Warn("request rejected", "path", r.URL.Path, "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="opgate"`)
			writeError(w, http.StatusUnauthorized, security.SanitizeAuthError(err))
			return
		}
		next.ServeHTTP(w, r.WithContext(security.WithIdentity(r.Context(), id)))
	})
}

// validateBody buffers the body of mutating requests and checks its size
// and structure before any handler sees it.
func (t *Transport) validateBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			next.ServeHTTP(w, r)
			return
		}

		limit := int64(t.validator.Config().MaxResourceSize)
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "Unable to read request body")
			return
		}

		if err := t.validator.ValidatePayload(body); err != nil {
			t.GetLogger().Warn("request failed validation", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusBadRequest, security.SanitizeError(err, t.debugErrors))
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		next.ServeHTTP(w, r)
	})
}

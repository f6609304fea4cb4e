package httpapi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/accessible-dispatch/internal/observability"
)

type ctxKey int

const requestIDKey ctxKey = iota

// entity ids worth carrying into the access log when a route names them
var loggedVars = []string{"id", "driver_id", "region_id"}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.withRecovery, s.withRequestID, s.withAccessLog)
}

// withRequestID honours an inbound X-Request-ID and echoes it back.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = newID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		elapsed := time.Since(start)
		route := routeTemplate(r)
		code := sw.code()
		labels := []string{r.Method, route, strconv.Itoa(code)}
		observability.HTTPRequestsTotal.WithLabelValues(labels...).Inc()
		observability.HTTPRequestDuration.WithLabelValues(labels...).Observe(elapsed.Seconds())

		attrs := []any{
			"method", r.Method,
			"route", route,
			"status", code,
			"bytes", sw.bytes,
			"duration_ms", elapsed.Milliseconds(),
			"remote_addr", clientIP(r),
			"request_id", requestIDFromContext(r.Context()),
		}
		vars := mux.Vars(r)
		for _, k := range loggedVars {
			if v, ok := vars[k]; ok {
				attrs = append(attrs, k, v)
			}
		}
		if code >= http.StatusInternalServerError {
			s.logger.Warn("http_request", attrs...)
			return
		}
		s.logger.Info("http_request", attrs...)
	})
}

// withRecovery turns a handler panic into the standard JSON error body.
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("panic recovered", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "panic", rec)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Hijack lets the WebSocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

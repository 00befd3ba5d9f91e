package auth

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

func clientIp(r *http.Request) string {
	// https://stackoverflow.com/questions/27234861/correct-way-of-getting-clients-ip-addresses-from-http-request
	if ip := r.Header.Get("X-Real-Ip"); len(ip) > 0 {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); len(ip) > 0 {
		return ip
	}
	if len(r.RemoteAddr) > 0 {
		return r.RemoteAddr
	}
	return "Unknown"
}

func pathParams(r *http.Request) []interface{} {
	params := make([]interface{}, 0)

	ctx := r.Context()
	if ctx == nil {
		return params
	}

	rctx := chi.RouteContext(ctx)
	for i := range rctx.URLParams.Keys {
		if rctx.URLParams.Keys[i] != "*" {
			params = append(params, slog.String(rctx.URLParams.Keys[i], rctx.URLParams.Values[i]))
		}
	}

	return params
}

func queryParams(r *http.Request) []interface{} {
	params := make([]interface{}, 0)
	for k, v := range r.URL.Query() {
		params = append(params, slog.String(k, strings.Join(v, ";")))
	}
	return params
}

// AuditLogger records portal actions as append-only tab-separated lines
// (timestamp, user, action, detail) and logs every authenticated request.
type AuditLogger struct {
	stream io.Writer
	mu     *sync.Mutex
}

func NewAuditLogger(stream io.Writer) AuditLogger {
	return AuditLogger{stream: stream, mu: &sync.Mutex{}}
}

// Event appends one action line. Failures are logged and swallowed: the audit
// trail never blocks the operation it records.
func (log *AuditLogger) Event(user, action, detail string) {
	ts := time.Now().UTC().Format(time.RFC3339)

	log.mu.Lock()
	defer log.mu.Unlock()
	_, err := fmt.Fprintf(log.stream, "%s\t%s\t%s\t%s\n", ts, user, action, detail)
	if err != nil {
		slog.Error("error writing audit log entry", "user", user, "action", action, "error", err)
	}
}

func (log *AuditLogger) Middleware(next http.Handler) http.Handler {
	handler := func(w http.ResponseWriter, r *http.Request) {
		user, err := UserFromContext(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		slog.Info("authenticated request",
			"username", user.Username,
			"user_id", user.Id,
			"role", user.Role,
			"client_ip", clientIp(r),
			"method", r.Method,
			"url", r.URL.Path,
			slog.Group("path_params", pathParams(r)...),
			slog.Group("query_params", queryParams(r)...),
		)

		next.ServeHTTP(w, r)
	}
	return http.HandlerFunc(handler)
}

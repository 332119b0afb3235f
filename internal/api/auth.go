package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/antigravity-dev/agentd/internal/config"
)

// only control endpoint gated by RequireAuth: accepting a new task mutates
// the in-memory registry and spawns a sandbox, everything else is read-only.
const controlEndpointPath = "/tasks/execute"

// AuthMiddleware gates the one mutating endpoint (POST /tasks/execute)
// behind the shared bearer secret and records every gated request to an
// optional audit log.
type AuthMiddleware struct {
	config    *config.APISecurity
	logger    *slog.Logger
	auditFile *os.File
}

// NewAuthMiddleware opens the audit log (if configured) and returns a ready
// middleware. Callers must Close it on shutdown to flush the file handle.
func NewAuthMiddleware(cfg *config.APISecurity, logger *slog.Logger) (*AuthMiddleware, error) {
	am := &AuthMiddleware{config: cfg, logger: logger}

	if cfg.AuditLog == "" {
		return am, nil
	}

	path := config.ExpandHome(cfg.AuditLog)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("auth: open audit log %q: %w", path, err)
	}
	am.auditFile = f
	return am, nil
}

func (am *AuthMiddleware) Close() error {
	if am.auditFile == nil {
		return nil
	}
	return am.auditFile.Close()
}

// AuditEvent is one line of the bearer-gated audit log.
type AuditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	RemoteAddr string    `json:"remote_addr"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Authorized bool      `json:"authorized"`
	Token      string    `json:"token,omitempty"`
	Error      string    `json:"error,omitempty"`
	StatusCode int       `json:"status_code"`
	Duration   string    `json:"duration"`
}

// record writes event to the audit file (if one is open) and always emits a
// structured log line, so gated-request visibility doesn't depend on the
// operator having configured a file on disk.
func (am *AuthMiddleware) record(event AuditEvent) {
	am.logger.Info("auth decision",
		"path", event.Path,
		"authorized", event.Authorized,
		"status", event.StatusCode,
		"remote_addr", event.RemoteAddr,
	)

	if am.auditFile == nil {
		return
	}
	line, err := json.Marshal(event)
	if err != nil {
		am.logger.Error("marshal audit event", "error", err)
		return
	}
	if _, err := am.auditFile.Write(append(line, '\n')); err != nil {
		am.logger.Error("write audit event", "error", err)
	}
}

// truncateToken keeps only enough of a token to correlate log lines without
// leaking the secret itself.
func truncateToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "****"
}

// isLocalRequest reports whether remoteAddr originates from loopback or an
// RFC 1918 private range.
func isLocalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

// extractToken pulls the bearer credential out of an Authorization header,
// returning "" for anything malformed or absent.
func extractToken(r *http.Request) string {
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) != 2 || !strings.EqualFold(fields[0], "bearer") {
		return ""
	}
	return fields[1]
}

// isValidToken compares token against every configured secret in constant
// time, so a timing side-channel can't be used to brute-force the value
// byte by byte.
func (am *AuthMiddleware) isValidToken(token string) bool {
	if token == "" {
		return false
	}
	for _, allowed := range am.config.AllowedTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(allowed)) == 1 {
			return true
		}
	}
	return false
}

// isControlEndpoint reports whether method+path is the one mutating
// endpoint RequireAuth gates.
func isControlEndpoint(method, path string) bool {
	return method == http.MethodPost && path == controlEndpointPath
}

// RequireAuth wraps next so that requests to the control endpoint must
// satisfy either the local-only exemption (auth disabled) or a valid bearer
// token (auth enabled); every other route passes through untouched.
func (am *AuthMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isControlEndpoint(r.Method, r.URL.Path) {
			next(w, r)
			return
		}

		start := time.Now()
		event := AuditEvent{
			Timestamp:  start,
			RemoteAddr: r.RemoteAddr,
			Method:     r.Method,
			Path:       r.URL.Path,
			UserAgent:  r.Header.Get("User-Agent"),
		}
		deny := func(status int, reason, clientMsg string) {
			event.Authorized = false
			event.Error = reason
			event.StatusCode = status
			event.Duration = time.Since(start).String()
			am.record(event)
			if status == http.StatusUnauthorized {
				w.Header().Set("WWW-Authenticate", "Bearer")
			}
			writeError(w, status, clientMsg)
		}
		allow := func() {
			event.Authorized = true
			event.StatusCode = http.StatusOK
			event.Duration = time.Since(start).String()
			am.record(event)
			next(w, r)
		}

		if !am.config.Enabled {
			if am.config.RequireLocalOnly && !isLocalRequest(r.RemoteAddr) {
				deny(http.StatusForbidden, "non-local request rejected (require_local_only=true)",
					"Access denied: non-local requests not allowed")
				return
			}
			allow()
			return
		}

		token := extractToken(r)
		event.Token = truncateToken(token)
		if !am.isValidToken(token) {
			deny(http.StatusUnauthorized, "invalid or missing token", "Unauthorized: valid token required")
			return
		}
		allow()
	}
}
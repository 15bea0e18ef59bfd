package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// AuthMiddleware enforces the shared secret on mutating endpoints and
// writes an audit trail of every control request.
type AuthMiddleware struct {
	secret    string
	logger    *slog.Logger
	auditFile *os.File
}

func NewAuthMiddleware(secret, auditPath string, logger *slog.Logger) (*AuthMiddleware, error) {
	am := &AuthMiddleware{secret: secret, logger: logger}
	if auditPath != "" {
		f, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		am.auditFile = f
	}
	return am, nil
}

func (am *AuthMiddleware) Close() error {
	if am.auditFile != nil {
		return am.auditFile.Close()
	}
	return nil
}

type auditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	RemoteAddr string    `json:"remote_addr"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Authorized bool      `json:"authorized"`
	Error      string    `json:"error,omitempty"`
}

func (am *AuthMiddleware) audit(event auditEvent) {
	if am.auditFile == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if _, err := am.auditFile.Write(append(data, '\n')); err != nil {
		am.logger.Error("failed to write audit event", "error", err)
	}
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// RequireAuth wraps a mutating handler. GET handlers bind to loopback by
// default and stay open; anything that changes state needs the secret.
func (am *AuthMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		event := auditEvent{
			Timestamp:  time.Now(),
			RemoteAddr: r.RemoteAddr,
			Method:     r.Method,
			Path:       r.URL.Path,
		}
		defer func() { am.audit(event) }()

		if am.secret == "" {
			event.Error = "no API secret configured"
			writeError(w, http.StatusForbidden, "control endpoints disabled: no secret configured")
			return
		}
		token := extractToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(am.secret)) != 1 {
			event.Error = "invalid or missing token"
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		event.Authorized = true
		next(w, r)
	}
}

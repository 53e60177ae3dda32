package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/viant/mcprelay"
)

// Degraded reports whether the authentication backend is currently
// unreachable; protected endpoints answer 503 while it returns true.
type Degraded func() bool

// Middleware authenticates bearer tokens in front of MCP endpoints. On
// success the identity is stored in the request context; otherwise the
// request short-circuits with 401, or 503 when the validator backend is down.
type Middleware struct {
	validator Validator
	degraded  Degraded
	logger    *zap.Logger
}

// MiddlewareOption mutates middleware settings.
type MiddlewareOption func(m *Middleware)

// WithDegraded wires the degraded-mode flag maintained by the bootstrap.
func WithDegraded(degraded Degraded) MiddlewareOption {
	return func(m *Middleware) { m.degraded = degraded }
}

// WithMiddlewareLogger sets the middleware logger.
func WithMiddlewareLogger(logger *zap.Logger) MiddlewareOption {
	return func(m *Middleware) { m.logger = logger }
}

// NewMiddleware creates bearer-token middleware over the validator.
func NewMiddleware(validator Validator, options ...MiddlewareOption) *Middleware {
	middleware := &Middleware{validator: validator, logger: zap.NewNop()}
	for _, option := range options {
		option(middleware)
	}
	return middleware
}

// Handler wraps next with token validation.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.degraded != nil && m.degraded() {
			WriteUnavailable(w, "authorization server health probe failing")
			return
		}
		token := BearerToken(r)
		if token == "" {
			WriteUnauthorized(w)
			return
		}
		identity, err := m.validator.Validate(r.Context(), token)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				m.logger.Warn("token introspection unavailable", zap.Error(err))
				WriteUnavailable(w, "introspection endpoint unreachable")
				return
			}
			WriteUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// BearerToken extracts the token from the Authorization header, empty when
// absent or not a bearer scheme.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// WriteUnauthorized answers 401 with the bearer challenge.
func WriteUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// WriteUnavailable answers 503 with a structured JSON-RPC error so MCP
// clients can distinguish an auth outage from a bad token.
func WriteUnavailable(w http.ResponseWriter, hint string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": mcprelay.Version,
		"id":      nil,
		"error":   mcprelay.NewAuthUnavailableError(hint),
	})
	_, _ = w.Write(body)
}

package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"rpcguard/gateway/pipeline"
)

type AuthConfig struct {
	Enabled        bool
	HMACSecret     string
	Issuer         string
	Audience       string
	ScopeClaim     string
	OptionalPaths  []string
	AllowAnonymous bool
	ClockSkew      time.Duration
}

// Identity is the caller behind a verified bearer token.
type Identity struct {
	Subject string
	Scopes  []string
}

// Allows reports whether the identity holds every scope in required.
func (id Identity) Allows(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range id.Scopes {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity the Authenticator attached to ctx. The
// boolean is false for anonymous requests and when auth is disabled.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Authenticator verifies HMAC signed bearer tokens in front of the RPC
// routes. Verified identities travel in the request context so pipeline
// stages can gate individual methods on scopes.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
	parser *jwt.Parser
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(cfg.ClockSkew),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger.With("middleware", "auth"),
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
		parser: jwt.NewParser(opts...),
	}
}

// Middleware rejects requests without a valid token. requiredScopes apply to
// every request on the route; per-method requirements belong to the pipeline.
func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled || (a.cfg.AllowAnonymous && a.isOptional(r.URL.Path)) {
				next.ServeHTTP(w, r)
				return
			}
			raw := extractBearer(r.Header.Get("Authorization"))
			if raw == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeRPCError(w, http.StatusUnauthorized, pipeline.NewError(pipeline.CodeUnauthorized, "missing bearer token"))
				return
			}
			id, err := a.verify(raw)
			if err != nil {
				a.logger.Warn("token rejected", "path", r.URL.Path, "error", err)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				writeRPCError(w, http.StatusUnauthorized, pipeline.NewError(pipeline.CodeUnauthorized, "invalid token"))
				return
			}
			if !id.Allows(requiredScopes) {
				a.logger.Info("insufficient scope", "path", r.URL.Path, "subject", id.Subject, "required", requiredScopes)
				writeRPCError(w, http.StatusForbidden, pipeline.NewError(pipeline.CodeUnauthorized, "insufficient scope"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func (a *Authenticator) isOptional(path string) bool {
	for _, prefix := range a.cfg.OptionalPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// verify checks signature, algorithm, expiry, issuer and audience through
// the jwt parser and extracts the identity.
func (a *Authenticator) verify(raw string) (Identity, error) {
	if len(a.secret) == 0 {
		return Identity{}, errors.New("auth secret not configured")
	}
	claims := jwt.MapClaims{}
	if _, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return Identity{}, err
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return Identity{}, err
	}
	return Identity{Subject: subject, Scopes: scopeList(claims[a.cfg.ScopeClaim])}, nil
}

// scopeList accepts the space separated string form of RFC 8693 as well as a
// JSON array.
func scopeList(raw any) []string {
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// writeRPCError answers with a JSON-RPC error envelope so clients see the
// same shape as pipeline rejections.
func writeRPCError(w http.ResponseWriter, status int, rpcErr *pipeline.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      any             `json:"id"`
		Error   *pipeline.Error `json:"error"`
	}{JSONRPC: "2.0", Error: rpcErr})
}

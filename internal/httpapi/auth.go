package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/opencode-hub/hub/internal/store"
)

// AuthConfig configures the REST introspection surface's auth middleware.
// Grounded on the teacher's internal/server/auth.go AuthConfig.
type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	Logger                 *log.Logger
}

// Principal is the authenticated caller attached to a request's context.
type Principal struct {
	ParticipantID string
	Source        string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// principalFromContextOrError is the huma-handler-friendly form, mirroring
// the teacher's principalFromRequest used by its "current principal" route.
func principalFromContextOrError(ctx context.Context) (Principal, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ParticipantID == "" {
		return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return p, nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ParticipantID: claims.Subject, Source: "jwt"}, nil
}

func authenticateAPIKey(ctx context.Context, repo store.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	hash := store.HashAPIKey(key)
	apiKey, err := repo.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return Principal{}, err
	}
	if apiKey.ParticipantID == "" {
		return Principal{}, errors.New("api key missing participant")
	}
	return Principal{ParticipantID: apiKey.ParticipantID, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// ResolveParticipant authenticates req against cfg, trying (in order) a
// JWT bearer token from the Authorization header or a `token` query
// parameter (the latter so the WS upgrade handshake, which can't set
// custom headers from a browser, can still authenticate), an X-Api-Key
// header, and finally the legacy X-Actor-Id header when explicitly
// enabled. Shared by newAuthMiddleware and the /ws upgrade route so both
// surfaces resolve a caller identity the same way.
func ResolveParticipant(r *http.Request, cfg AuthConfig, repo store.Repo) (Principal, error) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	queryToken := strings.TrimSpace(r.URL.Query().Get("token"))
	apiKeyHeader := strings.TrimSpace(r.Header.Get("X-Api-Key"))
	legacyParticipant := strings.TrimSpace(r.Header.Get("X-Actor-Id"))

	if authz != "" {
		token, ok := bearerToken(authz)
		if !ok {
			return Principal{}, errors.New("malformed authorization header")
		}
		return authenticateJWT(token, cfg.JWTSecret)
	}
	if queryToken != "" {
		return authenticateJWT(queryToken, cfg.JWTSecret)
	}
	if apiKeyHeader != "" {
		return authenticateAPIKey(r.Context(), repo, apiKeyHeader)
	}
	if legacyParticipant != "" && cfg.AllowLegacyActorHeader {
		cfg.logger().Printf("WARNING: using legacy X-Actor-Id header without auth; deprecated, ignored when Authorization, token or X-Api-Key is present (participant_id=%s)", legacyParticipant)
		return Principal{ParticipantID: legacyParticipant, Source: "legacy_header"}, nil
	}
	return Principal{}, errors.New("authentication required")
}

// newAuthMiddleware enforces auth on every route under basePath except
// the health probe.
func newAuthMiddleware(basePath string, cfg AuthConfig, repo store.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}

			principal, err := ResolveParticipant(req, cfg, repo)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

package server

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

	"taskpilot/internal/engine"
	"taskpilot/internal/engine/auth"
	"taskpilot/internal/events"
	"taskpilot/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	// Required rejects requests without credentials. When false, such
	// requests run as the X-Actor-Id header value (or "anonymous").
	Required bool
	Logger   *log.Logger
}

const (
	sourceJWT       = "jwt"
	sourceAPIKey    = "api_key"
	sourceAnonymous = "anonymous"
)

type Principal struct {
	ActorID string
	// OrgID restricts the principal to one organization when set.
	OrgID       string
	Permissions []string
	Source      string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = events.WithActor(ctx, p.ActorID)
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Org         string   `json:"org,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
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
	return Principal{
		ActorID:     claims.Subject,
		OrgID:       claims.Org,
		Permissions: claims.Permissions,
		Source:      sourceJWT,
	}, nil
}

// authenticateAPIKey resolves an organization key. Keys act for their
// organization with full permissions.
func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		ActorID: "apikey:" + apiKey.ID,
		OrgID:   apiKey.OrganizationID,
		Source:  sourceAPIKey,
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	hooksPrefix := path.Join(basePath, "hooks") + "/"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			// Webhook receivers authenticate by signature.
			if req.URL.Path == healthPath || strings.HasPrefix(req.URL.Path, hooksPrefix) {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			actorHeader := strings.TrimSpace(req.Header.Get("X-Actor-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if !cfg.Required {
				actor := actorHeader
				if actor == "" {
					actor = sourceAnonymous
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), Principal{ActorID: actor, Source: sourceAnonymous})))
				return
			}
			if actorHeader != "" {
				cfg.logger().Printf("WARNING: ignoring X-Actor-Id without credentials (actor_id=%s)", actorHeader)
			}
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
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

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// authorize checks that the request principal may use perm in orgID and
// returns its actor id.
func authorize(ctx context.Context, e engine.Engine, orgID, perm string) (string, error) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if p.OrgID != "" && p.OrgID != orgID {
		return "", auth.ForbiddenError{Permission: perm, OrgID: orgID}
	}
	switch {
	case p.Source == sourceAnonymous, p.Source == sourceAPIKey:
		return p.ActorID, nil
	case hasPermission(p.Permissions, perm):
		return p.ActorID, nil
	}
	if err := e.Auth.Require(ctx, orgID, p.ActorID, perm); err != nil {
		return "", err
	}
	return p.ActorID, nil
}

// authorizeGlobal guards endpoints that are not scoped to one organization.
// It returns the organization the principal is limited to, if any.
func authorizeGlobal(ctx context.Context, perm string) (string, error) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	switch {
	case p.Source == sourceAnonymous:
		return "", nil
	case p.OrgID != "":
		return p.OrgID, nil
	case hasPermission(p.Permissions, perm):
		return "", nil
	}
	return "", auth.ForbiddenError{Permission: perm}
}

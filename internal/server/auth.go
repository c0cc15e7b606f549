package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"freightline/internal/domain"
	"freightline/internal/engine"
	"freightline/internal/engine/auth"
	"freightline/internal/ledger"
	"freightline/internal/logger"
)

const (
	headerAPIKey    = "X-Api-Key"
	headerParty     = "X-Party"
	headerSignature = "X-Freightline-Signature"
	headerSignedAt  = "X-Freightline-Signed-At"
)

type AuthConfig struct {
	JWTSecret string
	// AllowPartyHeader trusts X-Party without credentials. Local development only.
	AllowPartyHeader bool
	Log              *logrus.Entry
}

func (c AuthConfig) log() *logrus.Entry {
	if c.Log != nil {
		return c.Log
	}
	return logger.NewSublogger("server.auth")
}

func authenticateJWT(token string, secret string) (auth.Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return auth.Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return auth.Principal{}, err
	}
	if !parsed.Valid {
		return auth.Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return auth.Principal{}, errors.New("subject claim required")
	}
	return auth.Principal{Party: domain.Party(claims.Subject), Source: "jwt"}, nil
}

// SignDevToken mints an HS256 token whose subject is party.
func SignDevToken(secret string, party domain.Party, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if party == "" {
		return "", errors.New("party required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   string(party),
		Issuer:    "freightline-dev",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateAPIKey(ctx context.Context, e engine.Engine, key string) (auth.Principal, error) {
	if strings.TrimSpace(key) == "" {
		return auth.Principal{}, errors.New("api key required")
	}
	var party domain.Party
	err := e.Store.View(ctx, func(ctx context.Context, kv ledger.KV) error {
		var err error
		party, err = e.Repo.PartyForAPIKey(ctx, kv, key)
		return err
	})
	if err != nil {
		return auth.Principal{}, err
	}
	return auth.Principal{Party: party, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware resolves the caller's principal and signature. Requests
// without credentials pass through; the engine rejects them when the
// operation needs a party.
func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			ctx := req.Context()
			if sig := strings.TrimSpace(req.Header.Get(headerSignature)); sig != "" {
				ctx = auth.WithCredential(ctx, auth.Credential{
					Signature: sig,
					IssuedAt:  strings.TrimSpace(req.Header.Get(headerSignedAt)),
				})
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKey := strings.TrimSpace(req.Header.Get(headerAPIKey))
			partyHeader := strings.TrimSpace(req.Header.Get(headerParty))
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					cfg.log().WithError(err).Debug("Rejected bearer token")
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				ctx = auth.WithPrincipal(ctx, principal)
			case apiKey != "":
				principal, err := authenticateAPIKey(ctx, e, apiKey)
				if err != nil {
					cfg.log().WithError(err).Debug("Rejected api key")
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				ctx = auth.WithPrincipal(ctx, principal)
			case partyHeader != "" && cfg.AllowPartyHeader:
				cfg.log().WithField("party", partyHeader).Warn("Trusting unauthenticated X-Party header")
				ctx = auth.WithPrincipal(ctx, auth.Principal{Party: domain.Party(partyHeader), Source: "party_header"})
			}
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// partyFor picks the explicit party of a request or falls back to the
// authenticated principal.
func partyFor(ctx context.Context, explicit string) domain.Party {
	if p := strings.TrimSpace(explicit); p != "" {
		return domain.Party(p)
	}
	if p, ok := auth.PrincipalFrom(ctx); ok {
		return p.Party
	}
	return ""
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

package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityStore is the persistence surface the Resolver needs. Implementations
// must return (nil, nil) / ("", nil) for a clean miss and a non-nil error only
// for infrastructure failures.
type IdentityStore interface {
	// APIKeyByHash looks up an API key by the hex SHA-256 digest of the raw key.
	APIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)

	// UserByEmail is the single canonical identity lookup
	// (SELECT id, is_admin FROM users WHERE email = $1). Every code path that
	// resolves a user from a token goes through this method, so independent
	// call sites always agree on the same user for the same token.
	UserByEmail(ctx context.Context, email string) (userID string, isAdmin bool, err error)

	// TouchAPIKey updates the key's last-used timestamp. Best effort.
	TouchAPIKey(ctx context.Context, keyID string)
}

// Credentials carries the raw material extracted from a request: the bearer
// API key header and the signed session cookie. At most one wins.
type Credentials struct {
	APIKey       string
	SessionToken string
}

// SessionClaims is the payload of a signed session token.
type SessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Resolver turns request credentials into a canonical AuthContext. It is the
// only component that reads secrets; routes never touch tokens directly.
type Resolver struct {
	store         IdentityStore
	signingSecret []byte
	overrideToken string
	lookupTimeout time.Duration
}

func NewResolver(store IdentityStore, signingSecret, overrideToken string, lookupTimeout time.Duration) *Resolver {
	return &Resolver{
		store:         store,
		signingSecret: []byte(signingSecret),
		overrideToken: overrideToken,
		lookupTimeout: lookupTimeout,
	}
}

// Resolve produces the AuthContext for a request. A non-nil error means an
// infrastructure failure (lookup timed out or the database is unreachable)
// and the caller must fail closed with a retryable service-unavailable
// response; credential problems come back as Authorized == false.
func (r *Resolver) Resolve(ctx context.Context, creds Credentials) (AuthContext, error) {
	ctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()

	// Operator override: active only when a token is configured. An empty
	// configured token disables the path entirely — it never falls back to a
	// built-in default.
	if r.overrideToken != "" && creds.APIKey != "" {
		if subtle.ConstantTimeCompare([]byte(creds.APIKey), []byte(r.overrideToken)) == 1 {
			return AuthContext{
				Authorized:     true,
				Method:         MethodOverride,
				IsLatticeAdmin: true,
			}, nil
		}
	}

	if creds.APIKey != "" {
		return r.resolveAPIKey(ctx, creds.APIKey)
	}

	if creds.SessionToken != "" {
		return r.resolveSession(ctx, creds.SessionToken)
	}

	return AuthContext{Reason: "missing credentials"}, nil
}

func (r *Resolver) resolveAPIKey(ctx context.Context, rawKey string) (AuthContext, error) {
	key, err := r.store.APIKeyByHash(ctx, HashAPIKey(rawKey))
	if err != nil {
		return AuthContext{}, fmt.Errorf("api key lookup: %w", err)
	}
	if key == nil || !key.Active {
		return AuthContext{Reason: "invalid api key"}, nil
	}

	// Last-used update is best effort and must not delay the request.
	go r.store.TouchAPIKey(context.WithoutCancel(ctx), key.ID)

	return AuthContext{
		Authorized: true,
		Method:     MethodAPIKey,
		ProjectID:  key.ProjectID,
		KeyType:    key.KeyType,
		KeyPrefix:  keyPrefix(rawKey),
	}, nil
}

func (r *Resolver) resolveSession(ctx context.Context, tokenString string) (AuthContext, error) {
	// The signing secret is validated at startup, but a misconfigured caller
	// must still fail closed rather than silently accept.
	if len(r.signingSecret) == 0 {
		return AuthContext{Reason: "signing secret not configured"}, nil
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.signingSecret, nil
	})
	if err != nil || !token.Valid {
		return AuthContext{Reason: "invalid session token"}, nil
	}
	if claims.Email == "" {
		return AuthContext{Reason: "session token missing email"}, nil
	}

	userID, isAdmin, err := r.store.UserByEmail(ctx, claims.Email)
	if err != nil {
		return AuthContext{}, fmt.Errorf("user lookup: %w", err)
	}
	if userID == "" {
		return AuthContext{Reason: "unknown user"}, nil
	}

	return AuthContext{
		Authorized: true,
		Method:     MethodSession,
		UserID:     userID,
		IsAdmin:    isAdmin,
	}, nil
}

// keyPrefix returns the non-sensitive leading fragment of an API key used for
// usage attribution.
func keyPrefix(rawKey string) string {
	if len(rawKey) <= 8 {
		return rawKey
	}
	return rawKey[:8]
}

// HashAPIKey returns the hex SHA-256 digest under which an API key is stored.
func HashAPIKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

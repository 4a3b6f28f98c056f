package conn

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kvlar/examsync/internal/errs"
	"github.com/kvlar/examsync/internal/kvstore"
)

const tokenKey = "session:token"

// defaultTokenTTL is assumed when a token carries no exp claim.
const defaultTokenTTL = 15 * time.Minute

// TokenExpired inspects the JWT exp claim without validating the signature;
// the server remains the authority, this only avoids dialing with a token
// that is already known to be dead.
func TokenExpired(token string, now time.Time) bool {
	if token == "" {
		return true
	}
	var claims jwt.RegisteredClaims
	_, _, err := jwt.NewParser(jwt.WithoutClaimsValidation()).ParseUnverified(token, &claims)
	if err != nil || claims.ExpiresAt == nil {
		return false
	}
	return now.After(claims.ExpiresAt.Time)
}

// TokenStore persists the access token between sessions.
type TokenStore struct {
	store kvstore.Store
}

type tokenRecord struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// NewTokenStore wraps a kv store for token persistence.
func NewTokenStore(store kvstore.Store) *TokenStore {
	return &TokenStore{store: store}
}

// Save stores credentials with an expiry derived from the JWT exp claim,
// falling back to a short default.
func (t *TokenStore) Save(creds Credentials, now time.Time) error {
	exp := now.Add(defaultTokenTTL)
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser(jwt.WithoutClaimsValidation()).ParseUnverified(creds.Token, &claims); err == nil && claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	data, err := json.Marshal(tokenRecord{
		AccessToken: creds.Token,
		UserID:      creds.UserID,
		ExpiresAt:   exp,
	})
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	return t.store.Set(tokenKey, data)
}

// Load returns stored credentials, or ErrUnauthorized when absent or expired.
// A malformed record is discarded, not surfaced.
func (t *TokenStore) Load(now time.Time) (Credentials, error) {
	data, ok, err := t.store.Get(tokenKey)
	if err != nil {
		return Credentials{}, err
	}
	if !ok {
		return Credentials{}, errs.ErrUnauthorized
	}
	var rec tokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		_ = t.store.Remove(tokenKey)
		return Credentials{}, errs.ErrUnauthorized
	}
	if rec.AccessToken == "" || now.After(rec.ExpiresAt) {
		return Credentials{}, errs.ErrUnauthorized
	}
	return Credentials{UserID: rec.UserID, Token: rec.AccessToken}, nil
}

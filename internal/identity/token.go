package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTokenTTL bounds how long an issued token stays valid without
// re-authentication.
const DefaultTokenTTL = 24 * time.Hour

// TokenClaims is the payload stored behind a bearer token.
type TokenClaims struct {
	UserID   int64     `json:"user_id"`
	Email    string    `json:"email"`
	IssuedAt time.Time `json:"issued_at"`
}

// TokenStore keeps opaque bearer tokens in Redis. Revocation is
// immediate; expiry rides on the key TTL.
type TokenStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTokenStore constructs a TokenStore.
func NewTokenStore(client *redis.Client, ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenStore{client: client, ttl: ttl}
}

// TTL exposes the configured token lifetime.
func (ts *TokenStore) TTL() time.Duration {
	return ts.ttl
}

// Issue stores fresh claims for the user and returns the opaque token.
func (ts *TokenStore) Issue(ctx context.Context, user User) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("identity: generate token: %w", err)
	}
	claims := TokenClaims{UserID: user.ID, Email: user.Email, IssuedAt: time.Now().UTC()}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	if err := ts.client.Set(ctx, tokenKey(token), payload, ts.ttl).Err(); err != nil {
		return "", fmt.Errorf("identity: store token: %w", err)
	}
	return token, nil
}

// Resolve returns the claims behind a token, refreshing its TTL on the
// way so active users stay signed in.
func (ts *TokenStore) Resolve(ctx context.Context, token string) (TokenClaims, error) {
	if token == "" {
		return TokenClaims{}, ErrTokenInvalid
	}
	payload, err := ts.client.Get(ctx, tokenKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return TokenClaims{}, ErrTokenInvalid
		}
		return TokenClaims{}, fmt.Errorf("identity: load token: %w", err)
	}
	var claims TokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return TokenClaims{}, ErrTokenInvalid
	}
	if err := ts.client.Expire(ctx, tokenKey(token), ts.ttl).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return TokenClaims{}, fmt.Errorf("identity: refresh token ttl: %w", err)
	}
	return claims, nil
}

// Revoke deletes the token. Revoking an unknown token is not an error.
func (ts *TokenStore) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := ts.client.Del(ctx, tokenKey(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("identity: revoke token: %w", err)
	}
	return nil
}

func tokenKey(token string) string {
	return "authtoken:" + token
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

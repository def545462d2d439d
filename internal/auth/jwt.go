package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Operator is the authenticated caller of the admin API
type Operator struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Verifier validates admin bearer tokens, either against a shared HMAC
// secret or against a remote JWKS that is cached and refreshed in the
// background.
type Verifier struct {
	secret []byte

	jwksURL     string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	lastFetch   time.Time
	refreshTTL  time.Duration
}

// NewHMACVerifier verifies HS256 tokens signed with secret
func NewHMACVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("admin jwt secret is empty")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// NewJWKSVerifier verifies tokens against the key set published at jwksURL.
// Keys are fetched once up front and then refreshed every five minutes, so
// verification never waits on the network.
func NewJWKSVerifier(ctx context.Context, jwksURL string) (*Verifier, error) {
	v := &Verifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	keySet, err := v.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet
	v.lastFetch = time.Now()

	go v.backgroundRefresh(ctx)
	return v, nil
}

func (v *Verifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *Verifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			keySet, err := v.fetchKeySet(fetchCtx)
			cancel()
			if err != nil {
				// keep the previous keys, retry next tick
				continue
			}
			v.keySetMutex.Lock()
			v.keySet = keySet
			v.lastFetch = time.Now()
			v.keySetMutex.Unlock()
		}
	}
}

func (v *Verifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// FromRequest validates the bearer token on r
func (v *Verifier) FromRequest(r *http.Request) (*Operator, error) {
	var keyOpt jwt.ParseOption = jwt.WithKey(jwa.HS256, v.secret)
	if v.secret == nil {
		keyOpt = jwt.WithKeySet(v.getKeySet())
	}

	token, err := jwt.ParseRequest(r, keyOpt, jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	if token.Subject() == "" {
		return nil, fmt.Errorf("token missing subject")
	}
	op := &Operator{ID: token.Subject()}
	if emailClaim, ok := token.Get("email"); ok {
		op.Email, _ = emailClaim.(string)
	}
	return op, nil
}

// Stats describes the cached key set; it is empty for HMAC verifiers
func (v *Verifier) Stats() map[string]any {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()

	if v.jwksURL == "" {
		return map[string]any{"mode": "hmac"}
	}
	keyCount := 0
	if v.keySet != nil {
		keyCount = v.keySet.Len()
	}
	return map[string]any{
		"mode":        "jwks",
		"keys_cached": keyCount,
		"last_fetch":  v.lastFetch,
		"age_seconds": time.Since(v.lastFetch).Seconds(),
		"jwks_url":    v.jwksURL,
	}
}

// SignOperatorToken issues an HS256 admin token; used by the CLI and tests
func SignOperatorToken(secret string, op Operator, ttl time.Duration) (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Subject(op.ID).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Claim("email", op.Email).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(secret)))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bearerRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/admin/tokens/refresh", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestHMACVerifier(t *testing.T) {
	v, err := NewHMACVerifier("admin-secret")
	require.NoError(t, err)

	token, err := SignOperatorToken("admin-secret", Operator{ID: "op-1", Email: "ops@x.com"}, time.Minute)
	require.NoError(t, err)

	op, err := v.FromRequest(bearerRequest(token))
	require.NoError(t, err)
	assert.Equal(t, &Operator{ID: "op-1", Email: "ops@x.com"}, op)
	assert.Equal(t, "hmac", v.Stats()["mode"])
}

func TestHMACVerifierRejects(t *testing.T) {
	v, err := NewHMACVerifier("admin-secret")
	require.NoError(t, err)

	forged, err := SignOperatorToken("wrong-secret", Operator{ID: "op-1"}, time.Minute)
	require.NoError(t, err)
	expired, err := SignOperatorToken("admin-secret", Operator{ID: "op-1"}, -time.Minute)
	require.NoError(t, err)
	anonymous, err := SignOperatorToken("admin-secret", Operator{}, time.Minute)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"missing":   "",
		"forged":    forged,
		"expired":   expired,
		"anonymous": anonymous,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.FromRequest(bearerRequest(token))
			assert.Error(t, err)
		})
	}

	_, err = NewHMACVerifier("")
	assert.Error(t, err)
}

func TestJWKSVerifier(t *testing.T) {
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "k1"))
	require.NoError(t, priv.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := priv.PublicKey()
	require.NoError(t, err)
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewJWKSVerifier(ctx, srv.URL)
	require.NoError(t, err)

	tok, err := jwt.NewBuilder().Subject("op-2").Expiration(time.Now().Add(time.Minute)).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, priv))
	require.NoError(t, err)

	op, err := v.FromRequest(bearerRequest(string(signed)))
	require.NoError(t, err)
	assert.Equal(t, "op-2", op.ID)

	stats := v.Stats()
	assert.Equal(t, "jwks", stats["mode"])
	assert.Equal(t, 1, stats["keys_cached"])
}

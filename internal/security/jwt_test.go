package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func sign(t *testing.T, key *rsa.PrivateKey, claims AccessClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims(now time.Time) AccessClaims {
	return AccessClaims{
		StandardClaims: jwt.StandardClaims{
			Subject:   "7",
			Issuer:    "auth",
			Audience:  "storefront",
			IssuedAt:  now.Unix(),
			NotBefore: now.Unix(),
			ExpiresAt: now.Add(time.Hour).Unix(),
		},
	}
}

func TestVerifier_Identity(t *testing.T) {
	key := newKey(t)
	now := time.Now()
	v := NewVerifier(&key.PublicKey, "auth", "storefront", 30*time.Second)

	id, err := v.Identity(sign(t, key, validClaims(now)))
	require.NoError(t, err)
	assert.Equal(t, int64(7), id.UserID)
	assert.False(t, id.IsAdmin)

	c := validClaims(now)
	c.Adm = true
	id, err = v.Identity(sign(t, key, c))
	require.NoError(t, err)
	assert.True(t, id.IsAdmin)
}

func TestVerifier_Rejects(t *testing.T) {
	key := newKey(t)
	other := newKey(t)
	now := time.Now()
	v := NewVerifier(&key.PublicKey, "auth", "storefront", 30*time.Second)

	tests := []struct {
		name   string
		token  func() string
		target error
	}{
		{"garbage", func() string { return "not.a.token" }, ErrInvalidToken},
		{"foreign key", func() string { return sign(t, other, validClaims(now)) }, ErrInvalidToken},
		{"issuer", func() string {
			c := validClaims(now)
			c.Issuer = "evil"
			return sign(t, key, c)
		}, ErrInvalidIssuer},
		{"audience", func() string {
			c := validClaims(now)
			c.Audience = "admin-panel"
			return sign(t, key, c)
		}, ErrInvalidAudience},
		{"expired", func() string {
			c := validClaims(now.Add(-2 * time.Hour))
			return sign(t, key, c)
		}, ErrTokenExpired},
		{"subject", func() string {
			c := validClaims(now)
			c.Subject = "abc"
			return sign(t, key, c)
		}, ErrInvalidSubject},
		{"hs256", func() string {
			s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(now)).SignedString([]byte("secret"))
			require.NoError(t, err)
			return s
		}, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Identity(tt.token())
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestVerifier_ClockSkew(t *testing.T) {
	key := newKey(t)
	now := time.Now()
	v := NewVerifier(&key.PublicKey, "auth", "storefront", time.Minute)

	c := validClaims(now)
	c.ExpiresAt = now.Add(-30 * time.Second).Unix()
	_, err := v.Identity(sign(t, key, c))
	assert.NoError(t, err)
}

func TestLoadRSAPublicKeyFromPEM(t *testing.T) {
	key := newKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "pub.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	pub, err := LoadRSAPublicKeyFromPEM(path)
	require.NoError(t, err)
	assert.Zero(t, key.PublicKey.N.Cmp(pub.N))
	assert.Equal(t, key.PublicKey.E, pub.E)

	_, err = LoadRSAPublicKeyFromPEM(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}

package jwtx

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJWK_PEMRoundTrip(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name string
		jwk  JWK
		want crypto.PublicKey
	}{
		{"RSA", NewRSAJWK("kid-rsa", "sig", AlgorithmRS256, &rsaKey.PublicKey), &rsaKey.PublicKey},
		{"Ed25519", NewEd25519JWK("kid-ed", "sig", AlgorithmEdDSA, edPub), edPub},
		{"ES256", NewES256JWK("kid-ec", "sig", AlgorithmES256, &ecKey.PublicKey), &ecKey.PublicKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pemStr, err := tt.jwk.PEM()
			require.NoError(t, err)
			require.True(t, strings.HasPrefix(pemStr, "-----BEGIN PUBLIC KEY-----"))

			block, _ := pem.Decode([]byte(pemStr))
			require.NotNil(t, block)
			parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
			require.NoError(t, err)

			type equaler interface{ Equal(crypto.PublicKey) bool }
			require.True(t, tt.want.(equaler).Equal(parsed))
		})
	}
}

func TestJWK_JSONShape(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	raw, err := json.Marshal(JWKS{Keys: []JWK{NewES256JWK("k1", "sig", AlgorithmES256, &ecKey.PublicKey)}})
	require.NoError(t, err)

	var decoded map[string][]map[string]string
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded["keys"], 1)

	entry := decoded["keys"][0]
	require.Equal(t, "EC", entry["kty"])
	require.Equal(t, "k1", entry["kid"])
	require.Equal(t, "ES256", entry["alg"])
	require.Equal(t, "sig", entry["use"])
	require.Equal(t, "P-256", entry["crv"])
	require.NotEmpty(t, entry["x"])
	require.NotEmpty(t, entry["y"])
	require.NotContains(t, entry, "n")
}

func TestJWK_PEM_UnsupportedKeyType(t *testing.T) {
	_, err := JWK{Kty: "UNSUPPORTED", Kid: "test-key"}.PEM()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported kty")
}

func TestJWK_PEM_InvalidBase64(t *testing.T) {
	_, err := JWK{Kty: "RSA", Kid: "test-key", N: "!!!invalid-base64!!!", E: "AQAB"}.PEM()
	require.Error(t, err)
}

func TestJWKS_Find(t *testing.T) {
	set := JWKS{Keys: []JWK{{Kid: "a"}, {Kid: "b"}}}

	k, ok := set.Find("b")
	require.True(t, ok)
	require.Equal(t, "b", k.Kid)

	_, ok = set.Find("c")
	require.False(t, ok)
}

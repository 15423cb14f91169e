package http

import (
	"encoding/json"
	"net/http"

	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
)

// PublicKeySource provides the published verification keys.
type PublicKeySource interface {
	PublicKeySet() jwtx.JWKS
}

// JWKSHandler exposes the JSON Web Key Set for public key discovery. Retired
// keys stay listed until pruned, so tokens signed before a rotation keep
// verifying.
func JWKSHandler(keys PublicKeySource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(keys.PublicKeySet())
	}
}

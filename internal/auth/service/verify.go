package service

import (
	"context"
	"fmt"

	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
)

// AccessVerifier checks an access token's signature and claims and then the
// denylist. It satisfies httpx.TokenVerifier.
type AccessVerifier struct {
	Verifier *jwtx.Verifier
	Ledger   *RevocationLedger
}

func (v *AccessVerifier) Verify(ctx context.Context, token string) (*jwtx.Claims, error) {
	claims, err := v.Verifier.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	if v.Ledger != nil && v.Ledger.IsDenied(ctx, claims.ID) {
		return nil, fmt.Errorf("%w: token revoked", ErrInvalidCredential)
	}
	return claims, nil
}

package service

import (
	"errors"
	"time"
)

// Outcomes callers map to transport responses. Messages never carry hashes,
// secrets or store keys.
var (
	ErrInvalidCredential = errors.New("invalid_credential")
	ErrExpired           = errors.New("expired")
	ErrBindingMismatch   = errors.New("binding_mismatch")
	ErrAccountLocked     = errors.New("account_locked")
	ErrRateLimited       = errors.New("rate_limited")
	ErrUnauthorized      = errors.New("unauthorized")

	// ErrLedgerUnavailable wraps fast-store failures while denylisting.
	ErrLedgerUnavailable = errors.New("revocation ledger unavailable")
)

// LockoutScope says what tripped a lockout.
type LockoutScope string

const (
	LockoutPrincipal LockoutScope = "principal"
	LockoutOrigin    LockoutScope = "origin"
)

// LockoutError is returned when attempts are refused because of too many
// failures. It matches ErrAccountLocked with errors.Is.
type LockoutError struct {
	Scope LockoutScope

	// Until is when a principal lock lapses. Zero when unknown.
	Until time.Time
}

func (e *LockoutError) Error() string {
	if e.Scope == LockoutOrigin {
		return "account_locked: too many failed attempts from this origin"
	}
	return "account_locked: too many failed attempts"
}

func (e *LockoutError) Is(target error) bool {
	return target == ErrAccountLocked
}

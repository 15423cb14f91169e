package redisx

import "strings"

// Keyspace names every fast-store key under a common prefix.
type Keyspace struct {
	prefix string
}

func NewKeyspace(prefix string) Keyspace {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return Keyspace{prefix: prefix}
}

func (k Keyspace) Prefix() string { return k.prefix }

// PrincipalAttempts counts failures for one principal.
func (k Keyspace) PrincipalAttempts(principal string) string {
	return k.prefix + ":att:p:" + principal
}

// OriginAttempts counts failures from one origin across principals.
func (k Keyspace) OriginAttempts(origin string) string {
	return k.prefix + ":att:o:" + origin
}

// Lock is the fast lock flag of a principal.
func (k Keyspace) Lock(principal string) string {
	return k.prefix + ":lock:" + principal
}

// Window is a sliding window sorted set.
func (k Keyspace) Window(key string) string {
	return k.prefix + ":rl:" + key
}

// Deny marks a revoked access token id.
func (k Keyspace) Deny(jti string) string {
	return k.prefix + ":deny:" + jti
}

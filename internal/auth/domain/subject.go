package domain

import "time"

// Subject is an account that can authenticate. Username is the principal
// name used for attempt tracking.
type Subject struct {
	ID           string
	Username     string
	PasswordHash string // argon2id PHC string
	Role         Role
	LockedUntil  *time.Time // durable lock; nil or past means unlocked
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsLocked reports whether the durable lock is still in force at now.
func (s *Subject) IsLocked(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

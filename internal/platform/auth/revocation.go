package auth

import (
	"sync"
	"time"
)

// RevocationList tracks logged-out session ids and per-user cutoffs (after
// account deletion). Entries are dropped once the sessions they cover would
// have expired anyway.
type RevocationList struct {
	mu      sync.RWMutex
	jtis    map[string]time.Time // jti -> token expiry
	cutoffs map[string]cutoff    // user id -> sessions issued at or before are revoked
	now     func() time.Time
}

type cutoff struct {
	at      time.Time
	expires time.Time
}

func NewRevocationList() *RevocationList {
	return &RevocationList{
		jtis:    make(map[string]time.Time),
		cutoffs: make(map[string]cutoff),
		now:     time.Now,
	}
}

func (l *RevocationList) Revoke(jti string, expiresAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune()
	l.jtis[jti] = expiresAt
}

func (l *RevocationList) RevokeUser(userID string, at, expires time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune()
	l.cutoffs[userID] = cutoff{at: at, expires: expires}
}

// IsRevoked reports whether the session jti, issued to userID at issuedAt,
// has been revoked.
func (l *RevocationList) IsRevoked(jti, userID string, issuedAt time.Time) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.jtis[jti]; ok {
		return true
	}
	if c, ok := l.cutoffs[userID]; ok && !issuedAt.After(c.at) {
		return true
	}
	return false
}

func (l *RevocationList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.jtis) + len(l.cutoffs)
}

// prune must be called with the write lock held.
func (l *RevocationList) prune() {
	now := l.now()
	for jti, exp := range l.jtis {
		if now.After(exp) {
			delete(l.jtis, jti)
		}
	}
	for uid, c := range l.cutoffs {
		if now.After(c.expires) {
			delete(l.cutoffs, uid)
		}
	}
}

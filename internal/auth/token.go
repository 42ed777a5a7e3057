// Package auth issues and verifies HMAC-signed service identity
// tokens, carried as the Authorization bearer on callback POSTs and
// checked by the supervisor's control plane; the HTTP channel between
// producer and executor carries none. Adapted from the
// teacher's TokenBroker JIT-token pattern, trimmed of trust-score
// gating — this bridge has no trust concept, only service-to-service
// identity.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Claims identifies the scope a service token is valid for.
type Claims struct {
	ConsumerID string `json:"consumerId"`
	UserID     string `json:"userId"`
	ProjectID  string `json:"projectId"`
	IssuedAt   int64  `json:"issuedAt"`
	ExpiresAt  int64  `json:"expiresAt"`
	Issuer     string `json:"issuer"`
}

// Broker issues and verifies service tokens, supporting a rotation
// grace window where tokens signed under the previous secret still
// verify.
type Broker struct {
	secret         []byte
	previousSecret []byte
	defaultTTL     time.Duration
	issuer         string

	mu      sync.RWMutex
	revoked map[string]time.Time // tokenID -> issuedAt, for age-based sweeping
}

// NewBroker builds a Broker. previousSecret may be empty if no
// rotation is in progress.
func NewBroker(secret, previousSecret []byte, defaultTTL time.Duration, issuer string) *Broker {
	if defaultTTL <= 0 {
		defaultTTL = 15 * time.Minute
	}
	return &Broker{
		secret:         secret,
		previousSecret: previousSecret,
		defaultTTL:     defaultTTL,
		issuer:         issuer,
		revoked:        map[string]time.Time{},
	}
}

// Issue mints a token for the given scope, valid for ttl (or the
// broker's default when ttl <= 0).
func (b *Broker) Issue(consumerID, userID, projectID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	now := time.Now()
	claims := Claims{
		ConsumerID: consumerID,
		UserID:     userID,
		ProjectID:  projectID,
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
		Issuer:     b.issuer,
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	sig := sign(b.secret, claimsJSON)
	return base64.RawURLEncoding.EncodeToString(claimsJSON) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func sign(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// ErrInvalidToken covers malformed tokens, bad signatures, and expiry.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// Verify checks a token's signature (current then previous secret
// during a rotation grace window) and expiry, returning its Claims.
func (b *Broker) Verify(token string) (*Claims, error) {
	parts := splitToken(token)
	if len(parts) != 2 {
		return nil, ErrInvalidToken
	}
	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	gotSig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}

	valid := constantTimeEqual(gotSig, sign(b.secret, claimsJSON))
	if !valid && len(b.previousSecret) > 0 {
		valid = constantTimeEqual(gotSig, sign(b.previousSecret, claimsJSON))
	}
	if !valid {
		return nil, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, ErrInvalidToken
	}

	b.mu.RLock()
	_, revoked := b.revoked[tokenID(claimsJSON)]
	b.mu.RUnlock()
	if revoked {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// Revoke invalidates a specific token ahead of its natural expiry.
func (b *Broker) Revoke(token string) {
	parts := splitToken(token)
	if len(parts) != 2 {
		return
	}
	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return
	}
	var claims Claims
	issuedAt := time.Now()
	if err := json.Unmarshal(claimsJSON, &claims); err == nil && claims.IssuedAt > 0 {
		issuedAt = time.Unix(claims.IssuedAt, 0)
	}
	b.mu.Lock()
	b.revoked[tokenID(claimsJSON)] = issuedAt
	b.mu.Unlock()
}

// SweepExpired drops revocation entries issued more than olderThan ago,
// bounding the revoked set's growth without waiting for a full process
// restart.
func (b *Broker) SweepExpired(olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, issuedAt := range b.revoked {
		if issuedAt.Before(cutoff) {
			delete(b.revoked, id)
		}
	}
}

func tokenID(claimsJSON []byte) string {
	sum := sha256.Sum256(claimsJSON)
	return fmt.Sprintf("%x", sum[:8])
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

func splitToken(token string) []string {
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			return []string{token[:i], token[i+1:]}
		}
	}
	return []string{token}
}

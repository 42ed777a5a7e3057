package auth

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	b := NewBroker([]byte("secret-1"), nil, time.Minute, "toolbridge")
	tok, err := b.Issue("consumer1", "u1", "p1", 0)
	require.NoError(t, err)

	claims, err := b.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "consumer1", claims.ConsumerID)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "p1", claims.ProjectID)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	b := NewBroker([]byte("secret-1"), nil, time.Minute, "toolbridge")
	tok, err := b.Issue("consumer1", "u1", "p1", 0)
	require.NoError(t, err)

	tampered := tok + "x"
	_, err = b.Verify(tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	b := NewBroker([]byte("secret-1"), nil, time.Minute, "toolbridge")
	// Issue substitutes the default TTL for ttl <= 0, so the expired
	// token is signed here directly.
	now := time.Now()
	claimsJSON, err := json.Marshal(Claims{
		ConsumerID: "consumer1",
		UserID:     "u1",
		ProjectID:  "p1",
		IssuedAt:   now.Add(-2 * time.Minute).Unix(),
		ExpiresAt:  now.Add(-time.Minute).Unix(),
		Issuer:     "toolbridge",
	})
	require.NoError(t, err)
	tok := base64.RawURLEncoding.EncodeToString(claimsJSON) + "." + base64.RawURLEncoding.EncodeToString(sign(b.secret, claimsJSON))

	_, err = b.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyAcceptsPreviousSecretDuringRotation(t *testing.T) {
	oldBroker := NewBroker([]byte("old-secret"), nil, time.Minute, "toolbridge")
	tok, err := oldBroker.Issue("consumer1", "u1", "p1", 0)
	require.NoError(t, err)

	newBroker := NewBroker([]byte("new-secret"), []byte("old-secret"), time.Minute, "toolbridge")
	claims, err := newBroker.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "consumer1", claims.ConsumerID)
}

func TestVerifyRejectsUnknownSecret(t *testing.T) {
	issuer := NewBroker([]byte("a-secret"), nil, time.Minute, "toolbridge")
	tok, err := issuer.Issue("consumer1", "u1", "p1", 0)
	require.NoError(t, err)

	verifier := NewBroker([]byte("different-secret"), nil, time.Minute, "toolbridge")
	_, err = verifier.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevokeInvalidatesToken(t *testing.T) {
	b := NewBroker([]byte("secret-1"), nil, time.Minute, "toolbridge")
	tok, err := b.Issue("consumer1", "u1", "p1", 0)
	require.NoError(t, err)

	b.Revoke(tok)
	_, err = b.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	b := NewBroker([]byte("secret-1"), nil, time.Minute, "toolbridge")
	_, err := b.Verify("not-a-valid-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSweepExpiredDropsOnlyOldRevocations(t *testing.T) {
	b := NewBroker([]byte("secret-1"), nil, time.Hour, "toolbridge")

	oldTok, err := b.Issue("consumer-old", "u1", "p1", 0)
	require.NoError(t, err)
	b.Revoke(oldTok)
	b.revoked[tokenID(mustClaimsJSON(t, oldTok))] = time.Now().Add(-2 * time.Hour)

	freshTok, err := b.Issue("consumer-fresh", "u1", "p1", 0)
	require.NoError(t, err)
	b.Revoke(freshTok)

	b.SweepExpired(time.Hour)

	_, err = b.Verify(oldTok)
	assert.NoError(t, err, "old revocation entry should have been swept, token should verify again")

	_, err = b.Verify(freshTok)
	assert.ErrorIs(t, err, ErrInvalidToken, "fresh revocation entry should survive the sweep")
}

func mustClaimsJSON(t *testing.T, token string) []byte {
	t.Helper()
	parts := splitToken(token)
	require.Len(t, parts, 2)
	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	return claimsJSON
}

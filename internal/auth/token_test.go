package auth

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infiligence/governed-rag/internal/models"
)

func testSubject() *models.Subject {
	return &models.Subject{
		ID:     "alice",
		Email:  "alice@example.com",
		Groups: []string{"eng"},
		Tenant: "dash",
		Attrs: models.SubjectAttrs{
			Clearance:   models.LabelInternal,
			AllowExport: true,
			Extra:       map[string]string{"region": "eu"},
		},
	}
}

func TestTokenRoundTrip(t *testing.T) {
	tm, err := NewTokenManager("test-signing-key-test-signing-key", time.Hour)
	require.NoError(t, err)

	token, err := tm.Issue(testSubject())
	require.NoError(t, err)

	claims, err := tm.Verify(token)
	require.NoError(t, err)

	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, []string{"eng"}, claims.Groups)
	assert.Equal(t, "dash", claims.Tenant)
	assert.Equal(t, "internal", claims.Attrs.Clearance)
	assert.True(t, claims.Attrs.AllowExport)
	assert.Equal(t, "eu", claims.Attrs.Extra["region"])
}

// Claim key names are contractual: sub, groups, attrs, tenant, exp.
func TestTokenClaimNames(t *testing.T) {
	tm, err := NewTokenManager("test-signing-key-test-signing-key", time.Hour)
	require.NoError(t, err)

	token, err := tm.Issue(testSubject())
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(payload, &raw))
	for _, key := range []string{"sub", "groups", "attrs", "tenant", "exp"} {
		assert.Contains(t, raw, key)
	}
	attrs, ok := raw["attrs"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, attrs, "clearance")
	assert.Contains(t, attrs, "allow_export")
}

func TestTokenExpiry(t *testing.T) {
	tm, err := NewTokenManager("test-signing-key-test-signing-key", -time.Minute)
	require.NoError(t, err)

	token, err := tm.Issue(testSubject())
	require.NoError(t, err)

	_, err = tm.Verify(token)
	require.ErrorIs(t, err, models.ErrUnauthenticated)
}

func TestTokenWrongKey(t *testing.T) {
	issuer, err := NewTokenManager("key-one-key-one-key-one-key-one!", time.Hour)
	require.NoError(t, err)
	verifier, err := NewTokenManager("key-two-key-two-key-two-key-two!", time.Hour)
	require.NoError(t, err)

	token, err := issuer.Issue(testSubject())
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.ErrorIs(t, err, models.ErrUnauthenticated)
}

func TestTokenGarbage(t *testing.T) {
	tm, err := NewTokenManager("test-signing-key-test-signing-key", time.Hour)
	require.NoError(t, err)

	for _, bad := range []string{"", "not-a-token", "a.b.c"} {
		_, err := tm.Verify(bad)
		assert.Error(t, err, "token %q must fail", bad)
	}
}

func TestNewTokenManagerRequiresKey(t *testing.T) {
	_, err := NewTokenManager("", time.Hour)
	require.Error(t, err)
}

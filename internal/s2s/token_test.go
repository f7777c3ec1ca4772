package s2s

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/platform/internal/identity"
)

func newTestSigner(t *testing.T, slug string) *identity.Signer {
	t.Helper()
	root, err := identity.NewKMSRoot("test-root")
	require.NoError(t, err)
	signer, err := identity.NewSigner(slug, root, time.Hour, 5*time.Minute, slog.Default())
	require.NoError(t, err)
	return signer
}

func TestMintAndVerifyHopRoundTrip(t *testing.T) {
	signer := newTestSigner(t, "billing")
	policy := NewStore()
	minter := NewMinter(signer, "billing", 30*time.Second, 8, policy)
	verifier := NewVerifier(signer, "ledger", []string{"billing"}, nil, 5*time.Second)

	target := Target{Slug: "ledger", IsAuthorized: true}
	token, err := minter.MintHop(target, "req-1", nil, AssertionForbidden)
	require.NoError(t, err)

	claims, err := verifier.VerifyHop(token)
	require.NoError(t, err)
	assert.Equal(t, "billing", claims.Iss)
	assert.Equal(t, "ledger", claims.Aud)
	assert.Equal(t, "req-1", claims.Rid)
}

func TestVerifyHopRejectsTamperedSignature(t *testing.T) {
	signer := newTestSigner(t, "billing")
	policy := NewStore()
	minter := NewMinter(signer, "billing", 30*time.Second, 8, policy)
	verifier := NewVerifier(signer, "ledger", []string{"billing"}, nil, 5*time.Second)

	token, err := minter.MintHop(Target{Slug: "ledger", IsAuthorized: true}, "req-1", nil, AssertionForbidden)
	require.NoError(t, err)

	tampered := token[:len(token)-2] + "AA"
	_, err = verifier.VerifyHop(tampered)
	require.Error(t, err)
	se, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidToken, se.Kind)
}

func TestVerifyHopRejectsBadAudience(t *testing.T) {
	signer := newTestSigner(t, "billing")
	policy := NewStore()
	minter := NewMinter(signer, "billing", 30*time.Second, 8, policy)
	verifier := NewVerifier(signer, "other-service", []string{"billing"}, nil, 5*time.Second)

	token, err := minter.MintHop(Target{Slug: "ledger", IsAuthorized: true}, "req-1", nil, AssertionForbidden)
	require.NoError(t, err)

	_, err = verifier.VerifyHop(token)
	require.Error(t, err)
	se, _ := AsError(err)
	assert.Equal(t, KindBadAudience, se.Kind)
}

func TestVerifyHopRejectsExpiredToken(t *testing.T) {
	signer := newTestSigner(t, "billing")
	policy := NewStore()
	minter := NewMinter(signer, "billing", -1*time.Second, 8, policy) // already expired
	verifier := NewVerifier(signer, "ledger", []string{"billing"}, nil, 0)

	token, err := minter.MintHop(Target{Slug: "ledger", IsAuthorized: true}, "req-1", nil, AssertionForbidden)
	require.NoError(t, err)

	_, err = verifier.VerifyHop(token)
	require.Error(t, err)
	se, _ := AsError(err)
	assert.Equal(t, KindTokenExpired, se.Kind)
}

func TestMintHopRejectsExhaustedBudget(t *testing.T) {
	signer := newTestSigner(t, "billing")
	policy := NewStore()
	minter := NewMinter(signer, "billing", 30*time.Second, 8, policy)

	ctx := &CtxClaims{Rid: "req-1", HopBudget: 0}
	_, err := minter.MintHop(Target{Slug: "ledger", IsAuthorized: true}, "req-1", ctx, AssertionForbidden)
	require.Error(t, err)
	se, _ := AsError(err)
	assert.Equal(t, KindHopBudgetExceeded, se.Kind)
}

func TestMintHopRejectsUnauthorizedTarget(t *testing.T) {
	signer := newTestSigner(t, "billing")
	policy := NewStore()
	minter := NewMinter(signer, "billing", 30*time.Second, 8, policy)

	target := Target{Slug: "ledger", IsAuthorized: false, ReasonIfNotAuthorized: ReasonDisabled}
	_, err := minter.MintHop(target, "req-1", nil, AssertionForbidden)
	require.Error(t, err)
	se, _ := AsError(err)
	assert.Equal(t, KindUnauthorizedCall, se.Kind)
}

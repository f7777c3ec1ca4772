package s2s

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/platform/internal/identity"
)

// CtxClaims are the claims of a context token minted at the edge.
type CtxClaims struct {
	Rid        string `json:"rid"`
	HopBudget  int    `json:"hopBudget"`
	DeadlineMs int64  `json:"deadlineMs"`
	Act        *Act   `json:"act,omitempty"`
}

// HopClaims are the claims of a per-hop token.
type HopClaims struct {
	Iss string `json:"iss"`
	Aud string `json:"aud"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
	Svc string `json:"svc"`
	Rid string `json:"rid"`
	Act *Act   `json:"act,omitempty"`
}

// Act is the minimal user projection carried by a token, derived from a
// validated external user credential at the edge.
type Act struct {
	Sub   string `json:"sub"`
	Email string `json:"email,omitempty"`
}

// token is a minimal JWT-shaped envelope: base64url(header).base64url(payload).base64url(sig),
// signed with the current ESK (Ed25519, detached signature).
type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

func encodeSegment(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeSegment(s string, v interface{}) error {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Minter mints CTX tokens at the edge and HOP tokens per outbound call.
type Minter struct {
	signer       *identity.Signer
	callerSlug   string
	hopTTL       time.Duration
	hopBudgetMax int
	policy       *Store
}

// NewMinter constructs a Minter bound to the calling service's own slug.
func NewMinter(signer *identity.Signer, callerSlug string, hopTTL time.Duration, hopBudgetMax int, policy *Store) *Minter {
	return &Minter{signer: signer, callerSlug: callerSlug, hopTTL: hopTTL, hopBudgetMax: hopBudgetMax, policy: policy}
}

// MintCtx mints a context token at the edge for a new inbound request.
func (m *Minter) MintCtx(rid string, deadlineMs int64, act *Act) (string, error) {
	if rid == "" {
		rid = uuid.NewString()
	}
	claims := CtxClaims{Rid: rid, HopBudget: m.hopBudgetMax, DeadlineMs: deadlineMs, Act: act}
	return m.sign(claims)
}

// MintHop mints a hop token for an outbound call to target, given the
// inbound CTX claims (may be nil for the first hop from the edge). When
// the target's assertion mode is optional, `act` is copied from CTX when
// present (see DESIGN.md).
func (m *Minter) MintHop(target Target, rid string, ctx *CtxClaims, targetAssertionMode UserAssertionMode) (string, error) {
	if !target.IsAuthorized {
		return "", newErr(KindUnauthorizedCall, fmt.Sprintf("target %s not authorized: %s", target.Slug, target.ReasonIfNotAuthorized), nil)
	}
	if ctx != nil && ctx.HopBudget <= 0 {
		return "", newErr(KindHopBudgetExceeded, fmt.Sprintf("hop budget exhausted for rid=%s", rid), nil)
	}

	var act *Act
	switch targetAssertionMode {
	case AssertionForbidden:
		act = nil
	case AssertionRequired, AssertionOptional:
		if ctx != nil {
			act = ctx.Act
		}
	}

	now := time.Now()
	claims := HopClaims{
		Iss: m.callerSlug,
		Aud: target.Slug,
		Iat: now.Unix(),
		Exp: now.Add(m.hopTTL).Unix(),
		Svc: m.callerSlug,
		Rid: rid,
		Act: act,
	}
	return m.sign(claims)
}

func (m *Minter) sign(claims interface{}) (string, error) {
	payloadSeg, err := encodeSegment(claims)
	if err != nil {
		return "", err
	}

	// The header's `kid` must name the key that actually produces the
	// signature, and the signature covers the header bytes including kid.
	// Signer.Sign always uses its current key, so mint the header with
	// that key's id before signing the final input.
	kid := m.signer.Current().KID
	header := tokenHeader{Alg: "EdDSA", Typ: "OCXT", Kid: kid}
	headerSeg, err := encodeSegment(header)
	if err != nil {
		return "", err
	}

	signingInput := headerSeg + "." + payloadSeg
	_, sig := m.signer.Sign([]byte(signingInput))
	sigSeg := base64.RawURLEncoding.EncodeToString(sig)
	return signingInput + "." + sigSeg, nil
}

// FailureKind enumerates the verifier failure kinds.
type FailureKind = Kind

// Verifier verifies inbound HOP tokens.
type Verifier struct {
	localSigner    *identity.Signer // used when caller==self (single-process dev/test mode)
	remoteKeySet   *identity.RemoteKeySet
	expectedAud    string
	allowedIssuers map[string]bool
	allowedCallers map[string]bool
	clockSkew      time.Duration
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithRemoteKeySet configures fetching signer public keys from a remote
// JWKS endpoint rather than the local Signer (for verifying tokens minted
// by other services).
func WithRemoteKeySet(ks *identity.RemoteKeySet) VerifierOption {
	return func(v *Verifier) { v.remoteKeySet = ks }
}

// NewVerifier constructs a Verifier enforcing exact-audience, allowed
// issuers, and allowed callers.
func NewVerifier(localSigner *identity.Signer, expectedAudience string, allowedIssuers, allowedCallers []string, clockSkew time.Duration, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		localSigner:    localSigner,
		expectedAud:    expectedAudience,
		allowedIssuers: toSet(allowedIssuers),
		allowedCallers: toSet(allowedCallers),
		clockSkew:      clockSkew,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

func toSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

// VerifyHop implements the verification algorithm.
func (v *Verifier) VerifyHop(token string) (*HopClaims, error) {
	if token == "" {
		return nil, newErr(KindMissingToken, "no bearer token", nil)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, newErr(KindInvalidToken, "malformed token", nil)
	}

	var header tokenHeader
	if err := decodeSegment(parts[0], &header); err != nil {
		return nil, newErr(KindInvalidToken, "malformed header", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, newErr(KindInvalidToken, "malformed signature", err)
	}
	signingInput := parts[0] + "." + parts[1]

	ok, err := v.verifySignature(header.Kid, []byte(signingInput), sig)
	if err != nil {
		return nil, newErr(KindVerifierMisconfig, "key lookup failed", err)
	}
	if !ok {
		return nil, newErr(KindInvalidToken, "bad signature", nil)
	}

	var claims HopClaims
	if err := decodeSegment(parts[1], &claims); err != nil {
		return nil, newErr(KindInvalidToken, "malformed claims", err)
	}

	if len(v.allowedIssuers) > 0 && !v.allowedIssuers[claims.Iss] {
		return nil, newErr(KindBadIssuer, claims.Iss, nil)
	}
	if claims.Aud != v.expectedAud {
		return nil, newErr(KindBadAudience, claims.Aud, nil)
	}
	now := time.Now()
	skew := v.clockSkew
	if time.Unix(claims.Iat, 0).After(now.Add(skew)) {
		return nil, newErr(KindInvalidToken, "iat in the future", nil)
	}
	if time.Unix(claims.Exp, 0).Before(now.Add(-skew)) {
		return nil, newErr(KindTokenExpired, "", nil)
	}
	if claims.Svc != "" && len(v.allowedCallers) > 0 && !v.allowedCallers[claims.Svc] {
		return nil, newErr(KindCallerNotAllowed, claims.Svc, nil)
	}

	return &claims, nil
}

func (v *Verifier) verifySignature(kid string, signingInput, sig []byte) (bool, error) {
	if v.remoteKeySet != nil {
		pub, err := v.remoteKeySet.Key(kid)
		if err != nil {
			return false, err
		}
		return verifyEd25519(pub, signingInput, sig), nil
	}
	if v.localSigner != nil {
		return v.localSigner.Verify(kid, signingInput, sig), nil
	}
	return false, fmt.Errorf("s2s: verifier has neither a remote key set nor a local signer")
}

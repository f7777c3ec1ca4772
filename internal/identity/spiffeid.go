package identity

import (
	"fmt"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

// TrustDomain is the platform-wide SPIFFE trust domain used by the helpers
// below to format a slug as a SPIFFE ID, without requiring a live SPIRE
// agent. HOP token `iss`/`aud`/`svc` claims carry the bare slug; the token
// minter and verifier do not call these helpers.
const TrustDomain = "ocx.internal"

// ServiceSPIFFEID returns the canonical SPIFFE ID for a service slug.
func ServiceSPIFFEID(slug string) (spiffeid.ID, error) {
	id, err := spiffeid.FromSegments(spiffeid.RequireTrustDomainFromString(TrustDomain), slug)
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("identity: invalid slug %q: %w", slug, err)
	}
	return id, nil
}

// ValidateSlugIdentity checks that slug forms a valid SPIFFE path segment
// under the platform trust domain, returning the canonical "spiffe://..."
// string for it.
func ValidateSlugIdentity(slug string) (string, error) {
	id, err := ServiceSPIFFEID(slug)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

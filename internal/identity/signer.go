// Package identity implements the ephemeral signing key (ESK) that backs
// every HOP/CTX token signature in the S2S fabric: a
// locally generated Ed25519 keypair, rooted in a KMS-issued certificate,
// rotated on a configurable cadence with an overlap window so in-flight
// tokens signed by the outgoing key still verify.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Key is one generation of the ESK: a keypair plus the certificate the
// KMSRoot issued over its public half.
type Key struct {
	KID        string
	Public     ed25519.PublicKey
	private    ed25519.PrivateKey
	Cert       *x509.Certificate
	NotAfter   time.Time
	supersedes time.Time // when this key stops being "current"
}

// Signer owns the current and previous ESK and exposes a read-only
// snapshot to verifiers. Rotation replaces the snapshot atomically so
// concurrent readers never observe a torn current/previous pair.
type Signer struct {
	root     *KMSRoot
	slug     string
	rotation time.Duration
	overlap  time.Duration

	mu       sync.RWMutex
	current  *Key
	previous *Key

	stopCh chan struct{}
	doneCh chan struct{}
	log    *slog.Logger
}

// NewSigner creates a Signer and mints its first ESK immediately.
func NewSigner(slug string, root *KMSRoot, rotation, overlap time.Duration, log *slog.Logger) (*Signer, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Signer{
		root:     root,
		slug:     slug,
		rotation: rotation,
		overlap:  overlap,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		log:      log,
	}
	if err := s.rotate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Signer) rotate() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("identity: generate esk: %w", err)
	}
	notAfter := time.Now().Add(s.rotation + s.overlap)
	cert, err := s.root.IssueCertificate(s.slug, pub, notAfter)
	if err != nil {
		return err
	}
	next := &Key{
		KID:      uuid.NewString(),
		Public:   pub,
		private:  priv,
		Cert:     cert,
		NotAfter: notAfter,
	}

	s.mu.Lock()
	if s.current != nil {
		s.current.supersedes = time.Now().Add(s.overlap)
		s.previous = s.current
	}
	s.current = next
	s.mu.Unlock()

	s.log.Info("esk rotated", slog.String("slug", s.slug), slog.String("kid", next.KID))
	return nil
}

// Start runs the background rotation loop.
// Stop cancels it cooperatively; in-flight work (a rotation in progress) is
// allowed to complete.
func (s *Signer) Start() {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.rotation)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				if err := s.rotate(); err != nil {
					s.log.Error("esk rotation failed", slog.Any("err", err))
				}
			}
		}
	}()
}

// Stop signals the rotation loop to exit and waits for it to finish.
func (s *Signer) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Current returns the active signing key.
func (s *Signer) Current() *Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Sign signs data with the current key and returns (kid, signature).
func (s *Signer) Sign(data []byte) (kid string, sig []byte) {
	s.mu.RLock()
	k := s.current
	s.mu.RUnlock()
	return k.KID, ed25519.Sign(k.private, data)
}

// Verify checks a signature against whichever of current/previous matches
// kid, provided the previous key hasn't aged out of its overlap window.
func (s *Signer) Verify(kid string, data, sig []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current != nil && s.current.KID == kid {
		return ed25519.Verify(s.current.Public, data, sig)
	}
	if s.previous != nil && s.previous.KID == kid {
		if !s.previous.supersedes.IsZero() && time.Now().After(s.previous.supersedes) {
			return false
		}
		return ed25519.Verify(s.previous.Public, data, sig)
	}
	return false
}

// PublicKeys returns the current+previous public keys for JWKS publication.
func (s *Signer) PublicKeys() []*Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]*Key, 0, 2)
	if s.current != nil {
		keys = append(keys, s.current)
	}
	if s.previous != nil {
		keys = append(keys, s.previous)
	}
	return keys
}

func encodeKey(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

func decodeKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// KMSRoot stands in for a managed KMS/HSM: it is the one entity allowed
// to sign an ESK's public key into a certificate. A real deployment
// swaps this for a call to the provider's API; everything downstream
// only ever sees the resulting certificate.
type KMSRoot struct {
	cert *x509.Certificate
	priv ed25519.PrivateKey
}

// NewKMSRoot generates a self-signed root keypair. In production this
// would instead be the provider's long-lived signing identity.
func NewKMSRoot(commonName string) (*KMSRoot, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate kms root key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"OCX Platform KMS"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("identity: self-sign kms root: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("identity: parse kms root cert: %w", err)
	}

	return &KMSRoot{cert: cert, priv: priv}, nil
}

// IssueCertificate signs an ESK's public key, producing the certificate
// every downstream verifier roots its trust in.
func (k *KMSRoot) IssueCertificate(subject string, eskPub ed25519.PublicKey, notAfter time.Time) (*x509.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject:      pkix.Name{CommonName: subject},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, k.cert, eskPub, k.priv)
	if err != nil {
		return nil, fmt.Errorf("identity: issue esk certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

func newSerial() *big.Int {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return n
}

// Package testutil builds throwaway certificates and keys for tests.
package testutil

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync/atomic"
	"testing"
	"time"
)

var serial atomic.Int64

// Identity is a certificate with its private key and issuer chain
type Identity struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey

	// Chain starts with Cert and ends with the root
	Chain []*x509.Certificate
}

// CertOptions tweaks issued certificates
type CertOptions struct {
	NotBefore  time.Time
	NotAfter   time.Time
	OCSPServer []string
}

// NewCA creates a self-signed root CA
func NewCA(t testing.TB, cn string) *Identity {
	t.Helper()
	return create(t, cn, true, nil, CertOptions{})
}

// SelfSigned creates a self-signed end-entity certificate
func SelfSigned(t testing.TB, cn string) *Identity {
	t.Helper()
	return create(t, cn, false, nil, CertOptions{})
}

// Issue creates an end-entity certificate signed by ca
func (ca *Identity) Issue(t testing.TB, cn string) *Identity {
	t.Helper()
	return create(t, cn, false, ca, CertOptions{})
}

// IssueWith creates an end-entity certificate signed by ca with options
func (ca *Identity) IssueWith(t testing.TB, cn string, opts CertOptions) *Identity {
	t.Helper()
	return create(t, cn, false, ca, opts)
}

func create(t testing.TB, cn string, isCA bool, parent *Identity, opts CertOptions) *Identity {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	notBefore, notAfter := opts.NotBefore, opts.NotAfter
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-24 * time.Hour)
	}
	if notAfter.IsZero() {
		notAfter = time.Now().Add(365 * 24 * time.Hour)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1000 + serial.Add(1)),
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: []string{"Test Org"},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  isCA,
		BasicConstraintsValid: true,
		OCSPServer:            opts.OCSPServer,
	}
	if isCA {
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	} else {
		template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment
	}

	signerCert, signerKey := template, key
	if parent != nil {
		signerCert, signerKey = parent.Cert, parent.Key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	id := &Identity{Cert: cert, Key: key, Chain: []*x509.Certificate{cert}}
	if parent != nil {
		id.Chain = append(id.Chain, parent.Chain...)
	}
	return id
}

// Sign computes the raw PKCS#1 v1.5 signature over data, the operation a
// remote signer performs on PRE bytes
func (id *Identity) Sign(t testing.TB, hash crypto.Hash, data []byte) []byte {
	t.Helper()
	h := hash.New()
	h.Write(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, id.Key, hash, h.Sum(nil))
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	return sig
}

// CertPEM encodes the certificate as PEM
func (id *Identity) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.Cert.Raw})
}

// KeyPEM encodes the private key as PKCS#8 PEM
func (id *Identity) KeyPEM(t testing.TB) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(id.Key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

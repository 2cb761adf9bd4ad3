package signlib

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/rezonia/triphase-signer/internal/signature"
	"github.com/rezonia/triphase-signer/internal/triphase"
)

// ParseChain reads certificates from a PEM bundle or from DER. The signer
// certificate comes first.
func ParseChain(data []byte) ([]*x509.Certificate, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, signature.ErrFormat("certificate", "no certificates", nil)
	}
	if !bytes.HasPrefix(data, []byte("-----BEGIN")) {
		certs, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, signature.ErrFormat("certificate", "invalid DER certificate", err)
		}
		return certs, nil
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, signature.ErrFormat("certificate", "invalid PEM certificate", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, signature.ErrFormat("certificate", "no CERTIFICATE block found", nil)
	}
	return certs, nil
}

// ParseCertificates decodes base64 DER certificates, signer first
func ParseCertificates(encoded []string) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(encoded))
	for i, e := range encoded {
		der, err := triphase.DecodeBase64(e)
		if err != nil {
			return nil, signature.ErrFormat("certificate", fmt.Sprintf("certificate %d is not base64", i), err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, signature.ErrFormat("certificate", fmt.Sprintf("certificate %d is invalid", i), err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// ParsePrivateKey reads a PKCS#8, PKCS#1 or SEC 1 PEM private key
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, signature.ErrFormat("key", "no private key block found", nil)
		}
		var (
			key any
			err error
		)
		switch block.Type {
		case "PRIVATE KEY":
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "RSA PRIVATE KEY":
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			key, err = x509.ParseECPrivateKey(block.Bytes)
		default:
			continue
		}
		if err != nil {
			return nil, signature.ErrFormat("key", "invalid private key", err)
		}
		s, ok := key.(crypto.Signer)
		if !ok {
			return nil, signature.ErrFormat("key", fmt.Sprintf("unsupported key type %T", key), nil)
		}
		return s, nil
	}
}

// Complete plays the client phase with a local key: it signs the PRE of
// every sign in session and stores the result as PK1. ECDSA signatures are
// ASN.1 DER encoded.
func Complete(session *Session, key crypto.Signer, algorithm string) error {
	alg, err := signature.ParseAlgorithm(algorithm)
	if err != nil {
		return err
	}
	if session == nil {
		return signature.ErrProtocolState("session", "session is missing", nil)
	}
	if err := session.Require(triphase.KeyPreSign); err != nil {
		return signature.ErrProtocolState(triphase.KeyPreSign, "session has nothing to sign", err)
	}
	for _, s := range session.Signs {
		pre, err := s.Bytes(triphase.KeyPreSign)
		if err != nil {
			return signature.ErrProtocolState(triphase.KeyPreSign, "invalid session property", err)
		}
		sig, err := key.Sign(rand.Reader, signature.Sum(alg.Hash, pre), alg.Hash)
		if err != nil {
			return fmt.Errorf("failed to sign %s: %w", s.ID, err)
		}
		s.SetBytes(triphase.KeyPKCS1, sig)
	}
	return nil
}

package signature

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"strings"

	// digest implementations registered for crypto.Hash
	_ "crypto/sha256"
	_ "crypto/sha512"
)

// KeyType is the public key family of a signature algorithm
type KeyType int

const (
	KeyRSA KeyType = iota
	KeyECDSA
)

// Algorithm is a resolved signature algorithm name such as SHA256withRSA
type Algorithm struct {
	Name string
	Hash crypto.Hash
	Key  KeyType
}

var (
	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	oidSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	oidRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	oidECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

var digestNames = map[string]crypto.Hash{
	"SHA256": crypto.SHA256,
	"SHA384": crypto.SHA384,
	"SHA512": crypto.SHA512,
}

// ParseAlgorithm resolves a JCA-style signature algorithm name. Case and
// dashes in the digest part are ignored: SHA-256withRSA, sha256withrsa and
// SHA256withRSA are the same algorithm. SHA-1 is not accepted.
func ParseAlgorithm(name string) (Algorithm, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", ""))
	digest, key, ok := strings.Cut(norm, "WITH")
	if !ok {
		return Algorithm{}, ErrAlgorithmNotSupported(name)
	}
	h, ok := digestNames[digest]
	if !ok {
		return Algorithm{}, ErrAlgorithmNotSupported(name)
	}
	switch key {
	case "RSA":
		return Algorithm{Name: digest + "withRSA", Hash: h, Key: KeyRSA}, nil
	case "ECDSA":
		return Algorithm{Name: digest + "withECDSA", Hash: h, Key: KeyECDSA}, nil
	}
	return Algorithm{}, ErrAlgorithmNotSupported(name)
}

// DigestFromAlgorithm returns the digest of a signature algorithm name
func DigestFromAlgorithm(name string) (crypto.Hash, error) {
	a, err := ParseAlgorithm(name)
	if err != nil {
		return 0, err
	}
	return a.Hash, nil
}

// ParseDigest resolves a digest name (SHA-256, sha512...) or an XML-DSig
// digest URI
func ParseDigest(name string) (crypto.Hash, error) {
	if i := strings.LastIndexByte(name, '#'); i >= 0 {
		name = name[i+1:]
	}
	h, ok := digestNames[strings.ToUpper(strings.ReplaceAll(name, "-", ""))]
	if !ok {
		return 0, ErrAlgorithmNotSupported(name)
	}
	return h, nil
}

// DigestForOID maps a digest algorithm identifier to its hash
func DigestForOID(oid asn1.ObjectIdentifier) (crypto.Hash, bool) {
	switch {
	case oid.Equal(oidSHA256):
		return crypto.SHA256, true
	case oid.Equal(oidSHA384):
		return crypto.SHA384, true
	case oid.Equal(oidSHA512):
		return crypto.SHA512, true
	}
	return 0, false
}

// Sum digests data
func (a Algorithm) Sum(data []byte) []byte {
	return Sum(a.Hash, data)
}

// Sum digests data with h
func Sum(h crypto.Hash, data []byte) []byte {
	d := h.New()
	d.Write(data)
	return d.Sum(nil)
}

// DigestOID returns the digest algorithm identifier
func (a Algorithm) DigestOID() asn1.ObjectIdentifier {
	return DigestOID(a.Hash)
}

// DigestOID returns the identifier of h
func DigestOID(h crypto.Hash) asn1.ObjectIdentifier {
	switch h {
	case crypto.SHA384:
		return oidSHA384
	case crypto.SHA512:
		return oidSHA512
	default:
		return oidSHA256
	}
}

// SignatureOID returns the CMS signature algorithm identifier. RSA
// signers are identified by rsaEncryption, which every verifier accepts.
func (a Algorithm) SignatureOID() asn1.ObjectIdentifier {
	if a.Key == KeyRSA {
		return oidRSAEncryption
	}
	switch a.Hash {
	case crypto.SHA384:
		return oidECDSAWithSHA384
	case crypto.SHA512:
		return oidECDSAWithSHA512
	default:
		return oidECDSAWithSHA256
	}
}

// X509 returns the matching x509 signature algorithm
func (a Algorithm) X509() x509.SignatureAlgorithm {
	switch {
	case a.Key == KeyECDSA && a.Hash == crypto.SHA384:
		return x509.ECDSAWithSHA384
	case a.Key == KeyECDSA && a.Hash == crypto.SHA512:
		return x509.ECDSAWithSHA512
	case a.Key == KeyECDSA:
		return x509.ECDSAWithSHA256
	case a.Hash == crypto.SHA384:
		return x509.SHA384WithRSA
	case a.Hash == crypto.SHA512:
		return x509.SHA512WithRSA
	default:
		return x509.SHA256WithRSA
	}
}

// DigestName returns the hyphenated digest name, e.g. SHA-256
func DigestName(h crypto.Hash) string {
	return h.String()
}

// KeyOf returns the key family of a certificate. Unknown keys report RSA,
// which then fails the signature check.
func KeyOf(cert *x509.Certificate) KeyType {
	if cert != nil && cert.PublicKeyAlgorithm == x509.ECDSA {
		return KeyECDSA
	}
	return KeyRSA
}

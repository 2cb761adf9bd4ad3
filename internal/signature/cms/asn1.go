// Package cms assembles CMS SignedData structures in separate phases and
// verifies them. The signed attributes are produced first, signed
// elsewhere, and the signature value is embedded afterwards.
package cms

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
)

// OIDs for CMS content types and attributes
var (
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	OIDContentType          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDCounterSignature     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 6}
	OIDSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
	OIDSigPolicyID          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 15}
	OIDSPQETSURI            = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 5, 1}
)

const (
	tagSet            = 17
	tagSignedAttrs    = 0xA0
	tagSetConstructed = 0x31
)

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// signedData keeps the SET fields raw so existing elements are written back
// byte for byte and in their original order
type signedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	EncapContentInfo encapContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      asn1.RawValue
}

type encapContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signerInfo struct {
	Version            int
	SID                issuerAndSerial
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

type issuerAndSerial struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type attribute struct {
	Type   asn1.ObjectIdentifier
	Values asn1.RawValue
}

type signingCertificateV2 struct {
	Certs []essCertIDv2
}

type essCertIDv2 struct {
	HashAlgorithm pkix.AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  issuerSerial
}

type issuerSerial struct {
	Issuer       []asn1.RawValue
	SerialNumber *big.Int
}

type signaturePolicyID struct {
	SigPolicyID         asn1.ObjectIdentifier
	SigPolicyHash       otherHashAlgAndValue
	SigPolicyQualifiers []sigPolicyQualifierInfo `asn1:"optional,omitempty"`
}

type otherHashAlgAndValue struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	HashValue     []byte
}

type sigPolicyQualifierInfo struct {
	SigPolicyQualifierID asn1.ObjectIdentifier
	SigQualifier         string `asn1:"ia5"`
}

// elements splits the content of a constructed value into its children
func elements(b []byte) ([]asn1.RawValue, error) {
	var out []asn1.RawValue
	for len(b) > 0 {
		var rv asn1.RawValue
		rest, err := asn1.Unmarshal(b, &rv)
		if err != nil {
			return nil, err
		}
		out = append(out, rv)
		b = rest
	}
	return out, nil
}

// constructed builds a constructed value from already encoded children
func constructed(class, tag int, children ...[]byte) asn1.RawValue {
	var body []byte
	for _, c := range children {
		body = append(body, c...)
	}
	return asn1.RawValue{Class: class, Tag: tag, IsCompound: true, Bytes: body}
}

func newAttribute(oid asn1.ObjectIdentifier, values ...[]byte) attribute {
	return attribute{Type: oid, Values: constructed(asn1.ClassUniversal, tagSet, values...)}
}

// unmarshalExact decodes a complete DER value
func unmarshalExact(b []byte, out any) error {
	rest, err := asn1.Unmarshal(b, out)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("%d trailing bytes", len(rest))
	}
	return nil
}

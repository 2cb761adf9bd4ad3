package cms

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"sort"
	"time"

	"github.com/rezonia/triphase-signer/internal/signature"
)

// AttributeOptions controls the signed attributes of a new signer
type AttributeOptions struct {
	SigningTime time.Time
	Certificate *x509.Certificate
	Policy      *signature.Policy

	// CounterSignature omits the content-type attribute, which counter
	// signatures must not carry
	CounterSignature bool
}

// SignedAttributes returns the DER SET of signed attributes over a content
// digest. These are the bytes a remote signer signs. The output depends
// only on the inputs, so it can be rebuilt in a later phase and compared.
func SignedAttributes(alg signature.Algorithm, digest []byte, opts AttributeOptions) ([]byte, error) {
	if opts.Certificate == nil {
		return nil, fmt.Errorf("signing certificate is required")
	}
	if len(digest) != alg.Hash.Size() {
		return nil, fmt.Errorf("digest has %d bytes, %s needs %d", len(digest), alg.Hash, alg.Hash.Size())
	}

	var attrs []attribute

	if !opts.CounterSignature {
		ct, err := asn1.Marshal(OIDData)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, newAttribute(OIDContentType, ct))
	}

	md, err := asn1.Marshal(digest)
	if err != nil {
		return nil, err
	}
	attrs = append(attrs, newAttribute(OIDMessageDigest, md))

	st, err := asn1.Marshal(opts.SigningTime.UTC().Truncate(time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to encode signing time: %w", err)
	}
	attrs = append(attrs, newAttribute(OIDSigningTime, st))

	sc, err := signingCertificate(alg.Hash, opts.Certificate)
	if err != nil {
		return nil, err
	}
	attrs = append(attrs, newAttribute(OIDSigningCertificateV2, sc))

	if opts.Policy != nil {
		pol, err := policyAttribute(opts.Policy)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, newAttribute(OIDSigPolicyID, pol))
	}

	return marshalAttributeSet(attrs)
}

// marshalAttributeSet encodes attributes as a DER SET, sorted by encoding
func marshalAttributeSet(attrs []attribute) ([]byte, error) {
	encoded := make([][]byte, 0, len(attrs))
	for _, a := range attrs {
		der, err := asn1.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal attribute %v: %w", a.Type, err)
		}
		encoded = append(encoded, der)
	}
	sort.Slice(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	})
	return asn1.Marshal(constructed(asn1.ClassUniversal, tagSet, encoded...))
}

func signingCertificate(h crypto.Hash, cert *x509.Certificate) ([]byte, error) {
	id := essCertIDv2{
		CertHash: signature.Sum(h, cert.Raw),
		IssuerSerial: issuerSerial{
			Issuer: []asn1.RawValue{{
				Class:      asn1.ClassContextSpecific,
				Tag:        4, // directoryName
				IsCompound: true,
				Bytes:      cert.RawIssuer,
			}},
			SerialNumber: cert.SerialNumber,
		},
	}
	// SHA-256 is the default and is omitted in DER
	if h != crypto.SHA256 {
		id.HashAlgorithm = pkix.AlgorithmIdentifier{Algorithm: signature.DigestOID(h)}
	}
	return asn1.Marshal(signingCertificateV2{Certs: []essCertIDv2{id}})
}

func policyAttribute(p *signature.Policy) ([]byte, error) {
	oid, err := p.OID()
	if err != nil {
		return nil, err
	}
	spid := signaturePolicyID{
		SigPolicyID: oid,
		SigPolicyHash: otherHashAlgAndValue{
			HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: signature.DigestOID(p.HashAlgorithm)},
			HashValue:     p.Hash,
		},
	}
	if p.Qualifier != "" {
		spid.SigPolicyQualifiers = []sigPolicyQualifierInfo{{
			SigPolicyQualifierID: OIDSPQETSURI,
			SigQualifier:         p.Qualifier,
		}}
	}
	return asn1.Marshal(spid)
}

// Attributes are the values read back from a signed attribute set
type Attributes struct {
	ContentType   asn1.ObjectIdentifier
	MessageDigest []byte
	SigningTime   time.Time
	PolicyID      asn1.ObjectIdentifier
}

// ParseSignedAttributes decodes a DER SET of signed attributes. The
// message digest is mandatory.
func ParseSignedAttributes(der []byte) (*Attributes, error) {
	var set asn1.RawValue
	if err := unmarshalExact(der, &set); err != nil {
		return nil, fmt.Errorf("malformed signed attributes: %w", err)
	}
	if set.Class != asn1.ClassUniversal || set.Tag != tagSet || !set.IsCompound {
		return nil, fmt.Errorf("signed attributes are not a SET")
	}
	items, err := elements(set.Bytes)
	if err != nil {
		return nil, fmt.Errorf("malformed signed attributes: %w", err)
	}

	out := &Attributes{}
	for _, item := range items {
		var a attribute
		if err := unmarshalExact(item.FullBytes, &a); err != nil {
			return nil, fmt.Errorf("malformed attribute: %w", err)
		}
		values, err := elements(a.Values.Bytes)
		if err != nil || len(values) == 0 {
			return nil, fmt.Errorf("attribute %v has no value", a.Type)
		}
		v := values[0].FullBytes
		switch {
		case a.Type.Equal(OIDContentType):
			if err := unmarshalExact(v, &out.ContentType); err != nil {
				return nil, fmt.Errorf("malformed content type: %w", err)
			}
		case a.Type.Equal(OIDMessageDigest):
			if err := unmarshalExact(v, &out.MessageDigest); err != nil {
				return nil, fmt.Errorf("malformed message digest: %w", err)
			}
		case a.Type.Equal(OIDSigningTime):
			if err := unmarshalExact(v, &out.SigningTime); err != nil {
				return nil, fmt.Errorf("malformed signing time: %w", err)
			}
			out.SigningTime = out.SigningTime.UTC()
		case a.Type.Equal(OIDSigPolicyID):
			var spid signaturePolicyID
			if _, err := asn1.Unmarshal(v, &spid); err == nil {
				out.PolicyID = spid.SigPolicyID
			}
		}
	}
	if out.MessageDigest == nil {
		return nil, fmt.Errorf("signed attributes carry no message digest")
	}
	return out, nil
}

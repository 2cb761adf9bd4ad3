package cms

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strconv"
	"strings"

	"github.com/rezonia/triphase-signer/internal/signature"
)

// Signer is a completed signer: the signed attributes produced in the
// first phase and the signature value computed over them remotely
type Signer struct {
	Algorithm signature.Algorithm
	// Chain[0] is the signing certificate
	Chain       []*x509.Certificate
	SignedAttrs []byte
	Signature   []byte
}

func (s Signer) certificate() (*x509.Certificate, error) {
	if len(s.Chain) == 0 || s.Chain[0] == nil {
		return nil, fmt.Errorf("signer certificate chain is empty")
	}
	return s.Chain[0], nil
}

// Check verifies the signature value against the signing certificate
func (s Signer) Check() error {
	cert, err := s.certificate()
	if err != nil {
		return err
	}
	if err := cert.CheckSignature(s.Algorithm.X509(), s.SignedAttrs, s.Signature); err != nil {
		return signature.ErrInvalidSignature(err)
	}
	return nil
}

// marshal encodes the SignerInfo, embedding the signed attributes verbatim
func (s Signer) marshal() ([]byte, error) {
	cert, err := s.certificate()
	if err != nil {
		return nil, err
	}
	if len(s.SignedAttrs) == 0 || s.SignedAttrs[0] != tagSetConstructed {
		return nil, fmt.Errorf("signed attributes must be a DER SET")
	}
	attrs := bytes.Clone(s.SignedAttrs)
	attrs[0] = tagSignedAttrs

	sigParams := asn1.RawValue{}
	if s.Algorithm.Key == signature.KeyRSA {
		sigParams = asn1.NullRawValue
	}

	si := signerInfo{
		Version: 1,
		SID: issuerAndSerial{
			Issuer:       asn1.RawValue{FullBytes: cert.RawIssuer},
			SerialNumber: cert.SerialNumber,
		},
		DigestAlgorithm: pkix.AlgorithmIdentifier{
			Algorithm:  s.Algorithm.DigestOID(),
			Parameters: asn1.NullRawValue,
		},
		SignedAttrs: asn1.RawValue{FullBytes: attrs},
		SignatureAlgorithm: pkix.AlgorithmIdentifier{
			Algorithm:  s.Algorithm.SignatureOID(),
			Parameters: sigParams,
		},
		Signature: s.Signature,
	}
	return asn1.Marshal(si)
}

// Assemble builds a SignedData ContentInfo with a single signer. When
// content is nil the signature is detached.
func Assemble(content []byte, s Signer) ([]byte, error) {
	siDER, err := s.marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode signer: %w", err)
	}
	algDER, err := asn1.Marshal(pkix.AlgorithmIdentifier{Algorithm: s.Algorithm.DigestOID(), Parameters: asn1.NullRawValue})
	if err != nil {
		return nil, err
	}

	sd := signedData{
		Version:          1,
		DigestAlgorithms: constructed(asn1.ClassUniversal, tagSet, algDER),
		EncapContentInfo: encapContentInfo{EContentType: OIDData},
		SignerInfos:      constructed(asn1.ClassUniversal, tagSet, siDER),
	}
	if content != nil {
		octets, err := asn1.Marshal(content)
		if err != nil {
			return nil, err
		}
		sd.EncapContentInfo.EContent = constructed(asn1.ClassContextSpecific, 0, octets)
	}
	addCertificates(&sd, s.Chain)
	return marshalSignedData(sd)
}

// AddSigner appends a parallel signer to an existing SignedData
func AddSigner(der []byte, s Signer) ([]byte, error) {
	sd, err := parseSignedData(der)
	if err != nil {
		return nil, err
	}
	siDER, err := s.marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode signer: %w", err)
	}

	if err := addDigestAlgorithm(&sd, s.Algorithm.DigestOID()); err != nil {
		return nil, err
	}
	addCertificates(&sd, s.Chain)
	sd.SignerInfos = constructed(asn1.ClassUniversal, tagSet, sd.SignerInfos.Bytes, siDER)
	return marshalSignedData(sd)
}

// AddCounterSignature attaches s as a counter signature of the signer at
// path (see SignerInfo.Path)
func AddCounterSignature(der []byte, path string, s Signer) ([]byte, error) {
	idx, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	sd, err := parseSignedData(der)
	if err != nil {
		return nil, err
	}
	csDER, err := s.marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode counter signer: %w", err)
	}

	signers, err := elements(sd.SignerInfos.Bytes)
	if err != nil {
		return nil, signature.ErrFormat("cms", "malformed signer infos", err)
	}
	if idx[0] >= len(signers) {
		return nil, signature.ErrFormat("cms", fmt.Sprintf("no signer at %s", path), nil)
	}
	updated, err := counterSign(signers[idx[0]].FullBytes, idx[1:], csDER)
	if err != nil {
		return nil, fmt.Errorf("counter-sign %s: %w", path, err)
	}

	parts := make([][]byte, len(signers))
	for i, si := range signers {
		parts[i] = si.FullBytes
	}
	parts[idx[0]] = updated
	sd.SignerInfos = constructed(asn1.ClassUniversal, tagSet, parts...)

	if err := addDigestAlgorithm(&sd, s.Algorithm.DigestOID()); err != nil {
		return nil, err
	}
	addCertificates(&sd, s.Chain)
	return marshalSignedData(sd)
}

// counterSign walks down the counter signature chain of siDER and adds
// csDER to the signer at the end of path
func counterSign(siDER []byte, path []int, csDER []byte) ([]byte, error) {
	var si signerInfo
	if err := unmarshalExact(siDER, &si); err != nil {
		return nil, signature.ErrFormat("cms", "malformed signer info", err)
	}
	attrs, err := unsignedAttributes(si)
	if err != nil {
		return nil, err
	}

	pos := -1
	for i, a := range attrs {
		if a.Type.Equal(OIDCounterSignature) {
			pos = i
			break
		}
	}

	if len(path) == 0 {
		if pos < 0 {
			attrs = append(attrs, newAttribute(OIDCounterSignature, csDER))
		} else {
			attrs[pos].Values = constructed(asn1.ClassUniversal, tagSet, attrs[pos].Values.Bytes, csDER)
		}
		return marshalWithUnsigned(si, attrs)
	}

	if pos < 0 {
		return nil, signature.ErrFormat("cms", "signer has no counter signatures", nil)
	}
	values, err := elements(attrs[pos].Values.Bytes)
	if err != nil {
		return nil, signature.ErrFormat("cms", "malformed counter signature", err)
	}
	if path[0] >= len(values) {
		return nil, signature.ErrFormat("cms", "counter signature index out of range", nil)
	}
	child, err := counterSign(values[path[0]].FullBytes, path[1:], csDER)
	if err != nil {
		return nil, err
	}
	parts := make([][]byte, len(values))
	for i, v := range values {
		parts[i] = v.FullBytes
	}
	parts[path[0]] = child
	attrs[pos].Values = constructed(asn1.ClassUniversal, tagSet, parts...)
	return marshalWithUnsigned(si, attrs)
}

func unsignedAttributes(si signerInfo) ([]attribute, error) {
	items, err := elements(si.UnsignedAttrs.Bytes)
	if err != nil {
		return nil, signature.ErrFormat("cms", "malformed unsigned attributes", err)
	}
	attrs := make([]attribute, 0, len(items))
	for _, item := range items {
		var a attribute
		if err := unmarshalExact(item.FullBytes, &a); err != nil {
			return nil, signature.ErrFormat("cms", "malformed unsigned attribute", err)
		}
		// Values is re-encoded from Bytes
		a.Values.FullBytes = nil
		attrs = append(attrs, a)
	}
	return attrs, nil
}

func marshalWithUnsigned(si signerInfo, attrs []attribute) ([]byte, error) {
	parts := make([][]byte, 0, len(attrs))
	for _, a := range attrs {
		der, err := asn1.Marshal(a)
		if err != nil {
			return nil, err
		}
		parts = append(parts, der)
	}
	si.UnsignedAttrs = constructed(asn1.ClassContextSpecific, 1, parts...)
	return asn1.Marshal(si)
}

func parseSignedData(der []byte) (signedData, error) {
	var ci contentInfo
	if err := unmarshalExact(der, &ci); err != nil {
		return signedData{}, signature.ErrFormat("cms", "not a DER ContentInfo", err)
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return signedData{}, signature.ErrFormat("cms", fmt.Sprintf("content type %v is not SignedData", ci.ContentType), nil)
	}
	var sd signedData
	if err := unmarshalExact(ci.Content.Bytes, &sd); err != nil {
		return signedData{}, signature.ErrFormat("cms", "malformed SignedData", err)
	}
	return sd, nil
}

func marshalSignedData(sd signedData) ([]byte, error) {
	sdDER, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed data: %w", err)
	}
	return asn1.Marshal(contentInfo{
		ContentType: OIDSignedData,
		Content:     constructed(asn1.ClassContextSpecific, 0, sdDER),
	})
}

func addDigestAlgorithm(sd *signedData, oid asn1.ObjectIdentifier) error {
	algs, err := elements(sd.DigestAlgorithms.Bytes)
	if err != nil {
		return signature.ErrFormat("cms", "malformed digest algorithms", err)
	}
	for _, a := range algs {
		var id pkix.AlgorithmIdentifier
		if _, err := asn1.Unmarshal(a.FullBytes, &id); err == nil && id.Algorithm.Equal(oid) {
			return nil
		}
	}
	algDER, err := asn1.Marshal(pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue})
	if err != nil {
		return err
	}
	sd.DigestAlgorithms = constructed(asn1.ClassUniversal, tagSet, sd.DigestAlgorithms.Bytes, algDER)
	return nil
}

func addCertificates(sd *signedData, chain []*x509.Certificate) {
	existing := sd.Certificates.Bytes
	parts := [][]byte{existing}
	for _, c := range chain {
		if c != nil && !bytes.Contains(existing, c.Raw) {
			parts = append(parts, c.Raw)
			existing = append(bytes.Clone(existing), c.Raw...)
		}
	}
	if len(existing) == 0 {
		return
	}
	sd.Certificates = constructed(asn1.ClassContextSpecific, 0, parts...)
}

// parsePath decodes a signer path such as "0" or "1.0"
func parsePath(path string) ([]int, error) {
	fields := strings.Split(path, ".")
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return nil, signature.ErrProtocolState("path", fmt.Sprintf("invalid signer path %q", path), err)
		}
		out[i] = n
	}
	return out, nil
}

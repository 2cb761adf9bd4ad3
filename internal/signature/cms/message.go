package cms

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"strconv"
	"time"

	"github.com/hhrutter/pkcs7"

	"github.com/rezonia/triphase-signer/internal/signature"
)

// Message is a parsed SignedData
type Message struct {
	// Content is nil for detached signatures
	Content      []byte
	Certificates []*x509.Certificate
	Signers      []*SignerInfo
}

// SignerInfo is one signer of a message, top level or counter signer
type SignerInfo struct {
	// Path locates the signer: "1" is the second top-level signer, "1.0"
	// the first counter signer of it
	Path        string
	Certificate *x509.Certificate
	Digest      crypto.Hash
	// SignedAttrs is the DER SET the signature covers, nil if absent
	SignedAttrs   []byte
	Signature     []byte
	MessageDigest []byte
	SigningTime   time.Time
	Counter       []*SignerInfo

	raw pkcs7.SignerInfo
}

// Detached reports whether the message carries no content
func (m *Message) Detached() bool {
	return m.Content == nil
}

// Parse decodes a DER SignedData ContentInfo
func Parse(der []byte) (*Message, error) {
	sd, err := parseSignedData(der)
	if err != nil {
		return nil, err
	}

	m := &Message{}
	if len(sd.EncapContentInfo.EContent.Bytes) > 0 {
		var content []byte
		if err := unmarshalExact(sd.EncapContentInfo.EContent.Bytes, &content); err != nil {
			return nil, signature.ErrFormat("cms", "encapsulated content is not an OCTET STRING", err)
		}
		if content == nil {
			content = []byte{}
		}
		m.Content = content
	}

	if len(sd.Certificates.Bytes) > 0 {
		items, err := elements(sd.Certificates.Bytes)
		if err != nil {
			return nil, signature.ErrFormat("cms", "malformed certificate set", err)
		}
		for _, item := range items {
			// other certificate choices are tagged and skipped
			if item.Class != asn1.ClassUniversal {
				continue
			}
			cert, err := x509.ParseCertificate(item.FullBytes)
			if err != nil {
				return nil, signature.ErrFormat("cms", "malformed certificate", err)
			}
			m.Certificates = append(m.Certificates, cert)
		}
	}

	signers, err := elements(sd.SignerInfos.Bytes)
	if err != nil {
		return nil, signature.ErrFormat("cms", "malformed signer infos", err)
	}
	for i, s := range signers {
		si, err := m.parseSigner(s.FullBytes, strconv.Itoa(i))
		if err != nil {
			return nil, err
		}
		m.Signers = append(m.Signers, si)
	}
	return m, nil
}

func (m *Message) parseSigner(der []byte, path string) (*SignerInfo, error) {
	var si signerInfo
	if err := unmarshalExact(der, &si); err != nil {
		return nil, signature.ErrFormat("cms", fmt.Sprintf("malformed signer %s", path), err)
	}
	out := &SignerInfo{Path: path, Signature: si.Signature}
	if _, err := asn1.Unmarshal(der, &out.raw); err != nil {
		return nil, signature.ErrFormat("cms", fmt.Sprintf("malformed signer %s", path), err)
	}
	out.Certificate = pkcs7.GetCertFromCertsByIssuerAndSerial(m.Certificates, out.raw.IssuerAndSerialNumber)
	out.Digest, _ = signature.DigestForOID(si.DigestAlgorithm.Algorithm)

	if len(si.SignedAttrs.FullBytes) > 0 {
		out.SignedAttrs = bytes.Clone(si.SignedAttrs.FullBytes)
		out.SignedAttrs[0] = tagSetConstructed
		if attrs, err := ParseSignedAttributes(out.SignedAttrs); err == nil {
			out.MessageDigest = attrs.MessageDigest
			out.SigningTime = attrs.SigningTime
		}
	}

	unsigned, err := unsignedAttributes(si)
	if err != nil {
		return nil, err
	}
	for _, a := range unsigned {
		if !a.Type.Equal(OIDCounterSignature) {
			continue
		}
		values, err := elements(a.Values.Bytes)
		if err != nil {
			return nil, signature.ErrFormat("cms", "malformed counter signature", err)
		}
		for _, v := range values {
			child, err := m.parseSigner(v.FullBytes, fmt.Sprintf("%s.%d", path, len(out.Counter)))
			if err != nil {
				return nil, err
			}
			out.Counter = append(out.Counter, child)
		}
	}
	return out, nil
}

// Walk visits every signer depth first, parents before counter signers
func (m *Message) Walk(fn func(parent, s *SignerInfo)) {
	var walk func(parent *SignerInfo, list []*SignerInfo)
	walk = func(parent *SignerInfo, list []*SignerInfo) {
		for _, s := range list {
			fn(parent, s)
			walk(s, s.Counter)
		}
	}
	walk(nil, m.Signers)
}

// Leaves returns the signers nobody has counter-signed yet
func (m *Message) Leaves() []*SignerInfo {
	var out []*SignerInfo
	m.Walk(func(_, s *SignerInfo) {
		if len(s.Counter) == 0 {
			out = append(out, s)
		}
	})
	return out
}

// All returns every signer in walk order
func (m *Message) All() []*SignerInfo {
	var out []*SignerInfo
	m.Walk(func(_, s *SignerInfo) { out = append(out, s) })
	return out
}

// Find returns the signer at path or nil
func (m *Message) Find(path string) *SignerInfo {
	var found *SignerInfo
	m.Walk(func(_, s *SignerInfo) {
		if s.Path == path {
			found = s
		}
	})
	return found
}

// SignersTree builds the signers tree of the message
func (m *Message) SignersTree() *signature.SignerNode {
	root := signature.NewRootNode()
	var add func(parent *signature.SignerNode, list []*SignerInfo)
	add = func(parent *signature.SignerNode, list []*SignerInfo) {
		for _, s := range list {
			n := signature.NewSignerNode(s.Certificate)
			parent.Add(n)
			add(n, s.Counter)
		}
	}
	add(root, m.Signers)
	return root
}

// Decode parses DER SignedData and falls back to the BER tolerant parser
// of pkcs7 for messages produced by other tools. The fallback does not
// expose counter signatures.
func Decode(data []byte) (*Message, error) {
	m, err := Parse(data)
	if err == nil {
		return m, nil
	}
	p7, perr := pkcs7.Parse(data)
	if perr != nil {
		return nil, err
	}
	return fromPKCS7(p7), nil
}

func fromPKCS7(p7 *pkcs7.PKCS7) *Message {
	m := &Message{Content: p7.Content, Certificates: p7.Certificates}
	for i, raw := range p7.Signers {
		s := &SignerInfo{
			Path:        strconv.Itoa(i),
			Certificate: pkcs7.GetCertFromCertsByIssuerAndSerial(p7.Certificates, raw.IssuerAndSerialNumber),
			Signature:   raw.EncryptedDigest,
			raw:         raw,
		}
		s.Digest, _ = signature.DigestForOID(raw.DigestAlgorithm.Algorithm)
		m.Signers = append(m.Signers, s)
	}
	return m
}

package xml

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"math/big"
	"strings"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/rezonia/triphase-signer/internal/signature"
)

const signingTimeLayout = "2006-01-02T15:04:05Z07:00"

// DataObjectFormat describes the signed data in the SignedProperties
type DataObjectFormat struct {
	// Reference is the URI of the ds:Reference the format applies to
	Reference string
	MimeType  string
	Encoding  string
}

// Qualify adds the XAdES QualifyingProperties object with the signing
// time, the signing certificate digest, the optional policy and production
// place, and references its SignedProperties from SignedInfo. The
// signature must already be attached to its document.
func (s *Signature) Qualify(p Params, format *DataObjectFormat) (*etree.Element, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	sigID := SignatureID(p.ID)

	qp := s.AddObject("").CreateElement(xadesPrefix + ":QualifyingProperties")
	qp.CreateAttr("Target", "#"+sigID)

	sp := qp.CreateElement(xadesPrefix + ":SignedProperties")
	sp.CreateAttr("Id", sigID+"-SignedProperties")

	ssp := sp.CreateElement(xadesPrefix + ":SignedSignatureProperties")
	ssp.CreateElement(xadesPrefix + ":SigningTime").
		SetText(p.SigningTime.UTC().Truncate(time.Second).Format(signingTimeLayout))

	is, err := issuerSerial(p.Chain[0])
	if err != nil {
		return nil, err
	}
	cert := ssp.CreateElement(xadesPrefix + ":SigningCertificateV2").CreateElement(xadesPrefix + ":Cert")
	digestValue(cert.CreateElement(xadesPrefix+":CertDigest"), p.Algorithm, p.Chain[0].Raw)
	cert.CreateElement(xadesPrefix + ":IssuerSerialV2").SetText(base64.StdEncoding.EncodeToString(is))

	if p.Policy != nil {
		spid := ssp.CreateElement(xadesPrefix + ":SignaturePolicyIdentifier").
			CreateElement(xadesPrefix + ":SignaturePolicyId")
		ident := spid.CreateElement(xadesPrefix + ":SigPolicyId").CreateElement(xadesPrefix + ":Identifier")
		ident.CreateAttr("Qualifier", "OIDAsURN")
		ident.SetText(p.Policy.URN())
		hash := spid.CreateElement(xadesPrefix + ":SigPolicyHash")
		hash.CreateElement(dsPrefix+":"+dsig.DigestMethodTag).CreateAttr(dsig.AlgorithmAttr, DigestURI(p.Policy.HashAlgorithm))
		hash.CreateElement(dsPrefix + ":" + dsig.DigestValueTag).SetText(base64.StdEncoding.EncodeToString(p.Policy.Hash))
		if p.Policy.Qualifier != "" {
			spid.CreateElement(xadesPrefix + ":SigPolicyQualifiers").
				CreateElement(xadesPrefix + ":SigPolicyQualifier").
				CreateElement(xadesPrefix + ":SPURI").SetText(p.Policy.Qualifier)
		}
	}

	if p.City != "" {
		ssp.CreateElement(xadesPrefix + ":SignatureProductionPlaceV2").
			CreateElement(xadesPrefix + ":City").SetText(p.City)
	}

	if format != nil {
		dof := sp.CreateElement(xadesPrefix + ":SignedDataObjectProperties").
			CreateElement(xadesPrefix + ":DataObjectFormat")
		dof.CreateAttr("ObjectReference", format.Reference)
		if format.MimeType != "" {
			dof.CreateElement(xadesPrefix + ":MimeType").SetText(format.MimeType)
		}
		if format.Encoding != "" {
			dof.CreateElement(xadesPrefix + ":Encoding").SetText(format.Encoding)
		}
	}

	s.AddReference(Reference{
		Type:       TypeSignedProperties,
		URI:        "#" + sigID + "-SignedProperties",
		Transforms: []string{string(dsig.CanonicalXML10ExclusiveAlgorithmId)},
	}, p.Algorithm)
	return sp, nil
}

// SigningTime returns the signing time claimed by the signature, from the
// XAdES SigningTime or an Office SignatureTime property
func (s *Signature) SigningTime() *time.Time {
	if st := path(s.qualifyingProperties(), isXAdES, "SignedProperties", "SignedSignatureProperties", "SigningTime"); st != nil {
		if t, ok := parseSigningTime(st.Text()); ok {
			return &t
		}
	}
	for _, obj := range s.el.ChildElements() {
		if !isDSig(obj, "Object") {
			continue
		}
		if v := findLocal(obj, "SignatureTime"); v != nil {
			if val := findLocal(v, "Value"); val != nil {
				if t, ok := parseSigningTime(val.Text()); ok {
					return &t
				}
			}
		}
	}
	return nil
}

// parseSigningTime accepts xsd:dateTime values with or without a zone
func parseSigningTime(text string) (time.Time, bool) {
	text = strings.TrimSpace(text)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04:05.000"} {
		if t, err := time.Parse(layout, text); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// findLocal searches el and its descendants for an element by local name
func findLocal(el *etree.Element, tag string) *etree.Element {
	if el.Tag == tag {
		return el
	}
	for _, c := range el.ChildElements() {
		if found := findLocal(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// digestValue writes a ds:DigestMethod/ds:DigestValue pair under parent
func digestValue(parent *etree.Element, alg signature.Algorithm, data []byte) {
	parent.CreateElement(dsPrefix+":"+dsig.DigestMethodTag).CreateAttr(dsig.AlgorithmAttr, DigestURI(alg.Hash))
	parent.CreateElement(dsPrefix + ":" + dsig.DigestValueTag).
		SetText(base64.StdEncoding.EncodeToString(alg.Sum(data)))
}

type xadesIssuerSerial struct {
	Issuer []asn1.RawValue
	Serial *big.Int
}

// issuerSerial encodes the IssuerSerial of cert with the issuer as a
// directoryName GeneralName
func issuerSerial(cert *x509.Certificate) ([]byte, error) {
	return asn1.Marshal(xadesIssuerSerial{
		Issuer: []asn1.RawValue{{
			Class:      asn1.ClassContextSpecific,
			Tag:        4,
			IsCompound: true,
			Bytes:      cert.RawIssuer,
		}},
		Serial: cert.SerialNumber,
	})
}

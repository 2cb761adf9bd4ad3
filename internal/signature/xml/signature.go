package xml

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/rezonia/triphase-signer/internal/signature"
)

// Params are the signer inputs of a new signature. The same params always
// produce the same SignedInfo.
type Params struct {
	// ID is the nonce all element identifiers of the signature derive from
	ID          string
	Algorithm   signature.Algorithm
	Chain       []*x509.Certificate
	SigningTime time.Time
	Policy      *signature.Policy
	City        string
}

func (p Params) check() error {
	if p.ID == "" {
		return fmt.Errorf("signature id is required")
	}
	if len(p.Chain) == 0 || p.Chain[0] == nil {
		return fmt.Errorf("signing certificate is required")
	}
	_, err := SignatureMethod(p.Algorithm)
	return err
}

// Reference describes a ds:Reference. In-document references use a
// "#id" URI; any other URI is resolved with a Resolver.
type Reference struct {
	ID         string
	URI        string
	Type       string
	Transforms []string
}

// Resolver returns the bytes of a reference that points outside the
// signature document
type Resolver func(uri string) ([]byte, error)

// Signature wraps a ds:Signature element
type Signature struct {
	el *etree.Element
}

// AsSignature wraps el, which must be a ds:Signature element
func AsSignature(el *etree.Element) (*Signature, error) {
	if el == nil || !isDSig(el, dsig.SignatureTag) {
		return nil, fmt.Errorf("element is not a ds:Signature")
	}
	return &Signature{el: el}, nil
}

// NewSignature builds an unsigned ds:Signature skeleton: SignedInfo
// without references, an empty SignatureValue and the certificate chain
// in KeyInfo. The element is detached; callers attach it before adding
// in-document references.
func NewSignature(p Params) (*Signature, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	method, _ := SignatureMethod(p.Algorithm)

	el := etree.NewElement(dsPrefix + ":" + dsig.SignatureTag)
	el.CreateAttr("xmlns:"+dsPrefix, XMLDSigNamespace)
	el.CreateAttr("xmlns:"+xadesPrefix, XAdESNamespace)
	el.CreateAttr("Id", SignatureID(p.ID))

	si := el.CreateElement(dsPrefix + ":" + dsig.SignedInfoTag)
	si.CreateAttr("Id", SignatureID(p.ID)+"-SignedInfo")
	si.CreateElement(dsPrefix+":"+dsig.CanonicalizationMethodTag).
		CreateAttr(dsig.AlgorithmAttr, string(dsig.CanonicalXML10ExclusiveAlgorithmId))
	si.CreateElement(dsPrefix+":"+dsig.SignatureMethodTag).
		CreateAttr(dsig.AlgorithmAttr, method)

	sv := el.CreateElement(dsPrefix + ":" + dsig.SignatureValueTag)
	sv.CreateAttr("Id", SignatureID(p.ID)+"-SignatureValue")

	ki := el.CreateElement(dsPrefix + ":" + dsig.KeyInfoTag)
	ki.CreateAttr("Id", SignatureID(p.ID)+"-KeyInfo")
	x509Data := ki.CreateElement(dsPrefix + ":" + dsig.X509DataTag)
	for _, cert := range p.Chain {
		x509Data.CreateElement(dsPrefix + ":" + dsig.X509CertificateTag).
			SetText(base64.StdEncoding.EncodeToString(cert.Raw))
	}

	return &Signature{el: el}, nil
}

// SignatureID is the Id attribute of the signature with nonce id
func SignatureID(id string) string {
	return "Signature-" + id
}

// Element returns the underlying ds:Signature element
func (s *Signature) Element() *etree.Element {
	return s.el
}

// ID returns the Id attribute
func (s *Signature) ID() string {
	return idOf(s.el)
}

// AddReference appends a reference to SignedInfo. Its digest is computed
// by Digest once the referenced content is in place.
func (s *Signature) AddReference(ref Reference, digest signature.Algorithm) *etree.Element {
	return createReference(s.signedInfo(), ref, digest)
}

func createReference(parent *etree.Element, ref Reference, digest signature.Algorithm) *etree.Element {
	r := parent.CreateElement(dsPrefix + ":" + dsig.ReferenceTag)
	if ref.ID != "" {
		r.CreateAttr("Id", ref.ID)
	}
	if ref.Type != "" {
		r.CreateAttr("Type", ref.Type)
	}
	r.CreateAttr(dsig.URIAttr, ref.URI)
	if len(ref.Transforms) > 0 {
		ts := r.CreateElement(dsPrefix + ":" + dsig.TransformsTag)
		for _, t := range ref.Transforms {
			ts.CreateElement(dsPrefix+":"+dsig.TransformTag).CreateAttr(dsig.AlgorithmAttr, t)
		}
	}
	r.CreateElement(dsPrefix+":"+dsig.DigestMethodTag).CreateAttr(dsig.AlgorithmAttr, DigestURI(digest.Hash))
	r.CreateElement(dsPrefix + ":" + dsig.DigestValueTag)
	return r
}

// AddManifest appends a ds:Manifest of refs to obj and digests them
// right away with resolve
func (s *Signature) AddManifest(obj *etree.Element, refs []Reference, digest signature.Algorithm, resolve Resolver) error {
	manifest := obj.CreateElement(dsPrefix + ":Manifest")
	for _, ref := range refs {
		r := createReference(manifest, ref, digest)
		sum, err := s.referenceDigest(r, resolve)
		if err != nil {
			return err
		}
		child(r, isDSig, dsig.DigestValueTag).SetText(base64.StdEncoding.EncodeToString(sum))
	}
	return nil
}

// VerifyManifests checks the digest of every reference listed in the
// ds:Manifest elements of the signature objects
func (s *Signature) VerifyManifests(resolve Resolver) error {
	for _, obj := range s.el.ChildElements() {
		if !isDSig(obj, "Object") {
			continue
		}
		for _, manifest := range obj.ChildElements() {
			if !isDSig(manifest, "Manifest") {
				continue
			}
			for _, ref := range manifest.ChildElements() {
				if !isDSig(ref, dsig.ReferenceTag) {
					continue
				}
				if err := s.checkReference(ref, resolve); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// AddObject appends an empty ds:Object
func (s *Signature) AddObject(id string) *etree.Element {
	obj := s.el.CreateElement(qname(s.el.Space, "Object"))
	if id != "" {
		obj.CreateAttr("Id", id)
	}
	return obj
}

// Digest fills the DigestValue of every reference that has none
func (s *Signature) Digest(resolve Resolver) error {
	for _, r := range s.references() {
		dv := child(r, isDSig, dsig.DigestValueTag)
		if dv == nil || dv.Text() != "" {
			continue
		}
		sum, err := s.referenceDigest(r, resolve)
		if err != nil {
			return err
		}
		dv.SetText(base64.StdEncoding.EncodeToString(sum))
	}
	return nil
}

// SignedInfo returns the canonical SignedInfo: the bytes that are signed
func (s *Signature) SignedInfo() ([]byte, error) {
	si := s.signedInfo()
	if si == nil {
		return nil, fmt.Errorf("signature has no SignedInfo")
	}
	cm := child(si, isDSig, dsig.CanonicalizationMethodTag)
	if cm == nil {
		return nil, fmt.Errorf("SignedInfo has no CanonicalizationMethod")
	}
	c, ok := canonicalizerFor(cm.SelectAttrValue(dsig.AlgorithmAttr, ""), "")
	if !ok {
		return nil, signature.ErrAlgorithmNotSupported(cm.SelectAttrValue(dsig.AlgorithmAttr, ""))
	}
	return canonicalize(si, c)
}

// SetValue stores the raw signature over SignedInfo. ECDSA signatures
// arrive DER encoded and are stored as r||s.
func (s *Signature) SetValue(sig []byte) error {
	certs, err := s.Certificates()
	if err != nil {
		return err
	}
	if pub, ok := certs[0].PublicKey.(*ecdsa.PublicKey); ok {
		if sig, err = ecdsaRaw(pub, sig); err != nil {
			return err
		}
	}
	sv := child(s.el, isDSig, dsig.SignatureValueTag)
	if sv == nil {
		return fmt.Errorf("signature has no SignatureValue")
	}
	sv.SetText(base64.StdEncoding.EncodeToString(sig))
	return nil
}

// Value returns the stored signature value
func (s *Signature) Value() ([]byte, error) {
	return decodeText(child(s.el, isDSig, dsig.SignatureValueTag))
}

// ValueID returns the Id of the SignatureValue element
func (s *Signature) ValueID() string {
	sv := child(s.el, isDSig, dsig.SignatureValueTag)
	if sv == nil {
		return ""
	}
	return idOf(sv)
}

// Certificates returns the KeyInfo certificates, signer first
func (s *Signature) Certificates() ([]*x509.Certificate, error) {
	x509Data := path(s.el, isDSig, dsig.KeyInfoTag, dsig.X509DataTag)
	if x509Data == nil {
		return nil, fmt.Errorf("no X509Data found in Signature")
	}
	var certs []*x509.Certificate
	for _, c := range x509Data.ChildElements() {
		if !isDSig(c, dsig.X509CertificateTag) {
			continue
		}
		der, err := decodeText(c)
		if err != nil {
			return nil, fmt.Errorf("failed to decode certificate: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no X509Certificate found in Signature")
	}
	return certs, nil
}

// CounterSignatures returns the signatures that counter-sign s
func (s *Signature) CounterSignatures() []*Signature {
	usp := path(s.qualifyingProperties(), isXAdES, "UnsignedProperties", "UnsignedSignatureProperties")
	if usp == nil {
		return nil
	}
	var out []*Signature
	for _, cs := range usp.ChildElements() {
		if !isXAdES(cs, "CounterSignature") {
			continue
		}
		if el := child(cs, isDSig, dsig.SignatureTag); el != nil {
			out = append(out, &Signature{el: el})
		}
	}
	return out
}

// Walk visits s and its counter signatures depth first
func (s *Signature) Walk(fn func(parent, sig *Signature)) {
	s.walk(nil, fn)
}

func (s *Signature) walk(parent *Signature, fn func(parent, sig *Signature)) {
	fn(parent, s)
	for _, cs := range s.CounterSignatures() {
		cs.walk(s, fn)
	}
}

// Tree returns the signer node of s with its counter signers below it
func (s *Signature) Tree() *signature.SignerNode {
	var cert *x509.Certificate
	if certs, err := s.Certificates(); err == nil {
		cert = certs[0]
	}
	node := signature.NewSignerNode(cert)
	for _, cs := range s.CounterSignatures() {
		node.Add(cs.Tree())
	}
	return node
}

func (s *Signature) signedInfo() *etree.Element {
	return child(s.el, isDSig, dsig.SignedInfoTag)
}

func (s *Signature) references() []*etree.Element {
	si := s.signedInfo()
	if si == nil {
		return nil
	}
	var refs []*etree.Element
	for _, c := range si.ChildElements() {
		if isDSig(c, dsig.ReferenceTag) {
			refs = append(refs, c)
		}
	}
	return refs
}

func (s *Signature) qualifyingProperties() *etree.Element {
	for _, obj := range s.el.ChildElements() {
		if !isDSig(obj, "Object") {
			continue
		}
		if qp := child(obj, isXAdES, "QualifyingProperties"); qp != nil {
			return qp
		}
	}
	return nil
}

// referenceDigest digests the content a ds:Reference points to after
// applying its transforms
func (s *Signature) referenceDigest(ref *etree.Element, resolve Resolver) ([]byte, error) {
	dm := child(ref, isDSig, dsig.DigestMethodTag)
	if dm == nil {
		return nil, &VerifyError{Kind: signature.KindCorruptedSign, Err: fmt.Errorf("reference without DigestMethod")}
	}
	h, err := signature.ParseDigest(dm.SelectAttrValue(dsig.AlgorithmAttr, ""))
	if err != nil {
		return nil, &VerifyError{Kind: signature.KindAlgorithmNotSupported, Err: err}
	}

	var c dsig.Canonicalizer
	for _, t := range transforms(ref) {
		prefixList := ""
		if inc := child(t, func(e *etree.Element, tag string) bool { return e.Tag == tag }, dsig.InclusiveNamespacesTag); inc != nil {
			prefixList = inc.SelectAttrValue(dsig.PrefixListAttr, "")
		}
		alg := t.SelectAttrValue(dsig.AlgorithmAttr, "")
		tc, ok := canonicalizerFor(alg, prefixList)
		if !ok {
			return nil, &VerifyError{Kind: signature.KindAlgorithmNotSupported, Err: fmt.Errorf("unsupported transform %s", alg)}
		}
		c = tc
	}

	uri := ref.SelectAttrValue(dsig.URIAttr, "")
	var data []byte
	switch {
	case len(uri) > 1 && uri[0] == '#':
		target := findByID(topOf(s.el), uri[1:])
		if target == nil {
			return nil, &VerifyError{Kind: signature.KindCorruptedSign, Err: fmt.Errorf("reference %s not found", uri)}
		}
		if c == nil {
			c = dsig.MakeC14N10RecCanonicalizer()
		}
		if data, err = canonicalize(target, c); err != nil {
			return nil, &VerifyError{Kind: signature.KindCorruptedSign, Err: err}
		}
	case uri == "":
		return nil, &VerifyError{Kind: signature.KindAlgorithmNotSupported, Err: fmt.Errorf("whole-document reference")}
	default:
		if resolve == nil {
			return nil, &VerifyError{Kind: signature.KindCorruptedSign, Err: fmt.Errorf("cannot resolve %s", uri)}
		}
		if data, err = resolve(uri); err != nil {
			return nil, &VerifyError{Kind: signature.KindModifiedDocument, Err: err}
		}
		if c != nil {
			doc := etree.NewDocument()
			if err := doc.ReadFromBytes(data); err != nil || doc.Root() == nil {
				return nil, &VerifyError{Kind: signature.KindModifiedDocument, Err: fmt.Errorf("%s is not XML", uri)}
			}
			if data, err = c.Canonicalize(doc.Root()); err != nil {
				return nil, &VerifyError{Kind: signature.KindCorruptedSign, Err: err}
			}
		}
	}
	return signature.Sum(h, data), nil
}

func transforms(ref *etree.Element) []*etree.Element {
	ts := child(ref, isDSig, dsig.TransformsTag)
	if ts == nil {
		return nil
	}
	var out []*etree.Element
	for _, t := range ts.ChildElements() {
		if isDSig(t, dsig.TransformTag) {
			out = append(out, t)
		}
	}
	return out
}

func isEnveloped(ref *etree.Element) bool {
	for _, t := range transforms(ref) {
		if t.SelectAttrValue(dsig.AlgorithmAttr, "") == string(dsig.EnvelopedSignatureAltorithmId) {
			return true
		}
	}
	return false
}

package xml

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/beevik/etree"
	"github.com/gabriel-vasile/mimetype"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/rezonia/triphase-signer/internal/signature"
)

// FormatName is the format label of XML signatures
const FormatName = "XAdES"

// Container element names
const (
	ContainerTag = "AFIRMA"
	ContentTag   = "CONTENT"

	base64Encoding = "http://www.w3.org/2000/09/xmldsig#base64"
	xmlMimeType    = "text/xml"
)

// Container is a detached-in-container XAdES document: the signed data
// inside a CONTENT element, and the signatures over it as siblings
type Container struct {
	doc *etree.Document
}

// ContentID is the Id attribute of the content with nonce id
func ContentID(id string) string {
	return "CONTENT-" + id
}

// NewContainer wraps data in a new container. XML data is embedded as an
// element; anything else is embedded as base64.
func NewContainer(data []byte, cid string) (*Container, error) {
	if len(data) == 0 {
		return nil, signature.ErrFormat(FormatName, "no data to sign", nil)
	}
	if cid == "" {
		return nil, fmt.Errorf("content id is required")
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	content := doc.CreateElement(ContainerTag).CreateElement(ContentTag)
	content.CreateAttr("Id", ContentID(cid))

	if embedded := parseXML(data); embedded != nil {
		content.CreateAttr("MimeType", xmlMimeType)
		content.AddChild(embedded.Root().Copy())
	} else {
		content.CreateAttr("Encoding", base64Encoding)
		content.CreateAttr("MimeType", mimetype.Detect(data).String())
		content.SetText(base64.StdEncoding.EncodeToString(data))
	}
	return &Container{doc: doc}, nil
}

// ParseContainer reads an existing container
func ParseContainer(data []byte) (*Container, error) {
	doc := parseXML(data)
	if doc == nil {
		return nil, signature.ErrFormat(FormatName, "document is not XML", nil)
	}
	c := &Container{doc: doc}
	if doc.Root().Tag != ContainerTag || c.Content() == nil {
		return nil, signature.ErrFormat(FormatName, "document is not a signature container", nil)
	}
	if idOf(c.Content()) == "" {
		return nil, signature.ErrFormat(FormatName, "container content has no Id", nil)
	}
	return c, nil
}

// IsContainer reports whether data is a signature container
func IsContainer(data []byte) bool {
	_, err := ParseContainer(data)
	return err == nil
}

func parseXML(data []byte) *etree.Document {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '<' {
		return nil
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil || doc.Root() == nil {
		return nil
	}
	return doc
}

// Content returns the CONTENT element
func (c *Container) Content() *etree.Element {
	return c.doc.Root().SelectElement(ContentTag)
}

// ContentID returns the Id of the CONTENT element
func (c *Container) ContentID() string {
	return idOf(c.Content())
}

// Data returns the signed data as it was given to NewContainer
func (c *Container) Data() ([]byte, error) {
	content := c.Content()
	if content.SelectAttrValue("Encoding", "") == base64Encoding {
		return decodeText(content)
	}
	children := content.ChildElements()
	if len(children) != 1 {
		return nil, fmt.Errorf("content holds %d elements", len(children))
	}
	doc := etree.NewDocument()
	doc.SetRoot(children[0].Copy())
	return doc.WriteToBytes()
}

// Signatures returns the top-level signatures in document order
func (c *Container) Signatures() []*Signature {
	var out []*Signature
	for _, el := range c.doc.Root().ChildElements() {
		if isDSig(el, dsig.SignatureTag) {
			out = append(out, &Signature{el: el})
		}
	}
	return out
}

// All returns every signature, counter signatures included, depth first
func (c *Container) All() []*Signature {
	var out []*Signature
	for _, s := range c.Signatures() {
		s.Walk(func(_, sig *Signature) { out = append(out, sig) })
	}
	return out
}

// Leaves returns the signatures nobody has counter-signed yet
func (c *Container) Leaves() []*Signature {
	var out []*Signature
	for _, s := range c.All() {
		if len(s.CounterSignatures()) == 0 {
			out = append(out, s)
		}
	}
	return out
}

// Find returns the signature with the given Id
func (c *Container) Find(id string) *Signature {
	for _, s := range c.All() {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

// Sign adds an unsigned signature over the content and returns it with
// every digest computed. Its SignedInfo is ready to be signed.
func (c *Container) Sign(p Params) (*Signature, error) {
	sig, err := NewSignature(p)
	if err != nil {
		return nil, err
	}
	c.doc.Root().AddChild(sig.el)

	refID := SignatureID(p.ID) + "-Reference"
	sig.AddReference(Reference{
		ID:         refID,
		URI:        "#" + c.ContentID(),
		Transforms: []string{string(dsig.CanonicalXML10ExclusiveAlgorithmId)},
	}, p.Algorithm)

	content := c.Content()
	format := &DataObjectFormat{
		Reference: "#" + refID,
		MimeType:  content.SelectAttrValue("MimeType", ""),
		Encoding:  content.SelectAttrValue("Encoding", ""),
	}
	if _, err := sig.Qualify(p, format); err != nil {
		return nil, err
	}
	if err := sig.Digest(nil); err != nil {
		return nil, err
	}
	return sig, nil
}

// CounterSign adds an unsigned counter signature over the SignatureValue
// of target, stored in the unsigned properties of target
func (c *Container) CounterSign(target *Signature, p Params) (*Signature, error) {
	valueID := target.ValueID()
	if valueID == "" {
		return nil, signature.ErrFormat(FormatName, fmt.Sprintf("signature %s has no SignatureValue Id", target.ID()), nil)
	}
	if v, err := target.Value(); err != nil || len(v) == 0 {
		return nil, signature.ErrFormat(FormatName, fmt.Sprintf("signature %s is not signed", target.ID()), err)
	}

	sig, err := NewSignature(p)
	if err != nil {
		return nil, err
	}
	usp := target.unsignedSignatureProperties()
	usp.CreateElement(qname(usp.Space, "CounterSignature")).AddChild(sig.el)

	sig.AddReference(Reference{
		ID:         SignatureID(p.ID) + "-Reference",
		Type:       TypeCountersignedSignature,
		URI:        "#" + valueID,
		Transforms: []string{string(dsig.CanonicalXML10ExclusiveAlgorithmId)},
	}, p.Algorithm)
	if _, err := sig.Qualify(p, nil); err != nil {
		return nil, err
	}
	if err := sig.Digest(nil); err != nil {
		return nil, err
	}
	return sig, nil
}

// unsignedSignatureProperties returns the UnsignedSignatureProperties of
// s, creating the elements on the way with the prefix s already uses
func (s *Signature) unsignedSignatureProperties() *etree.Element {
	qp := s.qualifyingProperties()
	if qp == nil {
		qp = s.AddObject("").CreateElement(xadesPrefix + ":QualifyingProperties")
		qp.CreateAttr("xmlns:"+xadesPrefix, XAdESNamespace)
		qp.CreateAttr("Target", "#"+s.ID())
	}
	up := child(qp, isXAdES, "UnsignedProperties")
	if up == nil {
		up = qp.CreateElement(qname(qp.Space, "UnsignedProperties"))
	}
	usp := child(up, isXAdES, "UnsignedSignatureProperties")
	if usp == nil {
		usp = up.CreateElement(qname(qp.Space, "UnsignedSignatureProperties"))
	}
	return usp
}

func qname(space, tag string) string {
	if space == "" {
		return tag
	}
	return space + ":" + tag
}

// Bytes serializes the container
func (c *Container) Bytes() ([]byte, error) {
	return c.doc.WriteToBytes()
}

// SignersTree returns the signers of the container below a synthetic
// data node
func (c *Container) SignersTree() *signature.SignerNode {
	root := signature.NewRootNode()
	for _, s := range c.Signatures() {
		root.Add(s.Tree())
	}
	return root
}

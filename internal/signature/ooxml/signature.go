package ooxml

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/rezonia/triphase-signer/internal/signature"
	xmlsig "github.com/rezonia/triphase-signer/internal/signature/xml"
)

const (
	contentTypesNamespace  = "http://schemas.openxmlformats.org/package/2006/content-types"
	relationshipsNamespace = "http://schemas.openxmlformats.org/package/2006/relationships"
	digitalSigNamespace    = "http://schemas.openxmlformats.org/package/2006/digital-signature"

	originRelType    = "http://schemas.openxmlformats.org/package/2006/relationships/digital-signature/origin"
	signatureRelType = "http://schemas.openxmlformats.org/package/2006/relationships/digital-signature/signature"

	originContentType    = "application/vnd.openxmlformats-package.digital-signature-origin"
	signatureContentType = "application/vnd.openxmlformats-package.digital-signature-xmlsignature+xml"

	packageObjectID = "idPackageObject"
	timeFormat      = "YYYY-MM-DDThh:mm:ssTZD"
	timeLayout      = "2006-01-02T15:04:05Z"
)

// PackageSignature is a package signature together with the XML document
// that becomes its signature part
type PackageSignature struct {
	*xmlsig.Signature
	doc *etree.Document
}

// Bytes serializes the signature part
func (s *PackageSignature) Bytes() ([]byte, error) {
	return s.doc.WriteToBytes()
}

// SignaturePart is the name of the part holding signature number ordinal
func SignaturePart(ordinal int) string {
	return fmt.Sprintf("%ssig%d.xml", signaturesDir, ordinal)
}

// NewSignature builds the unsigned package signature over every signable
// part. The result only depends on the part bytes and p, so the same
// package and params give the same SignedInfo.
func (p *Package) NewSignature(params xmlsig.Params) (*PackageSignature, error) {
	sig, err := xmlsig.NewSignature(params)
	if err != nil {
		return nil, err
	}
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8" standalone="yes"`)
	doc.SetRoot(sig.Element())

	types := p.contentTypes()
	var refs []xmlsig.Reference
	for _, name := range p.signableParts() {
		refs = append(refs, xmlsig.Reference{
			URI: "/" + name + "?ContentType=" + types.of(name),
		})
	}

	obj := sig.AddObject(packageObjectID)
	if err := sig.AddManifest(obj, refs, params.Algorithm, p.resolve); err != nil {
		return nil, err
	}
	prop := obj.CreateElement("ds:SignatureProperties").CreateElement("ds:SignatureProperty")
	prop.CreateAttr("Id", "idSignatureTime")
	prop.CreateAttr("Target", "#"+xmlsig.SignatureID(params.ID))
	st := prop.CreateElement("mdssi:SignatureTime")
	st.CreateAttr("xmlns:mdssi", digitalSigNamespace)
	st.CreateElement("mdssi:Format").SetText(timeFormat)
	st.CreateElement("mdssi:Value").SetText(params.SigningTime.UTC().Truncate(time.Second).Format(timeLayout))

	sig.AddReference(xmlsig.Reference{
		Type:       xmlsig.TypeObject,
		URI:        "#" + packageObjectID,
		Transforms: []string{string(dsig.CanonicalXML10ExclusiveAlgorithmId)},
	}, params.Algorithm)
	if _, err := sig.Qualify(params, nil); err != nil {
		return nil, err
	}
	if err := sig.Digest(nil); err != nil {
		return nil, err
	}
	return &PackageSignature{Signature: sig, doc: doc}, nil
}

// signableParts are the parts covered by the manifest, sorted by name. The
// signature parts and the two parts a new signature rewrites are left out.
func (p *Package) signableParts() []string {
	var out []string
	for _, n := range p.names {
		if n == contentTypes || n == rootRels || strings.HasPrefix(n, signaturesDir) {
			continue
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// AddSignature stores a signed package signature as signature number
// ordinal and registers it in the origin part, the relationships and the
// content types
func (p *Package) AddSignature(ordinal int, sig *PackageSignature) error {
	name := SignaturePart(ordinal)
	if _, ok := p.parts[name]; ok {
		return signature.ErrFormat(FormatName, fmt.Sprintf("part %s already exists", name), nil)
	}
	body, err := sig.Bytes()
	if err != nil {
		return signature.ErrIO("cannot serialize signature", err)
	}

	if _, ok := p.parts[originPart]; !ok {
		p.set(originPart, []byte{})
	}

	rels, err := p.relationships(originRelsPart)
	if err != nil {
		return err
	}
	addRelationship(rels, signatureRelType, path.Base(name))
	if err := p.setXML(originRelsPart, rels); err != nil {
		return err
	}

	root, err := p.relationships(rootRels)
	if err != nil {
		return err
	}
	if !hasRelationship(root, originRelType) {
		addRelationship(root, originRelType, originPart)
		if err := p.setXML(rootRels, root); err != nil {
			return err
		}
	}

	types, err := p.typesDocument()
	if err != nil {
		return err
	}
	ensureDefault(types.Root(), "sigs", originContentType)
	override := types.Root().CreateElement("Override")
	override.CreateAttr("PartName", "/"+name)
	override.CreateAttr("ContentType", signatureContentType)
	if err := p.setXML(contentTypes, types); err != nil {
		return err
	}

	p.set(name, body)
	return nil
}

func (p *Package) setXML(name string, doc *etree.Document) error {
	body, err := doc.WriteToBytes()
	if err != nil {
		return signature.ErrIO(fmt.Sprintf("cannot serialize %s", name), err)
	}
	p.set(name, body)
	return nil
}

func (p *Package) relationships(name string) (*etree.Document, error) {
	doc := etree.NewDocument()
	body, ok := p.parts[name]
	if !ok {
		doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8" standalone="yes"`)
		doc.CreateElement("Relationships").CreateAttr("xmlns", relationshipsNamespace)
		return doc, nil
	}
	if err := doc.ReadFromBytes(body); err != nil || doc.Root() == nil {
		return nil, signature.ErrFormat(FormatName, fmt.Sprintf("%s is not valid XML", name), err)
	}
	return doc, nil
}

func hasRelationship(doc *etree.Document, relType string) bool {
	for _, r := range doc.Root().SelectElements("Relationship") {
		if r.SelectAttrValue("Type", "") == relType {
			return true
		}
	}
	return false
}

func addRelationship(doc *etree.Document, relType, target string) {
	used := make(map[string]bool)
	for _, r := range doc.Root().SelectElements("Relationship") {
		used[r.SelectAttrValue("Id", "")] = true
	}
	id := ""
	for i := 1; ; i++ {
		id = fmt.Sprintf("rId%d", i)
		if !used[id] {
			break
		}
	}
	r := doc.Root().CreateElement("Relationship")
	r.CreateAttr("Id", id)
	r.CreateAttr("Type", relType)
	r.CreateAttr("Target", target)
}

func (p *Package) typesDocument() (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(p.parts[contentTypes]); err != nil || doc.Root() == nil {
		return nil, signature.ErrFormat(FormatName, "[Content_Types].xml is not valid XML", err)
	}
	return doc, nil
}

func ensureDefault(types *etree.Element, ext, contentType string) {
	for _, d := range types.SelectElements("Default") {
		if strings.EqualFold(d.SelectAttrValue("Extension", ""), ext) {
			return
		}
	}
	d := etree.NewElement("Default")
	d.CreateAttr("Extension", ext)
	d.CreateAttr("ContentType", contentType)
	types.InsertChildAt(0, d)
}

// partTypes resolves part content types from [Content_Types].xml
type partTypes struct {
	defaults  map[string]string
	overrides map[string]string
}

func (p *Package) contentTypes() partTypes {
	t := partTypes{defaults: map[string]string{}, overrides: map[string]string{}}
	doc, err := p.typesDocument()
	if err != nil {
		return t
	}
	for _, d := range doc.Root().SelectElements("Default") {
		t.defaults[strings.ToLower(d.SelectAttrValue("Extension", ""))] = d.SelectAttrValue("ContentType", "")
	}
	for _, o := range doc.Root().SelectElements("Override") {
		t.overrides[strings.TrimPrefix(o.SelectAttrValue("PartName", ""), "/")] = o.SelectAttrValue("ContentType", "")
	}
	return t
}

func (t partTypes) of(name string) string {
	if ct, ok := t.overrides[name]; ok {
		return ct
	}
	return t.defaults[strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))]
}

package xml

import (
	"crypto"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/russellhaering/goxmldsig/etreeutils"

	"github.com/rezonia/triphase-signer/internal/signature"
)

// XML namespaces
const (
	XMLDSigNamespace = dsig.Namespace
	XAdESNamespace   = "http://uri.etsi.org/01903/v1.3.2#"

	dsPrefix    = dsig.DefaultPrefix
	xadesPrefix = "xades"
)

// Reference types
const (
	TypeSignedProperties       = "http://uri.etsi.org/01903#SignedProperties"
	TypeCountersignedSignature = "http://uri.etsi.org/01903#CountersignedSignature"
	TypeObject                 = "http://www.w3.org/2000/09/xmldsig#Object"
)

var digestURIs = map[crypto.Hash]string{
	crypto.SHA256: "http://www.w3.org/2001/04/xmlenc#sha256",
	crypto.SHA384: "http://www.w3.org/2001/04/xmldsig-more#sha384",
	crypto.SHA512: "http://www.w3.org/2001/04/xmlenc#sha512",
}

var signatureMethods = map[signature.KeyType]map[crypto.Hash]string{
	signature.KeyRSA: {
		crypto.SHA256: dsig.RSASHA256SignatureMethod,
		crypto.SHA384: dsig.RSASHA384SignatureMethod,
		crypto.SHA512: dsig.RSASHA512SignatureMethod,
	},
	signature.KeyECDSA: {
		crypto.SHA256: dsig.ECDSASHA256SignatureMethod,
		crypto.SHA384: dsig.ECDSASHA384SignatureMethod,
		crypto.SHA512: dsig.ECDSASHA512SignatureMethod,
	},
}

// DigestURI returns the XML-DSig identifier of h
func DigestURI(h crypto.Hash) string {
	if uri, ok := digestURIs[h]; ok {
		return uri
	}
	return digestURIs[crypto.SHA256]
}

// SignatureMethod returns the XML-DSig identifier of a signature algorithm
func SignatureMethod(alg signature.Algorithm) (string, error) {
	if uri, ok := signatureMethods[alg.Key][alg.Hash]; ok {
		return uri, nil
	}
	return "", signature.ErrAlgorithmNotSupported(alg.Name)
}

// AlgorithmForMethod resolves an XML-DSig signature method identifier
func AlgorithmForMethod(uri string) (signature.Algorithm, error) {
	for key, methods := range signatureMethods {
		for h, m := range methods {
			if m != uri {
				continue
			}
			suffix := "withRSA"
			if key == signature.KeyECDSA {
				suffix = "withECDSA"
			}
			return signature.ParseAlgorithm(strings.ReplaceAll(h.String(), "-", "") + suffix)
		}
	}
	return signature.Algorithm{}, signature.ErrAlgorithmNotSupported(uri)
}

// canonicalizerFor returns the goxmldsig canonicalizer of an algorithm
// identifier. ok is false for algorithms that are not canonicalizations.
func canonicalizerFor(alg, prefixList string) (c dsig.Canonicalizer, ok bool) {
	switch dsig.AlgorithmID(alg) {
	case dsig.CanonicalXML10ExclusiveAlgorithmId:
		return dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList(prefixList), true
	case dsig.CanonicalXML10ExclusiveWithCommentsAlgorithmId:
		return dsig.MakeC14N10ExclusiveWithCommentsCanonicalizerWithPrefixList(prefixList), true
	case dsig.CanonicalXML11AlgorithmId:
		return dsig.MakeC14N11Canonicalizer(), true
	case dsig.CanonicalXML11WithCommentsAlgorithmId:
		return dsig.MakeC14N11WithCommentsCanonicalizer(), true
	case dsig.CanonicalXML10RecAlgorithmId:
		return dsig.MakeC14N10RecCanonicalizer(), true
	case dsig.CanonicalXML10WithCommentsAlgorithmId:
		return dsig.MakeC14N10WithCommentsCanonicalizer(), true
	}
	return nil, false
}

// canonicalize serializes el in canonical form as if it were detached
// from its document, carrying the namespaces in scope at el
func canonicalize(el *etree.Element, c dsig.Canonicalizer) ([]byte, error) {
	nsCtx, err := etreeutils.NSBuildParentContext(el)
	if err != nil {
		return nil, err
	}
	detached, err := etreeutils.NSDetatch(nsCtx, el)
	if err != nil {
		return nil, err
	}
	return c.Canonicalize(detached)
}

func exclusive() dsig.Canonicalizer {
	return dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
}

// isDSig reports whether el is the XML-DSig element with the given local name
func isDSig(el *etree.Element, tag string) bool {
	return el.Tag == tag && el.NamespaceURI() == XMLDSigNamespace
}

// isXAdES reports whether el is the XAdES element with the given local name
func isXAdES(el *etree.Element, tag string) bool {
	return el.Tag == tag && el.NamespaceURI() == XAdESNamespace
}

// child returns the first child element of el matching the predicate
func child(el *etree.Element, match func(*etree.Element, string) bool, tag string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if match(c, tag) {
			return c
		}
	}
	return nil
}

// path follows a chain of child elements
func path(el *etree.Element, match func(*etree.Element, string) bool, tags ...string) *etree.Element {
	for _, tag := range tags {
		el = child(el, match, tag)
		if el == nil {
			return nil
		}
	}
	return el
}

// idOf returns the identifier attribute of el under its usual spellings
func idOf(el *etree.Element) string {
	for _, key := range []string{"Id", "ID", "id"} {
		if v := el.SelectAttrValue(key, ""); v != "" {
			return v
		}
	}
	return ""
}

// findByID searches the tree rooted at root for the element with the given id
func findByID(root *etree.Element, id string) *etree.Element {
	if root == nil || id == "" {
		return nil
	}
	if idOf(root) == id {
		return root
	}
	for _, c := range root.ChildElements() {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

// topOf returns the outermost ancestor element of el
func topOf(el *etree.Element) *etree.Element {
	for p := el.Parent(); p != nil && p.Tag != ""; p = el.Parent() {
		el = p
	}
	return el
}

// findSignatures returns the ds:Signature elements of a document that are
// not nested in another signature. Counter signatures are reached through
// their parent.
func findSignatures(el *etree.Element) []*etree.Element {
	if isDSig(el, dsig.SignatureTag) {
		return []*etree.Element{el}
	}
	var out []*etree.Element
	for _, c := range el.ChildElements() {
		out = append(out, findSignatures(c)...)
	}
	return out
}

// decodeText decodes base64 element text, tolerating line breaks
func decodeText(el *etree.Element) ([]byte, error) {
	if el == nil {
		return nil, fmt.Errorf("element is missing")
	}
	text := strings.Join(strings.Fields(el.Text()), "")
	return base64.StdEncoding.DecodeString(text)
}

package triphase

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// XML element and attribute names of the session document
const (
	elemRoot   = "xml"
	elemSigns  = "firmas"
	elemSign   = "firma"
	elemParam  = "param"
	attrFormat = "format"
	attrID     = "Id"
	attrName   = "n"
)

// EncodeXML renders the session document:
//
//	<xml><firmas format="..."><firma Id="..."><param n="KEY">VALUE</param></firma></firmas></xml>
func (d *Data) EncodeXML() ([]byte, error) {
	doc := etree.NewDocument()
	root := doc.CreateElement(elemRoot)
	signs := root.CreateElement(elemSigns)
	if d.Format != "" {
		signs.CreateAttr(attrFormat, d.Format)
	}
	for _, s := range d.Signs {
		sign := signs.CreateElement(elemSign)
		if s.ID != "" {
			sign.CreateAttr(attrID, s.ID)
		}
		for _, k := range s.Keys() {
			p := sign.CreateElement(elemParam)
			p.CreateAttr(attrName, k)
			p.SetText(s.Params[k])
		}
	}
	doc.WriteSettings.CanonicalText = true
	doc.WriteSettings.CanonicalAttrVal = true
	return doc.WriteToBytes()
}

// UnmarshalSessionXML parses a session document. Unknown elements,
// duplicate properties and unnamed properties are rejected.
func UnmarshalSessionXML(data []byte) (*Data, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, NewParseError("xml", "malformed session document", err)
	}
	if len(doc.ChildElements()) != 1 {
		return nil, NewParseError("xml", "session document must have a single root", nil)
	}
	for _, tok := range doc.Child {
		if cd, ok := tok.(*etree.CharData); ok && strings.TrimSpace(cd.Data) != "" {
			return nil, NewParseError("xml", "text outside the root element", nil)
		}
	}
	root := doc.Root()
	if root.Tag != elemRoot {
		return nil, NewParseError("xml", fmt.Sprintf("root element must be <%s>", elemRoot), nil)
	}
	children := root.ChildElements()
	if len(children) != 1 || children[0].Tag != elemSigns {
		return nil, NewParseError(elemSigns, fmt.Sprintf("exactly one <%s> element expected", elemSigns), nil)
	}
	signsElem := children[0]

	out := &Data{
		Format: signsElem.SelectAttrValue(attrFormat, ""),
		Signs:  make([]*TriSign, 0, len(signsElem.ChildElements())),
	}
	for i, signElem := range signsElem.ChildElements() {
		if signElem.Tag != elemSign {
			return nil, NewParseError(elemSigns, fmt.Sprintf("unexpected element <%s>", signElem.Tag), nil)
		}
		sign := &TriSign{
			ID:     signElem.SelectAttrValue(attrID, ""),
			Params: make(map[string]string),
		}
		for _, p := range signElem.ChildElements() {
			if p.Tag != elemParam {
				return nil, NewParseError(elemSign, fmt.Sprintf("unexpected element <%s> in sign %d", p.Tag, i), nil)
			}
			name := p.SelectAttrValue(attrName, "")
			if name == "" {
				return nil, NewParseError(elemParam, fmt.Sprintf("unnamed property in sign %d", i), nil)
			}
			if _, dup := sign.Params[name]; dup {
				return nil, NewParseError(name, fmt.Sprintf("duplicate property in sign %d", i), nil)
			}
			sign.Params[name] = p.Text()
		}
		out.Signs = append(out.Signs, sign)
	}
	return out, nil
}

// Encode serializes the payload for transport: the session document
// wrapped in URL-safe base64.
func Encode(d *Data) (string, error) {
	if d == nil {
		return "", NewParseError("data", "nil session data", nil)
	}
	raw, err := d.EncodeXML()
	if err != nil {
		return "", fmt.Errorf("failed to serialize session data: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// Decode parses a transported payload. It either returns a complete value
// or a ParseError.
func Decode(s string) (*Data, error) {
	trimmed := bytes.TrimSpace([]byte(s))
	if len(trimmed) == 0 {
		return nil, NewParseError("payload", "empty session payload", nil)
	}
	// Plain session documents are accepted as well as base64 ones.
	if trimmed[0] == '<' {
		return UnmarshalSessionXML(trimmed)
	}
	raw, err := DecodeBase64(string(trimmed))
	if err != nil {
		return nil, NewParseError("payload", "invalid base64 encoding", err)
	}
	return UnmarshalSessionXML(raw)
}

type dataJSON struct {
	Format string     `json:"format,omitempty"`
	Signs  []*TriSign `json:"signs"`
}

// UnmarshalJSON decodes the JSON form and rejects signs without properties
func (d *Data) UnmarshalJSON(b []byte) error {
	var aux dataJSON
	if err := json.Unmarshal(b, &aux); err != nil {
		return NewParseError("json", "malformed session data", err)
	}
	for i, s := range aux.Signs {
		if s == nil || s.Params == nil {
			return NewParseError("json", fmt.Sprintf("sign %d has no properties", i), nil)
		}
	}
	if aux.Signs == nil {
		aux.Signs = make([]*TriSign, 0)
	}
	d.Format = aux.Format
	d.Signs = aux.Signs
	return nil
}

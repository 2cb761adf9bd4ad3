// Package format classifies raw document bytes by container format.
package format

import (
	"archive/zip"
	"bytes"
	"encoding/asn1"
	"strings"

	"github.com/beevik/etree"
	"github.com/hhrutter/pkcs7"
)

// Format is the detected container format
type Format int

const (
	Unknown Format = iota
	PDF
	OOXML
	XML
	CMS
)

func (f Format) String() string {
	switch f {
	case PDF:
		return "pdf"
	case OOXML:
		return "ooxml"
	case XML:
		return "xml"
	case CMS:
		return "cms"
	default:
		return "unknown"
	}
}

var (
	pdfMagic = []byte("%PDF-")
	zipMagic = []byte("PK\x03\x04")
	utf8BOM  = []byte("\xef\xbb\xbf")
)

// OOXML mandatory part names
var ooxmlMarkers = []string{
	"[Content_Types].xml",
	"_rels/.rels",
	"docProps/app.xml",
	"docProps/core.xml",
}

// Classify detects the container format of data. Detection order is PDF,
// OOXML, XML, CMS; anything else is Unknown. It never fails.
func Classify(data []byte) Format {
	switch {
	case IsPDF(data):
		return PDF
	case IsOOXML(data):
		return OOXML
	case IsXML(data):
		return XML
	case IsCMS(data):
		return CMS
	}
	return Unknown
}

// IsPDF checks the PDF header marker. Leading junk before the header is
// tolerated within the first KiB, as PDF readers do, unless it opens an
// ASN.1 structure, an XML document or a ZIP archive that merely embeds a PDF.
func IsPDF(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	i := bytes.Index(head, pdfMagic)
	if i < 0 {
		return false
	}
	prefix := bytes.TrimLeft(bytes.TrimPrefix(head[:i], utf8BOM), " \t\r\n\f\x00")
	if len(prefix) == 0 {
		return true
	}
	if prefix[0] == 0x30 || prefix[0] == '<' || bytes.HasPrefix(prefix, zipMagic[:2]) {
		return false
	}
	return true
}

// IsZip reports whether data opens as a ZIP archive
func IsZip(data []byte) bool {
	if !bytes.HasPrefix(data, zipMagic) {
		return false
	}
	_, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	return err == nil
}

// IsOOXML reports whether data is a ZIP carrying the four mandatory OOXML parts
func IsOOXML(data []byte) bool {
	if !bytes.HasPrefix(data, zipMagic) {
		return false
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return false
	}
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return HasOOXMLMarkers(names)
}

// HasOOXMLMarkers checks a list of ZIP entry names for the OOXML parts.
// Both '/' and '\' separators are accepted.
func HasOOXMLMarkers(names []string) bool {
	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[NormalizeEntryName(n)] = true
	}
	for _, m := range ooxmlMarkers {
		if !present[m] {
			return false
		}
	}
	return true
}

// NormalizeEntryName converts a ZIP entry name to '/' separators
func NormalizeEntryName(name string) string {
	return strings.TrimPrefix(strings.ReplaceAll(name, "\\", "/"), "/")
}

// IsXML reports whether data is well-formed XML with a root element
func IsXML(data []byte) bool {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(data, utf8BOM))
	if len(trimmed) == 0 || trimmed[0] != '<' {
		return false
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(trimmed); err != nil {
		return false
	}
	return doc.Root() != nil
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// IsCMS reports whether data is a CMS SignedData structure with signers
func IsCMS(data []byte) bool {
	if len(data) < 2 || data[0] != 0x30 {
		return false
	}
	var ci contentInfo
	if _, err := asn1.Unmarshal(data, &ci); err == nil && !ci.ContentType.Equal(pkcs7.OIDSignedData) {
		return false
	}
	p7, err := parseCMS(data)
	if err != nil {
		return false
	}
	return len(p7.Signers) > 0
}

// parseCMS guards the parser against panics on hostile input
func parseCMS(data []byte) (p7 *pkcs7.PKCS7, err error) {
	defer func() {
		if r := recover(); r != nil {
			p7, err = nil, pkcs7.ErrUnsupportedContentType
		}
	}()
	return pkcs7.Parse(data)
}

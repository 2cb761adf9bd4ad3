package pdf

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/rezonia/triphase-signer/internal/format"
	"github.com/rezonia/triphase-signer/internal/signature"
)

// FormatName is the format label of PDF validation results
const FormatName = "PAdES"

func init() {
	// keep pdfcpu away from the user configuration directory
	model.ConfigPath = "disable"
}

var startxrefPattern = regexp.MustCompile(`startxref\s+(\d+)\s+%%EOF`)

// Document is a parsed PDF and the raw bytes it was read from
type Document struct {
	raw []byte
	ctx *model.Context
}

// Open parses a PDF. Encrypted documents are rejected.
func Open(data []byte) (*Document, error) {
	if !format.IsPDF(data) {
		return nil, signature.ErrFormat(FormatName, "input is not a PDF document", nil)
	}
	ctx, err := readContext(data)
	if err != nil {
		return nil, signature.ErrFormat(FormatName, "malformed PDF document", err)
	}
	if ctx.XRefTable.Encrypt != nil {
		return nil, signature.ErrFormat(FormatName, "encrypted PDF documents cannot be signed", nil)
	}
	if err := ctx.XRefTable.EnsurePageCount(); err != nil {
		return nil, signature.ErrFormat(FormatName, "document has no page tree", err)
	}
	return &Document{raw: data, ctx: ctx}, nil
}

func readContext(data []byte) (ctx *model.Context, err error) {
	// pdfcpu panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			ctx, err = nil, fmt.Errorf("pdfcpu: %v", r)
		}
	}()
	return api.ReadContext(bytes.NewReader(data), model.NewDefaultConfiguration())
}

// Bytes returns the document as read
func (d *Document) Bytes() []byte {
	return d.raw
}

// PageCount returns the number of pages
func (d *Document) PageCount() int {
	return d.ctx.XRefTable.PageCount
}

// ID returns the first element of the trailer /ID, nil when absent
func (d *Document) ID() []byte {
	if len(d.ctx.XRefTable.ID) == 0 {
		return nil
	}
	id, err := d.ctx.XRefTable.IDFirstElement()
	if err != nil {
		return nil
	}
	return id
}

// LastXRef returns the offset of the newest cross reference section
func (d *Document) LastXRef() (int64, error) {
	all := startxrefPattern.FindAllSubmatch(d.raw, -1)
	if len(all) == 0 {
		return 0, signature.ErrFormat(FormatName, "missing startxref", nil)
	}
	return strconv.ParseInt(string(all[len(all)-1][1]), 10, 64)
}

// PageContent returns the decoded content of page n (1-based)
func (d *Document) PageContent(n int) ([]byte, error) {
	page, _, _, err := d.ctx.XRefTable.PageDict(n, false)
	if err != nil {
		return nil, err
	}
	content, err := d.ctx.XRefTable.PageContent(page, n)
	if err == model.ErrNoContent {
		return nil, nil
	}
	return content, err
}

// PageAnnotations counts the annotations of page n that are not signature
// widgets
func (d *Document) PageAnnotations(n int) (int, error) {
	page, _, _, err := d.ctx.XRefTable.PageDict(n, false)
	if err != nil {
		return 0, err
	}
	annots, err := d.annotations(page)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, a := range annots {
		dict, err := d.ctx.XRefTable.DereferenceDict(a)
		if err != nil || dict == nil {
			continue
		}
		if ft := dict.NameEntry("FT"); ft != nil && *ft == "Sig" {
			continue
		}
		count++
	}
	return count, nil
}

func (d *Document) annotations(page types.Dict) (types.Array, error) {
	obj, ok := page.Find("Annots")
	if !ok || obj == nil {
		return nil, nil
	}
	return d.ctx.XRefTable.DereferenceArray(obj)
}

// catalog returns a copy of the catalog and its reference
func (d *Document) catalog() (types.Dict, types.IndirectRef, error) {
	root := d.ctx.XRefTable.Root
	if root == nil {
		return nil, types.IndirectRef{}, signature.ErrFormat(FormatName, "missing document catalog", nil)
	}
	cat, err := d.ctx.XRefTable.Catalog()
	if err != nil {
		return nil, types.IndirectRef{}, signature.ErrFormat(FormatName, "malformed document catalog", err)
	}
	return cat.Clone().(types.Dict), *root, nil
}

// size is the next free object number
func (d *Document) size() int {
	if d.ctx.XRefTable.Size != nil {
		return *d.ctx.XRefTable.Size
	}
	return d.ctx.XRefTable.MaxObjNr + 1
}

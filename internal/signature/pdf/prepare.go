package pdf

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/rezonia/triphase-signer/internal/signature"
)

// SubFilter of the signatures this package writes
const SubFilter = "ETSI.CAdES.detached"

// PrepareOptions describes the signature revision to append
type PrepareOptions struct {
	// ID becomes the first element of the trailer /ID
	ID          []byte
	SigningTime time.Time
	Reason      string
	Location    string
	// ContentsSize is the number of bytes reserved for the CMS
	ContentsSize int
}

// ContentsSize returns the room to reserve for a CMS signed by chain
func ContentsSize(chain []*x509.Certificate) int {
	n := 8192
	for _, c := range chain {
		if c != nil {
			n += len(c.Raw)
		}
	}
	return n
}

// Prepared is a document with an incremental signature revision whose
// /Contents is still a zero placeholder
type Prepared struct {
	Data      []byte
	ByteRange [4]int64
	FieldName string
}

type object struct {
	nr, gen int
	body    string
}

// Prepare appends the signature revision to doc. The output depends only
// on the document and opts, so the same revision can be rebuilt later.
func Prepare(doc *Document, opts PrepareOptions) (*Prepared, error) {
	if len(opts.ID) == 0 {
		return nil, fmt.Errorf("document id is required")
	}
	if opts.ContentsSize <= 0 {
		return nil, fmt.Errorf("contents size must be positive")
	}
	xref := doc.ctx.XRefTable

	existing, err := FindSignatures(doc.raw)
	if err != nil {
		return nil, signature.ErrFormat(FormatName, "malformed signature dictionary", err)
	}
	fieldName := fmt.Sprintf("Signature%d", len(existing)+1)

	prev, err := doc.LastXRef()
	if err != nil {
		return nil, err
	}
	cat, rootRef, err := doc.catalog()
	if err != nil {
		return nil, err
	}
	page, pageRef, _, err := xref.PageDict(1, false)
	if err != nil || pageRef == nil {
		return nil, signature.ErrFormat(FormatName, "cannot locate the first page", err)
	}
	page = page.Clone().(types.Dict)

	next := doc.size()
	sigRef := *types.NewIndirectRef(next, 0)
	widgetRef := *types.NewIndirectRef(next+1, 0)
	size := next + 2

	widget := types.NewDict()
	widget.InsertName("Type", "Annot")
	widget.InsertName("Subtype", "Widget")
	widget.InsertName("FT", "Sig")
	widget.Insert("Rect", types.Array{types.Integer(0), types.Integer(0), types.Integer(0), types.Integer(0)})
	widget.Insert("F", types.Integer(132))
	widget.Insert("T", types.StringLiteral(fieldName))
	widget.Insert("V", sigRef)
	widget.Insert("P", *pageRef)

	annots, err := doc.annotations(page)
	if err != nil {
		return nil, signature.ErrFormat(FormatName, "malformed page annotations", err)
	}
	page["Annots"] = append(append(types.Array{}, annots...), widgetRef)

	objects := []object{
		{nr: widgetRef.ObjectNumber.Value(), body: widget.PDFString()},
		{nr: pageRef.ObjectNumber.Value(), gen: pageRef.GenerationNumber.Value(), body: page.PDFString()},
	}

	acro := types.NewDict()
	var acroRef *types.IndirectRef
	if obj, ok := cat.Find("AcroForm"); ok && obj != nil {
		if ir, ok := obj.(types.IndirectRef); ok {
			acroRef = &ir
		}
		d, err := xref.DereferenceDict(obj)
		if err != nil {
			return nil, signature.ErrFormat(FormatName, "malformed AcroForm", err)
		}
		if d != nil {
			acro = d.Clone().(types.Dict)
		}
	}
	var fields types.Array
	if obj, ok := acro.Find("Fields"); ok && obj != nil {
		if fields, err = xref.DereferenceArray(obj); err != nil {
			return nil, signature.ErrFormat(FormatName, "malformed AcroForm fields", err)
		}
	}
	acro["Fields"] = append(append(types.Array{}, fields...), widgetRef)
	acro["SigFlags"] = types.Integer(3)

	if acroRef != nil {
		objects = append(objects, object{nr: acroRef.ObjectNumber.Value(), gen: acroRef.GenerationNumber.Value(), body: acro.PDFString()})
	} else {
		cat["AcroForm"] = acro
		objects = append(objects, object{nr: rootRef.ObjectNumber.Value(), gen: rootRef.GenerationNumber.Value(), body: cat.PDFString()})
	}

	placeholder := strings.Repeat("0", 2*opts.ContentsSize)
	var sig strings.Builder
	sig.WriteString("<< /Type /Sig /Filter /Adobe.PPKLite /SubFilter /" + SubFilter)
	sig.WriteString(" /ByteRange [0 " + brPlaceholder + " " + brPlaceholder + " " + brPlaceholder + "]")
	sig.WriteString(" /Contents <" + placeholder + ">")
	sig.WriteString(" /M " + pdfText(pdfDate(opts.SigningTime)))
	if opts.Reason != "" {
		sig.WriteString(" /Reason " + pdfText(opts.Reason))
	}
	if opts.Location != "" {
		sig.WriteString(" /Location " + pdfText(opts.Location))
	}
	sig.WriteString(" >>")
	objects = append(objects, object{nr: sigRef.ObjectNumber.Value(), body: sig.String()})

	sort.Slice(objects, func(i, j int) bool { return objects[i].nr < objects[j].nr })

	var buf bytes.Buffer
	buf.Write(doc.raw)
	if !bytes.HasSuffix(doc.raw, []byte("\n")) {
		buf.WriteByte('\n')
	}

	offsets := make([]int, len(objects))
	sigStart := 0
	for i, o := range objects {
		offsets[i] = buf.Len()
		if o.nr == sigRef.ObjectNumber.Value() {
			sigStart = buf.Len()
		}
		fmt.Fprintf(&buf, "%d %d obj\n%s\nendobj\n", o.nr, o.gen, o.body)
	}

	xrefOffset := buf.Len()
	buf.WriteString("xref\n")
	for i, o := range objects {
		fmt.Fprintf(&buf, "%d 1\n%010d %05d n\r\n", o.nr, offsets[i], o.gen)
	}

	trailer := types.NewDict()
	trailer.Insert("Size", types.Integer(size))
	trailer.Insert("Root", rootRef)
	trailer.Insert("Prev", types.Integer(prev))
	trailer.Insert("ID", types.Array{
		types.HexLiteral(strings.ToUpper(hex.EncodeToString(opts.ID))),
		types.HexLiteral(derivedID(opts.ID, opts.SigningTime)),
	})
	if xref.Info != nil {
		trailer.Insert("Info", *xref.Info)
	}
	fmt.Fprintf(&buf, "trailer\n%s\nstartxref\n%d\n%%%%EOF\n", trailer.PDFString(), xrefOffset)

	out := buf.Bytes()
	rel := bytes.Index(out[sigStart:], []byte("/Contents <"))
	if rel < 0 {
		return nil, fmt.Errorf("signature placeholder not written")
	}
	contentsStart := int64(sigStart + rel + len("/Contents "))
	contentsEnd := contentsStart + int64(len(placeholder)) + 2
	br := [4]int64{0, contentsStart, contentsEnd, int64(len(out)) - contentsEnd}

	brAt := bytes.Index(out[sigStart:], []byte("/ByteRange [0 ")) + sigStart + len("/ByteRange [0 ")
	copy(out[brAt:], fmt.Sprintf("%010d %010d %010d", br[1], br[2], br[3]))

	return &Prepared{Data: out, ByteRange: br, FieldName: fieldName}, nil
}

const brPlaceholder = "0000000000"

// derivedID is the second /ID element of a signed revision
func derivedID(id []byte, t time.Time) string {
	h := sha256.New()
	h.Write(id)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(t.Unix()))
	h.Write(ts[:])
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)[:16]))
}

// pdfText encodes s as a PDF text string
func pdfText(s string) string {
	ascii := true
	for _, r := range s {
		if r > 0x7e || r < 0x20 {
			ascii = false
			break
		}
	}
	if ascii {
		return "(" + strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`).Replace(s) + ")"
	}
	units := utf16.Encode([]rune(s))
	b := make([]byte, 2, 2+2*len(units))
	b[0], b[1] = 0xfe, 0xff
	for _, u := range units {
		b = append(b, byte(u>>8), byte(u))
	}
	return "<" + strings.ToUpper(hex.EncodeToString(b)) + ">"
}

// SignedBytes returns the bytes covered by the byte range
func (p *Prepared) SignedBytes() []byte {
	return SignatureDict{ByteRange: p.ByteRange}.SignedBytes(p.Data)
}

// Digest hashes the byte range
func (p *Prepared) Digest(h crypto.Hash) []byte {
	return signature.Sum(h, p.SignedBytes())
}

// Capacity is the largest CMS the placeholder holds
func (p *Prepared) Capacity() int {
	return int(p.ByteRange[2]-p.ByteRange[1]-2) / 2
}

// Embed writes der into the placeholder and returns the signed document.
// Only the /Contents hole changes.
func (p *Prepared) Embed(der []byte) ([]byte, error) {
	if len(der) > p.Capacity() {
		return nil, signature.ErrFormat(FormatName,
			fmt.Sprintf("signature of %d bytes exceeds the %d reserved", len(der), p.Capacity()), nil)
	}
	out := bytes.Clone(p.Data)
	copy(out[p.ByteRange[1]+1:], strings.ToUpper(hex.EncodeToString(der)))
	return out, nil
}

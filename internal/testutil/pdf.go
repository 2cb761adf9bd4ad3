package testutil

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
)

// MinimalPDF writes a classic-xref PDF with one text line per page.
// Object 1 is the catalog; the content stream of page n is object 3+2n.
func MinimalPDF(pages int, id string) []byte {
	var buf bytes.Buffer
	offsets := map[int]int{}
	obj := func(n int, body string) {
		offsets[n] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", n, body)
	}

	buf.WriteString("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n")

	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", 4+2*i)
	}
	obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	obj(2, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	obj(3, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")
	for i := 0; i < pages; i++ {
		obj(4+2*i, fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i))
		obj(5+2*i, contentStream(fmt.Sprintf("Page %d", i+1)))
	}

	size := 4 + 2*pages
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f\r\n", size)
	for n := 1; n < size; n++ {
		fmt.Fprintf(&buf, "%010d 00000 n\r\n", offsets[n])
	}
	trailer := fmt.Sprintf("<< /Size %d /Root 1 0 R", size)
	if id != "" {
		trailer += fmt.Sprintf(" /ID [<%s> <%s>]", id, id)
	}
	fmt.Fprintf(&buf, "trailer\n%s >>\nstartxref\n%d\n%%%%EOF\n", trailer, xref)
	return buf.Bytes()
}

// ContentObject returns the object number of the content stream of page n
func ContentObject(page int) int {
	return 3 + 2*page
}

func contentStream(text string) string {
	content := fmt.Sprintf("BT /F1 24 Tf 72 720 Td (%s) Tj ET", text)
	return fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content)
}

var (
	startxrefPattern = regexp.MustCompile(`startxref\s+(\d+)\s+%%EOF\s*$`)
	sizePattern      = regexp.MustCompile(`/Size\s+(\d+)`)
)

// ReplacePageText appends an incremental update that rewrites the text of
// page n of a MinimalPDF document, signed or not
func ReplacePageText(data []byte, page int, text string) []byte {
	m := startxrefPattern.FindSubmatch(data)
	if m == nil {
		panic("testutil: no startxref")
	}
	prev, _ := strconv.Atoi(string(m[1]))
	sizes := sizePattern.FindAllSubmatch(data, -1)
	size, _ := strconv.Atoi(string(sizes[len(sizes)-1][1]))

	var buf bytes.Buffer
	buf.Write(data)
	if !bytes.HasSuffix(data, []byte("\n")) {
		buf.WriteByte('\n')
	}
	n := ContentObject(page)
	offset := buf.Len()
	fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", n, contentStream(text))
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n%d 1\n%010d 00000 n\r\n", n, offset)
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R /Prev %d >>\nstartxref\n%d\n%%%%EOF\n", size, prev, xref)
	return buf.Bytes()
}

// Package ooxml reads and signs Office Open XML packages and aggregates the
// signers of their package signatures.
package ooxml

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rezonia/triphase-signer/internal/format"
	"github.com/rezonia/triphase-signer/internal/signature"
)

// FormatName identifies OOXML in results and errors
const FormatName = "OOXML"

const (
	signaturesDir  = "_xmlsignatures/"
	originPart     = signaturesDir + "origin.sigs"
	originRelsPart = signaturesDir + "_rels/origin.sigs.rels"
	contentTypes   = "[Content_Types].xml"
	rootRels       = "_rels/.rels"
)

// Package is the in-memory content of an OOXML package, parts kept in
// their archive order
type Package struct {
	names []string
	parts map[string][]byte
}

// Reader opens packages through a scoped temporary copy
type Reader struct {
	// TempDir holds the temporary copies; empty means os.TempDir
	TempDir string
	Logger  *zap.Logger

	remove func(string) error
}

// NewReader creates a package reader
func NewReader(tempDir string, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{TempDir: tempDir, Logger: logger, remove: os.Remove}
}

// Open copies data to a temporary file, reads every part and removes the
// file again. Input that is not a ZIP with the mandatory OOXML parts is a
// format error; temporary storage failures are I/O errors.
func (r *Reader) Open(data []byte) (*Package, error) {
	if !format.IsZip(data) {
		return nil, signature.ErrFormat(FormatName, "document is not a ZIP archive", nil)
	}

	var pkg *Package
	err := r.withTempFile(data, func(name string) error {
		zr, err := zip.OpenReader(name)
		if err != nil {
			return signature.ErrFormat(FormatName, "document is not a ZIP archive", err)
		}
		defer zr.Close()
		pkg, err = readPackage(&zr.Reader)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !format.HasOOXMLMarkers(pkg.names) {
		return nil, signature.ErrFormat(FormatName, "ZIP archive is not an OOXML package", nil)
	}
	return pkg, nil
}

func (r *Reader) withTempFile(data []byte, fn func(name string) error) error {
	f, err := os.CreateTemp(r.TempDir, "ooxml-*.zip")
	if err != nil {
		return signature.ErrIO("cannot create temporary file", err)
	}
	name := f.Name()
	defer func() {
		remove := r.remove
		if remove == nil {
			remove = os.Remove
		}
		if err := remove(name); err != nil && !os.IsNotExist(err) {
			r.logger().Warn("temporary file not removed", zap.String("path", name), zap.Error(err))
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return signature.ErrIO("cannot write temporary file", err)
	}
	if err := f.Close(); err != nil {
		return signature.ErrIO("cannot write temporary file", err)
	}
	return fn(name)
}

func (r *Reader) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func readPackage(zr *zip.Reader) (*Package, error) {
	pkg := &Package{parts: make(map[string][]byte, len(zr.File))}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, signature.ErrFormat(FormatName, fmt.Sprintf("cannot open part %s", f.Name), err)
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, signature.ErrFormat(FormatName, fmt.Sprintf("cannot read part %s", f.Name), err)
		}
		pkg.set(format.NormalizeEntryName(f.Name), body)
	}
	return pkg, nil
}

// Names lists the part names in archive order
func (p *Package) Names() []string {
	return append([]string(nil), p.names...)
}

// Part returns the bytes of a part
func (p *Package) Part(name string) ([]byte, bool) {
	b, ok := p.parts[strings.TrimPrefix(name, "/")]
	return b, ok
}

func (p *Package) set(name string, body []byte) {
	if _, ok := p.parts[name]; !ok {
		p.names = append(p.names, name)
	}
	p.parts[name] = body
}

// Signatures lists the signature parts ordered by their number
func (p *Package) Signatures() []string {
	var out []string
	for _, n := range p.names {
		if _, ok := signatureNumber(n); ok {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := signatureNumber(out[i])
		b, _ := signatureNumber(out[j])
		return a < b
	})
	return out
}

// SignatureCount is the number of package signatures
func (p *Package) SignatureCount() int {
	return len(p.Signatures())
}

func signatureNumber(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, signaturesDir+"sig")
	if !ok {
		return 0, false
	}
	num, ok := strings.CutSuffix(rest, ".xml")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Bytes writes the package as a ZIP archive
func (p *Package) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, n := range p.names {
		w, err := zw.Create(n)
		if err != nil {
			return nil, signature.ErrIO("cannot write package", err)
		}
		if _, err := w.Write(p.parts[n]); err != nil {
			return nil, signature.ErrIO("cannot write package", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, signature.ErrIO("cannot write package", err)
	}
	return buf.Bytes(), nil
}

// resolve serves manifest references of the form /part?ContentType=...
func (p *Package) resolve(uri string) ([]byte, error) {
	name, _, _ := strings.Cut(uri, "?")
	b, ok := p.Part(name)
	if !ok {
		return nil, fmt.Errorf("part %s not found", name)
	}
	return b, nil
}

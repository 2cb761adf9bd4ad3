package ooxml_test

import (
	"context"
	"crypto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/triphase-signer/internal/format"
	"github.com/rezonia/triphase-signer/internal/signature"
	"github.com/rezonia/triphase-signer/internal/signature/ooxml"
	"github.com/rezonia/triphase-signer/internal/signature/trust"
	xmlsig "github.com/rezonia/triphase-signer/internal/signature/xml"
	"github.com/rezonia/triphase-signer/internal/testutil"
)

type fixture struct {
	ca     *testutil.Identity
	signer *testutil.Identity
	alg    signature.Algorithm
	at     time.Time
	store  *trust.Store
	reader *ooxml.Reader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ca := testutil.NewCA(t, "Test CA")
	alg, err := signature.ParseAlgorithm("SHA256withRSA")
	require.NoError(t, err)
	store, err := trust.NewEmptyStore(trust.WithCertificates(ca.Cert), trust.WithoutRevocation())
	require.NoError(t, err)
	return &fixture{
		ca:     ca,
		signer: ca.Issue(t, "Firmante"),
		alg:    alg,
		at:     time.Now().UTC().Truncate(time.Second),
		store:  store,
		reader: ooxml.NewReader(t.TempDir(), nil),
	}
}

func (f *fixture) params(id *testutil.Identity, sid string) xmlsig.Params {
	return xmlsig.Params{ID: sid, Algorithm: f.alg, Chain: id.Chain, SigningTime: f.at}
}

// sign adds one completed package signature to data
func (f *fixture) sign(t *testing.T, data []byte, id *testutil.Identity, sid string) []byte {
	t.Helper()
	pkg, err := f.reader.Open(data)
	require.NoError(t, err)
	ps, err := pkg.NewSignature(f.params(id, sid))
	require.NoError(t, err)
	pre, err := ps.SignedInfo()
	require.NoError(t, err)
	require.NoError(t, ps.SetValue(id.Sign(t, crypto.SHA256, pre)))
	require.NoError(t, pkg.AddSignature(pkg.SignatureCount()+1, ps))
	out, err := pkg.Bytes()
	require.NoError(t, err)
	return out
}

func (f *fixture) validate(t *testing.T, store *trust.Store, data []byte) *signature.Validation {
	t.Helper()
	v := ooxml.NewValidator(f.reader, xmlsig.NewValidator(store, nil), nil)
	result, err := v.Validate(context.Background(), data, nil)
	require.NoError(t, err)
	return result
}

func TestSignAndValidate(t *testing.T) {
	f := newFixture(t)
	signed := f.sign(t, testutil.MinimalDocx(t, "Hola"), f.signer, "sid-1")

	assert.True(t, format.IsOOXML(signed))
	result := f.validate(t, f.store, signed)
	assert.Equal(t, signature.OutcomeValid, result.Outcome, result.Validity.String())
	require.Len(t, result.Signers, 1)
	assert.Equal(t, "Firmante", result.Signers[0].Name)
	require.NotNil(t, result.Signers[0].SignedAt)
	assert.True(t, f.at.Equal(*result.Signers[0].SignedAt))

	pkg, err := f.reader.Open(signed)
	require.NoError(t, err)
	assert.Equal(t, []string{"_xmlsignatures/sig1.xml"}, pkg.Signatures())
	_, ok := pkg.Part("_xmlsignatures/origin.sigs")
	assert.True(t, ok)

	rels, ok := pkg.Part("_xmlsignatures/_rels/origin.sigs.rels")
	require.True(t, ok)
	assert.Contains(t, string(rels), `Target="sig1.xml"`)

	root, _ := pkg.Part("_rels/.rels")
	assert.Contains(t, string(root), "digital-signature/origin")

	types, _ := pkg.Part("[Content_Types].xml")
	assert.Contains(t, string(types), `PartName="/_xmlsignatures/sig1.xml"`)
	assert.Contains(t, string(types), `Extension="sigs"`)
}

func TestNewSignature_Deterministic(t *testing.T) {
	f := newFixture(t)
	pkg, err := f.reader.Open(testutil.MinimalDocx(t, "Hola"))
	require.NoError(t, err)

	a, err := pkg.NewSignature(f.params(f.signer, "sid-1"))
	require.NoError(t, err)
	b, err := pkg.NewSignature(f.params(f.signer, "sid-1"))
	require.NoError(t, err)

	preA, err := a.SignedInfo()
	require.NoError(t, err)
	preB, err := b.SignedInfo()
	require.NoError(t, err)
	assert.Equal(t, preA, preB)

	body, err := a.Bytes()
	require.NoError(t, err)
	assert.Contains(t, string(body), "/word/document.xml?ContentType=application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml")
	assert.NotContains(t, string(body), "/_rels/.rels?")
}

func TestCoSign(t *testing.T) {
	f := newFixture(t)
	once := f.sign(t, testutil.MinimalDocx(t, "Hola"), f.signer, "sid-1")
	twice := f.sign(t, once, f.ca.Issue(t, "Cofirmante"), "sid-2")

	result := f.validate(t, f.store, twice)
	assert.Equal(t, signature.OutcomeValid, result.Outcome, result.Validity.String())
	assert.Len(t, result.Signers, 2)

	tree := ooxml.SignersStructure(twice)
	require.NotNil(t, tree)
	assert.Equal(t, "Datos\n  Firmante\n  Cofirmante\n", tree.String())
	assert.Equal(t, 2, tree.SignerCount())
}

func TestValidate_TamperedPart(t *testing.T) {
	f := newFixture(t)
	signed := f.sign(t, testutil.MinimalDocx(t, "Hola"), f.signer, "sid-1")

	tampered := testutil.ReplacePart(t, signed, "word/document.xml",
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body/></w:document>`)
	result := f.validate(t, f.store, tampered)
	assert.Equal(t, signature.OutcomeInvalid, result.Outcome)
	assert.Equal(t, signature.KindModifiedDocument, result.Validity.ErrorKind())
}

func TestValidate_BrokenSignaturePart(t *testing.T) {
	f := newFixture(t)
	signed := f.sign(t, testutil.MinimalDocx(t, "Hola"), f.signer, "sid-1")

	broken := testutil.ReplacePart(t, signed, "_xmlsignatures/sig1.xml", "<not-a-signature/>")
	result := f.validate(t, f.store, broken)
	assert.Equal(t, signature.OutcomeInvalid, result.Outcome)
	assert.Equal(t, signature.KindCorruptedSign, result.Validity.ErrorKind())
}

func TestValidate_Untrusted(t *testing.T) {
	f := newFixture(t)
	signed := f.sign(t, testutil.MinimalDocx(t, "Hola"), f.signer, "sid-1")

	other, err := trust.NewEmptyStore(trust.WithoutRevocation())
	require.NoError(t, err)
	result := f.validate(t, other, signed)
	assert.Equal(t, signature.OutcomeNeedsConfirmation, result.Outcome)
	require.NotNil(t, result.Confirmation)
	assert.Equal(t, signature.ReasonUntrustedCertificate, result.Confirmation.Reason)
}

func TestValidate_NoSignature(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		data []byte
	}{
		{"unsigned package", testutil.MinimalDocx(t, "Hola")},
		{"zip without ooxml parts", testutil.Zip(t, [][2]string{{"a.txt", "a"}})},
		{"not a zip", []byte("plain text")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.validate(t, f.store, tt.data)
			assert.Equal(t, signature.OutcomeInvalid, result.Outcome)
			assert.Equal(t, signature.KindNoSign, result.Validity.ErrorKind())
			assert.Nil(t, ooxml.SignersStructure(tt.data))
		})
	}
}

func TestOpen_Rejects(t *testing.T) {
	f := newFixture(t)

	_, err := f.reader.Open([]byte("plain text"))
	assert.True(t, signature.IsFormatError(err))

	_, err = f.reader.Open(testutil.Zip(t, [][2]string{{"a.txt", "a"}}))
	assert.True(t, signature.IsFormatError(err))
}

func TestAddSignature_ExistingOrdinal(t *testing.T) {
	f := newFixture(t)
	signed := f.sign(t, testutil.MinimalDocx(t, "Hola"), f.signer, "sid-1")

	pkg, err := f.reader.Open(signed)
	require.NoError(t, err)
	ps, err := pkg.NewSignature(f.params(f.signer, "sid-2"))
	require.NoError(t, err)
	err = pkg.AddSignature(1, ps)
	assert.True(t, signature.IsFormatError(err))
}

func TestSignaturePart(t *testing.T) {
	assert.Equal(t, "_xmlsignatures/sig3.xml", ooxml.SignaturePart(3))
	assert.True(t, strings.HasPrefix(ooxml.SignaturePart(1), "_xmlsignatures/"))
}

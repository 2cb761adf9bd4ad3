package xml_test

import (
	"context"
	"crypto"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/triphase-signer/internal/signature"
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
	}
}

func (f *fixture) params(id *testutil.Identity, sid string) xmlsig.Params {
	return xmlsig.Params{
		ID:          sid,
		Algorithm:   f.alg,
		Chain:       id.Chain,
		SigningTime: f.at,
	}
}

// complete signs the canonical SignedInfo the way a remote signer would
func complete(t *testing.T, sig *xmlsig.Signature, id *testutil.Identity) {
	t.Helper()
	pre, err := sig.SignedInfo()
	require.NoError(t, err)
	require.NoError(t, sig.SetValue(id.Sign(t, crypto.SHA256, pre)))
}

func (f *fixture) signed(t *testing.T, data []byte) []byte {
	t.Helper()
	c, err := xmlsig.NewContainer(data, "cid-1")
	require.NoError(t, err)
	sig, err := c.Sign(f.params(f.signer, "sid-1"))
	require.NoError(t, err)
	complete(t, sig, f.signer)
	out, err := c.Bytes()
	require.NoError(t, err)
	return out
}

func (f *fixture) validate(t *testing.T, data []byte) *signature.Validation {
	t.Helper()
	v, err := xmlsig.NewValidator(f.store, nil).Validate(context.Background(), data, nil)
	require.NoError(t, err)
	return v
}

func TestContainer_SignAndValidate(t *testing.T) {
	f := newFixture(t)
	out := f.signed(t, []byte("hello world"))

	v := f.validate(t, out)
	assert.Equal(t, signature.OutcomeValid, v.Outcome, "validity %s", v.Validity)
	require.Len(t, v.Signers, 1)
	assert.Equal(t, "Firmante", v.Signers[0].Name)
	require.NotNil(t, v.Signers[0].SignedAt)
	assert.True(t, v.Signers[0].SignedAt.Equal(f.at))

	c, err := xmlsig.ParseContainer(out)
	require.NoError(t, err)
	assert.Equal(t, xmlsig.ContentID("cid-1"), c.ContentID())
	data, err := c.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), data)
	assert.Equal(t, "Datos\n  Firmante\n", c.SignersTree().String())
}

func TestContainer_EmbedsXML(t *testing.T) {
	f := newFixture(t)
	doc := []byte(`<?xml version="1.0"?><factura xmlns="urn:test:factura"><importe moneda="EUR">10.00</importe></factura>`)
	out := f.signed(t, doc)

	c, err := xmlsig.ParseContainer(out)
	require.NoError(t, err)
	assert.Equal(t, "text/xml", c.Content().SelectAttrValue("MimeType", ""))
	require.NotNil(t, c.Content().SelectElement("factura"))

	v := f.validate(t, out)
	assert.Equal(t, signature.OutcomeValid, v.Outcome, "validity %s", v.Validity)

	tampered := strings.Replace(string(out), "10.00", "99.00", 1)
	v = f.validate(t, []byte(tampered))
	assert.Equal(t, signature.OutcomeInvalid, v.Outcome)
	assert.Equal(t, signature.KindModifiedDocument, v.Validity.ErrorKind())
}

func TestContainer_SignedInfoIsDeterministic(t *testing.T) {
	f := newFixture(t)
	signedInfo := func(p xmlsig.Params, cid string) []byte {
		c, err := xmlsig.NewContainer([]byte("payload"), cid)
		require.NoError(t, err)
		sig, err := c.Sign(p)
		require.NoError(t, err)
		pre, err := sig.SignedInfo()
		require.NoError(t, err)
		return pre
	}

	p := f.params(f.signer, "sid-1")
	first := signedInfo(p, "cid-1")
	assert.Equal(t, first, signedInfo(p, "cid-1"))
	assert.True(t, strings.HasPrefix(string(first), `<ds:SignedInfo xmlns:ds="http://www.w3.org/2000/09/xmldsig#"`), "%s", first)

	later := p
	later.SigningTime = p.SigningTime.Add(time.Second)
	assert.NotEqual(t, first, signedInfo(later, "cid-1"))

	other := p
	other.ID = "sid-2"
	assert.NotEqual(t, first, signedInfo(other, "cid-1"))
	assert.NotEqual(t, first, signedInfo(p, "cid-2"))
}

func TestContainer_Tampering(t *testing.T) {
	f := newFixture(t)
	out := string(f.signed(t, []byte("hello world")))

	tests := []struct {
		name string
		from string
		to   string
		kind signature.ErrorKind
	}{
		{
			name: "content",
			from: base64.StdEncoding.EncodeToString([]byte("hello world")),
			to:   base64.StdEncoding.EncodeToString([]byte("hello WORLD")),
			kind: signature.KindModifiedDocument,
		},
		{
			name: "signing time",
			from: f.at.Format(time.RFC3339),
			to:   f.at.Add(time.Minute).Format(time.RFC3339),
			kind: signature.KindCorruptedSign,
		},
		{
			name: "signature method",
			from: dsig.RSASHA256SignatureMethod,
			to:   "http://www.w3.org/2000/09/xmldsig#rsa-sha1",
			kind: signature.KindAlgorithmNotSupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Contains(t, out, tt.from)
			v := f.validate(t, []byte(strings.Replace(out, tt.from, tt.to, 1)))
			assert.Equal(t, signature.OutcomeInvalid, v.Outcome)
			assert.Equal(t, tt.kind, v.Validity.ErrorKind())
		})
	}
}

func TestContainer_WrongSignatureValue(t *testing.T) {
	f := newFixture(t)
	c, err := xmlsig.NewContainer([]byte("hello world"), "cid-1")
	require.NoError(t, err)
	sig, err := c.Sign(f.params(f.signer, "sid-1"))
	require.NoError(t, err)
	require.NoError(t, sig.SetValue(f.signer.Sign(t, crypto.SHA256, []byte("something else"))))
	out, err := c.Bytes()
	require.NoError(t, err)

	v := f.validate(t, out)
	assert.Equal(t, signature.OutcomeInvalid, v.Outcome)
	assert.Equal(t, signature.KindCorruptedSign, v.Validity.ErrorKind())
}

func TestContainer_Untrusted(t *testing.T) {
	f := newFixture(t)
	self := testutil.SelfSigned(t, "Nadie")

	c, err := xmlsig.NewContainer([]byte("hello"), "cid-1")
	require.NoError(t, err)
	sig, err := c.Sign(f.params(self, "sid-1"))
	require.NoError(t, err)
	complete(t, sig, self)
	out, err := c.Bytes()
	require.NoError(t, err)

	v := f.validate(t, out)
	assert.Equal(t, signature.OutcomeNeedsConfirmation, v.Outcome)
	require.NotNil(t, v.Confirmation)
	assert.Equal(t, signature.ReasonUntrustedCertificate, v.Confirmation.Reason)
}

func TestContainer_CoSign(t *testing.T) {
	f := newFixture(t)
	out := f.signed(t, []byte("hello world"))
	cosigner := f.ca.Issue(t, "Cofirmante")

	c, err := xmlsig.ParseContainer(out)
	require.NoError(t, err)
	sig, err := c.Sign(f.params(cosigner, "sid-2"))
	require.NoError(t, err)
	complete(t, sig, cosigner)
	out, err = c.Bytes()
	require.NoError(t, err)

	c, err = xmlsig.ParseContainer(out)
	require.NoError(t, err)
	assert.Len(t, c.Signatures(), 2)
	assert.Equal(t, "Datos\n  Firmante\n  Cofirmante\n", c.SignersTree().String())

	v := f.validate(t, out)
	assert.Equal(t, signature.OutcomeValid, v.Outcome, "validity %s", v.Validity)
	assert.Len(t, v.Signers, 2)
}

func TestContainer_CounterSign(t *testing.T) {
	f := newFixture(t)
	out := f.signed(t, []byte("hello world"))
	counter := f.ca.Issue(t, "Contrafirmante")
	second := f.ca.Issue(t, "Segunda contrafirma")

	c, err := xmlsig.ParseContainer(out)
	require.NoError(t, err)
	leaves := c.Leaves()
	require.Len(t, leaves, 1)
	cs, err := c.CounterSign(leaves[0], f.params(counter, "sid-cs"))
	require.NoError(t, err)
	complete(t, cs, counter)

	// counter-sign the counter signature
	leaves = c.Leaves()
	require.Len(t, leaves, 1)
	assert.Equal(t, cs.ID(), leaves[0].ID())
	cs2, err := c.CounterSign(leaves[0], f.params(second, "sid-cs2"))
	require.NoError(t, err)
	complete(t, cs2, second)

	out, err = c.Bytes()
	require.NoError(t, err)

	c, err = xmlsig.ParseContainer(out)
	require.NoError(t, err)
	assert.Len(t, c.Signatures(), 1)
	assert.Len(t, c.All(), 3)
	assert.NotNil(t, c.Find(xmlsig.SignatureID("sid-cs2")))
	assert.Equal(t, "Datos\n  Firmante\n    Contrafirmante\n      Segunda contrafirma\n", c.SignersTree().String())

	v := f.validate(t, out)
	assert.Equal(t, signature.OutcomeValid, v.Outcome, "validity %s", v.Validity)
	assert.Len(t, v.Signers, 3)

	// altering the counter-signed value breaks the counter signature
	target := c.Signatures()[0]
	require.NoError(t, target.SetValue(f.signer.Sign(t, crypto.SHA256, []byte("other"))))
	out, err = c.Bytes()
	require.NoError(t, err)
	v = f.validate(t, out)
	assert.Equal(t, signature.OutcomeInvalid, v.Outcome)
}

func TestContainer_CounterSignUnsigned(t *testing.T) {
	f := newFixture(t)
	c, err := xmlsig.NewContainer([]byte("hello"), "cid-1")
	require.NoError(t, err)
	sig, err := c.Sign(f.params(f.signer, "sid-1"))
	require.NoError(t, err)

	_, err = c.CounterSign(sig, f.params(f.signer, "sid-2"))
	assert.True(t, signature.IsFormatError(err), "got %v", err)
}

func TestContainer_Policy(t *testing.T) {
	f := newFixture(t)
	policy, err := signature.PolicyFromExtra(map[string]string{
		signature.ExtraPolicyIdentifier:     "2.16.724.1.3.1.1.2.1.9",
		signature.ExtraPolicyIdentifierHash: base64.StdEncoding.EncodeToString(make([]byte, 32)),
		signature.ExtraPolicyQualifier:      "https://sede.administracion.gob.es/politica_de_firma_anexo_1.pdf",
	})
	require.NoError(t, err)

	c, err := xmlsig.NewContainer([]byte("hello"), "cid-1")
	require.NoError(t, err)
	p := f.params(f.signer, "sid-1")
	p.Policy = policy
	p.City = "Madrid"
	sig, err := c.Sign(p)
	require.NoError(t, err)
	complete(t, sig, f.signer)
	out, err := c.Bytes()
	require.NoError(t, err)

	assert.Contains(t, string(out), "urn:oid:2.16.724.1.3.1.1.2.1.9")
	assert.Contains(t, string(out), "<xades:City>Madrid</xades:City>")
	v := f.validate(t, out)
	assert.Equal(t, signature.OutcomeValid, v.Outcome, "validity %s", v.Validity)
}

func TestParseContainer_Rejects(t *testing.T) {
	for name, data := range map[string]string{
		"not xml":    "hello",
		"other root": `<root><CONTENT Id="x"/></root>`,
		"no content": `<AFIRMA/>`,
		"no id":      `<AFIRMA><CONTENT/></AFIRMA>`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := xmlsig.ParseContainer([]byte(data))
			assert.True(t, signature.IsFormatError(err), "got %v", err)
			assert.False(t, xmlsig.IsContainer([]byte(data)))
		})
	}

	_, err := xmlsig.NewContainer(nil, "cid")
	assert.True(t, signature.IsFormatError(err))
}

func TestValidator_Enveloped(t *testing.T) {
	f := newFixture(t)

	doc := etree.NewDocument()
	root := doc.CreateElement("Invoice")
	root.CreateElement("Total").SetText("100")

	sctx, err := dsig.NewSigningContext(f.signer.Key, [][]byte{f.signer.Cert.Raw})
	require.NoError(t, err)
	sctx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
	signed, err := sctx.SignEnveloped(root)
	require.NoError(t, err)
	doc.SetRoot(signed)
	out, err := doc.WriteToBytes()
	require.NoError(t, err)

	v := f.validate(t, out)
	assert.Equal(t, signature.OutcomeValid, v.Outcome, "validity %s", v.Validity)
	require.Len(t, v.Signers, 1)
	assert.Equal(t, "Firmante", v.Signers[0].Name)
	assert.Equal(t, "Datos\n  Firmante\n", xmlsig.SignersTree(out).String())

	tampered := strings.Replace(string(out), "<Total>100</Total>", "<Total>900</Total>", 1)
	v = f.validate(t, []byte(tampered))
	assert.Equal(t, signature.OutcomeInvalid, v.Outcome)
	assert.Equal(t, signature.KindModifiedDocument, v.Validity.ErrorKind())
}

func TestValidator_NoSignature(t *testing.T) {
	f := newFixture(t)
	for name, data := range map[string]string{
		"plain xml": `<Invoice><Total>1</Total></Invoice>`,
		"not xml":   `{"json": true}`,
	} {
		t.Run(name, func(t *testing.T) {
			v := f.validate(t, []byte(data))
			assert.Equal(t, signature.OutcomeInvalid, v.Outcome)
			assert.Equal(t, signature.KindNoSign, v.Validity.ErrorKind())
			assert.Nil(t, xmlsig.SignersTree([]byte(data)))
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := xmlsig.NewValidator(nil, nil).Validate(ctx, []byte(`<a/>`), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSignatureMethods(t *testing.T) {
	tests := []struct {
		alg  string
		uri  string
		name string
	}{
		{"SHA256withRSA", dsig.RSASHA256SignatureMethod, "SHA256withRSA"},
		{"SHA-384withRSA", dsig.RSASHA384SignatureMethod, "SHA384withRSA"},
		{"sha512withrsa", dsig.RSASHA512SignatureMethod, "SHA512withRSA"},
		{"SHA256withECDSA", dsig.ECDSASHA256SignatureMethod, "SHA256withECDSA"},
		{"SHA512withECDSA", dsig.ECDSASHA512SignatureMethod, "SHA512withECDSA"},
	}
	for _, tt := range tests {
		t.Run(tt.alg, func(t *testing.T) {
			alg, err := signature.ParseAlgorithm(tt.alg)
			require.NoError(t, err)
			uri, err := xmlsig.SignatureMethod(alg)
			require.NoError(t, err)
			assert.Equal(t, tt.uri, uri)

			back, err := xmlsig.AlgorithmForMethod(uri)
			require.NoError(t, err)
			assert.Equal(t, tt.name, back.Name)
		})
	}

	_, err := xmlsig.AlgorithmForMethod(dsig.RSASHA1SignatureMethod)
	assert.Error(t, err)
}

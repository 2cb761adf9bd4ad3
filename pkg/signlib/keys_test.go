package signlib_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/triphase-signer/internal/signature"
	"github.com/rezonia/triphase-signer/internal/testutil"
	"github.com/rezonia/triphase-signer/pkg/signlib"
)

func TestParseChain(t *testing.T) {
	ca := testutil.NewCA(t, "Test CA")
	id := ca.Issue(t, "Firmante")

	bundle := append(id.CertPEM(), ca.CertPEM()...)
	certs, err := signlib.ParseChain(bundle)
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.True(t, certs[0].Equal(id.Cert))

	der := append(append([]byte{}, id.Cert.Raw...), ca.Cert.Raw...)
	certs, err = signlib.ParseChain(der)
	require.NoError(t, err)
	assert.Len(t, certs, 2)

	for _, bad := range [][]byte{nil, []byte("  \n"), []byte("not a certificate"), id.KeyPEM(t)} {
		_, err := signlib.ParseChain(bad)
		assert.True(t, signature.IsFormatError(err))
	}
}

func TestParseCertificates(t *testing.T) {
	id := testutil.SelfSigned(t, "Firmante")

	certs, err := signlib.ParseCertificates([]string{base64.RawURLEncoding.EncodeToString(id.Cert.Raw)})
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.True(t, certs[0].Equal(id.Cert))

	_, err = signlib.ParseCertificates([]string{"***"})
	assert.True(t, signature.IsFormatError(err))
	_, err = signlib.ParseCertificates([]string{base64.StdEncoding.EncodeToString([]byte("junk"))})
	assert.True(t, signature.IsFormatError(err))
}

func TestParsePrivateKey(t *testing.T) {
	id := testutil.SelfSigned(t, "Firmante")

	key, err := signlib.ParsePrivateKey(append(id.CertPEM(), id.KeyPEM(t)...))
	require.NoError(t, err)
	assert.True(t, id.Key.PublicKey.Equal(key.Public()))

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(id.Key)})
	key, err = signlib.ParsePrivateKey(pkcs1)
	require.NoError(t, err)
	assert.True(t, id.Key.PublicKey.Equal(key.Public()))

	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	sec1, err := x509.MarshalECPrivateKey(ec)
	require.NoError(t, err)
	key, err = signlib.ParsePrivateKey(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: sec1}))
	require.NoError(t, err)
	assert.True(t, ec.PublicKey.Equal(key.Public()))

	_, err = signlib.ParsePrivateKey(id.CertPEM())
	assert.True(t, signature.IsFormatError(err))
}

func TestComplete(t *testing.T) {
	svc, id := newService(t)
	ctx := context.Background()
	doc := testutil.MinimalPDF(1, "")
	req := signlib.Request{Format: signlib.PAdES, Operation: signlib.Sign, Chain: id.Chain}

	session, err := svc.PreSign(ctx, doc, req)
	require.NoError(t, err)
	require.NoError(t, signlib.Complete(session, id.Key, "SHA256withRSA"))

	signed, err := svc.PostSign(ctx, doc, req, session)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(signed, doc[:8]))

	result, err := svc.Verify(ctx, signed, nil)
	require.NoError(t, err)
	assert.Equal(t, signlib.OutcomeValid, result.Outcome)
}

func TestComplete_Rejects(t *testing.T) {
	id := testutil.SelfSigned(t, "Firmante")

	assert.True(t, signature.IsProtocolState(signlib.Complete(nil, id.Key, "SHA256withRSA")))
	assert.True(t, signature.IsProtocolState(signlib.Complete(&signlib.Session{}, id.Key, "SHA256withRSA")))

	err := signlib.Complete(&signlib.Session{}, id.Key, "SHA1withRSA")
	assert.True(t, signature.HasCode(err, signature.ErrCodeAlgorithmNotSupported))
}

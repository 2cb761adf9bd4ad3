package signlib_test

import (
	"context"
	"crypto"
	"encoding/base64"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/triphase-signer/internal/signature"
	"github.com/rezonia/triphase-signer/internal/testutil"
	"github.com/rezonia/triphase-signer/pkg/signlib"
)

func newService(t *testing.T) (*signlib.Service, *testutil.Identity) {
	t.Helper()
	ca := testutil.NewCA(t, "Test CA")
	opts := signlib.DefaultOptions()
	opts.SystemRoots = false
	opts.TrustRoots = append(opts.TrustRoots, ca.Cert)
	opts.CheckRevocation = false
	opts.TempDir = t.TempDir()
	opts.Clock = clockwork.NewFakeClockAt(time.Now().Add(-time.Minute))

	svc, err := signlib.New(opts)
	require.NoError(t, err)
	return svc, ca.Issue(t, "Firmante")
}

// sign plays both server phases around a remote signer holding id's key
func sign(t *testing.T, svc *signlib.Service, id *testutil.Identity, data []byte, req signlib.Request) []byte {
	t.Helper()
	ctx := context.Background()
	req.Chain = id.Chain

	session, err := svc.PreSign(ctx, data, req)
	require.NoError(t, err)

	enc, err := signlib.EncodeSession(session)
	require.NoError(t, err)
	session, err = signlib.DecodeSession(enc)
	require.NoError(t, err)
	for _, s := range session.Signs {
		pre, err := s.Bytes(signlib.KeyPreSign)
		require.NoError(t, err)
		s.SetBytes(signlib.KeyPKCS1, id.Sign(t, crypto.SHA256, pre))
	}

	out, err := svc.PostSign(ctx, data, req, session)
	require.NoError(t, err)
	return out
}

func TestDefaultOptions(t *testing.T) {
	opts := signlib.DefaultOptions()

	assert.Equal(t, "SHA256withRSA", opts.Algorithm)
	assert.True(t, opts.SystemRoots)
	assert.True(t, opts.CheckRevocation)
	assert.True(t, opts.ShadowAttack)
	assert.Equal(t, "all", opts.ShadowMaxPages)
	assert.Equal(t, "all", opts.ShadowPages)
}

func TestNew_RejectsBadOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*signlib.Options)
	}{
		{"algorithm", func(o *signlib.Options) { o.Algorithm = "MD2withRSA" }},
		{"max pages", func(o *signlib.Options) { o.ShadowMaxPages = "many" }},
		{"pages", func(o *signlib.Options) { o.ShadowPages = "-1" }},
		{"roots file", func(o *signlib.Options) { o.TrustRootsFile = "/nonexistent/roots.pem" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := signlib.DefaultOptions()
			opts.SystemRoots = false
			tt.mutate(&opts)
			_, err := signlib.New(opts)
			assert.Error(t, err)
		})
	}
}

func TestParseOperation(t *testing.T) {
	tests := []struct {
		in      string
		want    signlib.Operation
		wantErr bool
	}{
		{"sign", signlib.Sign, false},
		{"CoSign", signlib.CoSign, false},
		{"co-sign", signlib.CoSign, false},
		{" countersign ", signlib.CounterSign, false},
		{"counter-sign", signlib.CounterSign, false},
		{"multisign", 0, true},
	}
	for _, tt := range tests {
		got, err := signlib.ParseOperation(tt.in)
		if tt.wantErr {
			assert.True(t, signature.IsFormatError(err), tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, got, must(signlib.ParseOperation(got.String())))
	}
}

func must(op signlib.Operation, err error) signlib.Operation {
	if err != nil {
		panic(err)
	}
	return op
}

func TestService_PAdES(t *testing.T) {
	svc, id := newService(t)
	doc := testutil.MinimalPDF(2, "")

	signed := sign(t, svc, id, doc, signlib.Request{Format: signlib.PAdES, Operation: signlib.Sign, CheckSignatures: true})

	result, err := svc.Verify(context.Background(), signed, nil)
	require.NoError(t, err)
	assert.Equal(t, signlib.OutcomeValid, result.Outcome)
	require.Len(t, result.Signers, 1)

	tree, err := svc.Signers(signed)
	require.NoError(t, err)
	assert.Equal(t, 1, tree.SignerCount())

	_, err = svc.Signers(doc)
	assert.True(t, signature.HasCode(err, signature.ErrCodeNoSignature))
}

func TestService_CAdESCounterSign(t *testing.T) {
	svc, id := newService(t)
	content := []byte("contenido a firmar")

	signed := sign(t, svc, id, content, signlib.Request{Format: signlib.CAdES, Operation: signlib.Sign})
	cosigned := sign(t, svc, id, signed, signlib.Request{Format: signlib.CAdES, Operation: signlib.CoSign})
	countered := sign(t, svc, id, cosigned, signlib.Request{
		Format:    signlib.CAdES,
		Operation: signlib.CounterSign,
		Targets:   signlib.TargetLeaves,
	})

	tree, err := svc.Signers(countered)
	require.NoError(t, err)
	assert.Equal(t, 4, tree.SignerCount())

	result, err := svc.Verify(context.Background(), countered, nil)
	require.NoError(t, err)
	assert.Equal(t, signlib.OutcomeValid, result.Outcome)
}

func TestService_CAdESOverPDF(t *testing.T) {
	svc, id := newService(t)

	signed := sign(t, svc, id, testutil.MinimalPDF(1, ""), signlib.Request{Format: signlib.CAdES, Operation: signlib.Sign})

	result, err := svc.Verify(context.Background(), signed, nil)
	require.NoError(t, err)
	assert.Equal(t, signlib.OutcomeValid, result.Outcome)
	assert.Equal(t, signlib.CAdES.String(), result.Format)
}

func TestService_ExplicitCAdESNeedsData(t *testing.T) {
	svc, id := newService(t)
	content := []byte("datos separados")
	extra := map[string]string{signature.ExtraMode: "explicit"}

	signed := sign(t, svc, id, content, signlib.Request{Format: signlib.CAdES, Operation: signlib.Sign, Extra: extra})

	result, err := svc.Verify(context.Background(), signed, map[string]string{
		signature.ExtraData: base64.StdEncoding.EncodeToString(content),
	})
	require.NoError(t, err)
	assert.Equal(t, signlib.OutcomeValid, result.Outcome)
}

func TestService_UnsupportedOperation(t *testing.T) {
	svc, id := newService(t)
	_, err := svc.PreSign(context.Background(), testutil.MinimalPDF(1, ""), signlib.Request{
		Format:    signlib.PAdES,
		Operation: signlib.CounterSign,
		Chain:     id.Chain,
	})
	assert.True(t, signature.IsUnsupportedOperation(err))

	_, err = svc.PreSign(context.Background(), nil, signlib.Request{Format: signlib.Format(42), Chain: id.Chain})
	assert.True(t, signature.IsFormatError(err))
}

func TestService_SignLocal(t *testing.T) {
	svc, id := newService(t)
	req := signlib.Request{Format: signlib.XAdES, Operation: signlib.Sign, Chain: id.Chain}

	signed, result, err := svc.SignLocal(context.Background(), []byte("<pedido/>"), req, id.Key)
	require.NoError(t, err)
	assert.Equal(t, signature.DetailGenerated, result.Validity.Detail())
	assert.True(t, result.Trusted())
	require.Len(t, result.Signers, 1)
	assert.Equal(t, "Firmante", result.Signers[0].Name)

	verified, err := svc.Verify(context.Background(), signed, nil)
	require.NoError(t, err)
	assert.Equal(t, signature.DetailOK, verified.Validity.Detail())
	assert.True(t, verified.Trusted())
}

func TestService_VerifyBatch(t *testing.T) {
	svc, id := newService(t)
	signed := sign(t, svc, id, []byte("uno"), signlib.Request{Format: signlib.CAdES, Operation: signlib.Sign})

	results, err := svc.VerifyBatch(context.Background(), [][]byte{signed, []byte("sin firmar"), nil}, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, signlib.OutcomeValid, results[0].Outcome)
	assert.Equal(t, signature.KindNoSign, results[1].Validity.ErrorKind())
	assert.Equal(t, signature.KindNoData, results[2].Validity.ErrorKind())
}

func TestService_VerifyBatchCancelled(t *testing.T) {
	svc, _ := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.VerifyBatch(ctx, [][]byte{[]byte("a"), []byte("b")}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestService_Info(t *testing.T) {
	svc, _ := newService(t)

	info := svc.Info(testutil.MinimalPDF(1, ""))
	assert.Equal(t, "pdf", info.Format)
	assert.Contains(t, info.MimeType, "application/pdf")
	assert.Contains(t, info.Signable, "PAdES")

	info = svc.Info(testutil.MinimalDocx(t, "hola"))
	assert.Equal(t, "ooxml", info.Format)
	assert.Contains(t, info.Signable, "OOXML")
	assert.NotContains(t, info.Signable, "PAdES")

	_, err := svc.Signers([]byte("plain text"))
	assert.True(t, signature.IsFormatError(err))
}

package trust_test

import (
	"context"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/ocsp"

	"github.com/rezonia/triphase-signer/internal/signature"
	"github.com/rezonia/triphase-signer/internal/signature/trust"
	"github.com/rezonia/triphase-signer/internal/testutil"
)

func TestNewStore_WithOptions(t *testing.T) {
	store, err := trust.NewStore(trust.WithSoftFail(), trust.WithOCSPTimeout(5*time.Second))
	require.NoError(t, err)
	assert.True(t, store.IsSoftFail())
	assert.NotNil(t, store.Roots())
}

func TestNewEmptyStore_PEM(t *testing.T) {
	ca := testutil.NewCA(t, "Test CA")

	store, err := trust.NewEmptyStore(trust.WithCertsFromPEM(ca.CertPEM()))
	require.NoError(t, err)
	require.Len(t, store.RootCerts(), 1)
	assert.Equal(t, "Test CA", store.RootCerts()[0].Subject.CommonName)

	_, err = trust.NewEmptyStore(trust.WithCertsFromPEM([]byte("not a certificate")))
	assert.Error(t, err)
}

func TestNewEmptyStore_File(t *testing.T) {
	ca := testutil.NewCA(t, "File CA")
	path := filepath.Join(t.TempDir(), "roots.pem")
	require.NoError(t, os.WriteFile(path, ca.CertPEM(), 0o600))

	store, err := trust.NewEmptyStore(trust.WithCertsFromFile(path))
	require.NoError(t, err)
	assert.Len(t, store.RootCerts(), 1)

	_, err = trust.NewEmptyStore(trust.WithCertsFromFile(filepath.Join(t.TempDir(), "missing.pem")))
	assert.Error(t, err)

	_, err = trust.NewEmptyStore(trust.WithCertsFromFile(""))
	assert.NoError(t, err)
}

func TestStore_VerifyChain(t *testing.T) {
	ca := testutil.NewCA(t, "Test Root CA")
	ee := ca.Issue(t, "End Entity")

	store, err := trust.NewEmptyStore(trust.WithCertificates(ca.Cert))
	require.NoError(t, err)

	chain, err := store.VerifyChain(ee.Cert, nil, time.Now())
	require.NoError(t, err)
	assert.Len(t, chain, 2)

	empty, err := trust.NewEmptyStore()
	require.NoError(t, err)
	_, err = empty.VerifyChain(ee.Cert, []*x509.Certificate{ca.Cert}, time.Now())
	assert.Error(t, err, "root is not trusted")

	_, err = store.VerifyChain(nil, nil, time.Now())
	assert.Error(t, err)
}

func TestStore_Evaluate(t *testing.T) {
	ca := testutil.NewCA(t, "Eval CA")
	ee := ca.Issue(t, "Signer")
	store, err := trust.NewEmptyStore(trust.WithCertificates(ca.Cert))
	require.NoError(t, err)

	tests := []struct {
		name    string
		store   *trust.Store
		at      time.Time
		outcome signature.Outcome
		kind    signature.ErrorKind
	}{
		{"trusted", store, time.Now(), signature.OutcomeValid, signature.KindNone},
		{"expired", store, ee.Cert.NotAfter.Add(time.Hour), signature.OutcomeInvalid, signature.KindCertificateExpired},
		{"not yet valid", store, ee.Cert.NotBefore.Add(-time.Hour), signature.OutcomeInvalid, signature.KindCertificateNotValidYet},
		{"no store", nil, time.Now(), signature.OutcomeNeedsConfirmation, signature.KindNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := signature.NewValidation("test")
			tt.store.Evaluate(context.Background(), v, ee.Cert, nil, tt.at)
			assert.Equal(t, tt.outcome, v.Outcome)
			assert.Equal(t, tt.kind, v.Validity.ErrorKind())
		})
	}
}

func TestStore_Evaluate_Untrusted(t *testing.T) {
	self := testutil.SelfSigned(t, "Nobody")
	store, err := trust.NewEmptyStore()
	require.NoError(t, err)

	v := signature.NewValidation("test")
	store.Evaluate(context.Background(), v, self.Cert, nil, time.Now())

	assert.Equal(t, signature.OutcomeNeedsConfirmation, v.Outcome)
	require.NotNil(t, v.Confirmation)
	assert.Equal(t, signature.ReasonUntrustedCertificate, v.Confirmation.Reason)
}

// ocspResponder answers every request with the given status
func ocspResponder(t *testing.T, ca *testutil.Identity, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req, err := ocsp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		now := time.Now()
		tmpl := ocsp.Response{
			Status:       status,
			SerialNumber: req.SerialNumber,
			ThisUpdate:   now.Add(-time.Minute),
			NextUpdate:   now.Add(time.Hour),
		}
		if status == ocsp.Revoked {
			tmpl.RevokedAt = now.Add(-time.Minute)
		}
		resp, err := ocsp.CreateResponse(ca.Cert, ca.Cert, tmpl, ca.Key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(resp)
	}))
}

func TestStore_Evaluate_Revocation(t *testing.T) {
	ca := testutil.NewCA(t, "OCSP CA")

	t.Run("good", func(t *testing.T) {
		srv := ocspResponder(t, ca, ocsp.Good)
		defer srv.Close()
		ee := ca.IssueWith(t, "Good", testutil.CertOptions{OCSPServer: []string{srv.URL}})
		store, err := trust.NewEmptyStore(trust.WithCertificates(ca.Cert))
		require.NoError(t, err)

		v := signature.NewValidation("test")
		store.Evaluate(context.Background(), v, ee.Cert, nil, time.Now())
		assert.Equal(t, signature.OutcomeValid, v.Outcome)
	})

	t.Run("revoked", func(t *testing.T) {
		srv := ocspResponder(t, ca, ocsp.Revoked)
		defer srv.Close()
		ee := ca.IssueWith(t, "Revoked", testutil.CertOptions{OCSPServer: []string{srv.URL}})
		store, err := trust.NewEmptyStore(trust.WithCertificates(ca.Cert))
		require.NoError(t, err)

		v := signature.NewValidation("test")
		store.Evaluate(context.Background(), v, ee.Cert, nil, time.Now())
		assert.Equal(t, signature.OutcomeInvalid, v.Outcome)
		assert.Equal(t, signature.KindCertificateRevoked, v.Validity.ErrorKind())
	})

	t.Run("responder down", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		ee := ca.IssueWith(t, "Unreachable", testutil.CertOptions{OCSPServer: []string{srv.URL}})

		hard, err := trust.NewEmptyStore(trust.WithCertificates(ca.Cert))
		require.NoError(t, err)
		v := signature.NewValidation("test")
		hard.Evaluate(context.Background(), v, ee.Cert, nil, time.Now())
		assert.Equal(t, signature.OutcomeInvalid, v.Outcome)
		assert.Equal(t, signature.KindCertificateProblem, v.Validity.ErrorKind())

		core, logs := observer.New(zapcore.WarnLevel)
		soft, err := trust.NewEmptyStore(
			trust.WithCertificates(ca.Cert),
			trust.WithSoftFail(),
			trust.WithLogger(zap.New(core)),
		)
		require.NoError(t, err)
		v = signature.NewValidation("test")
		soft.Evaluate(context.Background(), v, ee.Cert, nil, time.Now())
		assert.Equal(t, signature.OutcomeValid, v.Outcome)
		assert.NotEmpty(t, v.Warnings)
		assert.Equal(t, 1, logs.FilterMessage("revocation check soft-failed").Len())
	})

	t.Run("disabled", func(t *testing.T) {
		ee := ca.IssueWith(t, "Offline", testutil.CertOptions{OCSPServer: []string{"http://127.0.0.1:1/ocsp"}})
		store, err := trust.NewEmptyStore(trust.WithCertificates(ca.Cert), trust.WithoutRevocation())
		require.NoError(t, err)

		v := signature.NewValidation("test")
		store.Evaluate(context.Background(), v, ee.Cert, nil, time.Now())
		assert.Equal(t, signature.OutcomeValid, v.Outcome)
	})
}

func TestCheckOCSP_NoResponder(t *testing.T) {
	ca := testutil.NewCA(t, "CA")
	ee := ca.Issue(t, "No OCSP")

	_, err := trust.CheckOCSP(context.Background(), nil, ee.Cert, ca.Cert)
	assert.Error(t, err)

	store, err := trust.NewEmptyStore()
	require.NoError(t, err)
	good, err := store.CheckRevocation(context.Background(), ee.Cert, ca.Cert)
	require.NoError(t, err)
	assert.True(t, good)

	_, err = store.CheckRevocation(context.Background(), nil, ca.Cert)
	assert.Error(t, err)
}

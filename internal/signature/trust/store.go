// Package trust evaluates signer certificates against a set of trusted
// roots and checks their revocation status over OCSP.
package trust

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/rezonia/triphase-signer/internal/signature"
)

// Store manages trusted CA certificates and revocation checking. It is
// read-only after construction and safe for concurrent use.
type Store struct {
	roots       *x509.CertPool
	rootCerts   []*x509.Certificate // for libraries that need a slice
	ocspTimeout time.Duration
	softFail    bool
	revocation  bool
	client      *http.Client
	logger      *zap.Logger
}

// Option configures a Store
type Option func(*Store) error

// NewStore creates a trust store seeded with the system roots
func NewStore(opts ...Option) (*Store, error) {
	roots, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("failed to load system roots: %w", err)
	}
	return build(roots, opts)
}

// NewEmptyStore creates a trust store without default roots
func NewEmptyStore(opts ...Option) (*Store, error) {
	return build(x509.NewCertPool(), opts)
}

func build(roots *x509.CertPool, opts []Option) (*Store, error) {
	s := &Store{
		roots:       roots,
		rootCerts:   make([]*x509.Certificate, 0),
		ocspTimeout: DefaultOCSPTimeout,
		revocation:  true,
		client:      &http.Client{},
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// WithSoftFail makes OCSP failures non-fatal
func WithSoftFail() Option {
	return func(s *Store) error {
		s.softFail = true
		return nil
	}
}

// WithOCSPTimeout sets the timeout for OCSP requests
func WithOCSPTimeout(d time.Duration) Option {
	return func(s *Store) error {
		s.ocspTimeout = d
		return nil
	}
}

// WithoutRevocation disables OCSP checks
func WithoutRevocation() Option {
	return func(s *Store) error {
		s.revocation = false
		return nil
	}
}

// WithHTTPClient sets the client used to reach OCSP responders
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) error {
		s.client = c
		return nil
	}
}

// WithLogger sets the logger for soft-failed revocation checks
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithCertificates adds trusted roots
func WithCertificates(certs ...*x509.Certificate) Option {
	return func(s *Store) error {
		for _, c := range certs {
			s.addCertificate(c)
		}
		return nil
	}
}

// WithCertsFromFile adds trusted roots from a PEM file. An empty path is
// ignored.
func WithCertsFromFile(path string) Option {
	return func(s *Store) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read trust roots %s: %w", path, err)
		}
		return s.addCertificatesFromPEM(data)
	}
}

// WithCertsFromPEM adds trusted roots from PEM data
func WithCertsFromPEM(data []byte) Option {
	return func(s *Store) error {
		return s.addCertificatesFromPEM(data)
	}
}

func (s *Store) addCertificate(cert *x509.Certificate) {
	if cert != nil {
		s.roots.AddCert(cert)
		s.rootCerts = append(s.rootCerts, cert)
	}
}

func (s *Store) addCertificatesFromPEM(pemData []byte) error {
	var added int
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return fmt.Errorf("failed to parse certificate: %w", err)
			}
			s.addCertificate(cert)
			added++
		}
		pemData = rest
	}
	if added == 0 {
		return fmt.Errorf("no certificates found in PEM data")
	}
	return nil
}

// VerifyChain verifies the certificate chain against trusted roots at the
// given time
func (s *Store) VerifyChain(cert *x509.Certificate, intermediates []*x509.Certificate, at time.Time) ([]*x509.Certificate, error) {
	if cert == nil {
		return nil, fmt.Errorf("certificate is nil")
	}

	var interPool *x509.CertPool
	if len(intermediates) > 0 {
		interPool = x509.NewCertPool()
		for _, inter := range intermediates {
			interPool.AddCert(inter)
		}
	}

	opts := x509.VerifyOptions{
		Roots:         s.roots,
		Intermediates: interPool,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}

	chains, err := cert.Verify(opts)
	if err != nil {
		return nil, fmt.Errorf("chain verification failed: %w", err)
	}
	if len(chains) == 0 {
		return nil, fmt.Errorf("no valid certificate chains found")
	}
	return chains[0], nil
}

// CheckRevocation reports whether cert is still good according to its
// issuer's OCSP responder. Certificates without responders are good.
func (s *Store) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) (bool, error) {
	if cert == nil || issuer == nil {
		return false, fmt.Errorf("certificate or issuer is nil")
	}
	if len(cert.OCSPServer) == 0 {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.ocspTimeout)
	defer cancel()

	revoked, err := CheckOCSP(ctx, s.client, cert, issuer)
	if err != nil {
		if s.softFail {
			return true, fmt.Errorf("OCSP check failed (soft-fail enabled): %w", err)
		}
		return false, ErrOCSP(err)
	}
	return !revoked, nil
}

// Evaluate checks a signer certificate at signing time and records the
// outcome in v: validity window problems and revocation are KO, a chain
// that does not reach a trusted root needs confirmation.
func (s *Store) Evaluate(ctx context.Context, v *signature.Validation, cert *x509.Certificate, intermediates []*x509.Certificate, at time.Time) {
	if cert == nil {
		v.Fail(signature.KindCertificateProblem)
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	switch {
	case at.Before(cert.NotBefore):
		v.Fail(signature.KindCertificateNotValidYet)
		return
	case at.After(cert.NotAfter):
		v.Fail(signature.KindCertificateExpired)
		return
	}
	if s == nil {
		v.Confirm(signature.ReasonUntrustedCertificate, "no trust store configured")
		return
	}

	chain, err := s.VerifyChain(cert, intermediates, at)
	if err != nil {
		v.Confirm(signature.ReasonUntrustedCertificate,
			fmt.Sprintf("certificate %q is not issued by a trusted authority", cert.Subject.CommonName))
		return
	}
	if !s.revocation || len(chain) < 2 {
		return
	}

	good, err := s.CheckRevocation(ctx, chain[0], chain[1])
	switch {
	case err != nil && good:
		s.logger.Warn("revocation check soft-failed",
			zap.String("subject", cert.Subject.CommonName),
			zap.Error(err))
		v.AddWarning(err.Error())
	case err != nil:
		v.Fail(signature.KindCertificateProblem)
		v.AddWarning(err.Error())
	case !good:
		v.Fail(signature.KindCertificateRevoked)
	}
}

// ErrOCSP wraps a hard OCSP failure
func ErrOCSP(cause error) error {
	return signature.ErrOCSPUnavailable(cause)
}

// IsOCSPError reports whether err is a hard OCSP failure
func IsOCSPError(err error) bool {
	var se *signature.SignatureError
	return errors.As(err, &se) && se.Code == signature.ErrCodeOCSPUnavailable
}

// Roots returns the certificate pool
func (s *Store) Roots() *x509.CertPool {
	return s.roots
}

// RootCerts returns the explicitly added roots as a slice
func (s *Store) RootCerts() []*x509.Certificate {
	return s.rootCerts
}

// IsSoftFail returns whether soft-fail mode is enabled
func (s *Store) IsSoftFail() bool {
	return s.softFail
}

// Package processor implements the split-phase signature protocol for each
// supported container format. Pre-sign prepares the bytes a remote signer
// signs and returns them in a session; post-sign takes the session back
// with the raw signature and produces the signed document.
package processor

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/rezonia/triphase-signer/internal/signature"
	"github.com/rezonia/triphase-signer/internal/signature/pdf"
	"github.com/rezonia/triphase-signer/internal/triphase"
)

// Kind is a signature format with its own pre/post-sign strategy
type Kind int

const (
	PAdES Kind = iota
	XAdES
	CAdES
	OOXML
)

// Kinds lists every supported format
var Kinds = []Kind{PAdES, XAdES, CAdES, OOXML}

func (k Kind) String() string {
	switch k {
	case PAdES:
		return "PAdES"
	case XAdES:
		return "XAdES"
	case CAdES:
		return "CAdES"
	case OOXML:
		return "OOXML"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind resolves a format name, ignoring case. "pdf", "xml", "cms" and
// "office" are accepted as aliases.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pades", "pdf":
		return PAdES, nil
	case "xades", "xml":
		return XAdES, nil
	case "cades", "cms":
		return CAdES, nil
	case "ooxml", "office":
		return OOXML, nil
	}
	return 0, signature.ErrFormat("format", fmt.Sprintf("unknown signature format %q", s), nil)
}

// CounterTarget selects the signatures a counter signature applies to
type CounterTarget int

const (
	// TargetLeaves counter-signs the signatures nobody has counter-signed
	TargetLeaves CounterTarget = iota
	// TargetTree counter-signs every signature
	TargetTree
)

// ParseCounterTarget reads "leafs", "leaves", "tree" or "all". Empty
// input selects the leaves.
func ParseCounterTarget(s string) (CounterTarget, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "leafs", "leaves":
		return TargetLeaves, nil
	case "tree", "all":
		return TargetTree, nil
	}
	return 0, signature.ErrFormat("target", fmt.Sprintf("unknown counter-sign target %q", s), nil)
}

// Processor runs the two phases of sign, co-sign and counter-sign for one
// format. Implementations hold no state between calls: everything post-sign
// needs travels in the session.
type Processor interface {
	Kind() Kind

	// IsValidDataFile reports whether data can be signed by this format
	IsValidDataFile(data []byte) bool

	PreSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, extra map[string]string, checkSignatures bool) (*triphase.Data, error)
	PostSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, session *triphase.Data, extra map[string]string) ([]byte, error)

	PreCoSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, extra map[string]string, checkSignatures bool) (*triphase.Data, error)
	PostCoSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, session *triphase.Data, extra map[string]string) ([]byte, error)

	PreCounterSign(ctx context.Context, sign []byte, algorithm string, chain []*x509.Certificate, extra map[string]string, targets CounterTarget) (*triphase.Data, error)
	PostCounterSign(ctx context.Context, sign []byte, algorithm string, chain []*x509.Certificate, session *triphase.Data, extra map[string]string) ([]byte, error)
}

// ShadowAttack configures the check for content added to a PDF after its
// last signature
type ShadowAttack struct {
	Enabled bool
	// MaxPages is the hard limit of trailing pages compared
	MaxPages pdf.PageBound
	// RequestedPages applies when the caller does not ask for a number
	RequestedPages pdf.PageBound
}

// Pages returns the number of pages to check for a request. An empty
// request falls back to RequestedPages.
func (s ShadowAttack) Pages(requested string) (pdf.PageBound, error) {
	bound := s.RequestedPages
	if strings.TrimSpace(requested) != "" {
		b, err := pdf.ParsePageBound(requested)
		if err != nil {
			return 0, err
		}
		bound = b
	}
	return pdf.Effective(s.MaxPages, bound), nil
}

// Config is shared by every processor. It is a value: processors copy it
// on construction and never change it.
type Config struct {
	ShadowAttack ShadowAttack
	Clock        clockwork.Clock
	Logger       *zap.Logger

	// Validator checks existing signatures before signing. Without one the
	// check is skipped.
	Validator signature.Validator

	// TempDir receives the scoped temporary copies of OOXML packages
	TempDir string
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// New creates the processor of a format
func New(kind Kind, cfg Config) (Processor, error) {
	cfg = cfg.withDefaults()
	base := base{cfg: cfg, logger: cfg.Logger.With(zap.Stringer("format", kind))}
	switch kind {
	case PAdES:
		return &padesProcessor{base}, nil
	case XAdES:
		return &xadesProcessor{base}, nil
	case CAdES:
		return &cadesProcessor{base}, nil
	case OOXML:
		return newOOXMLProcessor(base), nil
	}
	return nil, signature.ErrFormat("format", fmt.Sprintf("unknown signature format %v", kind), nil)
}

// base holds what every format needs
type base struct {
	cfg    Config
	logger *zap.Logger
}

// now is the signing time of a new signature, truncated to seconds so it
// survives every encoding it goes through
func (b base) now() time.Time {
	return b.cfg.Clock.Now().UTC().Truncate(time.Second)
}

// checkSignatures validates the signatures already in data. Broken
// signatures abort; confirmation requests and failed attempts are logged
// and signing goes on. Unsigned input is fine.
func (b base) checkSignatures(ctx context.Context, data []byte, extra map[string]string) error {
	if b.cfg.Validator == nil {
		return nil
	}
	result, err := b.cfg.Validator.Validate(ctx, data, extra)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn("existing signatures could not be checked", zap.Error(err))
		return nil
	}
	switch result.Outcome {
	case signature.OutcomeInvalid:
		switch result.Validity.ErrorKind() {
		case signature.KindNoSign, signature.KindNoData:
			return nil
		}
		return signature.ErrValidationFailed(result.Validity)
	case signature.OutcomeNeedsConfirmation:
		fields := []zap.Field{zap.Int("signers", len(result.Signers))}
		if result.Confirmation != nil {
			fields = append(fields, zap.String("reason", result.Confirmation.Reason), zap.String("detail", result.Confirmation.Message))
		}
		b.logger.Warn("existing signatures need confirmation", fields...)
	}
	return nil
}

// signer resolves the algorithm and checks the chain
func signer(algorithm string, chain []*x509.Certificate) (signature.Algorithm, error) {
	alg, err := signature.ParseAlgorithm(algorithm)
	if err != nil {
		return signature.Algorithm{}, err
	}
	if len(chain) == 0 || chain[0] == nil {
		return signature.Algorithm{}, signature.ErrFormat("certificate", "signer certificate chain is empty", nil)
	}
	if alg.Key != signature.KeyOf(chain[0]) {
		return signature.Algorithm{}, signature.ErrFormat("algorithm",
			fmt.Sprintf("%s does not match the %s key of the certificate", alg.Name, chain[0].PublicKeyAlgorithm), nil)
	}
	return alg, nil
}

// requireSession checks the session carries keys in every sign
func requireSession(session *triphase.Data, keys ...string) error {
	if session == nil {
		return signature.ErrProtocolState("session", "session is missing", nil)
	}
	if err := session.Require(keys...); err != nil {
		var mk *triphase.MissingKeyError
		if errors.As(err, &mk) {
			return signature.ErrMissingSessionKey(mk.Key)
		}
		return signature.ErrProtocolState("session", "invalid session", err)
	}
	return nil
}

// sessionBytes decodes a base64 session property
func sessionBytes(s *triphase.TriSign, key string) ([]byte, error) {
	b, err := s.Bytes(key)
	if err != nil {
		return nil, signature.ErrProtocolState(key, "invalid session property", err)
	}
	return b, nil
}

func sessionTime(s *triphase.TriSign, key string) (time.Time, error) {
	t, err := s.Time(key)
	if err != nil {
		return time.Time{}, signature.ErrProtocolState(key, "invalid session property", err)
	}
	return t, nil
}

func sessionString(s *triphase.TriSign, key string) string {
	v, _ := s.Get(key)
	return v
}

// samePre rejects a session whose PRE differs from the rebuilt one: either
// the document or the session changed between the phases
func samePre(rebuilt, pre []byte) error {
	if !bytes.Equal(rebuilt, pre) {
		return signature.ErrProtocolState(triphase.KeyPreSign, "signed data does not match the document; it or the session was modified", nil)
	}
	return nil
}

// checkPK1 verifies the remote signature over pre before it is embedded
func checkPK1(alg signature.Algorithm, cert *x509.Certificate, pre, pk1 []byte) error {
	if err := cert.CheckSignature(alg.X509(), pre, pk1); err != nil {
		return signature.ErrInvalidSignature(err)
	}
	return nil
}

// newSign starts the session entry of a signature
func newSign(id string, pre []byte, at time.Time) *triphase.TriSign {
	s := triphase.NewTriSign(id, nil)
	s.SetBytes(triphase.KeyPreSign, pre)
	s.SetTime(triphase.KeyTime, at)
	s.Set(triphase.KeyNeedPre, "true")
	return s
}

package cms

import (
	"context"
	"crypto/x509"
	"errors"
	"strings"

	"github.com/hhrutter/pkcs7"
	"go.uber.org/zap"

	"github.com/rezonia/triphase-signer/internal/signature"
	"github.com/rezonia/triphase-signer/internal/signature/trust"
	"github.com/rezonia/triphase-signer/internal/triphase"
)

// FormatName is the format label of CMS validation results
const FormatName = "CAdES"

// Validator verifies CAdES/CMS SignedData
type Validator struct {
	store  *trust.Store
	logger *zap.Logger
}

// NewValidator creates a CMS validator. A nil store turns every trusted
// verdict into a confirmation request.
func NewValidator(store *trust.Store, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{store: store, logger: logger}
}

// Validate implements signature.Validator. Detached signatures take their
// content from extra["data"] (base64); without it only the signature
// values are checked.
func (v *Validator) Validate(ctx context.Context, data []byte, extra map[string]string) (*signature.Validation, error) {
	m, err := Decode(data)
	if err != nil {
		return signature.Invalidated(FormatName, signature.KindCorruptedSign), nil
	}

	content := m.Content
	if m.Detached() {
		if raw, ok := extra[signature.ExtraData]; ok && raw != "" {
			content, err = triphase.DecodeBase64(raw)
			if err != nil {
				return nil, signature.ErrFormat(FormatName, "detached data is not base64", err)
			}
		}
	}
	return v.Verify(ctx, m, content), nil
}

// VerifyDetached verifies a detached SignedData over content, as embedded
// in PDF signature dictionaries
func (v *Validator) VerifyDetached(ctx context.Context, der, content []byte) (*signature.Validation, *Message) {
	m, err := Decode(der)
	if err != nil {
		v.logger.Debug("cms decode failed", zap.Error(err))
		return signature.Invalidated(FormatName, signature.KindCorruptedSign), nil
	}
	if m.Content != nil {
		content = m.Content
	}
	return v.Verify(ctx, m, content), m
}

// Verify checks every signer of m, counter signers included. A nil content
// on a detached message skips the digest checks of top-level signers.
func (v *Validator) Verify(ctx context.Context, m *Message, content []byte) *signature.Validation {
	result := signature.NewValidation(FormatName)
	if len(m.Signers) == 0 {
		result.Fail(signature.KindNoSign)
		return result
	}
	if content == nil {
		result.AddWarning("detached content not provided: message digests were not checked")
	}

	m.Walk(func(parent, s *SignerInfo) {
		signed := content
		if parent != nil {
			signed = parent.Signature
		}
		result.Merge(v.verifySigner(ctx, m, s, signed))
	})
	return result
}

func (v *Validator) verifySigner(ctx context.Context, m *Message, s *SignerInfo, content []byte) *signature.Validation {
	result := signature.NewValidation(FormatName)
	log := v.logger.With(zap.String("signer", s.Path))

	if s.Certificate == nil {
		log.Debug("signer certificate not found in message")
		result.Fail(signature.KindCertificateProblem)
		return result
	}
	if !s.SigningTime.IsZero() {
		t := s.SigningTime
		result.AddSigner(s.Certificate, &t)
	} else {
		result.AddSigner(s.Certificate, nil)
	}

	hasAttrs := len(s.raw.AuthenticatedAttributes) > 0
	if hasAttrs && content != nil {
		if err := pkcs7.VerifyMessageDigestDetached(s.raw, content); err != nil {
			log.Debug("message digest check failed", zap.Error(err))
			result.Fail(digestFailure(err))
			return result
		}
	}

	signed := s.SignedAttrs
	if !hasAttrs {
		if content == nil {
			result.AddWarning("signer " + s.Path + " has no signed attributes and no content: signature not checked")
			v.store.Evaluate(ctx, result, s.Certificate, m.Certificates, s.SigningTime)
			return result
		}
		signed = content
	}
	if err := pkcs7.CheckSignature(s.Certificate, s.raw, signed); err != nil {
		log.Debug("signature check failed", zap.Error(err))
		result.Fail(signatureFailure(err))
		return result
	}

	v.store.Evaluate(ctx, result, s.Certificate, m.Certificates, s.SigningTime)
	return result
}

func digestFailure(err error) signature.ErrorKind {
	var mismatch *pkcs7.MessageDigestMismatchError
	if errors.As(err, &mismatch) {
		return signature.KindModifiedDocument
	}
	if strings.Contains(err.Error(), "unsupported") {
		return signature.KindAlgorithmNotSupported
	}
	return signature.KindCorruptedSign
}

func signatureFailure(err error) signature.ErrorKind {
	var insecure x509.InsecureAlgorithmError
	switch {
	case errors.Is(err, x509.ErrUnsupportedAlgorithm), errors.As(err, &insecure):
		return signature.KindAlgorithmNotSupported
	case strings.Contains(err.Error(), "unsupported"):
		return signature.KindAlgorithmNotSupported
	}
	return signature.KindCorruptedSign
}

// SignersTree returns the signer tree of a CMS message
func (v *Validator) SignersTree(data []byte) (*signature.SignerNode, error) {
	m, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return m.SignersTree(), nil
}

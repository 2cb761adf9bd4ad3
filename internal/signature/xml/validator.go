package xml

import (
	"context"
	"time"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/rezonia/triphase-signer/internal/signature"
	"github.com/rezonia/triphase-signer/internal/signature/trust"
)

// Validator verifies XML-DSig and XAdES signatures
type Validator struct {
	store  *trust.Store
	logger *zap.Logger
}

// NewValidator creates an XML signature validator. A nil store turns every
// trusted verdict into a confirmation request.
func NewValidator(store *trust.Store, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{store: store, logger: logger}
}

// Validate implements signature.Validator. Every signature of the document
// is checked, counter signatures included.
func (v *Validator) Validate(ctx context.Context, data []byte, _ map[string]string) (*signature.Validation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc := parseXML(data)
	if doc == nil {
		return signature.Invalidated(FormatName, signature.KindNoSign), nil
	}
	return v.ValidateDocument(ctx, doc.Root(), nil), nil
}

// ValidateDocument checks the signatures found under root. resolve serves
// references to data outside the document.
func (v *Validator) ValidateDocument(ctx context.Context, root *etree.Element, resolve Resolver) *signature.Validation {
	sigs := findSignatures(root)
	if len(sigs) == 0 {
		return signature.Invalidated(FormatName, signature.KindNoSign)
	}

	result := signature.NewValidation(FormatName)
	for _, el := range sigs {
		(&Signature{el: el}).Walk(func(_, s *Signature) {
			result.Merge(v.VerifySignature(ctx, s, resolve))
		})
	}
	return result
}

// VerifySignature checks one signature and judges its certificate at the
// claimed signing time
func (v *Validator) VerifySignature(ctx context.Context, s *Signature, resolve Resolver) *signature.Validation {
	result := signature.NewValidation(FormatName)
	log := v.logger.With(zap.String("signature", s.ID()))

	certs, err := s.Certificates()
	if err != nil {
		log.Debug("certificate extraction failed", zap.Error(err))
		result.Fail(signature.KindCertificateProblem)
		return result
	}
	signedAt := s.SigningTime()
	result.AddSigner(certs[0], signedAt)

	if err := s.Verify(resolve); err != nil {
		log.Debug("signature check failed", zap.Error(err))
		result.Fail(KindOf(err))
		return result
	}

	var at time.Time
	if signedAt != nil {
		at = *signedAt
	}
	v.store.Evaluate(ctx, result, certs[0], certs[1:], at)
	return result
}

// SignersTree returns the signers of an XML document below a synthetic
// data node, or nil when it carries no signature
func SignersTree(data []byte) *signature.SignerNode {
	doc := parseXML(data)
	if doc == nil {
		return nil
	}
	sigs := findSignatures(doc.Root())
	if len(sigs) == 0 {
		return nil
	}
	root := signature.NewRootNode()
	for _, el := range sigs {
		root.Add((&Signature{el: el}).Tree())
	}
	return root
}

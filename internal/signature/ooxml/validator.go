package ooxml

import (
	"context"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/rezonia/triphase-signer/internal/signature"
	xmlsig "github.com/rezonia/triphase-signer/internal/signature/xml"
)

// Validator verifies the package signatures of OOXML documents
type Validator struct {
	reader *Reader
	xml    *xmlsig.Validator
	logger *zap.Logger
}

// NewValidator creates an OOXML validator that checks every signature part
// with the XML engine
func NewValidator(reader *Reader, xml *xmlsig.Validator, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reader == nil {
		reader = NewReader("", logger)
	}
	return &Validator{reader: reader, xml: xml, logger: logger}
}

// Validate implements signature.Validator
func (v *Validator) Validate(ctx context.Context, data []byte, _ map[string]string) (*signature.Validation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pkg, err := v.reader.Open(data)
	if err != nil {
		if signature.IsFormatError(err) {
			return signature.Invalidated(FormatName, signature.KindNoSign), nil
		}
		return nil, err
	}

	names := pkg.Signatures()
	if len(names) == 0 {
		return signature.Invalidated(FormatName, signature.KindNoSign), nil
	}
	result := signature.NewValidation(FormatName)
	for _, name := range names {
		result.Merge(v.verifyPart(ctx, pkg, name))
	}
	return result, nil
}

func (v *Validator) verifyPart(ctx context.Context, pkg *Package, name string) *signature.Validation {
	log := v.logger.With(zap.String("part", name))
	body, _ := pkg.Part(name)
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil || doc.Root() == nil {
		log.Debug("signature part is not XML", zap.Error(err))
		return signature.Invalidated(FormatName, signature.KindCorruptedSign)
	}
	sig, err := xmlsig.AsSignature(doc.Root())
	if err != nil {
		log.Debug("signature part has no signature", zap.Error(err))
		return signature.Invalidated(FormatName, signature.KindCorruptedSign)
	}

	result := v.xml.VerifySignature(ctx, sig, pkg.resolve)
	if err := sig.VerifyManifests(pkg.resolve); err != nil {
		log.Debug("manifest check failed", zap.Error(err))
		result.Fail(xmlsig.KindOf(err))
	}
	result.Format = FormatName
	return result
}

// SignersStructure returns the signers of an OOXML document under a
// single data node, or nil when data is not OOXML or carries no
// signature. Temporary copies go to the system temp dir.
func SignersStructure(data []byte) *signature.SignerNode {
	return NewReader("", nil).SignersStructure(data)
}

// SignersStructure returns the signers of an OOXML document, see the
// package level function
func (r *Reader) SignersStructure(data []byte) *signature.SignerNode {
	pkg, err := r.Open(data)
	if err != nil {
		r.logger().Debug("not an OOXML package", zap.Error(err))
		return nil
	}
	names := pkg.Signatures()
	if len(names) == 0 {
		return nil
	}
	root := signature.NewRootNode()
	for _, name := range names {
		body, _ := pkg.Part(name)
		tree := xmlsig.SignersTree(body)
		if tree == nil {
			r.logger().Debug("signature part without signers", zap.String("part", name))
			return nil
		}
		// each part tree has its own data node; only its signers are kept
		root.Add(tree.Children...)
	}
	return root
}

package pdf

import (
	"bytes"
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/rezonia/triphase-signer/internal/signature"
	"github.com/rezonia/triphase-signer/internal/signature/cms"
)

// ShadowOptions configures the shadow attack check
type ShadowOptions struct {
	Enabled  bool
	MaxPages PageBound
}

// Validator verifies the signatures of a PDF document
type Validator struct {
	cms    *cms.Validator
	shadow ShadowOptions
	logger *zap.Logger
}

// NewValidator creates a PDF validator on top of a CMS validator
func NewValidator(c *cms.Validator, shadow ShadowOptions, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{cms: c, shadow: shadow, logger: logger}
}

// Validate implements signature.Validator. Recognised extra parameters
// are allowShadowAttack and pagesToCheck.
func (v *Validator) Validate(ctx context.Context, data []byte, extra map[string]string) (*signature.Validation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sigs, err := FindSignatures(data)
	if err != nil {
		v.logger.Debug("signature scan failed", zap.Error(err))
		return signature.Invalidated(FormatName, signature.KindCorruptedSign), nil
	}
	if len(sigs) == 0 {
		return signature.Invalidated(FormatName, signature.KindNoSign), nil
	}

	result := signature.NewValidation(FormatName)
	for _, s := range sigs {
		if !s.ValidRange(int64(len(data))) || len(s.Contents) == 0 {
			v.logger.Debug("broken signature dictionary",
				zap.Int("index", s.Index),
				zap.Int64s("byte_range", s.ByteRange[:]))
			result.Fail(signature.KindCorruptedSign)
			continue
		}
		sub, _ := v.cms.VerifyDetached(ctx, s.Contents, s.SignedBytes(data))
		sub.Format = FormatName
		if len(sub.Signers) > 0 && sub.Signers[0].SignedAt == nil && s.SigningTime != nil {
			sub.Signers[0].SignedAt = s.SigningTime
		}
		result.Merge(sub)
	}

	if result.Outcome != signature.OutcomeInvalid {
		v.checkShadow(data, sigs, extra, result)
	}
	return result, nil
}

// checkShadow compares the newest signed revision with the final document
// when content was appended after it
func (v *Validator) checkShadow(data []byte, sigs []SignatureDict, extra map[string]string, result *signature.Validation) {
	if !v.shadow.Enabled || strings.EqualFold(extra[signature.ExtraAllowShadowAttack], "true") {
		return
	}

	bound := v.shadow.MaxPages
	if raw, ok := extra[signature.ExtraPagesToCheck]; ok {
		requested, err := ParsePageBound(raw)
		if err != nil {
			result.AddWarning(err.Error())
		} else {
			bound = Effective(v.shadow.MaxPages, requested)
		}
	}
	if bound == 0 {
		return
	}

	last := sigs[0]
	for _, s := range sigs[1:] {
		if s.RevisionEnd() > last.RevisionEnd() {
			last = s
		}
	}
	end := last.RevisionEnd()
	if len(bytes.TrimSpace(data[end:])) == 0 {
		return
	}

	signed, err := Open(data[:end])
	if err != nil {
		v.logger.Warn("shadow attack check skipped", zap.Error(err))
		result.AddWarning("shadow attack check skipped: signed revision is unreadable")
		return
	}
	final, err := Open(data)
	if err != nil {
		v.logger.Warn("shadow attack check skipped", zap.Error(err))
		result.AddWarning("shadow attack check skipped: document is unreadable")
		return
	}

	diff, err := CompareRevisions(signed, final, bound)
	if err != nil {
		v.logger.Warn("shadow attack check failed", zap.Error(err))
		result.AddWarning("shadow attack check failed: " + err.Error())
		return
	}
	if diff.Changed() {
		v.logger.Info("possible shadow attack", zap.String("diff", diff.String()), zap.Stringer("pages", bound))
		result.Confirm(signature.ReasonShadowAttack, diff.String())
	}
}

// SignersTree returns the signers of every signature of the document
func SignersTree(data []byte) (*signature.SignerNode, error) {
	sigs, err := FindSignatures(data)
	if err != nil {
		return nil, signature.ErrFormat(FormatName, "malformed signature dictionary", err)
	}
	root := signature.NewRootNode()
	for _, s := range sigs {
		if len(s.Contents) == 0 {
			continue
		}
		m, err := cms.Decode(s.Contents)
		if err != nil {
			continue
		}
		root.Add(m.SignersTree().Children...)
	}
	return root, nil
}

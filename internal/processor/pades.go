package processor

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rezonia/triphase-signer/internal/format"
	"github.com/rezonia/triphase-signer/internal/signature"
	"github.com/rezonia/triphase-signer/internal/signature/cms"
	"github.com/rezonia/triphase-signer/internal/signature/pdf"
	"github.com/rezonia/triphase-signer/internal/triphase"
)

// PdfSignResult is the state of one PDF signature between the phases.
// FileID and SignTime are fixed at pre-sign and echoed back unchanged.
type PdfSignResult struct {
	// FileID is the hex trailer ID the signed revision carries
	FileID   string
	PreSign  []byte
	SignTime time.Time
	PKCS1    []byte
	// Extra holds the remaining session properties
	Extra map[string]string
}

// TriSign converts the result to its session form
func (r *PdfSignResult) TriSign() *triphase.TriSign {
	s := triphase.NewTriSign("", r.Extra)
	s.SetBytes(triphase.KeyPreSign, r.PreSign)
	s.SetTime(triphase.KeyTime, r.SignTime)
	s.Set(triphase.KeyPDFID, r.FileID)
	if len(r.PKCS1) > 0 {
		s.SetBytes(triphase.KeyPKCS1, r.PKCS1)
	}
	return s
}

// PdfSignResultFromTriSign reads a session sign. A TIME that does not
// parse leaves SignTime zero; the caller decides how to recover.
func PdfSignResultFromTriSign(s *triphase.TriSign) (*PdfSignResult, error) {
	var err error
	r := &PdfSignResult{FileID: sessionString(s, triphase.KeyPDFID), Extra: map[string]string{}}
	if r.PreSign, err = sessionBytes(s, triphase.KeyPreSign); err != nil {
		return nil, err
	}
	if _, ok := s.Get(triphase.KeyPKCS1); ok {
		if r.PKCS1, err = sessionBytes(s, triphase.KeyPKCS1); err != nil {
			return nil, err
		}
	}
	if t, err := s.Time(triphase.KeyTime); err == nil {
		r.SignTime = t
	}
	for k, v := range s.Params {
		switch k {
		case triphase.KeyPreSign, triphase.KeyPKCS1, triphase.KeyPDFID, triphase.KeyTime:
		default:
			r.Extra[k] = v
		}
	}
	return r, nil
}

type padesProcessor struct {
	base
}

func (p *padesProcessor) Kind() Kind { return PAdES }

func (p *padesProcessor) IsValidDataFile(data []byte) bool {
	return format.IsPDF(data)
}

func (p *padesProcessor) PreSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, extra map[string]string, checkSignatures bool) (*triphase.Data, error) {
	alg, err := signer(algorithm, chain)
	if err != nil {
		return nil, err
	}
	doc, err := pdf.Open(data)
	if err != nil {
		return nil, err
	}
	if checkSignatures {
		if err := p.checkPDF(ctx, data, extra); err != nil {
			return nil, err
		}
	}
	policy, err := signature.PolicyFromExtra(extra)
	if err != nil {
		return nil, err
	}

	at := p.now()
	id := doc.ID()
	if len(id) == 0 {
		u := uuid.New()
		id = u[:]
	}
	prepared, err := p.prepare(doc, id, at, chain, extra)
	if err != nil {
		return nil, err
	}
	pre, err := cms.SignedAttributes(alg, prepared.Digest(alg.Hash), cms.AttributeOptions{
		SigningTime: at,
		Certificate: chain[0],
		Policy:      policy,
	})
	if err != nil {
		return nil, err
	}

	result := &PdfSignResult{
		FileID:   strings.ToUpper(hex.EncodeToString(id)),
		PreSign:  pre,
		SignTime: at,
		Extra:    map[string]string{triphase.KeyNeedPre: "true"},
	}
	p.logger.Debug("pre-sign prepared",
		zap.String("pid", result.FileID),
		zap.String("field", prepared.FieldName),
		zap.Int("reserved", prepared.Capacity()))
	return triphase.NewData(PAdES.String(), result.TriSign()), nil
}

// checkPDF validates existing signatures with the effective shadow attack
// page bound of the request
func (p *padesProcessor) checkPDF(ctx context.Context, data []byte, extra map[string]string) error {
	params := make(map[string]string, len(extra)+2)
	for k, v := range extra {
		params[k] = v
	}
	if !p.cfg.ShadowAttack.Enabled {
		params[signature.ExtraAllowShadowAttack] = "true"
	} else {
		pages, err := p.cfg.ShadowAttack.Pages(extra[signature.ExtraPagesToCheck])
		if err != nil {
			return signature.ErrFormat(signature.ExtraPagesToCheck, err.Error(), err)
		}
		params[signature.ExtraPagesToCheck] = pages.String()
	}
	return p.checkSignatures(ctx, data, params)
}

func (p *padesProcessor) prepare(doc *pdf.Document, id []byte, at time.Time, chain []*x509.Certificate, extra map[string]string) (*pdf.Prepared, error) {
	return pdf.Prepare(doc, pdf.PrepareOptions{
		ID:           id,
		SigningTime:  at,
		Reason:       extra[signature.ExtraSignReason],
		Location:     extra[signature.ExtraProductionCity],
		ContentsSize: pdf.ContentsSize(chain),
	})
}

func (p *padesProcessor) PostSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, session *triphase.Data, extra map[string]string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	alg, err := signer(algorithm, chain)
	if err != nil {
		return nil, err
	}
	if err := requireSession(session, triphase.KeyPreSign, triphase.KeyPKCS1, triphase.KeyPDFID, triphase.KeyTime); err != nil {
		return nil, err
	}
	result, err := PdfSignResultFromTriSign(session.Sign(0))
	if err != nil {
		return nil, err
	}
	attrs, err := cms.ParseSignedAttributes(result.PreSign)
	if err != nil {
		return nil, signature.ErrProtocolState(triphase.KeyPreSign, "signed attributes are malformed", err)
	}
	if result.SignTime.IsZero() {
		// the signed attributes carry the same signing time
		p.logger.Warn("session signing time unreadable, using the one in the signed attributes",
			zap.String("time", sessionString(session.Sign(0), triphase.KeyTime)),
			zap.Time("signing_time", attrs.SigningTime))
		result.SignTime = attrs.SigningTime
	}
	id, err := hex.DecodeString(result.FileID)
	if err != nil || len(id) == 0 {
		return nil, signature.ErrProtocolState(triphase.KeyPDFID, "document id is not hex", err)
	}

	doc, err := pdf.Open(data)
	if err != nil {
		return nil, err
	}
	prepared, err := p.prepare(doc, id, result.SignTime, chain, extra)
	if err != nil {
		return nil, err
	}
	if err := samePre(prepared.Digest(alg.Hash), attrs.MessageDigest); err != nil {
		return nil, err
	}

	s := cms.Signer{Algorithm: alg, Chain: chain, SignedAttrs: result.PreSign, Signature: result.PKCS1}
	if err := s.Check(); err != nil {
		return nil, err
	}
	der, err := cms.Assemble(nil, s)
	if err != nil {
		return nil, err
	}
	out, err := prepared.Embed(der)
	if err != nil {
		return nil, err
	}
	p.logger.Info("document signed", zap.String("field", prepared.FieldName), zap.Int("cms_bytes", len(der)))
	return out, nil
}

func (p *padesProcessor) PreCoSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, extra map[string]string, checkSignatures bool) (*triphase.Data, error) {
	return p.PreSign(ctx, data, algorithm, chain, extra, checkSignatures)
}

func (p *padesProcessor) PostCoSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, session *triphase.Data, extra map[string]string) ([]byte, error) {
	return p.PostSign(ctx, data, algorithm, chain, session, extra)
}

func (p *padesProcessor) PreCounterSign(context.Context, []byte, string, []*x509.Certificate, map[string]string, CounterTarget) (*triphase.Data, error) {
	return nil, signature.ErrUnsupportedOperation(PAdES.String(), "counter-sign")
}

func (p *padesProcessor) PostCounterSign(context.Context, []byte, string, []*x509.Certificate, *triphase.Data, map[string]string) ([]byte, error) {
	return nil, signature.ErrUnsupportedOperation(PAdES.String(), "counter-sign")
}

package processor

import (
	"context"
	"crypto/x509"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rezonia/triphase-signer/internal/format"
	"github.com/rezonia/triphase-signer/internal/signature"
	"github.com/rezonia/triphase-signer/internal/signature/ooxml"
	"github.com/rezonia/triphase-signer/internal/triphase"
)

type ooxmlProcessor struct {
	base
	reader *ooxml.Reader
}

func newOOXMLProcessor(b base) *ooxmlProcessor {
	return &ooxmlProcessor{base: b, reader: ooxml.NewReader(b.cfg.TempDir, b.logger)}
}

func (p *ooxmlProcessor) Kind() Kind { return OOXML }

func (p *ooxmlProcessor) IsValidDataFile(data []byte) bool {
	return format.IsOOXML(data)
}

func (p *ooxmlProcessor) PreSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, extra map[string]string, checkSignatures bool) (*triphase.Data, error) {
	alg, err := signer(algorithm, chain)
	if err != nil {
		return nil, err
	}
	pkg, err := p.reader.Open(data)
	if err != nil {
		return nil, err
	}
	if checkSignatures && pkg.SignatureCount() > 0 {
		if err := p.checkSignatures(ctx, data, extra); err != nil {
			return nil, err
		}
	}

	at := p.now()
	sid := uuid.NewString()
	params, err := xmlParams(sid, alg, chain, at, extra)
	if err != nil {
		return nil, err
	}
	ordinal := pkg.SignatureCount() + 1
	ps, err := pkg.NewSignature(params)
	if err != nil {
		return nil, err
	}
	s, err := xmlSign(ps.Signature, sid, at)
	if err != nil {
		return nil, err
	}
	s.Set(triphase.KeySignCount, strconv.Itoa(ordinal))
	p.logger.Debug("pre-sign prepared", zap.Int("ordinal", ordinal), zap.Int("parts", len(pkg.Names())))
	return triphase.NewData(OOXML.String(), s), nil
}

func (p *ooxmlProcessor) PostSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, session *triphase.Data, extra map[string]string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	alg, err := signer(algorithm, chain)
	if err != nil {
		return nil, err
	}
	if err := requireSession(session, triphase.KeyPreSign, triphase.KeyPKCS1, triphase.KeyTime, triphase.KeySignID, triphase.KeySignCount); err != nil {
		return nil, err
	}
	s := session.Sign(0)
	params, err := sessionParams(s, alg, chain, extra)
	if err != nil {
		return nil, err
	}

	pkg, err := p.reader.Open(data)
	if err != nil {
		return nil, err
	}
	ordinal, err := strconv.Atoi(sessionString(s, triphase.KeySignCount))
	if err != nil || ordinal != pkg.SignatureCount()+1 {
		return nil, signature.ErrProtocolState(triphase.KeySignCount, "signature ordinal does not match the document", err)
	}
	ps, err := pkg.NewSignature(params)
	if err != nil {
		return nil, err
	}
	if err := complete(ps.Signature, s, alg, chain[0]); err != nil {
		return nil, err
	}
	if err := pkg.AddSignature(ordinal, ps); err != nil {
		return nil, err
	}
	p.logger.Info("document signed", zap.String("part", ooxml.SignaturePart(ordinal)))
	return pkg.Bytes()
}

func (p *ooxmlProcessor) PreCoSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, extra map[string]string, checkSignatures bool) (*triphase.Data, error) {
	return p.PreSign(ctx, data, algorithm, chain, extra, checkSignatures)
}

func (p *ooxmlProcessor) PostCoSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, session *triphase.Data, extra map[string]string) ([]byte, error) {
	return p.PostSign(ctx, data, algorithm, chain, session, extra)
}

func (p *ooxmlProcessor) PreCounterSign(context.Context, []byte, string, []*x509.Certificate, map[string]string, CounterTarget) (*triphase.Data, error) {
	return nil, signature.ErrUnsupportedOperation(OOXML.String(), "counter-sign")
}

func (p *ooxmlProcessor) PostCounterSign(context.Context, []byte, string, []*x509.Certificate, *triphase.Data, map[string]string) ([]byte, error) {
	return nil, signature.ErrUnsupportedOperation(OOXML.String(), "counter-sign")
}

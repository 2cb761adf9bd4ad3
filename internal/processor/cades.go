package processor

import (
	"context"
	"crypto/x509"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rezonia/triphase-signer/internal/format"
	"github.com/rezonia/triphase-signer/internal/signature"
	"github.com/rezonia/triphase-signer/internal/signature/cms"
	"github.com/rezonia/triphase-signer/internal/triphase"
)

type cadesProcessor struct {
	base
}

func (p *cadesProcessor) Kind() Kind { return CAdES }

// IsValidDataFile accepts any content: CAdES signs opaque bytes
func (p *cadesProcessor) IsValidDataFile(data []byte) bool {
	return len(data) > 0
}

// attributes builds the signed attributes over a content digest
func (p *cadesProcessor) attributes(alg signature.Algorithm, digest []byte, cert *x509.Certificate, at time.Time, extra map[string]string, counter bool) ([]byte, error) {
	policy, err := signature.PolicyFromExtra(extra)
	if err != nil {
		return nil, err
	}
	return cms.SignedAttributes(alg, digest, cms.AttributeOptions{
		SigningTime:      at,
		Certificate:      cert,
		Policy:           policy,
		CounterSignature: counter,
	})
}

func (p *cadesProcessor) PreSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, extra map[string]string, checkSignatures bool) (*triphase.Data, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	alg, err := signer(algorithm, chain)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, signature.ErrFormat(CAdES.String(), "no data to sign", nil)
	}
	if checkSignatures && format.IsCMS(data) {
		if err := p.checkSignatures(ctx, data, extra); err != nil {
			return nil, err
		}
	}
	at := p.now()
	pre, err := p.attributes(alg, alg.Sum(data), chain[0], at, extra, false)
	if err != nil {
		return nil, err
	}
	return triphase.NewData(CAdES.String(), newSign("", pre, at)), nil
}

// completed rebuilds the signed attributes of a session sign, checks them
// against PRE and returns the finished signer
func (p *cadesProcessor) completed(s *triphase.TriSign, alg signature.Algorithm, chain []*x509.Certificate, digest []byte, extra map[string]string, counter bool) (cms.Signer, error) {
	pre, err := sessionBytes(s, triphase.KeyPreSign)
	if err != nil {
		return cms.Signer{}, err
	}
	pk1, err := sessionBytes(s, triphase.KeyPKCS1)
	if err != nil {
		return cms.Signer{}, err
	}
	at, err := sessionTime(s, triphase.KeyTime)
	if err != nil {
		return cms.Signer{}, err
	}
	rebuilt, err := p.attributes(alg, digest, chain[0], at, extra, counter)
	if err != nil {
		return cms.Signer{}, err
	}
	if err := samePre(rebuilt, pre); err != nil {
		return cms.Signer{}, err
	}
	signer := cms.Signer{Algorithm: alg, Chain: chain, SignedAttrs: pre, Signature: pk1}
	if err := signer.Check(); err != nil {
		return cms.Signer{}, err
	}
	return signer, nil
}

func (p *cadesProcessor) PostSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, session *triphase.Data, extra map[string]string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	alg, err := signer(algorithm, chain)
	if err != nil {
		return nil, err
	}
	if err := requireSession(session, triphase.KeyPreSign, triphase.KeyPKCS1, triphase.KeyTime); err != nil {
		return nil, err
	}
	s, err := p.completed(session.Sign(0), alg, chain, alg.Sum(data), extra, false)
	if err != nil {
		return nil, err
	}

	content := data
	if explicit(extra) {
		content = nil
	}
	der, err := cms.Assemble(content, s)
	if err != nil {
		return nil, err
	}
	p.logger.Info("content signed", zap.Bool("detached", content == nil), zap.Int("bytes", len(der)))
	return der, nil
}

// explicit reports whether the signature leaves the content out
func explicit(extra map[string]string) bool {
	return strings.EqualFold(strings.TrimSpace(extra[signature.ExtraMode]), "explicit")
}

// signedContent returns the content a SignedData signs: the encapsulated
// one or, for detached signatures, extra["data"]
func signedContent(m *cms.Message, extra map[string]string) ([]byte, error) {
	if !m.Detached() {
		return m.Content, nil
	}
	raw := extra[signature.ExtraData]
	if raw == "" {
		return nil, signature.ErrFormat(CAdES.String(), "detached signature: the signed data must be provided", nil)
	}
	content, err := triphase.DecodeBase64(raw)
	if err != nil {
		return nil, signature.ErrFormat(CAdES.String(), "detached data is not base64", err)
	}
	return content, nil
}

func (p *cadesProcessor) PreCoSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, extra map[string]string, checkSignatures bool) (*triphase.Data, error) {
	alg, err := signer(algorithm, chain)
	if err != nil {
		return nil, err
	}
	m, err := cms.Parse(data)
	if err != nil {
		return nil, err
	}
	content, err := signedContent(m, extra)
	if err != nil {
		return nil, err
	}
	if checkSignatures {
		if err := p.checkSignatures(ctx, data, extra); err != nil {
			return nil, err
		}
	}
	at := p.now()
	pre, err := p.attributes(alg, alg.Sum(content), chain[0], at, extra, false)
	if err != nil {
		return nil, err
	}
	return triphase.NewData(CAdES.String(), newSign("", pre, at)), nil
}

func (p *cadesProcessor) PostCoSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, session *triphase.Data, extra map[string]string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	alg, err := signer(algorithm, chain)
	if err != nil {
		return nil, err
	}
	if err := requireSession(session, triphase.KeyPreSign, triphase.KeyPKCS1, triphase.KeyTime); err != nil {
		return nil, err
	}
	m, err := cms.Parse(data)
	if err != nil {
		return nil, err
	}
	content, err := signedContent(m, extra)
	if err != nil {
		return nil, err
	}
	s, err := p.completed(session.Sign(0), alg, chain, alg.Sum(content), extra, false)
	if err != nil {
		return nil, err
	}
	out, err := cms.AddSigner(data, s)
	if err != nil {
		return nil, err
	}
	p.logger.Info("co-signature added", zap.Int("signers", len(m.Signers)+1))
	return out, nil
}

func (p *cadesProcessor) PreCounterSign(ctx context.Context, sign []byte, algorithm string, chain []*x509.Certificate, extra map[string]string, targets CounterTarget) (*triphase.Data, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	alg, err := signer(algorithm, chain)
	if err != nil {
		return nil, err
	}
	m, err := cms.Parse(sign)
	if err != nil {
		return nil, err
	}
	list := m.Leaves()
	if targets == TargetTree {
		list = m.All()
	}
	if len(list) == 0 {
		return nil, signature.ErrFormat(CAdES.String(), "signature has no signers to counter-sign", nil)
	}

	at := p.now()
	session := triphase.NewData(CAdES.String())
	for _, target := range list {
		pre, err := p.attributes(alg, alg.Sum(target.Signature), chain[0], at, extra, true)
		if err != nil {
			return nil, err
		}
		s := newSign(target.Path, pre, at)
		s.Set(triphase.KeyTarget, target.Path)
		session.Add(s)
	}
	return session, nil
}

func (p *cadesProcessor) PostCounterSign(ctx context.Context, sign []byte, algorithm string, chain []*x509.Certificate, session *triphase.Data, extra map[string]string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	alg, err := signer(algorithm, chain)
	if err != nil {
		return nil, err
	}
	if err := requireSession(session, triphase.KeyPreSign, triphase.KeyPKCS1, triphase.KeyTime, triphase.KeyTarget); err != nil {
		return nil, err
	}
	m, err := cms.Parse(sign)
	if err != nil {
		return nil, err
	}

	out := sign
	for _, s := range session.Signs {
		path := sessionString(s, triphase.KeyTarget)
		target := m.Find(path)
		if target == nil {
			return nil, signature.ErrProtocolState(triphase.KeyTarget, "no signer at "+path, nil)
		}
		cs, err := p.completed(s, alg, chain, alg.Sum(target.Signature), extra, true)
		if err != nil {
			return nil, err
		}
		if out, err = cms.AddCounterSignature(out, path, cs); err != nil {
			return nil, err
		}
	}
	p.logger.Info("counter-signatures added", zap.Int("count", session.Len()))
	return out, nil
}

package processor

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rezonia/triphase-signer/internal/signature"
	xmlsig "github.com/rezonia/triphase-signer/internal/signature/xml"
	"github.com/rezonia/triphase-signer/internal/triphase"
)

type xadesProcessor struct {
	base
}

func (p *xadesProcessor) Kind() Kind { return XAdES }

// IsValidDataFile accepts any content: non-XML data is embedded as base64
func (p *xadesProcessor) IsValidDataFile(data []byte) bool {
	return len(data) > 0
}

// xmlParams collects the inputs of an XML signature. Everything but the id
// and the time comes from the request, so both phases derive the same values.
func xmlParams(id string, alg signature.Algorithm, chain []*x509.Certificate, at time.Time, extra map[string]string) (xmlsig.Params, error) {
	policy, err := signature.PolicyFromExtra(extra)
	if err != nil {
		return xmlsig.Params{}, err
	}
	return xmlsig.Params{
		ID:          id,
		Algorithm:   alg,
		Chain:       chain,
		SigningTime: at,
		Policy:      policy,
		City:        extra[signature.ExtraProductionCity],
	}, nil
}

// sessionParams reads the signature inputs back from a session sign
func sessionParams(s *triphase.TriSign, alg signature.Algorithm, chain []*x509.Certificate, extra map[string]string) (xmlsig.Params, error) {
	at, err := sessionTime(s, triphase.KeyTime)
	if err != nil {
		return xmlsig.Params{}, err
	}
	return xmlParams(sessionString(s, triphase.KeySignID), alg, chain, at, extra)
}

// complete checks the rebuilt signature against the session and stores
// the signature value
func complete(sig *xmlsig.Signature, s *triphase.TriSign, alg signature.Algorithm, cert *x509.Certificate) error {
	rebuilt, err := sig.SignedInfo()
	if err != nil {
		return err
	}
	pre, err := sessionBytes(s, triphase.KeyPreSign)
	if err != nil {
		return err
	}
	if err := samePre(rebuilt, pre); err != nil {
		return err
	}
	pk1, err := sessionBytes(s, triphase.KeyPKCS1)
	if err != nil {
		return err
	}
	if err := checkPK1(alg, cert, pre, pk1); err != nil {
		return err
	}
	return sig.SetValue(pk1)
}

// xmlSign starts the session entry of an XML signature
func xmlSign(sig *xmlsig.Signature, sid string, at time.Time) (*triphase.TriSign, error) {
	pre, err := sig.SignedInfo()
	if err != nil {
		return nil, err
	}
	s := newSign(sid, pre, at)
	s.Set(triphase.KeySignID, sid)
	return s, nil
}

func (p *xadesProcessor) PreSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, extra map[string]string, checkSignatures bool) (*triphase.Data, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	alg, err := signer(algorithm, chain)
	if err != nil {
		return nil, err
	}
	if checkSignatures && xmlsig.IsContainer(data) {
		if err := p.checkSignatures(ctx, data, extra); err != nil {
			return nil, err
		}
	}
	at := p.now()
	sid, cid := uuid.NewString(), uuid.NewString()
	params, err := xmlParams(sid, alg, chain, at, extra)
	if err != nil {
		return nil, err
	}

	c, err := xmlsig.NewContainer(data, cid)
	if err != nil {
		return nil, err
	}
	sig, err := c.Sign(params)
	if err != nil {
		return nil, err
	}
	s, err := xmlSign(sig, sid, at)
	if err != nil {
		return nil, err
	}
	s.Set(triphase.KeyContentID, cid)
	return triphase.NewData(XAdES.String(), s), nil
}

func (p *xadesProcessor) PostSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, session *triphase.Data, extra map[string]string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	alg, err := signer(algorithm, chain)
	if err != nil {
		return nil, err
	}
	if err := requireSession(session, triphase.KeyPreSign, triphase.KeyPKCS1, triphase.KeyTime, triphase.KeySignID, triphase.KeyContentID); err != nil {
		return nil, err
	}
	s := session.Sign(0)
	params, err := sessionParams(s, alg, chain, extra)
	if err != nil {
		return nil, err
	}

	c, err := xmlsig.NewContainer(data, sessionString(s, triphase.KeyContentID))
	if err != nil {
		return nil, err
	}
	sig, err := c.Sign(params)
	if err != nil {
		return nil, err
	}
	if err := complete(sig, s, alg, chain[0]); err != nil {
		return nil, err
	}
	p.logger.Info("document signed", zap.String("signature", sig.ID()))
	return c.Bytes()
}

func (p *xadesProcessor) PreCoSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, extra map[string]string, checkSignatures bool) (*triphase.Data, error) {
	alg, err := signer(algorithm, chain)
	if err != nil {
		return nil, err
	}
	c, err := xmlsig.ParseContainer(data)
	if err != nil {
		return nil, err
	}
	if checkSignatures {
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
	sig, err := c.Sign(params)
	if err != nil {
		return nil, err
	}
	s, err := xmlSign(sig, sid, at)
	if err != nil {
		return nil, err
	}
	return triphase.NewData(XAdES.String(), s), nil
}

func (p *xadesProcessor) PostCoSign(ctx context.Context, data []byte, algorithm string, chain []*x509.Certificate, session *triphase.Data, extra map[string]string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	alg, err := signer(algorithm, chain)
	if err != nil {
		return nil, err
	}
	if err := requireSession(session, triphase.KeyPreSign, triphase.KeyPKCS1, triphase.KeyTime, triphase.KeySignID); err != nil {
		return nil, err
	}
	s := session.Sign(0)
	params, err := sessionParams(s, alg, chain, extra)
	if err != nil {
		return nil, err
	}
	c, err := xmlsig.ParseContainer(data)
	if err != nil {
		return nil, err
	}
	if c.Find(xmlsig.SignatureID(params.ID)) != nil {
		return nil, signature.ErrProtocolState(triphase.KeySignID, "signature id already used in the document", nil)
	}
	sig, err := c.Sign(params)
	if err != nil {
		return nil, err
	}
	if err := complete(sig, s, alg, chain[0]); err != nil {
		return nil, err
	}
	p.logger.Info("co-signature added", zap.String("signature", sig.ID()), zap.Int("signatures", len(c.Signatures())))
	return c.Bytes()
}

func (p *xadesProcessor) PreCounterSign(ctx context.Context, sign []byte, algorithm string, chain []*x509.Certificate, extra map[string]string, targets CounterTarget) (*triphase.Data, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	alg, err := signer(algorithm, chain)
	if err != nil {
		return nil, err
	}
	c, err := xmlsig.ParseContainer(sign)
	if err != nil {
		return nil, err
	}
	list := c.Leaves()
	if targets == TargetTree {
		list = c.All()
	}
	if len(list) == 0 {
		return nil, signature.ErrFormat(XAdES.String(), "document has no signatures to counter-sign", nil)
	}

	at := p.now()
	session := triphase.NewData(XAdES.String())
	for _, target := range list {
		sid := uuid.NewString()
		params, err := xmlParams(sid, alg, chain, at, extra)
		if err != nil {
			return nil, err
		}
		cs, err := c.CounterSign(target, params)
		if err != nil {
			return nil, err
		}
		s, err := xmlSign(cs, sid, at)
		if err != nil {
			return nil, err
		}
		s.Set(triphase.KeyTarget, target.ID())
		session.Add(s)
	}
	return session, nil
}

func (p *xadesProcessor) PostCounterSign(ctx context.Context, sign []byte, algorithm string, chain []*x509.Certificate, session *triphase.Data, extra map[string]string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	alg, err := signer(algorithm, chain)
	if err != nil {
		return nil, err
	}
	if err := requireSession(session, triphase.KeyPreSign, triphase.KeyPKCS1, triphase.KeyTime, triphase.KeySignID, triphase.KeyTarget); err != nil {
		return nil, err
	}
	c, err := xmlsig.ParseContainer(sign)
	if err != nil {
		return nil, err
	}

	for _, s := range session.Signs {
		id := sessionString(s, triphase.KeyTarget)
		target := c.Find(id)
		if target == nil {
			return nil, signature.ErrProtocolState(triphase.KeyTarget, "no signature "+id+" in the document", nil)
		}
		params, err := sessionParams(s, alg, chain, extra)
		if err != nil {
			return nil, err
		}
		cs, err := c.CounterSign(target, params)
		if err != nil {
			return nil, err
		}
		if err := complete(cs, s, alg, chain[0]); err != nil {
			return nil, err
		}
	}
	p.logger.Info("counter-signatures added", zap.Int("count", session.Len()))
	return c.Bytes()
}

package xml

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/rezonia/triphase-signer/internal/signature"
)

// VerifyError reports why a signature does not verify
type VerifyError struct {
	Kind signature.ErrorKind
	Err  error
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *VerifyError) Unwrap() error {
	return e.Err
}

// KindOf returns the verdict kind of a verification error
func KindOf(err error) signature.ErrorKind {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return signature.KindCorruptedSign
}

// Verify checks every reference digest and the signature over SignedInfo
// with the KeyInfo certificate. It does not judge the certificate itself.
func (s *Signature) Verify(resolve Resolver) error {
	si := s.signedInfo()
	if si == nil {
		return &VerifyError{Kind: signature.KindCorruptedSign, Err: fmt.Errorf("signature has no SignedInfo")}
	}
	certs, err := s.Certificates()
	if err != nil {
		return &VerifyError{Kind: signature.KindCertificateProblem, Err: err}
	}

	refs := s.references()
	if len(refs) == 0 {
		return &VerifyError{Kind: signature.KindCorruptedSign, Err: fmt.Errorf("SignedInfo has no references")}
	}

	enveloped := false
	for _, ref := range refs {
		if isEnveloped(ref) || ref.SelectAttrValue(dsig.URIAttr, "") == "" {
			enveloped = true
			continue
		}
		if err := s.checkReference(ref, resolve); err != nil {
			return err
		}
	}
	if enveloped {
		return s.verifyEnveloped(certs[0])
	}

	sm := child(si, isDSig, dsig.SignatureMethodTag)
	if sm == nil {
		return &VerifyError{Kind: signature.KindCorruptedSign, Err: fmt.Errorf("SignedInfo has no SignatureMethod")}
	}
	alg, err := AlgorithmForMethod(sm.SelectAttrValue(dsig.AlgorithmAttr, ""))
	if err != nil {
		return &VerifyError{Kind: signature.KindAlgorithmNotSupported, Err: err}
	}

	signed, err := s.SignedInfo()
	if err != nil {
		if signature.HasCode(err, signature.ErrCodeAlgorithmNotSupported) {
			return &VerifyError{Kind: signature.KindAlgorithmNotSupported, Err: err}
		}
		return &VerifyError{Kind: signature.KindCorruptedSign, Err: err}
	}
	value, err := s.Value()
	if err != nil || len(value) == 0 {
		return &VerifyError{Kind: signature.KindCorruptedSign, Err: fmt.Errorf("missing or malformed SignatureValue")}
	}
	if pub, ok := certs[0].PublicKey.(*ecdsa.PublicKey); ok {
		if value, err = ecdsaDER(pub, value); err != nil {
			return &VerifyError{Kind: signature.KindCorruptedSign, Err: err}
		}
	}
	if err := certs[0].CheckSignature(alg.X509(), signed, value); err != nil {
		var insecure x509.InsecureAlgorithmError
		if errors.Is(err, x509.ErrUnsupportedAlgorithm) || errors.As(err, &insecure) {
			return &VerifyError{Kind: signature.KindAlgorithmNotSupported, Err: err}
		}
		return &VerifyError{Kind: signature.KindCorruptedSign, Err: err}
	}
	return nil
}

// checkReference recomputes one reference digest. Digest mismatches on
// signed data are document modifications; on signature properties they
// are corruption.
func (s *Signature) checkReference(ref *etree.Element, resolve Resolver) error {
	want, err := decodeText(child(ref, isDSig, dsig.DigestValueTag))
	if err != nil {
		return &VerifyError{Kind: signature.KindCorruptedSign, Err: fmt.Errorf("malformed DigestValue: %w", err)}
	}
	got, err := s.referenceDigest(ref, resolve)
	if err != nil {
		return err
	}
	if bytes.Equal(got, want) {
		return nil
	}
	uri := ref.SelectAttrValue(dsig.URIAttr, "")
	switch ref.SelectAttrValue("Type", "") {
	case TypeSignedProperties, TypeCountersignedSignature:
		return &VerifyError{Kind: signature.KindCorruptedSign, Err: fmt.Errorf("digest mismatch for %s", uri)}
	}
	return &VerifyError{Kind: signature.KindModifiedDocument, Err: fmt.Errorf("digest mismatch for %s", uri)}
}

// verifyEnveloped validates a signature over its enclosing document with
// the goxmldsig validation context. The certificate is judged elsewhere,
// so it is the only root and the clock sits inside its validity window.
func (s *Signature) verifyEnveloped(cert *x509.Certificate) error {
	root := s.el.Parent()
	if root == nil || root.Tag == "" {
		return &VerifyError{Kind: signature.KindCorruptedSign, Err: fmt.Errorf("enveloped signature without parent element")}
	}

	at := cert.NotBefore
	if st := s.SigningTime(); st != nil && st.After(cert.NotBefore) && st.Before(cert.NotAfter) {
		at = *st
	}
	vctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	})
	vctx.Clock = dsig.NewFakeClockAt(at.Add(time.Second))
	if id := idOf(root); id != "" && root.SelectAttr(dsig.DefaultIdAttr) == nil {
		vctx.IdAttribute = "Id"
	}

	if _, err := vctx.Validate(root); err != nil {
		return &VerifyError{Kind: signature.KindModifiedDocument, Err: err}
	}
	return nil
}

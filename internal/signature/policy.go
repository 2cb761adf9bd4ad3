package signature

import (
	"crypto"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Extra parameter names understood by the signers
const (
	ExtraPolicyIdentifier              = "policyIdentifier"
	ExtraPolicyIdentifierHash          = "policyIdentifierHash"
	ExtraPolicyIdentifierHashAlgorithm = "policyIdentifierHashAlgorithm"
	ExtraPolicyQualifier               = "policyQualifier"
	ExtraMode                          = "mode"
	ExtraSignReason                    = "signReason"
	ExtraProductionCity                = "signatureProductionCity"
	ExtraAllowShadowAttack             = "allowShadowAttack"
	ExtraPagesToCheck                  = "pagesToCheck"
	ExtraData                          = "data"
	ExtraTarget                        = "target"
)

// Policy is an explicit signature policy
type Policy struct {
	// Identifier is a dotted OID, optionally as urn:oid:
	Identifier    string
	Hash          []byte
	HashAlgorithm crypto.Hash
	// Qualifier is the policy document URI
	Qualifier string
}

// PolicyFromExtra reads the signature policy parameters. It returns nil
// when no policy identifier is given.
func PolicyFromExtra(extra map[string]string) (*Policy, error) {
	id := strings.TrimSpace(extra[ExtraPolicyIdentifier])
	if id == "" {
		return nil, nil
	}
	p := &Policy{
		Identifier:    id,
		Qualifier:     strings.TrimSpace(extra[ExtraPolicyQualifier]),
		HashAlgorithm: crypto.SHA256,
	}
	if _, err := p.OID(); err != nil {
		return nil, err
	}
	if alg := extra[ExtraPolicyIdentifierHashAlgorithm]; alg != "" {
		h, err := ParseDigest(alg)
		if err != nil {
			return nil, err
		}
		p.HashAlgorithm = h
	}
	if hv := extra[ExtraPolicyIdentifierHash]; hv != "" {
		b, err := base64.StdEncoding.DecodeString(hv)
		if err != nil {
			return nil, ErrFormat("policy", "policy hash is not base64", err)
		}
		if len(b) != p.HashAlgorithm.Size() {
			return nil, ErrFormat("policy", fmt.Sprintf("policy hash has %d bytes, %s needs %d", len(b), p.HashAlgorithm, p.HashAlgorithm.Size()), nil)
		}
		p.Hash = b
	} else {
		return nil, ErrFormat("policy", "policy identifier without policy hash", nil)
	}
	return p, nil
}

// OID parses the identifier as an object identifier
func (p *Policy) OID() (asn1.ObjectIdentifier, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(p.Identifier, "urn:oid:"), "URN:OID:")
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, ErrFormat("policy", fmt.Sprintf("policy identifier %q is not an OID", p.Identifier), nil)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, ErrFormat("policy", fmt.Sprintf("policy identifier %q is not an OID", p.Identifier), err)
		}
		oid[i] = n
	}
	return oid, nil
}

// URN returns the identifier in urn:oid: form, as XAdES expects
func (p *Policy) URN() string {
	oid, err := p.OID()
	if err != nil {
		return p.Identifier
	}
	return "urn:oid:" + oid.String()
}

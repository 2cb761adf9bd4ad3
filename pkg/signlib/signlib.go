// Package signlib provides a public API for split-phase electronic
// signatures over PDF, XML, CMS and OOXML documents.
//
// The server prepares the data to sign, a remote client holding the
// private key signs the PRE bytes of every session entry, and the server
// embeds the result. The private key never reaches this package.
//
// Example usage:
//
//	svc, err := signlib.New(signlib.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	req := signlib.Request{Format: signlib.PAdES, Operation: signlib.Sign, Chain: chain}
//	session, err := svc.PreSign(ctx, pdf, req)
//	// ... the client fills PK1 in every sign of the session ...
//	signed, err := svc.PostSign(ctx, pdf, req, session)
package signlib

import (
	"fmt"
	"strings"

	"github.com/rezonia/triphase-signer/internal/processor"
	"github.com/rezonia/triphase-signer/internal/signature"
	"github.com/rezonia/triphase-signer/internal/triphase"
)

// Re-export core types for public API
type (
	Session        = triphase.Data
	TriSign        = triphase.TriSign
	Validation     = signature.Validation
	SignValidity   = signature.SignValidity
	SignerNode     = signature.SignerNode
	SignatureError = signature.SignatureError
	Format         = processor.Kind
	CounterTarget  = processor.CounterTarget
)

// Re-export signature formats
const (
	PAdES = processor.PAdES
	XAdES = processor.XAdES
	CAdES = processor.CAdES
	OOXML = processor.OOXML
)

// Re-export counter signature targets
const (
	TargetLeaves = processor.TargetLeaves
	TargetTree   = processor.TargetTree
)

// Re-export validation outcomes
const (
	OutcomeValid             = signature.OutcomeValid
	OutcomeInvalid           = signature.OutcomeInvalid
	OutcomeNeedsConfirmation = signature.OutcomeNeedsConfirmation
)

// Session property names
const (
	KeyPreSign = triphase.KeyPreSign
	KeyPKCS1   = triphase.KeyPKCS1
)

var (
	ParseFormat        = processor.ParseKind
	ParseCounterTarget = processor.ParseCounterTarget
	EncodeSession      = triphase.Encode
	DecodeSession      = triphase.Decode
)

// Operation is one of the three signing operations
type Operation int

const (
	Sign Operation = iota
	CoSign
	CounterSign
)

func (o Operation) String() string {
	switch o {
	case Sign:
		return "sign"
	case CoSign:
		return "cosign"
	case CounterSign:
		return "countersign"
	default:
		return fmt.Sprintf("Operation(%d)", int(o))
	}
}

// ParseOperation reads "sign", "cosign" or "countersign", with or without
// a dash
func ParseOperation(s string) (Operation, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "") {
	case "sign":
		return Sign, nil
	case "cosign":
		return CoSign, nil
	case "countersign":
		return CounterSign, nil
	}
	return 0, signature.ErrFormat("operation", fmt.Sprintf("unknown operation %q", s), nil)
}

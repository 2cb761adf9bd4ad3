package signature

import (
	"encoding/json"
	"fmt"
)

// Detail classifies a signature verdict
type Detail int

const (
	DetailUnknown Detail = iota
	DetailOK
	DetailKO
	// DetailGenerated marks a signature just produced locally and not yet
	// independently verified.
	DetailGenerated
)

func (d Detail) String() string {
	switch d {
	case DetailOK:
		return "OK"
	case DetailKO:
		return "KO"
	case DetailGenerated:
		return "GENERATED"
	default:
		return "UNKNOWN"
	}
}

// ErrorKind refines a KO or UNKNOWN verdict
type ErrorKind string

const (
	KindNone                   ErrorKind = ""
	KindCorruptedSign          ErrorKind = "CORRUPTED_SIGN"
	KindNoData                 ErrorKind = "NO_DATA"
	KindNoSign                 ErrorKind = "NO_SIGN"
	KindCertificateProblem     ErrorKind = "CERTIFICATE_PROBLEM"
	KindCertificateExpired     ErrorKind = "CERTIFICATE_EXPIRED"
	KindCertificateNotValidYet ErrorKind = "CERTIFICATE_NOT_VALID_YET"
	KindCertificateRevoked     ErrorKind = "CERTIFICATE_REVOKED"
	KindAlgorithmNotSupported  ErrorKind = "ALGORITHM_NOT_SUPPORTED"
	KindModifiedDocument       ErrorKind = "MODIFIED_DOCUMENT"
	KindSuspectedShadowAttack  ErrorKind = "PDF_SUSPECTED_SHADOW_ATTACK"
	KindUnknownError           ErrorKind = "UNKNOWN_ERROR"
)

// SignValidity is the verdict of a single validation call. It is a value:
// there are no setters and it is never persisted.
type SignValidity struct {
	detail Detail
	kind   ErrorKind
}

// NewSignValidity builds a verdict
func NewSignValidity(detail Detail, kind ErrorKind) SignValidity {
	return SignValidity{detail: detail, kind: kind}
}

// Valid is the OK verdict
func Valid() SignValidity { return SignValidity{detail: DetailOK} }

// Generated is the verdict for signatures produced in this process
func Generated() SignValidity { return SignValidity{detail: DetailGenerated} }

// Invalid is a KO verdict with the given kind
func Invalid(kind ErrorKind) SignValidity { return SignValidity{detail: DetailKO, kind: kind} }

func (v SignValidity) Detail() Detail       { return v.detail }
func (v SignValidity) ErrorKind() ErrorKind { return v.kind }

// Trusted reports whether the verdict is OK or GENERATED
func (v SignValidity) Trusted() bool {
	return v.detail == DetailOK || v.detail == DetailGenerated
}

func (v SignValidity) String() string {
	if v.kind == KindNone {
		return v.detail.String()
	}
	return fmt.Sprintf("%s(%s)", v.detail, v.kind)
}

type signValidityJSON struct {
	Detail string    `json:"detail"`
	Error  ErrorKind `json:"error,omitempty"`
}

func (v SignValidity) MarshalJSON() ([]byte, error) {
	return json.Marshal(signValidityJSON{Detail: v.detail.String(), Error: v.kind})
}

package signature

import (
	"crypto/x509"
	"time"
)

// Outcome is the three-way result of a validation call
type Outcome int

const (
	OutcomeInvalid Outcome = iota
	OutcomeValid
	OutcomeNeedsConfirmation
)

func (o Outcome) String() string {
	switch o {
	case OutcomeValid:
		return "valid"
	case OutcomeNeedsConfirmation:
		return "needs_confirmation"
	default:
		return "invalid"
	}
}

// Confirmation reasons
const (
	ReasonUntrustedCertificate = "UNTRUSTED_CERTIFICATE"
	ReasonShadowAttack         = "PDF_SHADOW_ATTACK"
)

// Confirmation describes a decision the caller has to take before a
// signature can be accepted. It is not a failure.
type Confirmation struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Validation contains the complete outcome of validating one document
type Validation struct {
	Outcome      Outcome       `json:"-"`
	Validity     SignValidity  `json:"validity"`
	Confirmation *Confirmation `json:"confirmation,omitempty"`

	// Format of the validated document
	Format string `json:"format,omitempty"`

	// Signers found in the document, in document order
	Signers []SignerInfo `json:"signers,omitempty"`

	// Warnings (non-fatal issues)
	Warnings []string `json:"warnings,omitempty"`
}

// SignerInfo contains certificate subject information
type SignerInfo struct {
	// Common name (CN)
	Name string `json:"name"`

	// Organization (O)
	Organization string `json:"organization,omitempty"`

	// Certificate serial number
	SerialNumber string `json:"serial_number"`

	// Issuer common name
	Issuer string `json:"issuer"`

	// Certificate validity period
	ValidFrom time.Time `json:"valid_from"`
	ValidTo   time.Time `json:"valid_to"`

	// Signing time claimed by the signature, if any
	SignedAt *time.Time `json:"signed_at,omitempty"`

	Certificate *x509.Certificate `json:"-"`
}

// NewValidation creates a result with the given format and a valid verdict.
// Checks downgrade it with Fail or Confirm.
func NewValidation(format string) *Validation {
	return &Validation{
		Outcome:  OutcomeValid,
		Validity: Valid(),
		Format:   format,
		Warnings: make([]string, 0),
	}
}

// NewGenerated is the result for a signature this process just produced
// with cert. It is trusted until an independent validation says otherwise.
func NewGenerated(format string, cert *x509.Certificate, at time.Time) *Validation {
	v := NewValidation(format)
	v.Validity = Generated()
	v.AddSigner(cert, &at)
	return v
}

// Trusted reports whether the document can be accepted as it is
func (r *Validation) Trusted() bool {
	return r.Outcome == OutcomeValid && r.Validity.Trusted()
}

// Invalidated returns a KO result for the given format
func Invalidated(format string, kind ErrorKind) *Validation {
	v := NewValidation(format)
	v.Fail(kind)
	return v
}

// AddWarning adds a warning message to the result
func (r *Validation) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Fail marks the result KO. A KO is final: later confirmations do not
// override it.
func (r *Validation) Fail(kind ErrorKind) {
	if r.Outcome == OutcomeInvalid {
		return
	}
	r.Outcome = OutcomeInvalid
	r.Validity = Invalid(kind)
	r.Confirmation = nil
}

// Confirm marks the result as needing a human or policy decision unless it
// is already KO.
func (r *Validation) Confirm(reason, message string) {
	if r.Outcome == OutcomeInvalid {
		return
	}
	r.Outcome = OutcomeNeedsConfirmation
	r.Validity = NewSignValidity(DetailUnknown, KindNone)
	if r.Confirmation == nil {
		r.Confirmation = &Confirmation{Reason: reason, Message: message}
	}
}

// AddSigner appends signer information taken from an x509 certificate
func (r *Validation) AddSigner(cert *x509.Certificate, signedAt *time.Time) {
	if cert == nil {
		return
	}
	info := NewSignerInfo(cert)
	info.SignedAt = signedAt
	r.Signers = append(r.Signers, info)
}

// NewSignerInfo populates SignerInfo from an x509 certificate
func NewSignerInfo(cert *x509.Certificate) SignerInfo {
	signer := SignerInfo{
		SerialNumber: cert.SerialNumber.String(),
		ValidFrom:    cert.NotBefore,
		ValidTo:      cert.NotAfter,
		Certificate:  cert,
	}

	// Extract CN from Subject
	if len(cert.Subject.CommonName) > 0 {
		signer.Name = cert.Subject.CommonName
	}

	// Extract Organization
	if len(cert.Subject.Organization) > 0 {
		signer.Organization = cert.Subject.Organization[0]
	}

	// Extract Issuer CN
	if len(cert.Issuer.CommonName) > 0 {
		signer.Issuer = cert.Issuer.CommonName
	} else if len(cert.Issuer.Organization) > 0 {
		signer.Issuer = cert.Issuer.Organization[0]
	}

	return signer
}

// Merge folds the result of another signature of the same document into r.
// KO wins over confirmation, confirmation wins over OK.
func (r *Validation) Merge(other *Validation) {
	if other == nil {
		return
	}
	r.Signers = append(r.Signers, other.Signers...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	switch other.Outcome {
	case OutcomeInvalid:
		r.Fail(other.Validity.ErrorKind())
	case OutcomeNeedsConfirmation:
		if other.Confirmation != nil {
			r.Confirm(other.Confirmation.Reason, other.Confirmation.Message)
		}
	}
}

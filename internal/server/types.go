package server

import (
	"github.com/rezonia/triphase-signer/pkg/signlib"
)

// SignRequest is the body of the pre-sign and post-sign endpoints
type SignRequest struct {
	// Document is the data to sign, or the signature for counter-sign
	Document []byte `json:"document"`
	// Certificates are base64 DER, signer first
	Certificates    []string          `json:"certificates"`
	Algorithm       string            `json:"algorithm,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
	CheckSignatures bool              `json:"check_signatures,omitempty"`
	// Targets is "leafs" or "tree" for counter-sign
	Targets string `json:"targets,omitempty"`
	// Session is the encoded pre-sign result, completed by the client
	Session string `json:"session,omitempty"`
}

// PresignResponse is the response for the pre-sign endpoint
type PresignResponse struct {
	Format    string `json:"format"`
	Operation string `json:"operation"`
	Session   string `json:"session"`
	Signs     int    `json:"signs"`
}

// PostsignResponse is the response for the post-sign endpoint
type PostsignResponse struct {
	Format    string              `json:"format"`
	Operation string              `json:"operation"`
	Document  []byte              `json:"document"`
	Result    *signlib.Validation `json:"result"`
}

// VerifyResponse is the response for signature verification endpoint
type VerifyResponse struct {
	Outcome string `json:"outcome"`
	*signlib.Validation
}

// SignersResponse is the response for the signers endpoint
type SignersResponse struct {
	Signers int                 `json:"signers"`
	Tree    *signlib.SignerNode `json:"tree"`
}

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code,omitempty"`
	Field    string `json:"field,omitempty"`
	Validity string `json:"validity,omitempty"`
}

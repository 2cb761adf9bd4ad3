package trust

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/ocsp"
)

// DefaultOCSPTimeout bounds one revocation lookup
const DefaultOCSPTimeout = 10 * time.Second

// maxOCSPResponse caps the responder body we are willing to read
const maxOCSPResponse = 1 << 20

// CheckOCSP performs an OCSP check for a certificate, trying every
// responder listed in it
func CheckOCSP(ctx context.Context, client *http.Client, cert, issuer *x509.Certificate) (revoked bool, err error) {
	if len(cert.OCSPServer) == 0 {
		return false, fmt.Errorf("no OCSP server URL in certificate")
	}
	if client == nil {
		client = http.DefaultClient
	}

	ocspRequest, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{
		Hash: crypto.SHA256,
	})
	if err != nil {
		return false, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	var lastErr error
	for _, server := range cert.OCSPServer {
		revoked, err := queryOCSPServer(ctx, client, server, ocspRequest, cert, issuer)
		if err == nil {
			return revoked, nil
		}
		lastErr = err
	}

	return false, fmt.Errorf("all OCSP servers failed: %w", lastErr)
}

func queryOCSPServer(ctx context.Context, client *http.Client, serverURL string, request []byte, cert, issuer *x509.Certificate) (revoked bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(request))
	if err != nil {
		return false, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("OCSP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("OCSP server returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOCSPResponse))
	if err != nil {
		return false, fmt.Errorf("failed to read OCSP response: %w", err)
	}

	ocspResp, err := ocsp.ParseResponseForCert(body, cert, issuer)
	if err != nil {
		return false, fmt.Errorf("failed to parse OCSP response: %w", err)
	}

	switch ocspResp.Status {
	case ocsp.Good:
		return false, nil
	case ocsp.Revoked:
		return true, nil
	case ocsp.Unknown:
		return false, fmt.Errorf("OCSP status unknown")
	default:
		return false, fmt.Errorf("unexpected OCSP status: %d", ocspResp.Status)
	}
}

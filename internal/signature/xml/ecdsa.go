package xml

import (
	"crypto/ecdsa"
	"encoding/asn1"
	"fmt"
	"math/big"
)

type ecdsaSignature struct {
	R, S *big.Int
}

// ecdsaRaw converts a DER ECDSA signature to the fixed-width r||s form
// XML-DSig uses. Values already in that form are returned unchanged.
func ecdsaRaw(pub *ecdsa.PublicKey, sig []byte) ([]byte, error) {
	size := (pub.Curve.Params().BitSize + 7) / 8
	var es ecdsaSignature
	rest, err := asn1.Unmarshal(sig, &es)
	if err != nil || len(rest) > 0 || es.R == nil || es.S == nil {
		if len(sig) == 2*size {
			return sig, nil
		}
		return nil, fmt.Errorf("malformed ECDSA signature")
	}
	if es.R.BitLen() > 8*size || es.S.BitLen() > 8*size {
		return nil, fmt.Errorf("ECDSA signature does not fit the curve")
	}
	out := make([]byte, 2*size)
	es.R.FillBytes(out[:size])
	es.S.FillBytes(out[size:])
	return out, nil
}

// ecdsaDER converts an r||s signature back to DER for x509 verification
func ecdsaDER(pub *ecdsa.PublicKey, raw []byte) ([]byte, error) {
	size := (pub.Curve.Params().BitSize + 7) / 8
	if len(raw) != 2*size {
		return nil, fmt.Errorf("ECDSA signature has %d bytes, want %d", len(raw), 2*size)
	}
	return asn1.Marshal(ecdsaSignature{
		R: new(big.Int).SetBytes(raw[:size]),
		S: new(big.Int).SetBytes(raw[size:]),
	})
}

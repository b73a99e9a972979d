package identity

import (
	"bytes"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/aethercore/aethercore/internal/common"
)

// PCRQuoteVerifier is the production QuoteVerifier: it checks every
// baseline PCR index against the pcrs map supplied with the quote, and
// that the accompanying AK certificate parses and is currently valid.
// The quote bytes are not parsed and no quote signature is verified
// against the AK certificate, so the PCR values are taken as declared.
// It does not walk a certificate chain; the baseline itself is the
// trust anchor an operator configures per deployment.
type PCRQuoteVerifier struct {
	now func() time.Time
}

// NewPCRQuoteVerifier builds a PCRQuoteVerifier.
func NewPCRQuoteVerifier() *PCRQuoteVerifier {
	return &PCRQuoteVerifier{now: func() time.Time { return time.Now().UTC() }}
}

func (v *PCRQuoteVerifier) Verify(quote []byte, pcrs map[int][]byte, akCert []byte, baseline map[string]string) error {
	if len(akCert) == 0 {
		return common.NewError(common.KindAttestationFailed, "missing ak certificate")
	}
	cert, err := x509.ParseCertificate(akCert)
	if err != nil {
		return common.NewError(common.KindAttestationFailed, fmt.Sprintf("malformed ak certificate: %v", err))
	}
	now := v.now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return common.NewError(common.KindAttestationFailed, "ak certificate is not currently valid")
	}

	for idxStr, expectedHex := range baseline {
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			return common.NewError(common.KindAttestationFailed, fmt.Sprintf("malformed baseline pcr index %q", idxStr))
		}
		expected, err := hex.DecodeString(expectedHex)
		if err != nil {
			return common.NewError(common.KindAttestationFailed, fmt.Sprintf("malformed baseline value for pcr %d", idx))
		}
		got, ok := pcrs[idx]
		if !ok {
			return common.NewError(common.KindAttestationFailed, fmt.Sprintf("quote is missing pcr %d", idx))
		}
		if !bytes.Equal(got, expected) {
			return common.NewError(common.KindAttestationFailed, fmt.Sprintf("pcr %d does not match baseline", idx))
		}
	}
	return nil
}

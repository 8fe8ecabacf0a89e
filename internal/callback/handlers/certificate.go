// Package handlers implements the host-capability operations the Callback
// Bus dispatches to: OCI registry introspection, DNS lookups, in-process
// certificate verification, Sigstore verification and Kubernetes context-
// aware queries. Grounded on policy-evaluator's callback_handler/*.rs files.
package handlers

import (
	"crypto/x509"
	"fmt"
	"time"
)

// Certificate verification reason strings, verbatim from
// callback_handler/crypto.rs so that guest-visible error text does not
// change across the Rust-to-Go port.
const (
	ReasonUsedAfterExpiration  = "Certificate is being used after its expiration date"
	ReasonUsedBeforeValidity   = "Certificate is being used before its validity date"
	ReasonNotTrustedByChain    = "Certificate is not trusted by the provided cert chain"
)

// CertificateVerificationResult is the {trusted, reason} pair returned to
// the guest; reason is empty when trusted is true.
type CertificateVerificationResult struct {
	Trusted bool
	Reason  string
}

// VerifyCertificate checks certDER against chainDER (additional trusted
// roots; the system root pool is always also trusted), optionally pinned to
// a caller-supplied "not after" timestamp instead of time.Now(). notAfter,
// when non-empty, must be RFC-3339 -- this lets a policy ask "was this
// certificate valid as of this instant" rather than "is it valid right now".
func VerifyCertificate(certDER []byte, chainDER [][]byte, notAfter string) (CertificateVerificationResult, error) {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return CertificateVerificationResult{}, fmt.Errorf("cannot parse certificate: %w", err)
	}

	verificationTime := time.Now()
	if notAfter != "" {
		parsed, err := time.Parse(time.RFC3339, notAfter)
		if err != nil {
			return CertificateVerificationResult{}, fmt.Errorf("timestamp not_after is not in RFC3339 format: %w", err)
		}
		verificationTime = parsed
	}

	roots, err := x509.SystemCertPool()
	if err != nil || roots == nil {
		roots = x509.NewCertPool()
	}
	for _, raw := range chainDER {
		chainCert, err := x509.ParseCertificate(raw)
		if err != nil {
			return CertificateVerificationResult{}, fmt.Errorf("cannot parse chain certificate: %w", err)
		}
		roots.AddCert(chainCert)
	}

	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       roots, // the system roots plus every supplied chain certificate
		CurrentTime: verificationTime,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err == nil {
		return CertificateVerificationResult{Trusted: true}, nil
	}

	switch e := err.(type) {
	case x509.CertificateInvalidError:
		switch e.Reason {
		case x509.Expired:
			if verificationTime.After(cert.NotAfter) {
				return CertificateVerificationResult{Reason: ReasonUsedAfterExpiration}, nil
			}
			return CertificateVerificationResult{Reason: ReasonUsedBeforeValidity}, nil
		default:
			return CertificateVerificationResult{Reason: ReasonNotTrustedByChain}, nil
		}
	case x509.UnknownAuthorityError:
		return CertificateVerificationResult{Reason: ReasonNotTrustedByChain}, nil
	default:
		return CertificateVerificationResult{Reason: fmt.Sprintf("Certificate not trusted: %s", err)}, nil
	}
}

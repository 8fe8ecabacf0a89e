package handlers

import (
	"context"
	"fmt"

	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/signature"

	"github.com/kubewarden/policy-server/internal/store"
)

// SigstoreVerifier performs the pub-key half of Sigstore verification: load
// a PEM-encoded ECDSA/RSA/Ed25519 public key and check it against the
// signature layers an image carries. Grounded on verify/mod.rs's
// Verifier::verify_pub_key; the keyless (Fulcio/Rekor) path there drives a
// full cosign::Client, which requires a TUF trust root this package does
// not fetch -- tracked in DESIGN.md as a scope reduction rather than ported
// wholesale.
type SigstoreVerifier struct {
	// FetchSignatureLayers retrieves the cosign-published signature
	// layers for image: detached signature bytes, the signed payload,
	// and any OCI annotations attached to that layer. In production this
	// walks the image's sigstore-convention tag in the registry; tests
	// inject a fake.
	FetchSignatureLayers func(ctx context.Context, image string) ([]SignatureLayer, error)
}

// SignatureLayer is one cosign signature attached to an image.
type SignatureLayer struct {
	Signature   []byte
	Payload     []byte
	Annotations map[string]string
}

// VerifyPubKeys checks image against every candidate PEM public key,
// returning the observed signatures whose key verification succeeded. A
// signature layer with no key that verifies it is simply omitted, letting
// the caller's store.Satisfy quorum logic decide whether that is fatal.
func (v SigstoreVerifier) VerifyPubKeys(ctx context.Context, image string, pemPubKeys []string) ([]store.ObservedSignature, error) {
	layers, err := v.FetchSignatureLayers(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("cannot fetch signature layers for %q: %w", image, err)
	}

	type candidate struct {
		fingerprint string
		verifier    *store.PubKeyVerifier
	}
	candidates := make([]candidate, 0, len(pemPubKeys))
	for _, pem := range pemPubKeys {
		pubKey, err := cryptoutils.UnmarshalPEMToPublicKey([]byte(pem))
		if err != nil {
			return nil, fmt.Errorf("invalid public key: %w", err)
		}
		verifier, err := signature.LoadVerifier(pubKey, nil)
		if err != nil {
			return nil, fmt.Errorf("cannot build verifier for public key: %w", err)
		}
		candidates = append(candidates, candidate{
			fingerprint: store.Fingerprint(pem),
			verifier:    store.NewPubKeyVerifier(verifier),
		})
	}

	var observed []store.ObservedSignature
	for _, layer := range layers {
		for _, c := range candidates {
			if err := c.verifier.Verify(layer.Signature, layer.Payload); err != nil {
				continue
			}
			observed = append(observed, store.ObservedSignature{
				PubKeyFingerprint: c.fingerprint,
				Annotations:       layer.Annotations,
			})
			break
		}
	}

	return observed, nil
}

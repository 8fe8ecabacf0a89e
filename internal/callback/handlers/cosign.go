package handlers

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// cosignSignatureAnnotation is the OCI layer annotation cosign's "simple
// signing" convention stores a detached signature under.
const cosignSignatureAnnotation = "dev.cosignproject.cosign/signature"

// FetchSignatureLayersFromRegistry retrieves image's cosign signatures the
// way cosign itself publishes them: as a sibling image tagged
// "<repo>:<digest-algo>-<digest-hex>.sig", whose layers each carry one
// detached signature in an annotation alongside the signed payload as the
// layer's own blob. Grounded on verify/mod.rs's registry-based signature
// lookup (the Fulcio/Rekor-backed cosign::Client there resolves the same
// tag convention before doing certificate verification).
func FetchSignatureLayersFromRegistry(ctx context.Context, image string) ([]SignatureLayer, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference %q: %w", image, err)
	}

	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %q: %w", image, err)
	}

	sigTag, err := name.NewTag(fmt.Sprintf("%s:%s", ref.Context().Name(),
		strings.Replace(desc.Digest.String(), ":", "-", 1)+".sig"))
	if err != nil {
		return nil, fmt.Errorf("cannot build signature tag for %q: %w", image, err)
	}

	img, err := remote.Image(sigTag, remote.WithContext(ctx), remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return nil, fmt.Errorf("image %q has no published signatures: %w", image, err)
	}

	manifest, err := img.Manifest()
	if err != nil {
		return nil, fmt.Errorf("cannot read signature manifest for %q: %w", image, err)
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("cannot read signature layers for %q: %w", image, err)
	}
	if len(layers) != len(manifest.Layers) {
		return nil, fmt.Errorf("signature manifest for %q is inconsistent", image)
	}

	result := make([]SignatureLayer, 0, len(layers))
	for i, layer := range layers {
		annotations := manifest.Layers[i].Annotations
		encodedSig, ok := annotations[cosignSignatureAnnotation]
		if !ok {
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(encodedSig)
		if err != nil {
			return nil, fmt.Errorf("malformed signature annotation on %q: %w", image, err)
		}

		rc, err := layer.Uncompressed()
		if err != nil {
			return nil, fmt.Errorf("cannot read signature payload for %q: %w", image, err)
		}
		payload, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("cannot read signature payload for %q: %w", image, err)
		}

		result = append(result, SignatureLayer{
			Signature:   sig,
			Payload:     payload,
			Annotations: annotations,
		})
	}

	return result, nil
}

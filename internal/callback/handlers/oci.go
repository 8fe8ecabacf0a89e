package handlers

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// ManifestDigest resolves image to its manifest digest, the Go analogue of
// policy-fetcher/src/registry/mod.rs's manifest-digest lookup surfaced
// through the "v1/manifest_digest" guest capability.
func ManifestDigest(image string) (string, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", image, err)
	}

	desc, err := remote.Get(ref, remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return "", fmt.Errorf("cannot fetch manifest digest for %q: %w", image, err)
	}

	return desc.Digest.String(), nil
}

// Manifest fetches the raw OCI manifest bytes for image.
func Manifest(image string) ([]byte, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference %q: %w", image, err)
	}

	desc, err := remote.Get(ref, remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return nil, fmt.Errorf("cannot fetch manifest for %q: %w", image, err)
	}

	return desc.Manifest, nil
}

// ManifestAndConfig fetches both the manifest and its referenced config
// blob, for the "v1/oci_manifest_config" guest capability.
func ManifestAndConfig(image string) (manifest []byte, config []byte, err error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid image reference %q: %w", image, err)
	}

	desc, err := remote.Get(ref, remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return nil, nil, fmt.Errorf("cannot fetch manifest for %q: %w", image, err)
	}

	img, err := desc.Image()
	if err != nil {
		return nil, nil, fmt.Errorf("%q is not a single-platform image manifest: %w", image, err)
	}

	config, err = img.RawConfigFile()
	if err != nil {
		return nil, nil, fmt.Errorf("cannot fetch config blob for %q: %w", image, err)
	}

	return desc.Manifest, config, nil
}

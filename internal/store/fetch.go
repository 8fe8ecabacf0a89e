package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/kubewarden/policy-server/internal/policy"
)

// EnsureLocal resolves ref to a local path, downloading it into the Store's
// content-addressed layout first if it is not already present. "file"
// references are returned as-is, since the Module Store never caches what
// is already on local disk. Grounded on policy-fetcher's policy.rs/
// registry/mod.rs pull path, simplified: the original retries a pull over
// HTTPS, then HTTPS without TLS verification, then plain HTTP, depending on
// the operator's configured insecure sources; this build always uses the
// registry's advertised scheme and the system trust store, since no
// insecure-sources configuration survived into the distilled spec.
func (s *Store) EnsureLocal(ctx context.Context, ref policy.ModuleRef) (string, error) {
	if ref.Scheme() == "file" {
		return ref.URL().Path, nil
	}

	path, err := s.FullPath(ref)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	raw, err := fetchRemote(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("fetching module %s: %w", ref.String(), err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating module store directory for %s: %w", ref.String(), err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("writing module %s to store: %w", ref.String(), err)
	}

	return path, nil
}

func fetchRemote(ctx context.Context, ref policy.ModuleRef) ([]byte, error) {
	switch ref.Scheme() {
	case "registry":
		return fetchFromRegistry(ref)
	case "http", "https":
		return fetchFromHTTP(ctx, ref)
	default:
		return nil, fmt.Errorf("unsupported module reference scheme %q", ref.Scheme())
	}
}

// fetchFromRegistry pulls ref (a "registry://" reference, whose host+path is
// an OCI image reference) and returns the bytes of its single Wasm layer,
// mirroring registry/mod.rs's pull: a Kubewarden policy image carries
// exactly one layer, the compiled Wasm module.
func fetchFromRegistry(ref policy.ModuleRef) ([]byte, error) {
	u := ref.URL()
	imageRef := u.Host + u.Path

	parsed, err := name.ParseReference(imageRef)
	if err != nil {
		return nil, fmt.Errorf("invalid registry reference %q: %w", imageRef, err)
	}

	img, err := remote.Image(parsed, remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return nil, fmt.Errorf("cannot pull image %q: %w", imageRef, err)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("cannot read layers of %q: %w", imageRef, err)
	}
	if len(layers) != 1 {
		return nil, fmt.Errorf("image %q does not look like a Kubewarden policy: expected exactly one layer, got %d", imageRef, len(layers))
	}

	rc, err := layers[0].Uncompressed()
	if err != nil {
		return nil, fmt.Errorf("cannot read policy layer of %q: %w", imageRef, err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("cannot read policy layer of %q: %w", imageRef, err)
	}
	return raw, nil
}

func fetchFromHTTP(ctx context.Context, ref policy.ModuleRef) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s fetching %s", resp.Status, ref.String())
	}

	return io.ReadAll(resp.Body)
}

package policy

import (
	"fmt"
	"net/url"
)

// ModuleRef identifies where to fetch a policy's Wasm bytes from. The
// scheme determines which fetcher backend handles it: "registry" for an
// OCI-compatible registry, "http"/"https" for a plain HTTP(S) download, and
// "file" for a path already present on disk.
type ModuleRef struct {
	url *url.URL
}

// ParseModuleRef parses raw into a ModuleRef, rejecting any scheme other
// than the ones this service knows how to fetch.
func ParseModuleRef(raw string) (ModuleRef, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ModuleRef{}, fmt.Errorf("invalid module reference %q: %w", raw, err)
	}
	switch parsed.Scheme {
	case "registry", "http", "https", "file":
	default:
		return ModuleRef{}, fmt.Errorf("unsupported module reference scheme %q in %q", parsed.Scheme, raw)
	}
	return ModuleRef{url: parsed}, nil
}

// String returns the original URL form of the reference.
func (m ModuleRef) String() string {
	if m.url == nil {
		return ""
	}
	return m.url.String()
}

// Scheme returns the reference's scheme ("registry", "http", "https" or "file").
func (m ModuleRef) Scheme() string {
	if m.url == nil {
		return ""
	}
	return m.url.Scheme
}

// URL returns the underlying *url.URL.
func (m ModuleRef) URL() *url.URL {
	return m.url
}

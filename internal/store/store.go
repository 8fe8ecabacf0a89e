// Package store implements the Module Store: a passive, content-addressed
// filesystem view of fetched Wasm modules: it turns a module reference into
// a local path and walks what is already on disk. The one download path is
// EnsureLocal (fetch.go), which fetches a module not yet on disk. Layout is grounded on policy-fetcher's store.rs: <root>/<scheme>/
// <host[:port]>/<path-segments>/<filename>, with each segment substituted
// through URL-safe Base64 on platforms that forbid ':' in paths.
package store

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/kubewarden/policy-server/internal/policy"
)

// knownRemoteSchemes are the top-level directories Store.List descends into;
// anything else under root is ignored.
var knownRemoteSchemes = map[string]bool{
	"http":     true,
	"https":    true,
	"registry": true,
}

// Store maps module references to local file paths, mirroring the
// reference's URL in the directory layout rooted at Root.
type Store struct {
	Root string

	// encodeSegments forces Base64 path-segment substitution regardless of
	// GOOS; tests set this explicitly, production code leaves it nil and
	// gets the GOOS == "windows" default.
	encodeSegments *bool
}

// New builds a Store rooted at root.
func New(root string) *Store {
	return &Store{Root: root}
}

func (s *Store) needsEncoding() bool {
	if s.encodeSegments != nil {
		return *s.encodeSegments
	}
	return runtime.GOOS == "windows"
}

// FullPath is like RelativePath but joins it onto Root.
func (s *Store) FullPath(ref policy.ModuleRef) (string, error) {
	rel, err := s.RelativePath(ref)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, rel), nil
}

// RelativePath returns <scheme>/<host[:port]>/<path-segments>/<filename> for
// ref, with each segment substituted through Base64 when needsEncoding.
func (s *Store) RelativePath(ref policy.ModuleRef) (string, error) {
	u := ref.URL()

	segments := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	if len(segments) == 0 || segments[len(segments)-1] == "" {
		return "", fmt.Errorf("module reference %q has no filename component", u.String())
	}

	encode := s.needsEncoding()
	transform := func(segment string) string {
		if !encode {
			return segment
		}
		return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(segment))
	}

	hostAndPort := u.Host
	parts := make([]string, 0, len(segments)+2)
	parts = append(parts, u.Scheme, transform(hostAndPort))
	for _, seg := range segments {
		parts = append(parts, transform(seg))
	}

	return filepath.Join(parts...), nil
}

// Entry is one module found by List, with its original reference
// reconstructed from the directory layout and its on-disk location.
type Entry struct {
	Reference string
	LocalPath string
}

// List walks the store and reconstructs every module reference it can find
// under a known remote scheme directory. Unknown top-level entries (stray
// files, unrelated directories) are skipped rather than erroring.
func (s *Store) List() ([]Entry, error) {
	var entries []Entry

	schemeDirs, err := os.ReadDir(s.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading store root: %w", err)
	}

	encode := s.needsEncoding()

	for _, schemeDir := range schemeDirs {
		if !schemeDir.IsDir() || !knownRemoteSchemes[schemeDir.Name()] {
			continue
		}
		scheme := schemeDir.Name()
		schemePath := filepath.Join(s.Root, scheme)

		hostDirs, err := os.ReadDir(schemePath)
		if err != nil {
			return nil, fmt.Errorf("reading scheme directory %q: %w", scheme, err)
		}

		for _, hostDir := range hostDirs {
			hostPath := filepath.Join(schemePath, hostDir.Name())
			host, decodeErr := decodeSegment(hostDir.Name(), encode)
			if decodeErr != nil {
				continue
			}

			err := filepath.WalkDir(hostPath, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					return nil
				}

				rel, err := filepath.Rel(hostPath, p)
				if err != nil {
					return err
				}
				segments := strings.Split(rel, string(filepath.Separator))
				decoded := make([]string, 0, len(segments))
				for _, seg := range segments {
					ds, err := decodeSegment(seg, encode)
					if err != nil {
						return nil // skip undecodable entries rather than fail the whole walk
					}
					decoded = append(decoded, ds)
				}

				reference := fmt.Sprintf("%s://%s/%s", scheme, host, path.Join(decoded...))
				entries = append(entries, Entry{Reference: reference, LocalPath: p})
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("walking host directory %q: %w", hostDir.Name(), err)
			}
		}
	}

	return entries, nil
}

func decodeSegment(segment string, encoded bool) (string, error) {
	if !encoded {
		return segment, nil
	}
	decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(segment)
	if err != nil {
		return "", fmt.Errorf("invalid base64 path segment %q: %w", segment, err)
	}
	return string(decoded), nil
}

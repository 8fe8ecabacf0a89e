// Package tlsconfig builds a hot-reloading server TLS configuration: the
// certificate/key pair and the client-CA pool are re-read from disk and
// swapped in atomically whenever fsnotify reports a change, so the main
// listener never needs to be restarted to pick up a renewed certificate.
// Grounded on internal/pkg/certificates/certificates.go's fsnotify.Watcher
// usage, adapted from that file's one-shot "wait for the initial mount"
// loop into a continuous "reload on every change" loop.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher serves a *tls.Config whose certificate and client-CA pool reload
// from disk on change, exposing GetConfigForClient for
// *tls.Config.GetConfigForClient hot-swap.
type Watcher struct {
	certFile    string
	keyFile     string
	clientCAs   []string
	logger      *slog.Logger
	fileWatcher *fsnotify.Watcher

	current atomic.Pointer[tls.Config]
}

// New builds a Watcher and loads the initial configuration. Every create,
// write or rename event in a watched directory reloads the certificate/key
// pair and all client CA files together; a reload does not wait for both
// the cert and the key to have changed, and a reload that fails (for
// example a new cert whose key has not been written yet) keeps the
// previously loaded configuration in place.
func New(certFile, keyFile string, clientCAFiles []string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fileWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating certificate file watcher: %w", err)
	}

	w := &Watcher{
		certFile:    certFile,
		keyFile:     keyFile,
		clientCAs:   clientCAFiles,
		logger:      logger,
		fileWatcher: fileWatcher,
	}

	for _, dir := range watchedDirs(certFile, keyFile, clientCAFiles) {
		if err := fileWatcher.Add(dir); err != nil {
			fileWatcher.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	if err := w.reload(); err != nil {
		fileWatcher.Close()
		return nil, err
	}

	return w, nil
}

// watchedDirs returns the distinct parent directories of every path being
// watched: fsnotify watches directories, not individual files, so a
// replace-via-rename (the usual way Kubernetes mounts a renewed Secret)
// is observed as a Create event in the directory.
func watchedDirs(certFile, keyFile string, clientCAFiles []string) []string {
	seen := make(map[string]struct{})
	var dirs []string
	add := func(path string) {
		dir := filepath.Dir(path)
		if _, ok := seen[dir]; ok {
			return
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	add(certFile)
	add(keyFile)
	for _, f := range clientCAFiles {
		add(f)
	}
	return dirs
}

// GetConfigForClient is wired into a http.Server's tls.Config so every new
// connection picks up the most recently reloaded certificate and CA pool.
func (w *Watcher) GetConfigForClient(*tls.ClientHelloInfo) (*tls.Config, error) {
	return w.current.Load(), nil
}

// Run watches for file-system events until stop is closed (or the
// watcher's channels close), reloading the whole configuration on every
// create, write or rename event in a watched directory.
func (w *Watcher) Run(stop <-chan struct{}) {
	defer w.fileWatcher.Close()
	for {
		select {
		case <-stop:
			return
		case event, ok := <-w.fileWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := w.reload(); err != nil {
				w.logger.Error("failed to reload TLS configuration", "error", err)
			}
		case err, ok := <-w.fileWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("TLS file watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() error {
	cert, err := tls.LoadX509KeyPair(w.certFile, w.keyFile)
	if err != nil {
		return fmt.Errorf("loading server certificate: %w", err)
	}

	pool, err := loadClientCAs(w.clientCAs)
	if err != nil {
		return fmt.Errorf("loading client CA pool: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if pool != nil {
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	w.current.Store(cfg)
	w.logger.Info("TLS configuration reloaded")
	return nil
}

func loadClientCAs(files []string) (*x509.CertPool, error) {
	if len(files) == 0 {
		return nil, nil
	}
	pool := x509.NewCertPool()
	for _, file := range files {
		pem, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading client CA %s: %w", file, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%s: %w", file, errNoCertificatesFound)
		}
	}
	return pool, nil
}

var errNoCertificatesFound = errors.New("no certificates found in PEM data")

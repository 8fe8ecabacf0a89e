package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeSelfSignedCert(t *testing.T, dir, certFile, keyFile string, serial int64) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "policy-server-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(dir, certFile), certPEM, 0o600))

	keyBytes, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	require.NoError(t, os.WriteFile(filepath.Join(dir, keyFile), keyPEM, 0o600))
}

func TestWatcherLoadsInitialCertificate(t *testing.T) {
	dir := t.TempDir()
	writeSelfSignedCert(t, dir, "tls.crt", "tls.key", 1)

	w, err := New(filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key"), nil, nil)
	require.NoError(t, err)
	defer w.fileWatcher.Close()

	cfg, err := w.GetConfigForClient(nil)
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
}

func TestWatcherReloadPicksUpNewCertificate(t *testing.T) {
	dir := t.TempDir()
	writeSelfSignedCert(t, dir, "tls.crt", "tls.key", 1)

	w, err := New(filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key"), nil, nil)
	require.NoError(t, err)
	defer w.fileWatcher.Close()

	before, err := w.GetConfigForClient(nil)
	require.NoError(t, err)
	beforeLeaf := before.Certificates[0].Certificate[0]

	writeSelfSignedCert(t, dir, "tls.crt", "tls.key", 2)
	require.NoError(t, w.reload())

	after, err := w.GetConfigForClient(nil)
	require.NoError(t, err)
	afterLeaf := after.Certificates[0].Certificate[0]

	require.NotEqual(t, beforeLeaf, afterLeaf)
}

func TestWatcherLoadsClientCAPool(t *testing.T) {
	dir := t.TempDir()
	writeSelfSignedCert(t, dir, "tls.crt", "tls.key", 1)
	writeSelfSignedCert(t, dir, "ca.crt", "ca.key", 2)

	w, err := New(filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key"), []string{filepath.Join(dir, "ca.crt")}, nil)
	require.NoError(t, err)
	defer w.fileWatcher.Close()

	cfg, err := w.GetConfigForClient(nil)
	require.NoError(t, err)
	require.NotNil(t, cfg.ClientCAs)
	require.Equal(t, cfg.ClientAuth.String(), "VerifyClientCertIfGiven")
}

func TestNewFailsOnMissingCertificate(t *testing.T) {
	dir := t.TempDir()
	_, err := New(filepath.Join(dir, "missing.crt"), filepath.Join(dir, "missing.key"), nil, nil)
	require.Error(t, err)
}

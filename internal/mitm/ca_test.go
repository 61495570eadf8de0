package mitm

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCA(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca-cert.pem")
	keyPath := filepath.Join(dir, "ca-key.pem")

	err := GenerateCA(certPath, keyPath, false)
	require.NoError(t, err)

	_, err = os.Stat(certPath)
	require.NoError(t, err)
	_, err = os.Stat(keyPath)
	require.NoError(t, err)

	// Key file must not be readable by other users.
	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// No temporary files left behind by the atomic write.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestGenerateCA_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca-cert.pem")
	keyPath := filepath.Join(dir, "ca-key.pem")

	err := GenerateCA(certPath, keyPath, false)
	require.NoError(t, err)

	err = GenerateCA(certPath, keyPath, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestGenerateCA_ForceOverwrite(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca-cert.pem")
	keyPath := filepath.Join(dir, "ca-key.pem")

	err := GenerateCA(certPath, keyPath, false)
	require.NoError(t, err)

	err = GenerateCA(certPath, keyPath, true)
	require.NoError(t, err)
}

func TestLoadCA(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca-cert.pem")
	keyPath := filepath.Join(dir, "ca-key.pem")

	err := GenerateCA(certPath, keyPath, false)
	require.NoError(t, err)

	ca, err := LoadCA(certPath, keyPath)
	require.NoError(t, err)

	assert.True(t, ca.Cert.IsCA)
	assert.Equal(t, "Peekd Study CA", ca.Cert.Subject.CommonName)
	assert.NotEmpty(t, ca.Fingerprint)
	assert.NotEmpty(t, ca.CertPEM)
	assert.Equal(t, certPath, ca.CertPath)
	assert.IsType(t, &ecdsa.PrivateKey{}, ca.Key)

	// 10-year validity (within a tolerance of 0.1 year).
	validYears := time.Until(ca.NotAfter).Hours() / 24 / 365
	assert.InDelta(t, 10.0, validYears, 0.1)

	assert.Equal(t, elliptic.P256(), ca.Key.Curve)
}

func TestLoadCA_MissingFile(t *testing.T) {
	_, err := LoadCA("/nonexistent/cert.pem", "/nonexistent/key.pem")
	require.Error(t, err)
}

func TestLoadOrCreateCA_GeneratesWhenMissing(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca-cert.pem")
	keyPath := filepath.Join(dir, "ca-key.pem")

	ca, err := LoadOrCreateCA(certPath, keyPath)
	require.NoError(t, err)
	require.NotNil(t, ca)

	// A second call loads the same material rather than regenerating.
	again, err := LoadOrCreateCA(certPath, keyPath)
	require.NoError(t, err)
	assert.Equal(t, ca.Cert.SerialNumber, again.Cert.SerialNumber)
	assert.Equal(t, ca.Fingerprint, again.Fingerprint)
}

func TestLoadOrCreateCA_RejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca-cert.pem")
	keyPath := filepath.Join(dir, "ca-key.pem")

	require.NoError(t, os.WriteFile(certPath, []byte("not a certificate"), 0o644))
	require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0o600))

	_, err := LoadOrCreateCA(certPath, keyPath)
	require.Error(t, err)

	// The malformed files are still there, untouched.
	data, readErr := os.ReadFile(certPath)
	require.NoError(t, readErr)
	assert.Equal(t, "not a certificate", string(data))
}

func TestSHA256Fingerprint(t *testing.T) {
	ca := generateTestCA(t)
	// 32 bytes = 64 hex chars + 31 colons = 95 chars.
	assert.Len(t, ca.Fingerprint, 95)
	assert.Contains(t, ca.Fingerprint, ":")

	for _, c := range ca.Fingerprint {
		assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || c == ':',
			"unexpected char in fingerprint: %c", c)
	}
}

// generateTestCA creates a CA for testing.
func generateTestCA(t *testing.T) *CA {
	t.Helper()
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca-cert.pem")
	keyPath := filepath.Join(dir, "ca-key.pem")

	err := GenerateCA(certPath, keyPath, false)
	require.NoError(t, err)

	ca, err := LoadCA(certPath, keyPath)
	require.NoError(t, err)
	return ca
}

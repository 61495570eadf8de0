/*
Package mitm implements per-domain TLS interception for the proxy.

It provides CA material loading and generation, dynamic leaf certificate
issuance, and the certificate cache the proxy pulls server identities from
when it terminates a client TLS session.
*/
package mitm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"
)

// caSubjectCN is the Common Name on generated CA certificates.
const caSubjectCN = "Peekd Study CA"

// CA holds a loaded Certificate Authority certificate and private key.
type CA struct {
	Cert        *x509.Certificate
	Key         *ecdsa.PrivateKey
	CertPEM     []byte // Raw PEM bytes for serving at /peekd/ca.pem
	CertPath    string // Path of the certificate file (for trust-store installers)
	Fingerprint string // SHA-256 fingerprint (hex-encoded, colon-separated)
	NotAfter    time.Time
}

// LoadOrCreateCA loads CA material from the given PEM files, generating a
// fresh CA first if either file is missing. Files that exist but fail to
// parse are never overwritten; the parse error is surfaced instead.
func LoadOrCreateCA(certPath, keyPath string) (*CA, error) {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)

	if os.IsNotExist(certErr) || os.IsNotExist(keyErr) {
		if err := GenerateCA(certPath, keyPath, true); err != nil {
			return nil, err
		}
	}

	return LoadCA(certPath, keyPath)
}

// GenerateCA creates a new CA certificate and private key, writing them
// to certPath and keyPath as PEM files. Returns an error if either file
// already exists and force is false.
func GenerateCA(certPath, keyPath string, force bool) error {
	if !force {
		if _, err := os.Stat(certPath); err == nil {
			return fmt.Errorf("CA certificate already exists at %s (use --force to overwrite)", certPath)
		}
		if _, err := os.Stat(keyPath); err == nil {
			return fmt.Errorf("CA private key already exists at %s (use --force to overwrite)", keyPath)
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return fmt.Errorf("generate CA serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: caSubjectCN,
		},
		NotBefore:             now.Add(-1 * time.Hour), // backdated to avoid clock skew issues
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := writeFileAtomic(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write CA certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal CA key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := writeFileAtomic(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	return nil
}

// writeFileAtomic writes data to a temporary file next to path, flushes it,
// sets mode, and renames it into place.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// LoadCA reads a CA certificate and private key from PEM files.
func LoadCA(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate %s: %w", certPath, err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("CA certificate %s: invalid PEM (expected CERTIFICATE block)", certPath)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate %s: %w", certPath, err)
	}

	if !cert.IsCA {
		return nil, fmt.Errorf("CA certificate %s: not a CA certificate (BasicConstraints CA flag not set)", certPath)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key %s: %w", keyPath, err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("CA key %s: invalid PEM", keyPath)
	}

	var key *ecdsa.PrivateKey
	switch keyBlock.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse CA key %s: %w", keyPath, err)
		}
	case "PRIVATE KEY":
		parsed, perr := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if perr != nil {
			return nil, fmt.Errorf("parse CA key %s: %w", keyPath, perr)
		}
		ec, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("CA key %s: not an ECDSA key", keyPath)
		}
		key = ec
	default:
		return nil, fmt.Errorf("CA key %s: invalid PEM (expected EC PRIVATE KEY or PRIVATE KEY block)", keyPath)
	}

	fingerprint := sha256Fingerprint(cert.Raw)

	return &CA{
		Cert:        cert,
		Key:         key,
		CertPEM:     certPEM,
		CertPath:    certPath,
		Fingerprint: fingerprint,
		NotAfter:    cert.NotAfter,
	}, nil
}

// Sign issues a certificate for the given template and public key under the
// CA. Safe for concurrent use: signing reads only the CA key, and callers
// supply a fresh random serial in the template.
func (ca *CA) Sign(template *x509.Certificate, pub crypto.PublicKey) ([]byte, error) {
	return x509.CreateCertificate(rand.Reader, template, ca.Cert, pub, ca.Key)
}

// sha256Fingerprint returns the SHA-256 fingerprint of DER-encoded certificate bytes.
func sha256Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	out := make([]byte, 0, len(sum)*3-1)
	for i, b := range sum {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, "0123456789abcdef"[b>>4], "0123456789abcdef"[b&0xf])
	}
	return string(out)
}

// randomSerial generates a random 128-bit serial number for certificates.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

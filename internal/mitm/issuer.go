package mitm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Leaf certificates are minted well inside the 398-day CA/Browser Forum
// ceiling and backdated slightly against clock skew.
const (
	leafValidity = 397 * 24 * time.Hour
	leafBackdate = 60 * time.Second
)

// KeyType selects the algorithm for fresh leaf key pairs.
type KeyType string

const (
	// KeyECDSA is the default: ECDSA over P-256.
	KeyECDSA KeyType = "ecdsa"
	// KeyRSA generates RSA-2048 leaves for clients that cannot do ECDSA.
	KeyRSA KeyType = "rsa"
)

// Issuer mints and caches per-hostname leaf certificates signed by a CA.
// Certificates are cached for the process lifetime; concurrent requests
// for the same hostname share a single mint.
type Issuer struct {
	ca      *CA
	keyType KeyType

	mu    sync.RWMutex
	certs map[string]*tls.Certificate

	mint singleflight.Group
}

// NewIssuer creates a leaf issuer backed by the given CA. keyType selects
// the leaf key algorithm; empty means ECDSA.
func NewIssuer(ca *CA, keyType KeyType) *Issuer {
	if keyType == "" {
		keyType = KeyECDSA
	}
	return &Issuer{
		ca:      ca,
		keyType: keyType,
		certs:   make(map[string]*tls.Certificate),
	}
}

// Leaf returns the TLS certificate for the given hostname, minting and
// caching one on first use. The certificate chain is [leaf, ca] so clients
// see the issuer during the handshake. Repeated calls for the same
// hostname return the same certificate.
func (is *Issuer) Leaf(hostname string) (*tls.Certificate, error) {
	hostname = strings.ToLower(hostname)

	is.mu.RLock()
	cert, ok := is.certs[hostname]
	is.mu.RUnlock()
	if ok {
		return cert, nil
	}

	// Collapse concurrent mints for the same hostname onto one signing
	// operation; every waiter receives the same certificate or the same error.
	v, err, _ := is.mint.Do(hostname, func() (any, error) {
		is.mu.RLock()
		cached, hit := is.certs[hostname]
		is.mu.RUnlock()
		if hit {
			return cached, nil
		}

		minted, mintErr := is.mintLeaf(hostname)
		if mintErr != nil {
			return nil, mintErr
		}

		is.mu.Lock()
		is.certs[hostname] = minted
		is.mu.Unlock()
		return minted, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

// Cached returns the number of hostnames with a minted certificate.
func (is *Issuer) Cached() int {
	is.mu.RLock()
	defer is.mu.RUnlock()
	return len(is.certs)
}

// mintLeaf creates a new leaf certificate for the given hostname.
func (is *Issuer) mintLeaf(hostname string) (*tls.Certificate, error) {
	key, pub, err := is.generateKey()
	if err != nil {
		return nil, fmt.Errorf("generate leaf key for %s: %w", hostname, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate leaf serial for %s: %w", hostname, err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: hostname,
		},
		NotBefore:             now.Add(-leafBackdate),
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{hostname}
	}

	certDER, err := is.ca.Sign(template, pub)
	if err != nil {
		return nil, fmt.Errorf("sign leaf certificate for %s: %w", hostname, err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate for %s: %w", hostname, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, is.ca.Cert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// generateKey creates a fresh leaf key pair per the configured key type.
func (is *Issuer) generateKey() (crypto.PrivateKey, crypto.PublicKey, error) {
	switch is.keyType {
	case KeyRSA:
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, nil, err
		}
		return key, &key.PublicKey, nil
	default:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return key, &key.PublicKey, nil
	}
}

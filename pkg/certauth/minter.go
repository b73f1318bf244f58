// Package certauth mints per-hostname leaf TLS certificates signed by a
// caller-supplied CA, for MITM termination. Grounded on the teacher's
// pkg/proxy/ca.go (CAManager.GenerateHostCert, its LRU cache) and
// pkg/tls/certgen.go, with two deliberate departures required by §4.9/§1:
// the CA itself is never generated here (bootstrapping a CA is a Non-goal —
// the caller always supplies key+cert), and the cache never evicts for the
// life of the Minter, since reset() must not disturb certificate stability
// across a test run.
package certauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"
)

// Minter mints leaf certificates on demand, signed by a CA loaded via Load
// or LoadFromPEM.
type Minter struct {
	mu sync.Mutex

	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	caTLS  tls.Certificate

	cache map[string]*tls.Certificate
}

// New returns an unconfigured Minter; call Load or LoadFromPEM before use.
func New() *Minter {
	return &Minter{cache: make(map[string]*tls.Certificate)}
}

// LoadFromPEM installs the CA from in-memory PEM-encoded cert and key
// material, as the caller-supplied source of trust (§4.9, §1 Non-goals).
func (m *Minter) LoadFromPEM(certPEM, keyPEM []byte) error {
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("certauth: parse CA key pair: %w", err)
	}
	caCert, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return fmt.Errorf("certauth: parse CA certificate: %w", err)
	}
	rsaKey, ok := tlsCert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return errors.New("certauth: CA private key must be RSA")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.caCert = caCert
	m.caKey = rsaKey
	m.caTLS = tlsCert
	m.cache = make(map[string]*tls.Certificate)
	return nil
}

// LoadFromFiles reads PEM-encoded CA cert/key material from disk.
func (m *Minter) LoadFromFiles(certPath, keyPath string) error {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return fmt.Errorf("certauth: read CA cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("certauth: read CA key: %w", err)
	}
	return m.LoadFromPEM(certPEM, keyPEM)
}

// CAPEM returns the CA certificate in PEM form, for clients that need to
// add it to their trust store.
func (m *Minter) CAPEM() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.caCert == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.caCert.Raw})
}

// CertFor mints (or returns a cached) leaf certificate for hostname, whose
// SAN list includes hostname and, when wildcardParent is true, the
// "*.<hostname>" wildcard form. Cache key is hostname alone: a host either
// always wants its wildcard parent or never does within one server's
// lifetime, so the flag does not need to be part of the key.
func (m *Minter) CertFor(hostname string, wildcardParent bool) (*tls.Certificate, error) {
	m.mu.Lock()
	if cert, ok := m.cache[hostname]; ok {
		m.mu.Unlock()
		return cert, nil
	}
	if m.caCert == nil || m.caKey == nil {
		m.mu.Unlock()
		return nil, errors.New("certauth: no CA loaded")
	}
	m.mu.Unlock()

	cert, err := m.mint(hostname, wildcardParent)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	// Double-checked: another goroutine may have minted the same host while
	// we were outside the lock.
	if existing, ok := m.cache[hostname]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.cache[hostname] = cert
	m.mu.Unlock()
	return cert, nil
}

func (m *Minter) mint(hostname string, wildcardParent bool) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("certauth: generate leaf key: %w", err)
	}

	serial := serialFor(hostname, m.caCert.SerialNumber)

	sans := []string{hostname}
	if wildcardParent {
		sans = append(sans, "*."+strings.TrimPrefix(hostname, "*."))
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    now.Add(-1 * time.Hour),
		NotAfter:     now.AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     sans,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, m.caCert, &key.PublicKey, m.caKey)
	if err != nil {
		return nil, fmt.Errorf("certauth: sign leaf certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, m.caCert.Raw},
		PrivateKey:  key,
	}, nil
}

// serialFor derives a deterministic serial from the hostname and the CA's
// own serial, per §4.9 ("serial = hash(hostname, CA serial)").
func serialFor(hostname string, caSerial *big.Int) *big.Int {
	h := sha256.New()
	h.Write([]byte(hostname))
	h.Write(caSerial.Bytes())
	sum := h.Sum(nil)
	// Top bit clear keeps the result positive as a certificate serial must be.
	sum[0] &= 0x7f
	return new(big.Int).SetBytes(sum)
}

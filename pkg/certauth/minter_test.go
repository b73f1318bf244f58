package certauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// generateTestCA builds a throwaway self-signed CA purely for test fixtures.
// This is not production CA bootstrapping (a Non-goal per §1) — callers of
// Minter always supply their own CA.
func generateTestCA(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM
}

func TestCertForMintsAndCaches(t *testing.T) {
	certPEM, keyPEM := generateTestCA(t)
	m := New()
	require.NoError(t, m.LoadFromPEM(certPEM, keyPEM))

	cert1, err := m.CertFor("example.test", false)
	require.NoError(t, err)
	cert2, err := m.CertFor("example.test", false)
	require.NoError(t, err)
	require.Same(t, cert1, cert2, "second CertFor call should hit the cache")

	leaf, err := x509.ParseCertificate(cert1.Certificate[0])
	require.NoError(t, err)
	require.Equal(t, "example.test", leaf.Subject.CommonName)
	require.Contains(t, leaf.DNSNames, "example.test")
	require.True(t, leaf.NotBefore.Before(time.Now()))
	require.True(t, leaf.NotAfter.After(time.Now().AddDate(0, 11, 0)))
}

func TestCertForWildcardParent(t *testing.T) {
	certPEM, keyPEM := generateTestCA(t)
	m := New()
	require.NoError(t, m.LoadFromPEM(certPEM, keyPEM))

	cert, err := m.CertFor("api.example.test", true)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	require.Contains(t, leaf.DNSNames, "api.example.test")
	require.Contains(t, leaf.DNSNames, "*.api.example.test")
}

func TestCertForWithoutCAErrors(t *testing.T) {
	m := New()
	_, err := m.CertFor("example.test", false)
	require.Error(t, err)
}

func TestCertChainVerifiesAgainstCA(t *testing.T) {
	certPEM, keyPEM := generateTestCA(t)
	m := New()
	require.NoError(t, m.LoadFromPEM(certPEM, keyPEM))

	leafCert, err := m.CertFor("example.test", false)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(m.CAPEM())

	leaf, err := x509.ParseCertificate(leafCert.Certificate[0])
	require.NoError(t, err)

	_, err = leaf.Verify(x509.VerifyOptions{
		DNSName: "example.test",
		Roots:   pool,
	})
	require.NoError(t, err)

	var _ tls.Certificate = *leafCert
}

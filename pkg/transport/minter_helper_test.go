package transport

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/getmockd/mockproxy/pkg/certauth"
	"github.com/stretchr/testify/require"
)

// newTestMinter builds a throwaway CA and a certauth.Minter loaded from it,
// purely for test fixtures — this is not the production bootstrap path,
// which never generates a CA (see pkg/certauth).
func newTestMinter(t *testing.T) (*certauth.Minter, *x509.Certificate) {
	t.Helper()

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})
	keyDER := x509.MarshalPKCS1PrivateKey(caKey)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER})

	m := certauth.New()
	require.NoError(t, m.LoadFromPEM(certPEM, keyPEM))
	return m, caCert
}

func newBufioReader(r io.Reader) *bufio.Reader {
	return bufio.NewReader(r)
}

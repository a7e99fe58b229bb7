package certs

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	certutil "k8s.io/client-go/util/cert"
)

func TestGenerate_CoversLocalhostHosts(t *testing.T) {
	b, err := Generate()
	require.NoError(t, err)

	_, err = b.TLSCertificate()
	require.NoError(t, err)

	certs, err := certutil.ParseCertsPEM(b.CertPEM)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}

	for _, host := range []string{"localhost", "prod.localhost", "127.0.0.1"} {
		_, err := certs[0].Verify(x509.VerifyOptions{DNSName: host, Roots: pool})
		assert.NoError(t, err, host)
	}
	_, err = certs[0].Verify(x509.VerifyOptions{DNSName: "example.com", Roots: pool})
	assert.Error(t, err)
}

func TestLoadOrCreate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	now := time.Now()

	first, err := LoadOrCreate(dir, now)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, CertFile))
	assert.FileExists(t, filepath.Join(dir, KeyFile))

	second, err := LoadOrCreate(dir, now)
	require.NoError(t, err)
	assert.Equal(t, first.CertPEM, second.CertPEM, "existing certificate is reused")

	// Close to expiry the certificate is replaced.
	third, err := LoadOrCreate(dir, first.NotAfter.Add(-time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, first.CertPEM, third.CertPEM)
}

func TestLoadOrCreate_ReplacesGarbage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, CertFile), []byte("garbage"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, KeyFile), []byte("garbage"), 0o600))

	b, err := LoadOrCreate(dir, time.Now())
	require.NoError(t, err)
	_, err = b.TLSCertificate()
	assert.NoError(t, err)
}

// Package certs provides the self-signed serving certificate shared by the
// local HTTPS listener and every auth proxy.
package certs

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	certutil "k8s.io/client-go/util/cert"
	"k8s.io/client-go/util/keyutil"

	"clusterproxy/pkg/logging"
)

const (
	CertFile = "proxy.crt"
	KeyFile  = "proxy.key"

	// RenewBefore regenerates certificates this close to expiry.
	RenewBefore = 30 * 24 * time.Hour
)

// Bundle is a PEM encoded certificate chain and its private key. The chain
// includes the self-signed CA, so CertPEM also works as a CA bundle.
type Bundle struct {
	CertPEM  []byte
	KeyPEM   []byte
	NotAfter time.Time
}

// TLSCertificate returns the bundle as a tls.Certificate.
func (b Bundle) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(b.CertPEM, b.KeyPEM)
}

// Generate creates a new bundle valid for localhost, *.localhost and the
// loopback addresses.
func Generate() (Bundle, error) {
	certPEM, keyPEM, err := certutil.GenerateSelfSignedCertKey(
		"localhost",
		[]net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		[]string{"*.localhost"},
	)
	if err != nil {
		return Bundle{}, fmt.Errorf("failed to generate certificate: %w", err)
	}
	return parse(certPEM, keyPEM)
}

func parse(certPEM, keyPEM []byte) (Bundle, error) {
	certs, err := certutil.ParseCertsPEM(certPEM)
	if err != nil {
		return Bundle{}, fmt.Errorf("failed to parse certificate: %w", err)
	}
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return Bundle{}, fmt.Errorf("certificate and key do not match: %w", err)
	}
	return Bundle{CertPEM: certPEM, KeyPEM: keyPEM, NotAfter: certs[0].NotAfter}, nil
}

// LoadOrCreate loads the bundle from dir, generating and saving a new one if
// none exists or the existing one is about to expire.
func LoadOrCreate(dir string, now time.Time) (Bundle, error) {
	certPath := filepath.Join(dir, CertFile)
	keyPath := filepath.Join(dir, KeyFile)

	b, err := load(certPath, keyPath)
	switch {
	case err == nil && now.Add(RenewBefore).Before(b.NotAfter):
		logging.Debug("Certs", "Using certificate %s (expires %s)", certPath, b.NotAfter.Format(time.RFC3339))
		return b, nil
	case err == nil:
		logging.Info("Certs", "Certificate %s expires %s, regenerating", certPath, b.NotAfter.Format(time.RFC3339))
	case errors.Is(err, os.ErrNotExist):
		logging.Info("Certs", "No certificate in %s, generating one", dir)
	default:
		logging.Warn("Certs", "Discarding unusable certificate in %s: %v", dir, err)
	}

	b, err = Generate()
	if err != nil {
		return Bundle{}, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Bundle{}, fmt.Errorf("failed to create certificate directory %s: %w", dir, err)
	}
	if err := certutil.WriteCert(certPath, b.CertPEM); err != nil {
		return Bundle{}, fmt.Errorf("failed to write %s: %w", certPath, err)
	}
	if err := keyutil.WriteKey(keyPath, b.KeyPEM); err != nil {
		return Bundle{}, fmt.Errorf("failed to write %s: %w", keyPath, err)
	}
	return b, nil
}

func load(certPath, keyPath string) (Bundle, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return Bundle{}, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return Bundle{}, err
	}
	return parse(certPEM, keyPEM)
}

// Package tlsutil loads the broker's TLS certificate pair and computes the
// fingerprint embedded in a pairing bundle.
package tlsutil

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/streamlinux/streamlinux/internal/logging"
)

var log = logging.L("tlsutil")

// LoadCertPair reads a PEM certificate and key from disk.
func LoadCertPair(certPath, keyPath string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: load key pair: %w", err)
	}
	return &cert, nil
}

// BuildServerConfig returns a *tls.Config for the broker's listener. Returns
// nil, nil if either path is empty (the caller must then refuse to bind to
// a non-loopback address when running without TLS).
func BuildServerConfig(certPath, keyPath string) (*tls.Config, error) {
	if certPath == "" || keyPath == "" {
		return nil, nil
	}
	cert, err := LoadCertPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{*cert}, MinVersion: tls.VersionTLS12}, nil
}

func loadLeaf(certPath string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: read cert: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("tlsutil: no PEM block found in %s", certPath)
	}
	return x509.ParseCertificate(block.Bytes)
}

// Fingerprint computes the SHA-256 fingerprint of the leaf certificate at
// certPath, hex-encoded, for embedding in a PairingBundle.
func Fingerprint(certPath string) (string, error) {
	cert, err := loadLeaf(certPath)
	if err != nil {
		return "", fmt.Errorf("tlsutil: parse certificate: %w", err)
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:]), nil
}

// CertExpired reports whether the leaf certificate at certPath has already
// expired. Fails closed: an unparseable certificate is reported as expired.
func CertExpired(certPath string) bool {
	cert, err := loadLeaf(certPath)
	if err != nil {
		log.Warn("unable to inspect certificate, treating as expired for safety", "cert", certPath, "error", err)
		return true
	}
	return time.Now().After(cert.NotAfter)
}

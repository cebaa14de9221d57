// Package tlsutil provides the TLS material the transport fabric's QUIC
// listener requires: either a self-signed certificate generated at boot,
// or a certificate/key pair loaded from disk when a cert or key path is
// configured. The self-signing path covers local/dev runs that never configure
// a real certificate; the load-from-disk path covers production.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// Config is the TLS-related configuration surface threaded in from flags.
type Config struct {
	RequireTLS bool
	CertPath   string
	KeyPath    string
	Hostname   string        // used as CN/SAN when self-signing
	Validity   time.Duration // self-signed certificate lifetime
}

// Resolve produces a *tls.Config for the transport listener per Config:
// a configured cert/key pair takes precedence; otherwise a self-signed
// certificate is generated, unless RequireTLS demands real material that
// was never supplied. Returns the certificate's SHA-256 fingerprint
// alongside the config for operators to verify out of band.
func Resolve(cfg Config) (*tls.Config, string, error) {
	if cfg.CertPath != "" || cfg.KeyPath != "" {
		return LoadFromFiles(cfg.CertPath, cfg.KeyPath)
	}
	if cfg.RequireTLS {
		return nil, "", fmt.Errorf("tlsutil: require_tls is set but no tls_cert_path/tls_key_path configured")
	}
	validity := cfg.Validity
	if validity <= 0 {
		validity = 24 * time.Hour
	}
	return GenerateSelfSigned(validity, cfg.Hostname)
}

// LoadFromFiles reads a PEM certificate/key pair from disk.
func LoadFromFiles(certPath, keyPath string) (*tls.Config, string, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, "", fmt.Errorf("tlsutil: load key pair: %w", err)
	}
	fingerprint := ""
	if len(cert.Certificate) > 0 {
		sum := sha256.Sum256(cert.Certificate[0])
		fingerprint = hex.EncodeToString(sum[:])
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, fingerprint, nil
}

// GenerateSelfSigned creates a self-signed TLS certificate valid for
// validity, with hostname (or "raceserver" if empty) as the common name;
// the DNS SANs are "localhost" plus hostname when one is given. Returns the
// tls.Config, its SHA-256 fingerprint, and any error.
func GenerateSelfSigned(validity time.Duration, hostname string) (*tls.Config, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("tlsutil: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", fmt.Errorf("tlsutil: generate serial: %w", err)
	}

	cn := "raceserver"
	if hostname != "" {
		cn = hostname
	}
	sans := []string{"localhost"}
	if hostname != "" && hostname != "localhost" {
		sans = append(sans, hostname)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              sans,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, "", fmt.Errorf("tlsutil: create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, "", fmt.Errorf("tlsutil: parse certificate: %w", err)
	}

	fp := sha256.Sum256(certDER)
	fingerprint := hex.EncodeToString(fp[:])

	tlsCert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        cert,
	}
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}}, fingerprint, nil
}

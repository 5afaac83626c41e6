// Package cert bootstraps a private CA and a server certificate for the
// agent channel when no operator-supplied certificates exist yet.
package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	caValidity     = 10 * 365 * 24 * time.Hour
	serverValidity = 365 * 24 * time.Hour
)

type Config struct {
	Enabled     bool     `mapstructure:"enabled"`
	CAKeyFile   string   `mapstructure:"ca_key_file"`
	DomainNames []string `mapstructure:"domain_names"`
	IPAddresses []string `mapstructure:"ip_addresses"`
}

// Paths locates the four PEM files managed by Ensure.
type Paths struct {
	CACert     string
	CAKey      string
	ServerCert string
	ServerKey  string
}

// Ensure creates whatever is missing: the CA pair first, then a server pair
// signed by it. Existing files are never overwritten.
func Ensure(paths Paths, config Config) error {
	if paths.CACert == "" || paths.CAKey == "" || paths.ServerCert == "" || paths.ServerKey == "" {
		return fmt.Errorf("all certificate paths are required")
	}

	domains := config.DomainNames
	if len(domains) == 0 {
		domains = []string{"localhost"}
	}
	ips, err := parseIPs(config.IPAddresses)
	if err != nil {
		return err
	}

	var caCert *x509.Certificate
	var caKey crypto.Signer

	if fileExists(paths.CACert) && fileExists(paths.CAKey) {
		slog.Debug("Using existing CA certificate", "cert_path", paths.CACert)
		caCert, caKey, err = loadPair(paths.CACert, paths.CAKey)
		if err != nil {
			return fmt.Errorf("failed to load existing CA certificate: %w", err)
		}
	} else {
		slog.Info("CA certificate not found, generating new CA", "cert_path", paths.CACert)
		caCert, caKey, err = generateCA()
		if err != nil {
			return fmt.Errorf("failed to generate CA certificate: %w", err)
		}
		if err := writePair(caCert, caKey, paths.CACert, paths.CAKey); err != nil {
			return err
		}
	}

	if fileExists(paths.ServerCert) && fileExists(paths.ServerKey) {
		slog.Debug("Using existing server certificate", "cert_path", paths.ServerCert)
		return nil
	}

	slog.Info("Server certificate not found, generating new server certificate",
		"cert_path", paths.ServerCert,
		"domains", domains,
		"ips", ips)

	serverCert, serverKey, err := generateServerCert(caCert, caKey, domains, ips)
	if err != nil {
		return fmt.Errorf("failed to generate server certificate: %w", err)
	}
	return writePair(serverCert, serverKey, paths.ServerCert, paths.ServerKey)
}

func generateCA() (*x509.Certificate, crypto.Signer, error) {
	template := &x509.Certificate{
		Subject: pkix.Name{
			Organization: []string{"Silo Desktop CA"},
			CommonName:   "Silo Desktop Root CA",
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	return sign(template, nil, nil)
}

func generateServerCert(caCert *x509.Certificate, caKey crypto.Signer, domains []string, ips []net.IP) (*x509.Certificate, crypto.Signer, error) {
	template := &x509.Certificate{
		Subject: pkix.Name{
			Organization: []string{"Silo Desktop"},
			CommonName:   domains[0],
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(serverValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              domains,
		IPAddresses:           ips,
	}
	return sign(template, caCert, caKey)
}

// sign self-signs template when parent is nil.
func sign(template, parent *x509.Certificate, parentKey crypto.Signer) (*x509.Certificate, crypto.Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	template.SerialNumber = serial

	if parent == nil {
		parent, parentKey = template, key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, key.Public(), parentKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, key, nil
}

func loadPair(certPath, keyPath string) (*x509.Certificate, crypto.Signer, error) {
	certBytes, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	certBlock, _ := pem.Decode(certBytes)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read key: %w", err)
	}
	keyBlock, _ := pem.Decode(keyBytes)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("failed to decode key PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse key: %w", err)
	}
	key, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("key cannot sign")
	}

	return cert, key, nil
}

func writePair(cert *x509.Certificate, key crypto.Signer, certPath, keyPath string) error {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", cert.Raw, 0644); err != nil {
		return err
	}
	if err := writePEM(keyPath, "PRIVATE KEY", keyBytes, 0600); err != nil {
		return err
	}

	slog.Info("Generated certificate", "cert_path", certPath, "key_path", keyPath)
	return nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func parseIPs(in []string) ([]net.IP, error) {
	if len(in) == 0 {
		return []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}, nil
	}
	out := make([]net.IP, 0, len(in))
	for _, s := range in {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address: %s", s)
		}
		out = append(out, ip)
	}
	return out, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

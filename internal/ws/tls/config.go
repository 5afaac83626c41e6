package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
)

type Config struct {
	Enabled            bool   `mapstructure:"enabled"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	CAFile             string `mapstructure:"ca_file"`
	ClientAuth         string `mapstructure:"client_auth"`
	ServerNameOverride string `mapstructure:"server_name_override"`
}

// ServerConfig builds the listener TLS config, or nil when TLS is disabled.
func (c Config) ServerConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	clientAuth, err := ParseClientAuthType(c.ClientAuth)
	if err != nil {
		return nil, err
	}
	return LoadServerConfig(c.CertFile, c.KeyFile, c.CAFile, clientAuth)
}

// ClientConfig builds the dialer TLS config, or nil when TLS is disabled.
func (c Config) ClientConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	return LoadClientConfig(c.CertFile, c.KeyFile, c.CAFile, c.ServerNameOverride)
}

func LoadServerConfig(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   clientAuth,
		MinVersion:   tls.VersionTLS12,
	}

	if clientAuth != tls.NoClientCert {
		caPool, err := loadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		config.ClientCAs = caPool
	}

	return config, nil
}

// LoadClientConfig trusts caFile when given and presents a client
// certificate when certFile is set; otherwise system roots are used.
func LoadClientConfig(certFile, keyFile, caFile, serverNameOverride string) (*tls.Config, error) {
	config := &tls.Config{MinVersion: tls.VersionTLS12}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	if caFile != "" {
		caPool, err := loadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		config.RootCAs = caPool
	}

	if serverNameOverride != "" {
		config.ServerName = serverNameOverride
	}

	return config, nil
}

// GRPCCredentials wraps a server TLS config for the gRPC listener. A nil
// config yields nil credentials, meaning plaintext.
func GRPCCredentials(config *tls.Config) credentials.TransportCredentials {
	if config == nil {
		return nil
	}
	return credentials.NewTLS(config)
}

func ParseClientAuthType(authType string) (tls.ClientAuthType, error) {
	switch authType {
	case "", "none":
		return tls.NoClientCert, nil
	case "request":
		return tls.RequestClientCert, nil
	case "require":
		return tls.RequireAndVerifyClientCert, nil
	default:
		return tls.NoClientCert, fmt.Errorf("invalid client auth type: %s (valid: none, request, require)", authType)
	}
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	ca, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("failed to append CA certificate")
	}
	return caPool, nil
}

package cert

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	wstls "github.com/EternisAI/silo-desktop/internal/ws/tls"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPaths(dir string) Paths {
	return Paths{
		CACert:     filepath.Join(dir, "ca", "ca-cert.pem"),
		CAKey:      filepath.Join(dir, "ca", "ca-key.pem"),
		ServerCert: filepath.Join(dir, "server", "server-cert.pem"),
		ServerKey:  filepath.Join(dir, "server", "server-key.pem"),
	}
}

func readCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestEnsure_GeneratesChain(t *testing.T) {
	paths := testPaths(t.TempDir())
	require.NoError(t, Ensure(paths, Config{DomainNames: []string{"silo.local"}}))

	ca := readCert(t, paths.CACert)
	server := readCert(t, paths.ServerCert)
	assert.True(t, ca.IsCA)
	assert.Equal(t, "silo.local", server.Subject.CommonName)

	roots := x509.NewCertPool()
	roots.AddCert(ca)
	_, err := server.Verify(x509.VerifyOptions{Roots: roots, DNSName: "silo.local"})
	assert.NoError(t, err)
	_, err = server.Verify(x509.VerifyOptions{Roots: roots, DNSName: "127.0.0.1"})
	assert.NoError(t, err)

	info, err := os.Stat(paths.ServerKey)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	_, err = wstls.LoadServerConfig(paths.ServerCert, paths.ServerKey, "", 0)
	assert.NoError(t, err)
}

func TestEnsure_KeepsExistingFiles(t *testing.T) {
	paths := testPaths(t.TempDir())
	require.NoError(t, Ensure(paths, Config{}))

	caBefore, err := os.ReadFile(paths.CACert)
	require.NoError(t, err)
	serverBefore, err := os.ReadFile(paths.ServerCert)
	require.NoError(t, err)

	require.NoError(t, Ensure(paths, Config{}))

	caAfter, _ := os.ReadFile(paths.CACert)
	serverAfter, _ := os.ReadFile(paths.ServerCert)
	assert.Equal(t, caBefore, caAfter)
	assert.Equal(t, serverBefore, serverAfter)
}

func TestEnsure_ReissuesServerFromExistingCA(t *testing.T) {
	paths := testPaths(t.TempDir())
	require.NoError(t, Ensure(paths, Config{}))
	caBefore, err := os.ReadFile(paths.CACert)
	require.NoError(t, err)

	require.NoError(t, os.Remove(paths.ServerCert))
	require.NoError(t, Ensure(paths, Config{}))

	caAfter, _ := os.ReadFile(paths.CACert)
	assert.Equal(t, caBefore, caAfter)

	roots := x509.NewCertPool()
	roots.AddCert(readCert(t, paths.CACert))
	_, err = readCert(t, paths.ServerCert).Verify(x509.VerifyOptions{Roots: roots, DNSName: "localhost"})
	assert.NoError(t, err)
}

func TestEnsure_Validation(t *testing.T) {
	assert.Error(t, Ensure(Paths{}, Config{}))

	paths := testPaths(t.TempDir())
	assert.Error(t, Ensure(paths, Config{IPAddresses: []string{"not-an-ip"}}))
}

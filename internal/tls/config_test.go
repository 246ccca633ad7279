package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSigned(t *testing.T) {
	tmpDir := t.TempDir()
	certFile := filepath.Join(tmpDir, "sub", "gen.crt")
	keyFile := filepath.Join(tmpDir, "sub", "gen.key")

	require.NoError(t, GenerateSelfSigned(certFile, keyFile, []string{"console.example.org", "192.0.2.10", "localhost"}, 365))

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(certFile)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	assert.Contains(t, cert.DNSNames, "console.example.org")
	assert.Contains(t, cert.DNSNames, "localhost")
	assert.NotContains(t, cert.DNSNames, "192.0.2.10")
	var hasIP bool
	for _, ip := range cert.IPAddresses {
		if ip.Equal(net.ParseIP("192.0.2.10")) {
			hasIP = true
		}
	}
	assert.True(t, hasIP, "address hosts become IP SANs")
}

func TestNewReloader_InvalidPath(t *testing.T) {
	tmpDir := t.TempDir()
	certFile := filepath.Join(tmpDir, "broken.crt")
	require.NoError(t, os.WriteFile(certFile, []byte("not a certificate"), 0o644))

	_, err := NewReloader(certFile, filepath.Join(tmpDir, "missing.key"), nil)
	assert.Error(t, err)
}

func TestReloader(t *testing.T) {
	tmpDir := t.TempDir()
	certFile := filepath.Join(tmpDir, "ensure.crt")
	keyFile := filepath.Join(tmpDir, "ensure.key")

	r, err := NewReloader(certFile, keyFile, nil)
	require.NoError(t, err)
	first := r.Certificate()
	require.NotNil(t, first)
	assert.False(t, r.NotAfter().IsZero())

	again, err := NewReloader(certFile, keyFile, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], again.Certificate().Certificate[0], "existing certificate is reused")

	// Replace the pair on disk and pick it up without a restart.
	require.NoError(t, GenerateSelfSigned(certFile, keyFile, []string{"renewed.example.org"}, 30))
	require.NoError(t, r.Reload())
	assert.NotEqual(t, first.Certificate[0], r.Certificate().Certificate[0])
	assert.Contains(t, r.Certificate().Leaf.DNSNames, "renewed.example.org")

	// A broken file keeps the previous certificate.
	current := r.Certificate()
	require.NoError(t, os.WriteFile(certFile, []byte("garbage"), 0o644))
	assert.Error(t, r.Reload())
	assert.Same(t, current, r.Certificate())
}

func TestServerConfig(t *testing.T) {
	tmpDir := t.TempDir()
	r, err := NewReloader(filepath.Join(tmpDir, "c.crt"), filepath.Join(tmpDir, "c.key"), nil)
	require.NoError(t, err)

	cfg := ServerConfig(r)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	got, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.Same(t, r.Certificate(), got)
}

package certs_test

import (
	"crypto/tls"
	"crypto/x509"
	"path/filepath"
	"testing"

	"github.com/presbrey/ircd/irc/certs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSigned(t *testing.T) {
	cert, err := certs.GenerateSelfSigned("irc.example.org", "ExampleNet", "127.0.0.1", "alt.example.org")
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)

	assert.Equal(t, "irc.example.org", cert.Leaf.Subject.CommonName)
	assert.ElementsMatch(t, []string{"irc.example.org", "alt.example.org"}, cert.Leaf.DNSNames)
	require.Len(t, cert.Leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", cert.Leaf.IPAddresses[0].String())
	assert.Contains(t, cert.Leaf.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
}

func TestProviderRequiresCertificate(t *testing.T) {
	_, err := certs.New(certs.Options{})
	assert.ErrorIs(t, err, certs.ErrNoCertificate)

	_, err = certs.New(certs.Options{Default: certs.Pair{
		CertFile: filepath.Join(t.TempDir(), "missing.pem"),
		KeyFile:  filepath.Join(t.TempDir(), "missing.key"),
	}})
	assert.Error(t, err)
}

func TestProviderGenerateAndSave(t *testing.T) {
	dir := t.TempDir()
	pair := certs.Pair{
		CertFile: filepath.Join(dir, "tls", "server.pem"),
		KeyFile:  filepath.Join(dir, "tls", "server.key"),
	}

	p, err := certs.New(certs.Options{
		Default:       pair,
		AutoGenerate:  true,
		SaveGenerated: true,
		ServerName:    "irc.example.org",
	})
	require.NoError(t, err)
	generated := p.Fingerprint()
	assert.Len(t, generated, 64)

	// A second provider loads the saved pair instead of generating
	loaded, err := certs.New(certs.Options{Default: pair})
	require.NoError(t, err)
	assert.Equal(t, generated, loaded.Fingerprint())

	cfg := loaded.TLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.NotNil(t, cert)
}

func TestProviderSNI(t *testing.T) {
	dir := t.TempDir()

	save := func(name string) certs.Pair {
		cert, err := certs.GenerateSelfSigned(name, "ExampleNet")
		require.NoError(t, err)
		pair := certs.Pair{
			CertFile: filepath.Join(dir, name+".pem"),
			KeyFile:  filepath.Join(dir, name+".key"),
		}
		require.NoError(t, certs.Save(cert, pair.CertFile, pair.KeyFile))
		return pair
	}

	p, err := certs.New(certs.Options{
		Default: save("default.example.org"),
		SNI: map[string]certs.Pair{
			"irc.example.net":   save("irc.example.net"),
			"*.wild.example.io": save("wild.example.io"),
		},
	})
	require.NoError(t, err)

	commonName := func(serverName string) string {
		cert, err := p.GetCertificate(&tls.ClientHelloInfo{ServerName: serverName})
		require.NoError(t, err)
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		require.NoError(t, err)
		return leaf.Subject.CommonName
	}

	assert.Equal(t, "irc.example.net", commonName("IRC.example.net"))
	assert.Equal(t, "wild.example.io", commonName("a.wild.example.io"))
	assert.Equal(t, "default.example.org", commonName("other.example.org"))
	assert.Equal(t, "default.example.org", commonName(""))
}

// Package certs provides the TLS certificates served by the TLS listeners:
// a default certificate loaded from disk or generated self-signed, plus an
// optional per-name SNI table.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrNoCertificate = errors.New("no TLS certificate configured")

// Pair names a certificate and key file
type Pair struct {
	CertFile string
	KeyFile  string
}

// Options configures a Provider
type Options struct {
	Default       Pair
	AutoGenerate  bool
	SaveGenerated bool
	ServerName    string
	Organization  string
	// Hosts are added to a generated certificate as DNS names or IPs
	Hosts []string
	SNI   map[string]Pair
	Log   *zap.Logger
}

// Provider serves certificates for tls.Config.GetCertificate
type Provider struct {
	opts Options
	log  *zap.Logger

	mu   sync.RWMutex
	def  *tls.Certificate
	bySN map[string]*tls.Certificate
}

// New loads every configured certificate
func New(opts Options) (*Provider, error) {
	p := &Provider{opts: opts, log: opts.Log}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the certificate files. The previous certificates stay in
// use if loading fails.
func (p *Provider) Reload() error {
	def, err := p.loadDefault()
	if err != nil {
		return err
	}

	byName := make(map[string]*tls.Certificate, len(p.opts.SNI))
	for name, pair := range p.opts.SNI {
		cert, err := tls.LoadX509KeyPair(pair.CertFile, pair.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load certificate for %s: %w", name, err)
		}
		byName[strings.ToLower(name)] = &cert
	}

	p.mu.Lock()
	p.def = def
	p.bySN = byName
	p.mu.Unlock()
	return nil
}

func (p *Provider) loadDefault() (*tls.Certificate, error) {
	pair := p.opts.Default
	if pair.CertFile != "" && pair.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(pair.CertFile, pair.KeyFile)
		if err == nil {
			p.log.Info("loaded TLS certificate", zap.String("cert", pair.CertFile), zap.String("key", pair.KeyFile))
			return &cert, nil
		}
		if !p.opts.AutoGenerate || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
	}
	if !p.opts.AutoGenerate {
		return nil, ErrNoCertificate
	}

	p.log.Info("generating a self-signed certificate", zap.String("server", p.opts.ServerName))
	cert, err := GenerateSelfSigned(p.opts.ServerName, p.opts.Organization, p.opts.Hosts...)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}

	if p.opts.SaveGenerated && pair.CertFile != "" && pair.KeyFile != "" {
		if err := Save(cert, pair.CertFile, pair.KeyFile); err != nil {
			p.log.Warn("failed to save generated certificate", zap.Error(err))
		} else {
			p.log.Info("saved generated certificate", zap.String("cert", pair.CertFile), zap.String("key", pair.KeyFile))
		}
	}
	return cert, nil
}

// GetCertificate picks the SNI certificate for the hello, trying the exact
// name then a wildcard, falling back to the default
func (p *Provider) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if hello != nil && hello.ServerName != "" {
		name := strings.ToLower(hello.ServerName)
		if cert, ok := p.bySN[name]; ok {
			return cert, nil
		}
		if i := strings.IndexByte(name, '.'); i > 0 {
			if cert, ok := p.bySN["*"+name[i:]]; ok {
				return cert, nil
			}
		}
	}
	if p.def == nil {
		return nil, ErrNoCertificate
	}
	return p.def, nil
}

// TLSConfig returns a server config backed by the provider
func (p *Provider) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: p.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// Fingerprint returns the hex SHA-256 of the default leaf certificate
func (p *Provider) Fingerprint() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.def == nil || len(p.def.Certificate) == 0 {
		return ""
	}
	sum := sha256.Sum256(p.def.Certificate[0])
	return hex.EncodeToString(sum[:])
}

// GenerateSelfSigned creates a one-year RSA certificate for serverName
func GenerateSelfSigned(serverName, organization string, hosts ...string) (*tls.Certificate, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(365 * 24 * time.Hour)

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   serverName,
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if serverName != "" {
		template.DNSNames = append(template.DNSNames, serverName)
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{derBytes},
		PrivateKey:  privateKey,
		Leaf:        leaf,
	}, nil
}

// Save writes a certificate and its RSA key as PEM files
func Save(cert *tls.Certificate, certPath, keyPath string) error {
	key, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return errors.New("only RSA keys can be saved")
	}

	for _, dir := range []string{filepath.Dir(certPath), filepath.Dir(keyPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

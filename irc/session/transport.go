package session

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"net"
)

// PlainSession is a session over an unencrypted socket
type PlainSession struct {
	base
}

// NewPlain wraps an accepted plain connection
func NewPlain(nc net.Conn, opts Options) *PlainSession {
	return &PlainSession{base: newBase(nc, false, opts)}
}

// TLSSession is a session over a completed TLS handshake
type TLSSession struct {
	base
	tc *tls.Conn
}

// NewTLS wraps a TLS connection whose handshake has already completed
func NewTLS(tc *tls.Conn, opts Options) *TLSSession {
	return &TLSSession{base: newBase(tc, true, opts), tc: tc}
}

// ConnectionState returns the negotiated TLS parameters
func (s *TLSSession) ConnectionState() tls.ConnectionState {
	return s.tc.ConnectionState()
}

// ServerName returns the SNI name the client asked for
func (s *TLSSession) ServerName() string {
	return s.tc.ConnectionState().ServerName
}

// CertFingerprint returns the hex SHA-256 of the client certificate, or ""
// when the client presented none
func (s *TLSSession) CertFingerprint() string {
	peers := s.tc.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return ""
	}
	sum := sha256.Sum256(peers[0].Raw)
	return hex.EncodeToString(sum[:])
}

var (
	_ Session = (*PlainSession)(nil)
	_ Session = (*TLSSession)(nil)
)

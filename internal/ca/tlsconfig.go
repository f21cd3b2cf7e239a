package ca

import (
	"crypto/tls"
	"crypto/x509"
)

// ServerConfig returns a server-side TLS configuration presenting the given
// leaf certificate. ALPN is pinned to HTTP/1.1: the relay speaks raw bytes
// and must not let clients negotiate h2 framing. No client certificate is
// requested.
func ServerConfig(leaf *tls.Certificate) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{*leaf},
		NextProtos:   []string{"http/1.1"},
	}
}

// ClientConfig returns the upstream-side TLS configuration used when the
// proxy dials the real destination. With a nil roots pool, verification uses
// the system trust store, exactly as the intercepted client would have done
// itself.
func ClientConfig(serverName string, roots *x509.CertPool) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
		RootCAs:    roots,
		NextProtos: []string{"http/1.1"},
	}
}

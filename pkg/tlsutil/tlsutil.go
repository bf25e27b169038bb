// Package tlsutil builds crypto/tls configurations from security settings.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/pkg/security"
)

// ServerConfig returns the TLS configuration of the admin server, or nil
// when TLS is disabled. Client certificates are verified when mTLS is on.
func ServerConfig(cfg security.ServerTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "ServerConfig", "load certificate")
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}

	if !cfg.MTLS.Enabled {
		return tlsConfig, nil
	}
	clientCAs, err := loadPool(x509.NewCertPool(), cfg.MTLS.ClientCAFiles, "ServerConfig")
	if err != nil {
		return nil, err
	}
	tlsConfig.ClientCAs = clientCAs
	tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	if cfg.MTLS.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	if allowed := cfg.MTLS.AllowedClientCNs; len(allowed) > 0 {
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
			return verifyAllowedClientCN(chains, allowed)
		}
	}
	return tlsConfig, nil
}

// ClientConfig returns the TLS configuration for outbound connections
func ClientConfig(cfg security.ClientTLSConfig) (*tls.Config, error) {
	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if rootCAs, err = loadPool(rootCAs, cfg.CAFiles, "ClientConfig"); err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		RootCAs:            rootCAs,
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}

	if cfg.MTLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.MTLS.CertFile, cfg.MTLS.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "ClientConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func loadPool(pool *x509.CertPool, files []string, op string) (*x509.CertPool, error) {
	for _, f := range files {
		pem, err := os.ReadFile(f)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", op, fmt.Sprintf("read CA file %s", f))
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.WrapFatal(fmt.Errorf("invalid PEM data"), "tlsutil", op, fmt.Sprintf("parse CA certificate from %s", f))
		}
	}
	return pool, nil
}

// verifyAllowedClientCN checks the leaf certificate CN against allowed
func verifyAllowedClientCN(chains [][]*x509.Certificate, allowed []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}
	cn := chains[0][0].Subject.CommonName
	for _, a := range allowed {
		if cn == a {
			return nil
		}
	}
	return fmt.Errorf("client certificate CN '%s' not in allowed list", cn)
}

// parseTLSVersion converts a version string to a crypto/tls constant.
// Anything but "1.3" means TLS 1.2.
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

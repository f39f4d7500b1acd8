package db

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/barryq93/promPSQL/internal/types"
	"github.com/jackc/pgx/v5/pgconn"
)

// BuildTLSConfig returns the client TLS configuration for mode, or nil when
// TLS is disabled.
//
//   - prefer, require: encryption without certificate verification.
//   - verify-ca: the chain must verify against the root CA (system roots when
//     none is configured) but hostname, IP and email mismatches are tolerated.
//   - verify-full: chain and hostname verification.
func BuildTLSConfig(mode types.SSLMode, files types.TLSFiles, host string) (*tls.Config, error) {
	if mode == types.SSLModeDisable {
		return nil, nil
	}

	cfg := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}

	var roots *x509.CertPool
	if files.RootCert != "" {
		pem, err := os.ReadFile(files.RootCert)
		if err != nil {
			return nil, fmt.Errorf("unable to load CA certificate '%s': %w", files.RootCert, err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("unable to load CA certificate '%s': no PEM certificates found", files.RootCert)
		}
	}

	if files.HasClientCert() {
		cert, err := tls.LoadX509KeyPair(files.Cert, files.Key)
		if err != nil {
			return nil, fmt.Errorf("unable to load client certificate/key '%s': %w", files.Cert, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	switch mode {
	case types.SSLModePrefer, types.SSLModeRequire:
		cfg.InsecureSkipVerify = true
	case types.SSLModeVerifyCA:
		// Skip the built-in check, which always includes the hostname.
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = verifyChain(roots)
	case types.SSLModeVerifyFull:
		cfg.RootCAs = roots
	default:
		return nil, fmt.Errorf("unknown sslmode %q", mode)
	}
	return cfg, nil
}

func verifyChain(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("server presented no certificate")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("parse server certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		opts := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: x509.NewCertPool(),
		}
		for _, c := range certs[1:] {
			opts.Intermediates.AddCert(c)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
}

// pgxSSLMode maps an sslmode onto the value handed to the driver. Modes that
// verify certificates are negotiated as "require" and verified by our own
// tls.Config.
func pgxSSLMode(mode types.SSLMode) string {
	switch mode {
	case types.SSLModeDisable, types.SSLModePrefer:
		return string(mode)
	default:
		return string(types.SSLModeRequire)
	}
}

// applyTLS replaces every TLS configuration the driver derived from the
// connection string with tlsCfg, keeping per-host server names.
func applyTLS(cfg *pgconn.Config, tlsCfg *tls.Config) {
	if tlsCfg == nil {
		return
	}
	if cfg.TLSConfig != nil {
		cfg.TLSConfig = withServerName(tlsCfg, cfg.Host)
	}
	for _, fb := range cfg.Fallbacks {
		if fb.TLSConfig != nil {
			fb.TLSConfig = withServerName(tlsCfg, fb.Host)
		}
	}
}

func withServerName(cfg *tls.Config, host string) *tls.Config {
	c := cfg.Clone()
	c.ServerName = host
	return c
}

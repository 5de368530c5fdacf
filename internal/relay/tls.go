package relay

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// BuildTLSConfig creates a TLS config that trusts the provided CA material.
// The value is tried as inline PEM first, then as a filesystem path. An empty
// value returns nil (system roots, full verification).
//
// Certificate chains are verified against the provided pool, but hostname
// verification is skipped: the material is used for CA trust only, matching
// ASR deployments behind IP addresses or internal names.
func BuildTLSConfig(cert string) (*tls.Config, error) {
	if cert == "" {
		return nil, nil
	}

	pem := []byte(cert)
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		// Fall back to treating the value as a file path.
		data, err := os.ReadFile(cert)
		if err != nil {
			return nil, fmt.Errorf("cert is neither inline PEM nor a readable file: %w", err)
		}
		pem = data
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cert)
		}
	}

	return &tls.Config{
		RootCAs: pool,
		// Chain verification happens in VerifyPeerCertificate below;
		// hostname verification is intentionally skipped.
		InsecureSkipVerify: true, //nolint:gosec
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			certs := make([]*x509.Certificate, 0, len(rawCerts))
			for _, raw := range rawCerts {
				c, err := x509.ParseCertificate(raw)
				if err != nil {
					return fmt.Errorf("parsing peer certificate: %w", err)
				}
				certs = append(certs, c)
			}
			if len(certs) == 0 {
				return fmt.Errorf("no peer certificates presented")
			}
			opts := x509.VerifyOptions{
				Roots:         pool,
				Intermediates: x509.NewCertPool(),
			}
			for _, c := range certs[1:] {
				opts.Intermediates.AddCert(c)
			}
			_, err := certs[0].Verify(opts)
			return err
		},
	}, nil
}

package mitmca

import (
	"crypto/tls"
	"time"
)

// GetCertificate returns a TLS certificate for the SNI host in the
// ClientHello, issuing one under the current root if needed. This is the
// per-connection entry point for the proxy's TLS-terminating listener and
// is suitable for use as tls.Config.GetCertificate.
func (a *Authority) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, ErrNoSNI
	}
	return a.GetCertificateForHost(host)
}

// GetCertificateForHost returns the TLS server credential (leaf chain plus
// the shared server private key) for host, initializing the authority and
// issuing the leaf on first use. Repeated calls for the same host return
// the cached credential; concurrent first calls share a single issuance.
func (a *Authority) GetCertificateForHost(host string) (*tls.Certificate, error) {
	gen, err := a.generation()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	cert, hit, err := gen.cache.getOrIssue(host, gen.issuer.issue)
	if err != nil {
		if a.Metrics != nil {
			a.Metrics.RecordIssuanceError()
		}
		a.logger().Error("certificate issuance failed", "host", host, "error", err)
		return nil, err
	}

	if a.Metrics != nil {
		if hit {
			a.Metrics.RecordCacheHit()
		} else {
			a.Metrics.RecordCacheMiss()
		}
		a.Metrics.SetCacheSize(gen.cache.size())
	}
	if !hit && a.Audit != nil {
		a.Audit.Issue(host, cert.Leaf.SerialNumber.String(), time.Since(start))
	}

	return cert, nil
}

// TLSConfig returns a server-side tls.Config that selects certificates by
// SNI through this authority. MinVersion is floored at TLS 1.0 because
// intercepted legacy clients may not speak anything newer.
func (a *Authority) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: a.GetCertificate,
		MinVersion:     tls.VersionTLS10,
	}
}

// TLSConfigForHost returns a server-side tls.Config preloaded with the
// credential for a single host, for callers that already know the target
// (e.g. a CONNECT tunnel with no SNI).
func (a *Authority) TLSConfigForHost(host string) (*tls.Config, error) {
	cert, err := a.GetCertificateForHost(host)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS10,
	}, nil
}

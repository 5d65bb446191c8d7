package mitmca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// leafIssuer synthesizes per-host leaf certificates signed by the current
// root. All leaves share one server key pair; generating a fresh RSA key
// per intercepted host would dominate handshake latency, and the threat
// model is local, user-trusted interception rather than public PKI.
type leafIssuer struct {
	rootCert  *x509.Certificate
	rootKey   *rsa.PrivateKey
	serverKey *rsa.PrivateKey

	organization string
	validity     time.Duration
}

// issue creates and signs a leaf certificate for host. The subject CN and
// the single SAN entry are the exact host string; IP literals go into
// IPAddresses instead of DNSNames. Serials are random and not deduplicated.
func (li *leafIssuer) issue(host string) (*tls.Certificate, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:         host,
			Organization:       []string{li.organization},
			OrganizationalUnit: []string{leafOrganizationalUnit},
			Country:            []string{subjectCountry},
			Province:           []string{subjectProvince},
			Locality:           []string{subjectLocality},
		},
		NotBefore:             now,
		NotAfter:              now.Add(li.validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, li.rootCert, &li.serverKey.PublicKey, li.rootKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate for %s: %w", host, err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate for %s: %w", host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  li.serverKey,
		Leaf:        leaf,
	}, nil
}

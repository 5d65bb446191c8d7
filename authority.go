package mitmca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"
)

// Fixed subject fields stamped on the root and on every issued leaf.
const (
	subjectCountry  = "US"
	subjectProvince = "California"
	subjectLocality = "San Francisco"

	rootOrganizationalUnit = "MITMCA Root"
	leafOrganizationalUnit = "MITMCA Leaf"
)

const (
	// DefaultOrganization is the O field used when none is configured.
	DefaultOrganization = "MITMCA Proxy"

	// DefaultLeafValidity is how long issued host certificates are valid.
	DefaultLeafValidity = 365 * 24 * time.Hour

	// DefaultRootValidityDays is the validity of regenerated root CAs.
	DefaultRootValidityDays = 825

	defaultServerKeyBits = 2048
	defaultRootKeyBits   = 2048
)

// Authority is the trust core of the proxy: it owns the root CA lifecycle,
// the shared server key pair, and the per-host certificate cache, and hands
// out TLS server credentials for intercepted hosts.
//
// One Authority is constructed at process start and passed to the socket
// layer and to operator-command handlers; there is no package-level state.
type Authority struct {
	// Logger for lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics, if set, records cache and lifecycle activity.
	Metrics *Metrics

	// Audit, if set, receives a structured entry for every issuance and
	// lifecycle command.
	Audit *AuditLogger

	// Organization is the O subject field for regenerated roots and for
	// issued leaves. Defaults to DefaultOrganization.
	Organization string

	// LeafValidity is the validity window stamped on issued leaves.
	// Defaults to DefaultLeafValidity.
	LeafValidity time.Duration

	// RootValidityDays is the validity of regenerated roots in days.
	// Defaults to DefaultRootValidityDays.
	RootValidityDays int

	// ServerKeyBits is the RSA size of the shared leaf key pair.
	// Defaults to 2048.
	ServerKeyBits int

	store *Store

	// mu guards gen. A nil gen means uninitialized; holding mu for the
	// duration of bootstrap is what makes concurrent first callers wait
	// on a single initialization attempt instead of racing file reads.
	mu  sync.RWMutex
	gen *generation

	bootstraps atomic.Uint64
}

// generation is an immutable snapshot of root state. Handshakes operate on
// a snapshot, so a concurrent regenerate/reset swaps the pointer without
// ever exposing a half-written root.
type generation struct {
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	issuer   *leafIssuer
	cache    *certCache
}

// NewAuthority creates an Authority backed by the given Store. Key material
// is not touched until the first use (EnsureInitialized or an issuance).
func NewAuthority(store *Store) *Authority {
	return &Authority{
		Logger:           slog.Default(),
		Organization:     DefaultOrganization,
		LeafValidity:     DefaultLeafValidity,
		RootValidityDays: DefaultRootValidityDays,
		ServerKeyBits:    defaultServerKeyBits,
		store:            store,
	}
}

// Store returns the backing key material store.
func (a *Authority) Store() *Store { return a.store }

// EnsureInitialized loads (bootstrapping from the bundled defaults if
// needed) the root CA material and the shared server key pair. It is
// idempotent and safe to call concurrently: all callers observe a single
// initialization attempt.
func (a *Authority) EnsureInitialized() error {
	_, err := a.generation()
	return err
}

// generation returns the current root snapshot, initializing it if needed.
func (a *Authority) generation() (*generation, error) {
	a.mu.RLock()
	gen := a.gen
	a.mu.RUnlock()
	if gen != nil {
		return gen, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Another caller may have completed bootstrap while we waited.
	if a.gen != nil {
		return a.gen, nil
	}

	gen, err := a.bootstrap()
	if err != nil {
		return nil, err
	}
	a.gen = gen
	return gen, nil
}

// bootstrap is called with mu held.
func (a *Authority) bootstrap() (*generation, error) {
	rootCert, rootKey, err := a.store.LoadOrBootstrap()
	if err != nil {
		return nil, err
	}

	serverKey, err := rsa.GenerateKey(rand.Reader, a.ServerKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate server key pair: %w", err)
	}

	gen := &generation{
		rootCert: rootCert,
		rootKey:  rootKey,
		issuer: &leafIssuer{
			rootCert:     rootCert,
			rootKey:      rootKey,
			serverKey:    serverKey,
			organization: a.Organization,
			validity:     a.LeafValidity,
		},
		cache: newCertCache(),
	}

	a.bootstraps.Add(1)
	if a.Metrics != nil {
		a.Metrics.RecordBootstrap()
	}
	if a.Audit != nil {
		a.Audit.Bootstrap(rootCert.Subject.CommonName)
	}
	a.logger().Info("root CA loaded",
		"subject", rootCert.Subject.CommonName,
		"serial", rootCert.SerialNumber.String(),
		"not_after", rootCert.NotAfter)

	return gen, nil
}

// Regenerate replaces the root CA with a freshly generated self-signed
// certificate and a fresh server key pair. hint, typically the device
// hostname, is embedded in the new CN so the operator can recognize the
// root in a trust store. The new material is persisted before any in-memory
// state changes; on a persist failure the prior root stays authoritative.
// The certificate cache is discarded with the old generation.
func (a *Authority) Regenerate(hint string) error {
	certPEM, keyPEM, err := GenerateCA(a.Organization, hint, a.RootValidityDays)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.store.Persist(certPEM, keyPEM); err != nil {
		return err
	}

	// Force a re-read on next use rather than trusting in-memory parses
	// to match what actually landed on disk.
	a.gen = nil

	if a.Metrics != nil {
		a.Metrics.RecordRegeneration()
	}
	if a.Audit != nil {
		a.Audit.Regenerate(hint)
	}
	a.logger().Info("root CA regenerated", "hint", hint)

	return nil
}

// ResetToDefault deletes the on-disk CA files so the next use re-bootstraps
// from the bundled defaults. Returns ErrNoOverride if there is nothing to
// delete. The certificate cache is discarded with the old generation.
func (a *Authority) ResetToDefault() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.store.RemoveOverride(); err != nil {
		return err
	}

	a.gen = nil

	if a.Metrics != nil {
		a.Metrics.RecordReset()
	}
	if a.Audit != nil {
		a.Audit.Reset()
	}
	a.logger().Info("root CA reset to bundled default")

	return nil
}

// Reload drops the in-memory root state so the next use re-reads the CA
// files from disk, picking up material replaced out-of-band. The on-disk
// files are left untouched.
func (a *Authority) Reload() {
	a.mu.Lock()
	a.gen = nil
	a.mu.Unlock()
	a.logger().Info("root CA state dropped, will re-read from disk")
}

// InvalidateCache empties the host certificate cache without touching the
// root. Cached hosts are re-issued (under the same root and server key) on
// their next handshake.
func (a *Authority) InvalidateCache() {
	a.mu.RLock()
	gen := a.gen
	a.mu.RUnlock()
	if gen != nil {
		gen.cache.invalidateAll()
	}
}

// RootCertificate returns the current root CA certificate, initializing
// the authority if needed.
func (a *Authority) RootCertificate() (*x509.Certificate, error) {
	gen, err := a.generation()
	if err != nil {
		return nil, err
	}
	return gen.rootCert, nil
}

// RootCertificatePEM returns the current root certificate PEM-encoded, for
// display or for installation guidance.
func (a *Authority) RootCertificatePEM() ([]byte, error) {
	cert, err := a.RootCertificate()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}), nil
}

// RootInfo describes the active root CA and cache state for diagnostics.
type RootInfo struct {
	Subject   string    `json:"subject"`
	Serial    string    `json:"serial"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	CacheSize int       `json:"cache_size"`
}

// RootInfo returns diagnostics about the active root and cache.
func (a *Authority) RootInfo() (RootInfo, error) {
	gen, err := a.generation()
	if err != nil {
		return RootInfo{}, err
	}
	return RootInfo{
		Subject:   gen.rootCert.Subject.CommonName,
		Serial:    gen.rootCert.SerialNumber.String(),
		NotBefore: gen.rootCert.NotBefore,
		NotAfter:  gen.rootCert.NotAfter,
		CacheSize: gen.cache.size(),
	}, nil
}

// CachedHosts returns the hosts with a cached certificate. It never
// triggers issuance or initialization.
func (a *Authority) CachedHosts() []string {
	a.mu.RLock()
	gen := a.gen
	a.mu.RUnlock()
	if gen == nil {
		return nil
	}
	return gen.cache.hosts()
}

// LookupCertificate is a non-issuing peek at the cache.
func (a *Authority) LookupCertificate(host string) (*tls.Certificate, bool) {
	a.mu.RLock()
	gen := a.gen
	a.mu.RUnlock()
	if gen == nil {
		return nil, false
	}
	return gen.cache.lookup(host)
}

// CacheSize returns the number of cached host certificates.
func (a *Authority) CacheSize() int {
	a.mu.RLock()
	gen := a.gen
	a.mu.RUnlock()
	if gen == nil {
		return 0
	}
	return gen.cache.size()
}

func (a *Authority) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// GenerateCA generates a new self-signed root CA certificate and RSA key.
// hint, if non-empty, is embedded in the CN for operator recognizability.
// Returns PEM-encoded certificate and PKCS#1 key.
func GenerateCA(org, hint string, validDays int) (certPEM, keyPEM []byte, err error) {
	if org == "" {
		org = DefaultOrganization
	}
	if validDays <= 0 {
		validDays = DefaultRootValidityDays
	}

	privKey, err := rsa.GenerateKey(rand.Reader, defaultRootKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	commonName := org + " Root CA"
	if hint != "" {
		commonName = fmt.Sprintf("%s Root CA (%s)", org, hint)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:         commonName,
			Organization:       []string{org},
			OrganizationalUnit: []string{rootOrganizationalUnit},
			Country:            []string{subjectCountry},
			Province:           []string{subjectProvince},
			Locality:           []string{subjectLocality},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(time.Duration(validDays) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})

	return certPEM, keyPEM, nil
}

package mitmca

import (
	"crypto/rsa"
	"crypto/x509"
	"embed"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Bundled default root CA, copied to the store directory on first run and
// restored by ResetToDefault.
//
//go:embed defaults/ca.crt defaults/ca_key.pem
var defaultAssets embed.FS

const (
	// CertFileName is the on-disk file name of the root CA certificate.
	CertFileName = "ca.crt"

	// KeyFileName is the on-disk file name of the root CA private key.
	KeyFileName = "ca_key.pem"
)

// Store persists and loads the root CA certificate and private key from a
// fixed directory, seeding it from the bundled default assets on first run.
// Disk is touched only at bootstrap, regenerate, and reset; the per-handshake
// path never reaches the Store.
type Store struct {
	dir      string
	certPath string
	keyPath  string
}

// NewStore creates a Store rooted at dir. The directory is created lazily
// on the first bootstrap or persist.
func NewStore(dir string) *Store {
	return &Store{
		dir:      dir,
		certPath: filepath.Join(dir, CertFileName),
		keyPath:  filepath.Join(dir, KeyFileName),
	}
}

// DefaultStoreDir returns the canonical application-data directory for CA
// material, e.g. ~/.config/mitmca on Linux.
func DefaultStoreDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, "mitmca"), nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// CertPath returns the path of the root certificate file.
func (s *Store) CertPath() string { return s.certPath }

// KeyPath returns the path of the root private key file.
func (s *Store) KeyPath() string { return s.keyPath }

// LoadOrBootstrap loads the root CA certificate and key from disk. If both
// files are absent, the bundled defaults are copied into place first. If
// exactly one file is absent, or either file fails to parse, a *ConfigError
// is returned rather than repairing silently.
func (s *Store) LoadOrBootstrap() (*x509.Certificate, *rsa.PrivateKey, error) {
	certExists := fileExists(s.certPath)
	keyExists := fileExists(s.keyPath)

	switch {
	case !certExists && !keyExists:
		if err := s.seedDefaults(); err != nil {
			return nil, nil, err
		}
	case certExists != keyExists:
		missing := s.certPath
		if certExists {
			missing = s.keyPath
		}
		return nil, nil, &ConfigError{Path: missing, Err: errors.New("certificate/key pair is incomplete")}
	}

	certPEM, err := os.ReadFile(s.certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read CA cert: %w", err)
	}
	keyPEM, err := os.ReadFile(s.keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read CA key: %w", err)
	}

	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return nil, nil, &ConfigError{Path: s.certPath, Err: err}
	}
	key, err := parsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, nil, &ConfigError{Path: s.keyPath, Err: err}
	}

	return cert, key, nil
}

// Persist writes a new PEM-encoded certificate and key pair to the store.
// Both files are written to temporary names and renamed into place only
// after both writes succeed, so a failure never leaves a cert without its
// key or vice versa. Failures are reported as *PersistError and leave any
// previously persisted pair intact.
func (s *Store) Persist(certPEM, keyPEM []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return &PersistError{Path: s.dir, Err: err}
	}

	certTmp := s.certPath + ".tmp"
	keyTmp := s.keyPath + ".tmp"

	if err := os.WriteFile(certTmp, certPEM, 0o644); err != nil {
		return &PersistError{Path: s.certPath, Err: err}
	}
	if err := os.WriteFile(keyTmp, keyPEM, 0o600); err != nil {
		os.Remove(certTmp)
		return &PersistError{Path: s.keyPath, Err: err}
	}

	if err := os.Rename(keyTmp, s.keyPath); err != nil {
		os.Remove(certTmp)
		os.Remove(keyTmp)
		return &PersistError{Path: s.keyPath, Err: err}
	}
	if err := os.Rename(certTmp, s.certPath); err != nil {
		os.Remove(certTmp)
		return &PersistError{Path: s.certPath, Err: err}
	}

	return nil
}

// RemoveOverride deletes the on-disk certificate and key files so the next
// bootstrap reseeds from the bundled defaults. Returns ErrNoOverride if
// neither file exists.
func (s *Store) RemoveOverride() error {
	certExists := fileExists(s.certPath)
	keyExists := fileExists(s.keyPath)
	if !certExists && !keyExists {
		return ErrNoOverride
	}

	if certExists {
		if err := os.Remove(s.certPath); err != nil {
			return &PersistError{Path: s.certPath, Err: err}
		}
	}
	if keyExists {
		if err := os.Remove(s.keyPath); err != nil {
			return &PersistError{Path: s.keyPath, Err: err}
		}
	}

	return nil
}

// HasOverride reports whether CA material is present on disk.
func (s *Store) HasOverride() bool {
	return fileExists(s.certPath) || fileExists(s.keyPath)
}

// DefaultCertificatePEM returns the bundled default root certificate.
func DefaultCertificatePEM() []byte {
	b, err := defaultAssets.ReadFile("defaults/" + CertFileName)
	if err != nil {
		panic("mitmca: bundled default certificate missing: " + err.Error())
	}
	return b
}

// DefaultKeyPEM returns the bundled default root private key.
func DefaultKeyPEM() []byte {
	b, err := defaultAssets.ReadFile("defaults/" + KeyFileName)
	if err != nil {
		panic("mitmca: bundled default key missing: " + err.Error())
	}
	return b
}

func (s *Store) seedDefaults() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return &PersistError{Path: s.dir, Err: err}
	}
	if err := os.WriteFile(s.certPath, DefaultCertificatePEM(), 0o644); err != nil {
		return &PersistError{Path: s.certPath, Err: err}
	}
	if err := os.WriteFile(s.keyPath, DefaultKeyPEM(), 0o600); err != nil {
		return &PersistError{Path: s.keyPath, Err: err}
	}
	return nil
}

func parseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

func parsePrivateKeyPEM(keyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 format
		k, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parse private key: %w (also tried PKCS8: %v)", err, err2)
		}
		rsaKey, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		key = rsaKey
	}

	return key, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

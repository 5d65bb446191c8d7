package mitmca

import (
	"bytes"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	a := NewAuthority(NewStore(t.TempDir()))
	a.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return a
}

func verifyAgainst(t *testing.T, leaf *x509.Certificate, root *x509.Certificate) error {
	t.Helper()
	roots := x509.NewCertPool()
	roots.AddCert(root)
	_, err := leaf.Verify(x509.VerifyOptions{Roots: roots})
	return err
}

func TestFreshInstallScenario(t *testing.T) {
	a := newTestAuthority(t)

	if err := a.EnsureInitialized(); err != nil {
		t.Fatalf("EnsureInitialized failed: %v", err)
	}

	root, err := a.RootCertificate()
	if err != nil {
		t.Fatalf("RootCertificate failed: %v", err)
	}
	if !bytes.Equal(root.Raw, pemToRaw(t, DefaultCertificatePEM())) {
		t.Error("fresh install did not load the bundled default root")
	}

	cert, err := a.GetCertificateForHost("example.com")
	if err != nil {
		t.Fatalf("GetCertificateForHost failed: %v", err)
	}

	leaf := cert.Leaf
	if leaf.Subject.CommonName != "example.com" {
		t.Errorf("leaf CN = %q, want example.com", leaf.Subject.CommonName)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "example.com" {
		t.Errorf("leaf SAN = %v, want [example.com]", leaf.DNSNames)
	}
	if leaf.Issuer.CommonName != root.Subject.CommonName {
		t.Errorf("leaf issuer = %q, want %q", leaf.Issuer.CommonName, root.Subject.CommonName)
	}

	validity := leaf.NotAfter.Sub(leaf.NotBefore)
	if validity < 364*24*time.Hour || validity > 366*24*time.Hour {
		t.Errorf("leaf validity = %v, want ~365 days", validity)
	}

	if err := verifyAgainst(t, leaf, root); err != nil {
		t.Errorf("leaf does not verify against root: %v", err)
	}
}

func TestCacheStability(t *testing.T) {
	a := newTestAuthority(t)

	cert1, err := a.GetCertificateForHost("stable.example.com")
	if err != nil {
		t.Fatalf("first GetCertificateForHost failed: %v", err)
	}
	cert2, err := a.GetCertificateForHost("stable.example.com")
	if err != nil {
		t.Fatalf("second GetCertificateForHost failed: %v", err)
	}

	if cert1 != cert2 {
		t.Error("same host returned different cached certificates")
	}
	if !bytes.Equal(cert1.Certificate[0], cert2.Certificate[0]) {
		t.Error("same host returned different certificate bytes")
	}

	other, err := a.GetCertificateForHost("other.example.com")
	if err != nil {
		t.Fatalf("GetCertificateForHost for second host failed: %v", err)
	}
	if other.Leaf.Subject.CommonName == cert1.Leaf.Subject.CommonName {
		t.Error("distinct hosts share a subject CN")
	}
	if other.Leaf.SerialNumber.Cmp(cert1.Leaf.SerialNumber) == 0 {
		t.Error("distinct hosts share a serial")
	}
}

func TestSharedServerKeyPair(t *testing.T) {
	a := newTestAuthority(t)

	cert1, err := a.GetCertificateForHost("one.example.com")
	if err != nil {
		t.Fatal(err)
	}
	cert2, err := a.GetCertificateForHost("two.example.com")
	if err != nil {
		t.Fatal(err)
	}

	// All leaves within one generation share the server key pair.
	if cert1.PrivateKey != cert2.PrivateKey {
		t.Error("leaves do not share the server key pair")
	}
}

func TestConcurrentInitializationSingleBootstrap(t *testing.T) {
	a := newTestAuthority(t)

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = a.EnsureInitialized()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: EnsureInitialized failed: %v", i, err)
		}
	}

	if got := a.bootstraps.Load(); got != 1 {
		t.Errorf("bootstrap ran %d times, want 1", got)
	}
}

func TestSingleFlightIssuance(t *testing.T) {
	a := newTestAuthority(t)
	if err := a.EnsureInitialized(); err != nil {
		t.Fatal(err)
	}

	const k = 24
	var wg sync.WaitGroup
	certs := make([]*x509.Certificate, k)
	errs := make([]error, k)

	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cert, err := a.GetCertificateForHost("unseen.example.com")
			if err != nil {
				errs[i] = err
				return
			}
			certs[i] = cert.Leaf
		}(i)
	}
	wg.Wait()

	for i := 0; i < k; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if certs[i].SerialNumber.Cmp(certs[0].SerialNumber) != 0 {
			t.Fatalf("caller %d received a different certificate", i)
		}
	}

	a.mu.RLock()
	issued := a.gen.cache.issuedCount()
	a.mu.RUnlock()
	if issued != 1 {
		t.Errorf("signing ran %d times for one host, want 1", issued)
	}
}

func TestConcurrentDistinctHosts(t *testing.T) {
	a := newTestAuthority(t)

	hosts := []string{"a.example.com", "b.example.com", "c.example.com", "d.example.com"}
	var wg sync.WaitGroup
	errs := make([]error, len(hosts))

	for i, h := range hosts {
		wg.Add(1)
		go func(i int, h string) {
			defer wg.Done()
			_, errs[i] = a.GetCertificateForHost(h)
		}(i, h)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("host %s failed: %v", hosts[i], err)
		}
	}
	if a.CacheSize() != len(hosts) {
		t.Errorf("cache size = %d, want %d", a.CacheSize(), len(hosts))
	}
}

func TestRegenerate(t *testing.T) {
	a := newTestAuthority(t)

	oldCert, err := a.GetCertificateForHost("example.com")
	if err != nil {
		t.Fatal(err)
	}
	oldRoot, err := a.RootCertificate()
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Regenerate("my-host"); err != nil {
		t.Fatalf("Regenerate failed: %v", err)
	}

	newRoot, err := a.RootCertificate()
	if err != nil {
		t.Fatalf("RootCertificate after regenerate failed: %v", err)
	}
	if !strings.Contains(newRoot.Subject.CommonName, "my-host") {
		t.Errorf("new root CN %q does not contain hint", newRoot.Subject.CommonName)
	}
	if bytes.Equal(newRoot.Raw, oldRoot.Raw) {
		t.Error("regenerate did not replace the root")
	}

	// The cache went with the old generation.
	if a.CacheSize() != 0 {
		t.Errorf("cache size = %d after regenerate, want 0", a.CacheSize())
	}

	newCert, err := a.GetCertificateForHost("example.com")
	if err != nil {
		t.Fatal(err)
	}
	if newCert.Leaf.SerialNumber.Cmp(oldCert.Leaf.SerialNumber) == 0 {
		t.Error("re-issued leaf kept the old serial")
	}
	if newCert.Leaf.Subject.CommonName != "example.com" {
		t.Errorf("re-issued leaf CN = %q", newCert.Leaf.Subject.CommonName)
	}

	if err := verifyAgainst(t, newCert.Leaf, newRoot); err != nil {
		t.Errorf("new leaf does not verify against new root: %v", err)
	}
	if err := verifyAgainst(t, oldCert.Leaf, newRoot); err == nil {
		t.Error("old leaf still verifies against the new root")
	}
	if err := verifyAgainst(t, newCert.Leaf, oldRoot); err == nil {
		t.Error("new leaf verifies against the old root")
	}
}

func TestRegeneratePersistFailureKeepsPriorRoot(t *testing.T) {
	a := newTestAuthority(t)

	root, err := a.RootCertificate()
	if err != nil {
		t.Fatal(err)
	}

	// Block writes so Regenerate's persist step fails.
	if err := chmodDir(a.Store().Dir(), 0o500); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { chmodDir(a.Store().Dir(), 0o700) })

	err = a.Regenerate("doomed")
	var pErr *PersistError
	if !errors.As(err, &pErr) {
		t.Fatalf("want *PersistError, got %v", err)
	}

	// The prior root must remain authoritative in memory and on disk.
	after, err := a.RootCertificate()
	if err != nil {
		t.Fatalf("RootCertificate after failed regenerate: %v", err)
	}
	if !bytes.Equal(root.Raw, after.Raw) {
		t.Error("failed regenerate replaced the in-memory root")
	}

	chmodDir(a.Store().Dir(), 0o700)
	a.Reload()
	reloaded, err := a.RootCertificate()
	if err != nil {
		t.Fatalf("RootCertificate after reload: %v", err)
	}
	if !bytes.Equal(root.Raw, reloaded.Raw) {
		t.Error("failed regenerate corrupted the on-disk root")
	}
}

func TestResetToDefault(t *testing.T) {
	a := newTestAuthority(t)

	if err := a.Regenerate("custom"); err != nil {
		t.Fatalf("Regenerate failed: %v", err)
	}
	custom, err := a.RootCertificate()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(custom.Raw, pemToRaw(t, DefaultCertificatePEM())) {
		t.Fatal("regenerated root unexpectedly equals the bundled default")
	}

	if err := a.ResetToDefault(); err != nil {
		t.Fatalf("ResetToDefault failed: %v", err)
	}

	root, err := a.RootCertificate()
	if err != nil {
		t.Fatalf("RootCertificate after reset failed: %v", err)
	}
	if !bytes.Equal(root.Raw, pemToRaw(t, DefaultCertificatePEM())) {
		t.Error("reset did not restore the bundled default root")
	}
}

func TestResetWithNoOverride(t *testing.T) {
	a := newTestAuthority(t)

	// Nothing has been written yet.
	if err := a.ResetToDefault(); !errors.Is(err, ErrNoOverride) {
		t.Errorf("want ErrNoOverride, got %v", err)
	}
}

func TestInvalidateCache(t *testing.T) {
	a := newTestAuthority(t)

	before, err := a.GetCertificateForHost("example.com")
	if err != nil {
		t.Fatal(err)
	}
	if a.CacheSize() != 1 {
		t.Fatalf("cache size = %d, want 1", a.CacheSize())
	}

	a.InvalidateCache()
	if a.CacheSize() != 0 {
		t.Errorf("cache size = %d after invalidation, want 0", a.CacheSize())
	}

	// Re-issue under the same root: new serial, same shared key.
	after, err := a.GetCertificateForHost("example.com")
	if err != nil {
		t.Fatal(err)
	}
	if after.Leaf.SerialNumber.Cmp(before.Leaf.SerialNumber) == 0 {
		t.Error("re-issued leaf kept the old serial")
	}
	if after.PrivateKey != before.PrivateKey {
		t.Error("invalidation replaced the shared server key pair")
	}
}

func TestLookupDoesNotIssue(t *testing.T) {
	a := newTestAuthority(t)
	if err := a.EnsureInitialized(); err != nil {
		t.Fatal(err)
	}

	if _, ok := a.LookupCertificate("never-requested.example.com"); ok {
		t.Error("lookup returned a certificate for an unseen host")
	}
	if a.CacheSize() != 0 {
		t.Error("lookup triggered an issuance")
	}

	if _, err := a.GetCertificateForHost("seen.example.com"); err != nil {
		t.Fatal(err)
	}
	if _, ok := a.LookupCertificate("seen.example.com"); !ok {
		t.Error("lookup missed a cached host")
	}

	hosts := a.CachedHosts()
	if len(hosts) != 1 || hosts[0] != "seen.example.com" {
		t.Errorf("CachedHosts = %v", hosts)
	}
}

func TestRootInfo(t *testing.T) {
	a := newTestAuthority(t)

	if _, err := a.GetCertificateForHost("example.com"); err != nil {
		t.Fatal(err)
	}

	info, err := a.RootInfo()
	if err != nil {
		t.Fatalf("RootInfo failed: %v", err)
	}
	if info.Subject == "" {
		t.Error("empty subject")
	}
	if info.CacheSize != 1 {
		t.Errorf("cache size = %d, want 1", info.CacheSize)
	}
	if !info.NotAfter.After(info.NotBefore) {
		t.Error("invalid validity window")
	}
}

func TestRootCertificatePEM(t *testing.T) {
	a := newTestAuthority(t)

	pemBytes, err := a.RootCertificatePEM()
	if err != nil {
		t.Fatalf("RootCertificatePEM failed: %v", err)
	}
	if !bytes.Contains(pemBytes, []byte("BEGIN CERTIFICATE")) {
		t.Error("output is not PEM")
	}
	if !bytes.Equal(pemToRaw(t, pemBytes), pemToRaw(t, DefaultCertificatePEM())) {
		t.Error("PEM output does not match the active root")
	}
}

func chmodDir(dir string, mode os.FileMode) error {
	return os.Chmod(dir, mode)
}

func TestGenerateCA(t *testing.T) {
	tests := []struct {
		name     string
		org      string
		hint     string
		wantCN   string
		validDay int
	}{
		{"no hint", "Test Org", "", "Test Org Root CA", 10},
		{"with hint", "Test Org", "my-laptop", "Test Org Root CA (my-laptop)", 825},
		{"defaults", "", "", DefaultOrganization + " Root CA", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			certPEM, keyPEM, err := GenerateCA(tt.org, tt.hint, tt.validDay)
			if err != nil {
				t.Fatalf("GenerateCA failed: %v", err)
			}

			cert, err := parseCertificatePEM(certPEM)
			if err != nil {
				t.Fatalf("parse generated cert: %v", err)
			}
			if _, err := parsePrivateKeyPEM(keyPEM); err != nil {
				t.Fatalf("parse generated key: %v", err)
			}

			if cert.Subject.CommonName != tt.wantCN {
				t.Errorf("CN = %q, want %q", cert.Subject.CommonName, tt.wantCN)
			}
			if !cert.IsCA {
				t.Error("generated certificate is not a CA")
			}
			if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
				t.Error("missing keyCertSign usage")
			}
			if cert.KeyUsage&x509.KeyUsageCRLSign == 0 {
				t.Error("missing cRLSign usage")
			}
		})
	}
}

package mitmca

import (
	"fmt"

	"software.sslmate.com/src/go-pkcs12"
)

// ExportTrustBundle packages the current root certificate and private key
// into a password-protected PKCS#12 bundle suitable for installing the CA
// as trusted on a client device. It reads the live key material, never the
// leaf cache, and mutates no state.
func (a *Authority) ExportTrustBundle(password string) ([]byte, error) {
	gen, err := a.generation()
	if err != nil {
		return nil, err
	}

	bundle, err := pkcs12.Modern.Encode(gen.rootKey, gen.rootCert, nil, password)
	if err != nil {
		return nil, fmt.Errorf("encode trust bundle: %w", err)
	}

	if a.Metrics != nil {
		a.Metrics.RecordExport()
	}
	if a.Audit != nil {
		a.Audit.Export(gen.rootCert.Subject.CommonName)
	}

	return bundle, nil
}

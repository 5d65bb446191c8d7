// Package mitmca is the trust-and-interception core of a man-in-the-middle
// HTTPS proxy. It terminates TLS for arbitrary destination hosts by issuing,
// on demand, a leaf certificate for each intercepted host, signed by a
// locally-controlled root CA that the user has installed as trusted.
//
// The package deliberately excludes the socket-level proxy loop, HTTP
// parsing, and any rewrite or presentation layer. Those consume the core
// through two surfaces: per-connection certificate selection
// ([Authority.GetCertificate] and friends) and operator lifecycle commands
// ([Authority.Regenerate], [Authority.ResetToDefault],
// [Authority.ExportTrustBundle]).
//
// # Basic Usage
//
// Create an Authority backed by the platform config directory and plug it
// into a TLS listener:
//
//	dir, err := mitmca.DefaultStoreDir()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ca := mitmca.NewAuthority(mitmca.NewStore(dir))
//
//	ln, err := tls.Listen("tcp", ":8443", ca.TLSConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// On first use the Authority copies the bundled default root CA to disk
// and loads it. Certificates are issued lazily per SNI host and cached;
// concurrent first requests for the same host share a single signing
// operation, while distinct hosts issue in parallel.
//
// # Key Material
//
// The root certificate and key live in two PEM files, ca.crt and
// ca_key.pem, in the store directory. All issued leaves share one
// process-wide RSA key pair, generated at initialization; this amortizes
// key generation across all intercepted hosts, which is acceptable for
// local, user-trusted interception.
//
// # Lifecycle Commands
//
// Regenerate replaces the root with a fresh self-signed CA whose CN carries
// a recognizable hint (typically the device hostname), persists it with
// write-then-swap ordering, and discards the certificate cache:
//
//	if err := ca.Regenerate("my-laptop"); err != nil {
//	    log.Fatal(err)
//	}
//
// ResetToDefault deletes the on-disk override so the next use re-bootstraps
// from the bundled default root. ExportTrustBundle packages the current
// root key and certificate into a password-protected PKCS#12 container for
// installation on client devices:
//
//	bundle, err := ca.ExportTrustBundle("secret")
//
// # Configuration
//
// Load configuration from YAML, JSON, or TOML files with environment
// variable overrides (MITMCA_ prefix):
//
//	cfg, err := mitmca.LoadConfig("mitmca.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ca, err := cfg.BuildAuthority()
//
// # Admin API
//
// Operate the CA over HTTP with the chi-based admin API:
//
//	admin := mitmca.NewAdminAPI(ca)
//	http.ListenAndServe("127.0.0.1:8444", admin)
//
// # Prometheus Metrics
//
// Instrument cache and lifecycle activity:
//
//	metrics := mitmca.NewMetrics()
//	ca.Metrics = metrics
//	http.Handle("/metrics", metrics.Handler())
//
// # Audit Log
//
// Record structured entries for every issuance and lifecycle command:
//
//	f, _ := os.OpenFile("audit.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
//	ca.Audit = mitmca.NewAuditLogger(slog.New(slog.NewJSONHandler(f, nil)))
//
// # SIGHUP Reload
//
// Re-read CA material replaced out-of-band without restarting:
//
//	reloader := mitmca.WatchSIGHUP(ca, logger)
//	defer reloader.Cancel()
package mitmca

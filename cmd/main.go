package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/acmacalister/mitmca"
)

func main() {
	var (
		// Config file (takes precedence over individual flags)
		configPath = flag.String("config", "", "path to config file (default: search ./mitmca.yaml, ~/.mitmca/config.yaml, /etc/mitmca/config.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")

		// Individual flags (used when no config file)
		dir      = flag.String("dir", "", "CA storage directory (default: platform config dir)")
		org      = flag.String("org", mitmca.DefaultOrganization, "organization name for generated certificates")
		printCA  = flag.Bool("print-ca", false, "print the current root certificate PEM and exit")
		regen    = flag.Bool("regen", false, "regenerate the root CA and exit")
		hint     = flag.String("hint", "", "hostname hint embedded in the regenerated root CN")
		reset    = flag.Bool("reset", false, "reset the root CA to the bundled default and exit")
		export   = flag.String("export", "", "export a PKCS#12 trust bundle to the given path and exit")
		password = flag.String("password", "", "password for the exported trust bundle")
		serve    = flag.String("serve", "", "serve the admin API on this address (e.g. 127.0.0.1:8444)")
		verbose  = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Generate example config mode
	if *genConfig {
		if err := mitmca.WriteExampleConfig("mitmca.yaml"); err != nil {
			logger.Error("generate config", "error", err)
			os.Exit(1)
		}
		fmt.Println("Generated mitmca.yaml")
		return
	}

	// Try to load config file
	cfg, err := mitmca.LoadConfig(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	// Flags override config where set
	if *dir != "" {
		cfg.Storage.Dir = *dir
	}
	if *org != mitmca.DefaultOrganization {
		cfg.CA.Organization = *org
	}

	ca, err := cfg.BuildAuthority()
	if err != nil {
		logger.Error("build authority", "error", err)
		os.Exit(1)
	}
	ca.Logger = logger
	ca.Audit = mitmca.NewAuditLogger(logger)

	// Print CA mode
	if *printCA {
		pemBytes, err := ca.RootCertificatePEM()
		if err != nil {
			logger.Error("load root CA", "error", err)
			os.Exit(1)
		}
		os.Stdout.Write(pemBytes)
		return
	}

	// Regenerate mode
	if *regen {
		h := *hint
		if h == "" {
			h, _ = os.Hostname()
		}
		if err := ca.Regenerate(h); err != nil {
			logger.Error("regenerate root CA", "error", err)
			os.Exit(1)
		}
		info, err := ca.RootInfo()
		if err != nil {
			logger.Error("load regenerated root CA", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Regenerated root CA: %s (expires %s)\n", info.Subject, info.NotAfter.Format("2006-01-02"))
		return
	}

	// Reset mode
	if *reset {
		if err := ca.ResetToDefault(); err != nil {
			logger.Error("reset root CA", "error", err)
			os.Exit(1)
		}
		fmt.Println("Root CA reset to bundled default")
		return
	}

	// Export mode
	if *export != "" {
		if *password == "" {
			logger.Error("export requires -password")
			os.Exit(1)
		}
		bundle, err := ca.ExportTrustBundle(*password)
		if err != nil {
			logger.Error("export trust bundle", "error", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*export, bundle, 0600); err != nil {
			logger.Error("write trust bundle", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Exported trust bundle to %s\n", *export)
		return
	}

	// Serve mode: admin API plus optional metrics
	addr := *serve
	if addr == "" {
		addr = cfg.Admin.Addr
	}
	if addr == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := ca.EnsureInitialized(); err != nil {
		logger.Error("initialize root CA", "error", err)
		os.Exit(1)
	}

	admin := mitmca.NewAdminAPI(ca)
	admin.Logger = logger
	if cfg.Admin.PathPrefix != "" {
		admin.PathPrefix = cfg.Admin.PathPrefix
	}

	mux := http.NewServeMux()
	mux.Handle(admin.PathPrefix+"/", admin)
	if cfg.Admin.MetricsEnabled {
		metrics := mitmca.NewMetrics()
		ca.Metrics = metrics
		mux.Handle("/metrics", metrics.Handler())
	}

	reloader := mitmca.WatchSIGHUP(ca, logger)
	defer reloader.Cancel()

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		srv.Close()
	}()

	logger.Info("serving admin API", "addr", addr, "prefix", admin.PathPrefix)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("serve admin API", "error", err)
		os.Exit(1)
	}
}

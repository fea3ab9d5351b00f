package main

import (
	"context"
	"crypto/tls"
	"errors"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/ccf-recovery-service/api/recoveryhandler"
	"github.com/ruteri/ccf-recovery-service/cmd/flags"
	"github.com/ruteri/ccf-recovery-service/config"
	"github.com/ruteri/ccf-recovery-service/cryptoutils"
	"github.com/ruteri/ccf-recovery-service/httpserver"
	"github.com/ruteri/ccf-recovery-service/interfaces"
	"github.com/ruteri/ccf-recovery-service/kms"
	"github.com/ruteri/ccf-recovery-service/recovery"
	"github.com/ruteri/ccf-recovery-service/storage"
)

var listenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "0.0.0.0:8443",
	EnvVars: []string{"LISTEN_ADDR"},
	Usage:   "address to serve the recovery API on",
}
var secretStoreFlag = &cli.StringSliceFlag{
	Name:    "secret-store",
	EnvVars: []string{"SECRET_STORES"},
	Usage:   "secret store location, e.g. vault://host:8200/secret/recovery or file:///var/lib/recovery; repeat to replicate",
}
var initialJoinPolicyFlag = &cli.StringFlag{
	Name:    "initial-join-policy",
	EnvVars: []string{"CCF_NETWORK_INITIAL_JOIN_POLICY"},
	Usage:   "base64 encoded JSON network join policy used until one is published",
}
var allowAllJoinPolicyFlag = &cli.BoolFlag{
	Name:    "allow-all-join-policy",
	EnvVars: []string{"CCF_NETWORK_ALLOW_ALL_JOIN_POLICY"},
	Usage:   "accept every caller (only in insecure_virtual builds)",
}
var platformFlag = &cli.StringFlag{
	Name:    "platform",
	Value:   string(interfaces.PlatformSNP),
	EnvVars: []string{"PLATFORM"},
	Usage:   "snp or virtual",
}
var securityContextDirFlag = &cli.StringFlag{
	Name:    "security-context-dir",
	EnvVars: []string{cryptoutils.SecurityContextDirEnv},
	Usage:   "directory holding the UVM security context",
}
var attestationProviderFlag = &cli.StringFlag{
	Name:    "attestation-provider",
	EnvVars: []string{"ATTESTATION_PROVIDER_ADDR"},
	Usage:   "remote attestation sidecar address; the sev-guest device is used when unset",
}
var requireUVMEndorsementFlag = &cli.BoolFlag{
	Name:    "require-uvm-endorsement",
	EnvVars: []string{"REQUIRE_UVM_ENDORSEMENT"},
	Usage:   "reject attestations that carry no UVM endorsement",
}
var serviceCertFlag = &cli.StringFlag{
	Name:    "service-cert",
	Value:   recovery.DefaultServiceCertPath,
	EnvVars: []string{"SERVICE_CERT_PATH"},
	Usage:   "service TLS certificate; a self-signed one is created when missing",
}
var serviceKeyFlag = &cli.StringFlag{
	Name:    "service-key",
	EnvVars: []string{"SERVICE_KEY_PATH"},
	Usage:   "service TLS key (default: service-key.pem next to the certificate)",
}

func main() {
	if err := flags.LoadEnv(); err != nil {
		log.Fatal(err)
	}

	app := &cli.App{
		Name:  "recovery-server",
		Usage: "Serve the CCF recovery service",
		Flags: append([]cli.Flag{
			listenAddrFlag,
			secretStoreFlag,
			initialJoinPolicyFlag,
			allowAllJoinPolicyFlag,
			platformFlag,
			securityContextDirFlag,
			attestationProviderFlag,
			requireUVMEndorsementFlag,
			serviceCertFlag,
			serviceKeyFlag,
			flags.LogServiceFlagFn("ccf-recovery-service"),
		}, flags.CommonFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	cfg := &config.ServiceConfig{
		ListenAddr:              cCtx.String(listenAddrFlag.Name),
		InitialJoinPolicy:       cCtx.String(initialJoinPolicyFlag.Name),
		AllowAllJoinPolicy:      cCtx.Bool(allowAllJoinPolicyFlag.Name),
		Platform:                interfaces.Platform(cCtx.String(platformFlag.Name)),
		SecurityContextDir:      cCtx.String(securityContextDirFlag.Name),
		AttestationProviderAddr: cCtx.String(attestationProviderFlag.Name),
		RequireUVMEndorsement:   cCtx.Bool(requireUVMEndorsementFlag.Name),
		ServiceCertPath:         cCtx.String(serviceCertFlag.Name),
		ServiceKeyPath:          cCtx.String(serviceKeyFlag.Name),
	}
	for _, loc := range cCtx.StringSlice(secretStoreFlag.Name) {
		cfg.SecretStores = append(cfg.SecretStores, interfaces.StorageBackendLocation(loc))
	}
	if cfg.ServiceKeyPath == "" && cfg.ServiceCertPath != "" {
		cfg.ServiceKeyPath = filepath.Join(filepath.Dir(cfg.ServiceCertPath), "service-key.pem")
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "err", err)
		return err
	}

	ctx := cCtx.Context
	store, err := storage.NewStorageBackendFactory(logger).CreateReplicated(ctx, cfg.SecretStores)
	if err != nil {
		logger.Error("Failed to create secret store", "err", err)
		return err
	}

	env, err := newEnvironment(cfg)
	if err != nil {
		logger.Error("Failed to set up attestation environment", "err", err)
		return err
	}
	verifier := newVerifier(cfg, logger)

	tlsConfig, err := loadServiceIdentity(cfg, logger)
	if err != nil {
		logger.Error("Failed to load service identity", "err", err)
		return err
	}
	serverConfig := flags.ConfigureServer(cCtx, logger, cfg.ListenAddr)
	serverConfig.TLS = tlsConfig

	srv, err := httpserver.New(serverConfig)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	m := srv.Metrics()

	keys := kms.NewSecretKeyStore(store, env, verifier, logger)
	var policies interfaces.PolicyStore
	if cfg.AllowAllJoinPolicy {
		policies, err = kms.NewAllowAllPolicyStore(logger)
	} else {
		policies, err = kms.NewSignedPolicyStore(store, keys, env, cfg.InitialJoinPolicy, logger)
	}
	if err != nil {
		logger.Error("Failed to create policy store", "err", err)
		return err
	}

	service := recovery.NewService(kms.NewMemberStore(keys, env), policies, env, cfg.ServiceCertPath, m, logger)
	srv.Mount(recoveryhandler.NewHandler(service, recovery.NewRequestVerifier(verifier, policies, m, logger), policies, logger))
	srv.AddReadinessCheck(func(ctx context.Context) error {
		if !store.Available(ctx) {
			return interfaces.ErrBackendUnavailable
		}
		return nil
	})

	srv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop", "platform", cfg.Platform, "store", interfaces.StorageBackendLocation(store.LocationURI()).String())
	<-exit
	logger.Info("Shutdown signal received")

	srv.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

func newEnvironment(cfg *config.ServiceConfig) (interfaces.Environment, error) {
	if cfg.Platform == interfaces.PlatformVirtual {
		return cryptoutils.NewVirtualEnvironment()
	}
	var provider interfaces.AttestationProvider = &cryptoutils.SNPDeviceProvider{SecurityContextDir: cfg.SecurityContextDir}
	if cfg.AttestationProviderAddr != "" {
		provider = &cryptoutils.RemoteAttestationProvider{
			Address: cfg.AttestationProviderAddr,
			Client:  &http.Client{Timeout: 30 * time.Second},
		}
	}
	return cryptoutils.NewSNPEnvironment(provider, cfg.SecurityContextDir), nil
}

func newVerifier(cfg *config.ServiceConfig, logger *slog.Logger) *cryptoutils.SNPVerifier {
	verifier := cryptoutils.NewSNPVerifier(logger)
	verifier.RequireUVMEndorsement = cfg.RequireUVMEndorsement
	return verifier
}

// loadServiceIdentity reads the service TLS key pair, creating a self-signed
// one on first start. The certificate is what GET /report attests.
func loadServiceIdentity(cfg *config.ServiceConfig, logger *slog.Logger) (*tls.Config, error) {
	certPEM, certErr := os.ReadFile(cfg.ServiceCertPath)
	keyPEM, keyErr := os.ReadFile(cfg.ServiceKeyPath)
	if errors.Is(certErr, fs.ErrNotExist) && errors.Is(keyErr, fs.ErrNotExist) {
		logger.Info("Creating self-signed service certificate", "path", cfg.ServiceCertPath)
		cert, key, err := cryptoutils.NewSelfSignedServiceCert("ccf-recovery-service")
		if err != nil {
			return nil, err
		}
		for _, dir := range []string{filepath.Dir(cfg.ServiceCertPath), filepath.Dir(cfg.ServiceKeyPath)} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		if err := os.WriteFile(cfg.ServiceKeyPath, []byte(key), 0o600); err != nil {
			return nil, err
		}
		if err := os.WriteFile(cfg.ServiceCertPath, []byte(cert), 0o644); err != nil {
			return nil, err
		}
		certPEM, keyPEM, certErr, keyErr = []byte(cert), []byte(key), nil, nil
	}
	if err := errors.Join(certErr, keyErr); err != nil {
		return nil, err
	}

	certificate, err := cryptoutils.TLSCertificate(string(certPEM), string(keyPEM))
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{certificate},
	}, nil
}

package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

// VaultBackend implements a secret store on the HashiCorp Vault KV v2 engine.
// Each secret is one KV entry holding the base64 value and its tags.
// Authentication is a token, a TLS client certificate, or both.
type VaultBackend struct {
	client      *api.Client
	kv          *api.KVv2
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a new Vault secret store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "recovery")
//   - token: Vault token, empty to use VAULT_TOKEN or certificate auth
//   - clientCert: optional TLS client certificate
//   - log: Structured logger for operational insights
func NewVaultBackend(address, mountPath, dataPath, token string, clientCert *tls.Certificate, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address

	if clientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{*clientCert},
				},
			},
			Timeout: 30 * time.Second,
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		kv:          client.KVv2(mountPath),
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

// Get reads the latest version of the secret.
func (b *VaultBackend) Get(ctx context.Context, name string) (*interfaces.Secret, error) {
	if err := ValidateSecretName(name); err != nil {
		return nil, err
	}
	start := time.Now()

	kvSecret, err := b.kv.Get(ctx, b.secretPath(name))
	if errors.Is(err, api.ErrSecretNotFound) {
		b.log.Debug("Secret not found in Vault", slog.String("name", name))
		return nil, interfaces.ErrSecretNotFound
	}
	if err != nil {
		b.log.Error("Failed to read from Vault", slog.String("name", name), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	// A deleted latest version has metadata but no data.
	if kvSecret.Data == nil {
		return nil, interfaces.ErrSecretNotFound
	}

	secret, err := decodeVaultData(name, kvSecret.Data)
	if err != nil {
		return nil, err
	}

	b.log.Debug("Fetched secret from Vault",
		slog.String("name", name),
		slog.Duration("duration", time.Since(start)))
	return secret, nil
}

// Create writes the secret with cas=0, which Vault rejects if the secret exists.
func (b *VaultBackend) Create(ctx context.Context, secret *interfaces.Secret) error {
	if err := validateSecret(secret); err != nil {
		return err
	}
	_, err := b.kv.Put(ctx, b.secretPath(secret.Name), encodeVaultData(secret), api.WithCheckAndSet(0))
	if isCASMismatch(err) {
		return interfaces.ErrSecretExists
	}
	if err != nil {
		b.log.Error("Failed to write to Vault", slog.String("name", secret.Name), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Info("Created secret in Vault", slog.String("name", secret.Name))
	return nil
}

// Set writes a new version of the secret.
func (b *VaultBackend) Set(ctx context.Context, secret *interfaces.Secret) error {
	if err := validateSecret(secret); err != nil {
		return err
	}
	if _, err := b.kv.Put(ctx, b.secretPath(secret.Name), encodeVaultData(secret)); err != nil {
		b.log.Error("Failed to write to Vault", slog.String("name", secret.Name), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	b.log.Info("Stored secret in Vault", slog.String("name", secret.Name))
	return nil
}

// List enumerates the data path and reads every secret to match its tags.
func (b *VaultBackend) List(ctx context.Context, filter map[string]string) ([]interfaces.SecretMetadata, error) {
	listing, err := b.client.Logical().ListWithContext(ctx, fmt.Sprintf("%s/metadata/%s", b.mountPath, b.dataPath))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if listing == nil || listing.Data == nil {
		return nil, nil
	}
	keys, _ := listing.Data["keys"].([]interface{})

	var out []interfaces.SecretMetadata
	for _, k := range keys {
		name, ok := k.(string)
		if !ok || strings.HasSuffix(name, "/") || ValidateSecretName(name) != nil {
			continue
		}
		secret, err := b.Get(ctx, name)
		if errors.Is(err, interfaces.ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if interfaces.MatchesTags(secret.Tags, filter) {
			out = append(out, interfaces.SecretMetadata{Name: name, Tags: secret.Tags})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Available checks if the Vault backend is accessible.
// It uses the health endpoint to verify that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

// Name returns a unique identifier for this secret store.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this secret store.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

func (b *VaultBackend) secretPath(name string) string {
	if b.dataPath == "" {
		return name
	}
	return b.dataPath + "/" + name
}

func encodeVaultData(secret *interfaces.Secret) map[string]interface{} {
	tags := make(map[string]interface{}, len(secret.Tags))
	for k, v := range secret.Tags {
		tags[k] = v
	}
	return map[string]interface{}{
		"value": base64.StdEncoding.EncodeToString(secret.Value),
		"tags":  tags,
	}
}

func decodeVaultData(name string, data map[string]interface{}) (*interfaces.Secret, error) {
	encoded, ok := data["value"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid value format in Vault secret %s", name)
	}
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid value encoding in Vault secret %s: %w", name, err)
	}

	tags := map[string]string{}
	if raw, ok := data["tags"].(map[string]interface{}); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				tags[k] = s
			}
		}
	}
	return &interfaces.Secret{Name: name, Value: value, Tags: tags}, nil
}

// isCASMismatch reports whether Vault rejected a check-and-set write.
func isCASMismatch(err error) bool {
	var respErr *api.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != http.StatusBadRequest {
		return false
	}
	for _, msg := range respErr.Errors {
		if strings.Contains(msg, "check-and-set") {
			return true
		}
	}
	return false
}

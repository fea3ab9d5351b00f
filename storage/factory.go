package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

// StorageBackendFactory creates secret stores from URI strings and manages
// replicated configurations.
type StorageBackendFactory struct {
	log *slog.Logger

	// newGCPInner creates the Secret Manager client, replaced in tests.
	newGCPInner func(ctx context.Context) (GCPSecretManagerInner, error)
}

// NewStorageBackendFactory creates a new factory instance that can create secret stores.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{
		log: logger,
		newGCPInner: func(ctx context.Context) (GCPSecretManagerInner, error) {
			return NewGCPSecretManagerInner(ctx)
		},
	}
}

// SecretStoreFor creates a secret store from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem storage
//   - vault:// - HashiCorp Vault KV v2
//   - s3:// - Amazon S3 or compatible object storage
//   - gcpsm:// - GCP Secret Manager
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *StorageBackendFactory) SecretStoreFor(ctx context.Context, locationURI interfaces.StorageBackendLocation) (interfaces.SecretStore, error) {
	u, err := locationURI.Parse()
	if err != nil {
		return nil, err
	}

	sf.log.Debug("Creating secret store", slog.String("uri", locationURI.String()))
	switch strings.ToLower(u.Scheme) {
	case "vault":
		return sf.createVaultBackend(u)
	case "s3":
		return sf.createS3Backend(u)
	case "gcpsm":
		return sf.createGCPBackend(ctx, u)
	default:
		return sf.createFileBackend(u)
	}
}

// CreateReplicated creates a replicated secret store from a list of location URIs.
// The first URI is the primary. Returns an error if any URI is invalid.
func (sf *StorageBackendFactory) CreateReplicated(ctx context.Context, locationURIs []interfaces.StorageBackendLocation) (interfaces.SecretStore, error) {
	if len(locationURIs) == 0 {
		return nil, fmt.Errorf("%w: no secret store configured", interfaces.ErrInvalidLocationURI)
	}
	if len(locationURIs) == 1 {
		return sf.SecretStoreFor(ctx, locationURIs[0])
	}

	backends := make([]interfaces.SecretStore, 0, len(locationURIs))
	for _, uri := range locationURIs {
		backend, err := sf.SecretStoreFor(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("secret store %s: %w", uri.String(), err)
		}
		backends = append(backends, backend)
	}
	return NewReplicatedBackend(backends, sf.log), nil
}

// createVaultBackend creates a Vault KV v2 secret store.
// URI format: vault://[token@]host:port/mount/path?tls=false
// Without an embedded token VAULT_TOKEN is used.
func (sf *StorageBackendFactory) createVaultBackend(u *url.URL) (interfaces.SecretStore, error) {
	scheme := "https"
	if u.Query().Get("tls") == "false" {
		scheme = "http"
	}

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if parts[0] == "" {
		return nil, fmt.Errorf("%w: vault URI needs a mount path", interfaces.ErrInvalidLocationURI)
	}
	mountPath := parts[0]
	dataPath := ""
	if len(parts) == 2 {
		dataPath = parts[1]
	}

	token := ""
	if u.User != nil {
		token = u.User.Username()
	}

	return NewVaultBackend(fmt.Sprintf("%s://%s", scheme, u.Host), mountPath, dataPath, token, nil, sf.log)
}

// createS3Backend creates an S3 or S3-compatible secret store.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
func (sf *StorageBackendFactory) createS3Backend(u *url.URL) (interfaces.SecretStore, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: s3 URI needs a bucket", interfaces.ErrInvalidLocationURI)
	}

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Backend(u.Host, strings.TrimPrefix(u.Path, "/"), region, query.Get("endpoint"), accessKey, secretKey, sf.log)
}

// createGCPBackend creates a Secret Manager secret store.
// URI format: gcpsm://project-id?prefix=recovery-
func (sf *StorageBackendFactory) createGCPBackend(ctx context.Context, u *url.URL) (interfaces.SecretStore, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: gcpsm URI needs a project id", interfaces.ErrInvalidLocationURI)
	}
	inner, err := sf.newGCPInner(ctx)
	if err != nil {
		return nil, err
	}
	return NewGCPSecretManagerBackend(inner, u.Host, u.Query().Get("prefix"), sf.log), nil
}

// createFileBackend creates a file system secret store.
// URI format: file:///absolute/path/?passphrase_env=VAR or file://./relative/path/
func (sf *StorageBackendFactory) createFileBackend(u *url.URL) (interfaces.SecretStore, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI", interfaces.ErrInvalidLocationURI)
	}

	var passphrase []byte
	if env := u.Query().Get("passphrase_env"); env != "" {
		value, ok := os.LookupEnv(env)
		if !ok || value == "" {
			return nil, fmt.Errorf("%w: passphrase variable %s is not set", interfaces.ErrInvalidLocationURI, env)
		}
		passphrase = []byte(value)
	}

	return NewFileBackend(path, passphrase, sf.log)
}

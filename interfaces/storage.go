package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrSecretNotFound is returned when a secret does not exist in the store.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrSecretExists is returned by Create when a secret with the same name exists.
	ErrSecretExists = errors.New("secret already exists")

	// ErrBackendUnavailable indicates the store could not be reached.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI indicates a malformed secret store URI.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// Secret is a named value with attached tag metadata.
type Secret struct {
	Name  string
	Value []byte
	Tags  map[string]string
}

// Tag returns the value of a tag, or "" when absent.
func (s *Secret) Tag(key string) string {
	if s == nil || s.Tags == nil {
		return ""
	}
	return s.Tags[key]
}

// SecretMetadata describes a secret without its value.
type SecretMetadata struct {
	Name string
	Tags map[string]string
}

// MatchesTags reports whether every key/value in filter is present in tags.
func MatchesTags(tags, filter map[string]string) bool {
	for k, v := range filter {
		if tags[k] != v {
			return false
		}
	}
	return true
}

// SecretStore is a hosted secret store with get/set-by-name semantics and
// tag metadata per secret.
type SecretStore interface {
	// Get returns the secret or ErrSecretNotFound.
	Get(ctx context.Context, name string) (*Secret, error)

	// Create stores the secret only if no secret with the same name exists.
	// It returns ErrSecretExists otherwise.
	Create(ctx context.Context, secret *Secret) error

	// Set creates or overwrites the secret.
	Set(ctx context.Context, secret *Secret) error

	// List returns metadata for all secrets whose tags contain filter.
	List(ctx context.Context, filter map[string]string) ([]SecretMetadata, error)

	// Available checks if the store is reachable.
	Available(ctx context.Context) bool

	// Name returns a unique identifier for this store.
	Name() string

	// LocationURI returns the URI that identifies this store.
	LocationURI() string
}

// StorageBackendLocation is a URI identifying a secret store, for example
// vault://vault.internal:8200/secret/recovery or file:///var/lib/recovery.
type StorageBackendLocation string

// Parse validates the location and returns the parsed URL.
func (l StorageBackendLocation) Parse() (*url.URL, error) {
	u, err := url.Parse(string(l))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "file", "s3", "vault", "gcpsm":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, u.Scheme)
	}
	return u, nil
}

// String returns the location with any embedded password redacted.
func (l StorageBackendLocation) String() string {
	u, err := url.Parse(string(l))
	if err != nil {
		return string(l)
	}
	return u.Redacted()
}

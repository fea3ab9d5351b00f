package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

// ReplicatedBackend implements interfaces.SecretStore over multiple backends.
// The first backend is the primary: it alone decides create-if-absent and a
// write only succeeds once it has stored the secret. The others are replicas
// written on a best-effort basis and read when the primary cannot answer.
type ReplicatedBackend struct {
	backends []interfaces.SecretStore
	log      *slog.Logger
}

// NewReplicatedBackend creates a replicated secret store with backends[0] as the primary.
func NewReplicatedBackend(backends []interfaces.SecretStore, logger *slog.Logger) *ReplicatedBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplicatedBackend{
		backends: backends,
		log:      logger,
	}
}

// Get returns the secret as the primary sees it. Replicas are consulted only
// when the primary is unavailable or fails; a miss on every replica is then
// reported as ErrBackendUnavailable, since the primary may still hold it.
func (m *ReplicatedBackend) Get(ctx context.Context, name string) (*interfaces.Secret, error) {
	start := time.Now()
	var errs []error

	for i, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("name", name))
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		secret, err := backend.Get(ctx, name)
		if err == nil {
			m.log.Debug("Fetched secret",
				slog.String("backend_name", backend.Name()),
				slog.String("name", name),
				slog.Duration("duration", time.Since(start)))
			return secret, nil
		}
		if errors.Is(err, interfaces.ErrSecretNotFound) {
			if i == 0 {
				return nil, err
			}
			continue
		}

		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("name", name),
			"err", err)
	}

	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no backend configured", interfaces.ErrBackendUnavailable)
	}

	m.log.Error("Primary backend could not serve secret",
		slog.String("name", name),
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))
	return nil, fmt.Errorf("%w: failed to fetch %s: %w", interfaces.ErrBackendUnavailable, name, errors.Join(errs...))
}

// Create creates the secret in the primary and replicates it to the rest
// with Set. ErrSecretExists from the primary is returned as is. There is no
// fallback: creating on a replica could produce a second value for the name.
func (m *ReplicatedBackend) Create(ctx context.Context, secret *interfaces.Secret) error {
	primary, err := m.primary(ctx)
	if err != nil {
		return err
	}
	if err := primary.Create(ctx, secret); err != nil {
		return err
	}
	m.replicate(ctx, secret, 1)
	return nil
}

// Set saves the secret to the primary, then to every available replica.
func (m *ReplicatedBackend) Set(ctx context.Context, secret *interfaces.Secret) error {
	primary, err := m.primary(ctx)
	if err != nil {
		return err
	}
	if err := primary.Set(ctx, secret); err != nil {
		return fmt.Errorf("%w: primary %s failed to store %s: %w", interfaces.ErrBackendUnavailable, primary.Name(), secret.Name, err)
	}
	m.replicate(ctx, secret, 1)
	return nil
}

func (m *ReplicatedBackend) primary(ctx context.Context) (interfaces.SecretStore, error) {
	if len(m.backends) == 0 {
		return nil, fmt.Errorf("%w: no backend configured", interfaces.ErrBackendUnavailable)
	}
	primary := m.backends[0]
	if !primary.Available(ctx) {
		return nil, fmt.Errorf("%w: primary %s unavailable", interfaces.ErrBackendUnavailable, primary.Name())
	}
	return primary, nil
}

func (m *ReplicatedBackend) replicate(ctx context.Context, secret *interfaces.Secret, from int) int {
	stored := 0
	for _, backend := range m.backends[from:] {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}
		if err := backend.Set(ctx, secret); err != nil {
			m.log.Warn("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				slog.String("name", secret.Name),
				"err", err)
			continue
		}
		stored++
	}
	return stored
}

// List merges listings from all available backends.
func (m *ReplicatedBackend) List(ctx context.Context, filter map[string]string) ([]interfaces.SecretMetadata, error) {
	seen := map[string]bool{}
	var out []interfaces.SecretMetadata
	var errs []error
	listed := false

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		items, err := backend.List(ctx, filter)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			continue
		}
		listed = true
		for _, item := range items {
			if !seen[item.Name] {
				seen[item.Name] = true
				out = append(out, item)
			}
		}
	}

	if !listed {
		if len(errs) == 0 {
			return nil, fmt.Errorf("%w: no backend available", interfaces.ErrBackendUnavailable)
		}
		return nil, fmt.Errorf("%w: all backends failed to list: %w", interfaces.ErrBackendUnavailable, errors.Join(errs...))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Available checks if any backend is available
func (m *ReplicatedBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend
func (m *ReplicatedBackend) Name() string {
	return "replicated"
}

// LocationURI returns the URI of this backend
func (m *ReplicatedBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "replicated:[" + strings.Join(locations, ",") + "]"
}

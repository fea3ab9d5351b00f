package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretspb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

// GCPSecretManagerInner is the subset of the Secret Manager client the backend uses.
type GCPSecretManagerInner interface {
	CreateSecret(ctx context.Context, projectID, secretID string, annotations map[string]string) error
	AddVersion(ctx context.Context, projectID, secretID string, payload []byte) error
	AccessLatest(ctx context.Context, projectID, secretID string) ([]byte, error)
	GetAnnotations(ctx context.Context, projectID, secretID string) (map[string]string, error)
	ListSecretIDs(ctx context.Context, projectID, prefix string) ([]string, error)
}

type gcpSecretManagerInner struct {
	client *secretmanager.Client
}

// NewGCPSecretManagerInner creates a Secret Manager client with application default credentials.
func NewGCPSecretManagerInner(ctx context.Context, opts ...option.ClientOption) (GCPSecretManagerInner, error) {
	c, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}
	return &gcpSecretManagerInner{client: c}, nil
}

func (g *gcpSecretManagerInner) CreateSecret(ctx context.Context, projectID, secretID string, annotations map[string]string) error {
	_, err := g.client.CreateSecret(ctx, &secretspb.CreateSecretRequest{
		Parent:   fmt.Sprintf("projects/%s", projectID),
		SecretId: secretID,
		Secret: &secretspb.Secret{
			Replication: &secretspb.Replication{
				Replication: &secretspb.Replication_Automatic_{Automatic: &secretspb.Replication_Automatic{}},
			},
			Annotations: annotations,
		},
	})
	return err
}

func (g *gcpSecretManagerInner) AddVersion(ctx context.Context, projectID, secretID string, payload []byte) error {
	_, err := g.client.AddSecretVersion(ctx, &secretspb.AddSecretVersionRequest{
		Parent:  fmt.Sprintf("projects/%s/secrets/%s", projectID, secretID),
		Payload: &secretspb.SecretPayload{Data: payload},
	})
	return err
}

func (g *gcpSecretManagerInner) AccessLatest(ctx context.Context, projectID, secretID string) ([]byte, error) {
	resp, err := g.client.AccessSecretVersion(ctx, &secretspb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, secretID),
	})
	if err != nil {
		return nil, err
	}
	return resp.GetPayload().GetData(), nil
}

func (g *gcpSecretManagerInner) GetAnnotations(ctx context.Context, projectID, secretID string) (map[string]string, error) {
	secret, err := g.client.GetSecret(ctx, &secretspb.GetSecretRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s", projectID, secretID),
	})
	if err != nil {
		return nil, err
	}
	return secret.GetAnnotations(), nil
}

func (g *gcpSecretManagerInner) ListSecretIDs(ctx context.Context, projectID, prefix string) ([]string, error) {
	req := &secretspb.ListSecretsRequest{Parent: fmt.Sprintf("projects/%s", projectID)}
	if prefix != "" {
		req.Filter = "name:" + prefix
	}
	it := g.client.ListSecrets(ctx, req)

	var ids []string
	for {
		secret, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		name := secret.GetName()
		ids = append(ids, name[strings.LastIndex(name, "/")+1:])
	}
	return ids, nil
}

// GCPSecretManagerBackend implements a secret store on GCP Secret Manager.
// The value is the latest secret version and tags are secret annotations.
// Tags are fixed when the secret is created; Set only adds a version.
type GCPSecretManagerBackend struct {
	inner     GCPSecretManagerInner
	projectID string
	prefix    string
	log       *slog.Logger
}

// NewGCPSecretManagerBackend creates a Secret Manager secret store. Secret ids
// are prefix+name.
func NewGCPSecretManagerBackend(inner GCPSecretManagerInner, projectID, prefix string, log *slog.Logger) *GCPSecretManagerBackend {
	return &GCPSecretManagerBackend{
		inner:     inner,
		projectID: projectID,
		prefix:    prefix,
		log:       log,
	}
}

func (b *GCPSecretManagerBackend) Get(ctx context.Context, name string) (*interfaces.Secret, error) {
	if err := ValidateSecretName(name); err != nil {
		return nil, err
	}
	id := b.prefix + name

	value, err := b.inner.AccessLatest(ctx, b.projectID, id)
	if err != nil {
		return nil, b.mapError(err)
	}
	annotations, err := b.inner.GetAnnotations(ctx, b.projectID, id)
	if err != nil {
		return nil, b.mapError(err)
	}

	return &interfaces.Secret{Name: name, Value: value, Tags: copyTags(annotations)}, nil
}

// Create creates the secret resource and its first version. AlreadyExists on
// the resource means another writer got there first.
func (b *GCPSecretManagerBackend) Create(ctx context.Context, secret *interfaces.Secret) error {
	if err := validateSecret(secret); err != nil {
		return err
	}
	id := b.prefix + secret.Name

	if err := b.inner.CreateSecret(ctx, b.projectID, id, copyTags(secret.Tags)); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return interfaces.ErrSecretExists
		}
		return b.mapError(err)
	}
	if err := b.inner.AddVersion(ctx, b.projectID, id, secret.Value); err != nil {
		return b.mapError(err)
	}
	b.log.Info("Created secret in Secret Manager", slog.String("name", secret.Name))
	return nil
}

// Set creates the secret if needed and adds a version with the new value.
func (b *GCPSecretManagerBackend) Set(ctx context.Context, secret *interfaces.Secret) error {
	if err := validateSecret(secret); err != nil {
		return err
	}
	id := b.prefix + secret.Name

	if err := b.inner.CreateSecret(ctx, b.projectID, id, copyTags(secret.Tags)); err != nil && status.Code(err) != codes.AlreadyExists {
		return b.mapError(err)
	}
	if err := b.inner.AddVersion(ctx, b.projectID, id, secret.Value); err != nil {
		return b.mapError(err)
	}
	b.log.Info("Stored secret in Secret Manager", slog.String("name", secret.Name))
	return nil
}

func (b *GCPSecretManagerBackend) List(ctx context.Context, filter map[string]string) ([]interfaces.SecretMetadata, error) {
	ids, err := b.inner.ListSecretIDs(ctx, b.projectID, b.prefix)
	if err != nil {
		return nil, b.mapError(err)
	}

	var out []interfaces.SecretMetadata
	for _, id := range ids {
		if !strings.HasPrefix(id, b.prefix) {
			continue
		}
		name := strings.TrimPrefix(id, b.prefix)
		annotations, err := b.inner.GetAnnotations(ctx, b.projectID, id)
		if status.Code(err) == codes.NotFound {
			continue
		}
		if err != nil {
			return nil, b.mapError(err)
		}
		if interfaces.MatchesTags(annotations, filter) {
			out = append(out, interfaces.SecretMetadata{Name: name, Tags: copyTags(annotations)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Available lists secrets as a reachability probe.
func (b *GCPSecretManagerBackend) Available(ctx context.Context) bool {
	if _, err := b.inner.ListSecretIDs(ctx, b.projectID, b.prefix); err != nil {
		b.log.Warn("Secret Manager unavailable", slog.String("project", b.projectID), "err", err)
		return false
	}
	return true
}

func (b *GCPSecretManagerBackend) Name() string {
	return fmt.Sprintf("gcpsm-%s", b.projectID)
}

func (b *GCPSecretManagerBackend) LocationURI() string {
	if b.prefix == "" {
		return fmt.Sprintf("gcpsm://%s", b.projectID)
	}
	return fmt.Sprintf("gcpsm://%s?prefix=%s", b.projectID, b.prefix)
}

// mapError translates gRPC status codes into store errors. A secret without
// any version yet reads as not found.
func (b *GCPSecretManagerBackend) mapError(err error) error {
	switch status.Code(err) {
	case codes.NotFound, codes.FailedPrecondition:
		return interfaces.ErrSecretNotFound
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return fmt.Errorf("secret manager: %w", err)
}

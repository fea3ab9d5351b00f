package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ruteri/ccf-recovery-service/cryptoutils"
	"github.com/ruteri/ccf-recovery-service/interfaces"
)

const fileSuffix = ".json"

// fileRecord is the on-disk representation of a secret.
type fileRecord struct {
	Name   string            `json:"name"`
	Value  []byte            `json:"value"`
	Tags   map[string]string `json:"tags,omitempty"`
	Sealed bool              `json:"sealed,omitempty"`
}

// FileBackend implements a secret store using the local file system.
// Each secret is a JSON file named after the secret. When a passphrase is set,
// values are sealed before they touch the disk.
type FileBackend struct {
	baseDir     string
	passphrase  []byte
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a new file secret store in baseDir, creating the
// directory if it doesn't exist. An empty passphrase stores values in the clear.
func NewFileBackend(baseDir string, passphrase []byte, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		passphrase:  passphrase,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Get reads the secret from its file. Returns ErrSecretNotFound if the file doesn't exist.
func (b *FileBackend) Get(_ context.Context, name string) (*interfaces.Secret, error) {
	if err := ValidateSecretName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.filePath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var record fileRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode secret %s: %w", name, err)
	}

	value := record.Value
	if record.Sealed {
		if len(b.passphrase) == 0 {
			return nil, fmt.Errorf("secret %s is sealed and no passphrase is configured", name)
		}
		value, err = cryptoutils.OpenValue(b.passphrase, name, record.Value)
		if err != nil {
			return nil, err
		}
	}

	b.log.Debug("Fetched secret from file", slog.String("name", name), slog.Int("size", len(value)))
	return &interfaces.Secret{Name: name, Value: value, Tags: record.Tags}, nil
}

// Create writes the secret only if no file with the same name exists.
func (b *FileBackend) Create(_ context.Context, secret *interfaces.Secret) error {
	if err := validateSecret(secret); err != nil {
		return err
	}
	data, err := b.encode(secret)
	if err != nil {
		return err
	}

	// Write to a temporary file first so readers never observe a partial record,
	// then link it into place. Link fails if the target exists.
	tmp, err := b.writeTemp(data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, b.filePath(secret.Name)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return interfaces.ErrSecretExists
		}
		return fmt.Errorf("failed to create secret file: %w", err)
	}

	b.log.Debug("Created secret file", slog.String("name", secret.Name))
	return nil
}

// Set creates or atomically replaces the secret file.
func (b *FileBackend) Set(_ context.Context, secret *interfaces.Secret) error {
	if err := validateSecret(secret); err != nil {
		return err
	}
	data, err := b.encode(secret)
	if err != nil {
		return err
	}
	tmp, err := b.writeTemp(data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, b.filePath(secret.Name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write secret file: %w", err)
	}

	b.log.Debug("Stored secret file", slog.String("name", secret.Name))
	return nil
}

// List returns metadata of all secrets whose tags contain filter, sorted by name.
func (b *FileBackend) List(ctx context.Context, filter map[string]string) ([]interfaces.SecretMetadata, error) {
	entries, err := os.ReadDir(b.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}

	var out []interfaces.SecretMetadata
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), fileSuffix)
		if ValidateSecretName(name) != nil {
			continue
		}

		data, err := os.ReadFile(filepath.Join(b.baseDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		var record fileRecord
		if err := json.Unmarshal(data, &record); err != nil {
			b.log.Warn("Skipping undecodable secret file", slog.String("file", entry.Name()), "err", err)
			continue
		}
		if interfaces.MatchesTags(record.Tags, filter) {
			out = append(out, interfaces.SecretMetadata{Name: name, Tags: record.Tags})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Available checks if the file backend is accessible by verifying the base directory exists.
func (b *FileBackend) Available(_ context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this secret store.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this secret store.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) encode(secret *interfaces.Secret) ([]byte, error) {
	record := fileRecord{Name: secret.Name, Value: secret.Value, Tags: copyTags(secret.Tags)}
	if len(b.passphrase) > 0 {
		sealed, err := cryptoutils.SealValue(b.passphrase, secret.Name, secret.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to seal secret %s: %w", secret.Name, err)
		}
		record.Value = sealed
		record.Sealed = true
	}
	return json.Marshal(record)
}

func (b *FileBackend) writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp(b.baseDir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close temporary file: %w", err)
	}
	return f.Name(), nil
}

func (b *FileBackend) filePath(name string) string {
	return filepath.Join(b.baseDir, name+fileSuffix)
}

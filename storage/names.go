package storage

import (
	"fmt"
	"regexp"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

// ErrInvalidSecretName is returned for names not accepted by all backends.
var ErrInvalidSecretName = fmt.Errorf("invalid secret name")

var secretNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

// ValidateSecretName checks that name is usable as a secret id in every backend.
func ValidateSecretName(name string) error {
	if !secretNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidSecretName, name)
	}
	return nil
}

func validateSecret(secret *interfaces.Secret) error {
	if secret == nil {
		return fmt.Errorf("%w: nil secret", ErrInvalidSecretName)
	}
	return ValidateSecretName(secret.Name)
}

func copyTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

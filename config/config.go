// Package config holds the validated startup configuration of the recovery
// service and the operator tool.
package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

// LoadDotEnv loads environment variables from the given files, or from .env
// when none are given. Missing files are skipped; variables already set in the
// environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return interfaces.WrapError(interfaces.ConfigurationError, interfaces.CodeConfigurationInvalid, err,
				"loading %s", path)
		}
	}
	return nil
}

type ServiceConfig struct {
	ListenAddr string

	// SecretStores are the secret store locations; the first is the primary.
	SecretStores []interfaces.StorageBackendLocation

	// InitialJoinPolicy is the bootstrap network join policy as base64 JSON.
	InitialJoinPolicy  string
	AllowAllJoinPolicy bool

	Platform           interfaces.Platform
	SecurityContextDir string
	// AttestationProviderAddr selects a remote attestation sidecar instead of
	// the sev-guest device.
	AttestationProviderAddr string
	// RequireUVMEndorsement rejects caller evidence without UVM endorsements.
	RequireUVMEndorsement bool

	ServiceCertPath string
	ServiceKeyPath  string
}

// Validate checks the configuration once at startup.
func (c *ServiceConfig) Validate() error {
	if c.ListenAddr == "" {
		return configError("listen address must be set")
	}
	if len(c.SecretStores) == 0 {
		return configError("at least one secret store must be configured")
	}
	for _, loc := range c.SecretStores {
		if _, err := loc.Parse(); err != nil {
			return interfaces.WrapError(interfaces.ConfigurationError, interfaces.CodeConfigurationInvalid, err,
				"invalid secret store location %q", loc)
		}
	}

	switch {
	case c.InitialJoinPolicy != "" && c.AllowAllJoinPolicy:
		return configError("initial join policy and allow-all join policy are mutually exclusive")
	case c.InitialJoinPolicy == "" && !c.AllowAllJoinPolicy:
		return configError("either an initial join policy or allow-all join policy must be set")
	}

	switch c.Platform {
	case interfaces.PlatformSNP:
		if c.SecurityContextDir == "" {
			return configError("security context directory must be set on snp")
		}
	case interfaces.PlatformVirtual:
	default:
		return configError("unknown platform %q", c.Platform)
	}

	if c.ServiceCertPath == "" {
		return configError("service certificate path must be set")
	}
	return nil
}

type OperatorConfig struct {
	SigningCertPath string
	SigningKeyPath  string

	// Agents is a static list of agent endpoints. When empty, agents are
	// discovered through DNS SRV records named by AgentSRVFormat.
	Agents         []string
	DNSServer      string
	AgentSRVFormat string
}

func (c *OperatorConfig) Validate() error {
	if c.SigningCertPath == "" || c.SigningKeyPath == "" {
		return configError("operator signing certificate and key must be set")
	}
	if len(c.Agents) == 0 && c.AgentSRVFormat == "" {
		return configError("either static agents or an agent SRV name format must be set")
	}
	return nil
}

func configError(format string, args ...any) error {
	return interfaces.NewError(interfaces.ConfigurationError, interfaces.CodeConfigurationInvalid, format, args...)
}

package cryptoutils

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/go-sev-guest/abi"
	"github.com/google/go-sev-guest/client"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

// SecurityContextDirEnv names the directory holding the UVM security context files.
const SecurityContextDirEnv = "UVM_SECURITY_CONTEXT_DIR"

const (
	securityPolicyFile = "security-policy-base64"
	referenceInfoFile  = "reference-info-base64"
)

var (
	// ErrVirtualModeUnavailable is returned when the binary was built without
	// insecure virtual mode support.
	ErrVirtualModeUnavailable = errors.New("insecure virtual mode is not compiled into this binary")

	// ErrSecurityContextUnavailable is returned when the UVM security context cannot be read.
	ErrSecurityContextUnavailable = errors.New("uvm security context unavailable")
)

// RemoteAttestationProvider requests evidence from an attestation sidecar over HTTP.
type RemoteAttestationProvider struct {
	Address string
	Client  *http.Client
}

func (*RemoteAttestationProvider) Platform() interfaces.Platform { return interfaces.PlatformSNP }

// Attest calls GET {Address}/attest/{hex(reportData)}, which returns an
// AttestationReport JSON document.
func (p *RemoteAttestationProvider) Attest(ctx context.Context, reportData [64]byte) (*interfaces.AttestationReport, error) {
	url := fmt.Sprintf("%s/attest/%s", strings.TrimSuffix(p.Address, "/"), hex.EncodeToString(reportData[:]))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	httpClient := p.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling remote attestation provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote attestation provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var report interfaces.AttestationReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decoding attestation report: %w", err)
	}
	return &report, nil
}

// SNPDeviceProvider requests an extended report from /dev/sev-guest and attaches
// the UVM endorsement from the security context directory.
type SNPDeviceProvider struct {
	SecurityContextDir string
}

func (*SNPDeviceProvider) Platform() interfaces.Platform { return interfaces.PlatformSNP }

func (p *SNPDeviceProvider) Attest(_ context.Context, reportData [64]byte) (*interfaces.AttestationReport, error) {
	device, err := client.OpenDevice()
	if err != nil {
		return nil, fmt.Errorf("opening sev-guest device: %w", err)
	}
	defer device.Close()

	attestation, err := client.GetExtendedReport(device, reportData)
	if err != nil {
		return nil, fmt.Errorf("requesting extended report: %w", err)
	}
	raw, err := abi.ReportToAbiBytes(attestation.GetReport())
	if err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}

	var chain []byte
	if certs := attestation.GetCertificateChain(); certs != nil {
		for _, der := range [][]byte{certs.GetVcekCert(), certs.GetAskCert(), certs.GetArkCert()} {
			if len(der) > 0 {
				chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
			}
		}
	}

	report := &interfaces.AttestationReport{
		Attestation:          base64.StdEncoding.EncodeToString(raw),
		PlatformCertificates: base64.StdEncoding.EncodeToString(chain),
	}
	if p.SecurityContextDir != "" {
		uvm, err := readBase64File(filepath.Join(p.SecurityContextDir, referenceInfoFile))
		if err != nil {
			return nil, err
		}
		report.UvmEndorsements = base64.StdEncoding.EncodeToString(uvm)
	}
	return report, nil
}

// SecurityContextHostData computes host_data from the UVM security policy.
type SecurityContextHostData struct {
	Dir string
}

// HostData returns sha256 of the base64-decoded security policy as lowercase hex.
func (s SecurityContextHostData) HostData(_ context.Context) (string, error) {
	if s.Dir == "" {
		return "", fmt.Errorf("%w: %s is not set", ErrSecurityContextUnavailable, SecurityContextDirEnv)
	}
	policy, err := readBase64File(filepath.Join(s.Dir, securityPolicyFile))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(policy)
	return hex.EncodeToString(sum[:]), nil
}

func readBase64File(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecurityContextUnavailable, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(content)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid base64: %v", ErrSecurityContextUnavailable, path, err)
	}
	return decoded, nil
}

type snpEnvironment struct {
	interfaces.AttestationProvider
	SecurityContextHostData
}

// NewSNPEnvironment combines an evidence provider with host data read from the
// security context directory.
func NewSNPEnvironment(provider interfaces.AttestationProvider, securityContextDir string) interfaces.Environment {
	return &snpEnvironment{
		AttestationProvider:     provider,
		SecurityContextHostData: SecurityContextHostData{Dir: securityContextDir},
	}
}

// GenerateKeyPairAndReport creates a fresh key pair and requests evidence bound
// to its public key.
func GenerateKeyPairAndReport(ctx context.Context, provider interfaces.AttestationProvider, kind KeyKind) (*interfaces.AttestedKeyPair, error) {
	var kp interfaces.AttestedKeyPair
	var err error
	switch kind {
	case KeyKindRSA:
		kp.PublicKey, kp.PrivateKey, err = GenerateRSAKeyPair()
	case KeyKindECDSA:
		kp.PublicKey, kp.PrivateKey, kp.Certificate, err = GenerateECDSAKeyPair()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKeyType, kind)
	}
	if err != nil {
		return nil, err
	}

	kp.Report, err = provider.Attest(ctx, AsReportDataBytes(kp.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("attesting %s key: %w", kind, err)
	}
	return &kp, nil
}

// AttestedKeyPairSource lazily creates and caches the process's attested key pair.
// A failed attempt is not cached.
type AttestedKeyPairSource struct {
	provider interfaces.AttestationProvider
	kind     KeyKind

	mu sync.Mutex
	kp *interfaces.AttestedKeyPair
}

func NewAttestedKeyPairSource(provider interfaces.AttestationProvider, kind KeyKind) *AttestedKeyPairSource {
	return &AttestedKeyPairSource{provider: provider, kind: kind}
}

func (s *AttestedKeyPairSource) Get(ctx context.Context) (*interfaces.AttestedKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kp != nil {
		return s.kp, nil
	}
	kp, err := GenerateKeyPairAndReport(ctx, s.provider, s.kind)
	if err != nil {
		return nil, err
	}
	s.kp = kp
	return kp, nil
}

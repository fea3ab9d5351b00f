// Package attestmock provides an attestation environment and verifier for
// tests. Evidence is the JSON claims, base64 encoded; it proves nothing.
package attestmock

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

type Environment struct {
	Mode  interfaces.Platform
	Host  string
	Debug bool

	Attests atomic.Int32
}

func NewEnvironment(hostData string) *Environment {
	return &Environment{Mode: interfaces.PlatformSNP, Host: hostData}
}

func (e *Environment) Platform() interfaces.Platform { return e.Mode }

func (e *Environment) Attest(_ context.Context, reportData [64]byte) (*interfaces.AttestationReport, error) {
	e.Attests.Add(1)
	if e.Mode == interfaces.PlatformVirtual {
		return &interfaces.AttestationReport{}, nil
	}
	claims, err := json.Marshal(interfaces.AttestationClaims{
		HostData:   e.Host,
		ReportData: hex.EncodeToString(reportData[:]),
		Debuggable: e.Debug,
	})
	if err != nil {
		return nil, err
	}
	return &interfaces.AttestationReport{
		Attestation:          base64.StdEncoding.EncodeToString(claims),
		PlatformCertificates: base64.StdEncoding.EncodeToString([]byte("vcek")),
	}, nil
}

func (e *Environment) HostData(context.Context) (string, error) {
	return e.Host, nil
}

type Verifier struct {
	Calls atomic.Int32
}

func (v *Verifier) Verify(_ context.Context, report *interfaces.AttestationReport) (*interfaces.AttestationClaims, error) {
	v.Calls.Add(1)
	raw, err := base64.StdEncoding.DecodeString(report.Attestation)
	if err != nil || len(raw) == 0 {
		return nil, interfaces.NewError(interfaces.VerificationError, interfaces.CodeVerifySnpAttestationFailed, "bad evidence")
	}
	var claims interfaces.AttestationClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, errors.New("undecodable evidence")
	}
	return &claims, nil
}

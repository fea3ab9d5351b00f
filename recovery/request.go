package recovery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/ruteri/ccf-recovery-service/cryptoutils"
	"github.com/ruteri/ccf-recovery-service/interfaces"
	"github.com/ruteri/ccf-recovery-service/metrics"
)

// SignedDataRequest is the body of every attested call to the recovery service.
// Data is base64 JSON signed with RSA-PSS by the key in Sign.PublicKey, and the
// attestation binds that key to the caller's environment.
type SignedDataRequest struct {
	Data        string                        `json:"data"`
	Timestamp   string                        `json:"timestamp,omitempty"`
	Sign        *SignInfo                     `json:"sign,omitempty"`
	Encrypt     *EncryptInfo                  `json:"encrypt,omitempty"`
	Attestation *interfaces.LedgerAttestation `json:"attestation,omitempty"`
}

type SignInfo struct {
	Signature string `json:"signature"`
	// PublicKey is base64 of the PEM text.
	PublicKey string `json:"publicKey"`
}

type EncryptInfo struct {
	PublicKey string `json:"publicKey"`
}

// AttestedCaller is the verified identity of a request's sender.
type AttestedCaller struct {
	PublicKey string
	HostData  string
}

var now = time.Now

// PrepareSignedDataRequest signs data with the attested key pair and attaches
// its evidence.
func PrepareSignedDataRequest(kp *interfaces.AttestedKeyPair, data any) (*SignedDataRequest, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	signature, err := cryptoutils.SignDataRSAPSS(dataBytes, kp.PrivateKey)
	if err != nil {
		return nil, err
	}
	encodedKey := base64.StdEncoding.EncodeToString([]byte(kp.PublicKey))

	req := &SignedDataRequest{
		Data:      base64.StdEncoding.EncodeToString(dataBytes),
		Timestamp: strconv.FormatInt(now().UnixMilli(), 10),
		Sign: &SignInfo{
			Signature: base64.StdEncoding.EncodeToString(signature),
			PublicKey: encodedKey,
		},
		Encrypt: &EncryptInfo{PublicKey: encodedKey},
	}
	if kp.Report != nil {
		ledger := kp.Report.ToLedger()
		req.Attestation = &ledger
	}
	return req, nil
}

// RequestVerifier authenticates SignedDataRequests against the join policy.
type RequestVerifier struct {
	verifier interfaces.EvidenceVerifier
	policies interfaces.PolicyStore
	metrics  *metrics.Recovery
	log      *slog.Logger
}

func NewRequestVerifier(verifier interfaces.EvidenceVerifier, policies interfaces.PolicyStore, m *metrics.Recovery, log *slog.Logger) *RequestVerifier {
	return &RequestVerifier{verifier: verifier, policies: policies, metrics: m, log: log}
}

// VerifyAttestedRequest checks the caller's evidence, its host data against the
// join policy and the binding of the signing key to the evidence.
func (v *RequestVerifier) VerifyAttestedRequest(ctx context.Context, req *SignedDataRequest) (*AttestedCaller, error) {
	caller, err := v.verifyAttestedRequest(ctx, req)
	if err != nil {
		if e, ok := interfaces.AsError(err); ok {
			v.metrics.AttestationFailure(e.Code)
		}
		return nil, err
	}
	return caller, nil
}

func (v *RequestVerifier) verifyAttestedRequest(ctx context.Context, req *SignedDataRequest) (*AttestedCaller, error) {
	if req == nil || req.Attestation == nil {
		return nil, interfaces.NewError(interfaces.VerificationError, interfaces.CodeAttestationMissing,
			"attestation input must be supplied.")
	}

	report := req.Attestation.ToReport()
	claims, err := v.verifier.Verify(ctx, &report)
	if err != nil {
		v.log.Error("attestation verification failed", "err", err)
		if interfaces.HasCode(err, interfaces.CodeVerifySnpAttestationFailed) {
			return nil, err
		}
		return nil, interfaces.WrapError(interfaces.VerificationError, interfaces.CodeVerifySnpAttestationFailed, err,
			"attestation verification failed")
	}
	if claims.Debuggable {
		return nil, interfaces.NewError(interfaces.VerificationError, interfaces.CodeTeeDebugModeEnabled,
			"TEE is in debug mode hence failing SNP attestation verification.")
	}

	policy, err := v.policies.GetNetworkJoinPolicy(ctx)
	if err != nil {
		return nil, err
	}
	if policy == nil || policy.Snp == nil {
		return nil, interfaces.NewError(interfaces.VerificationError, interfaces.CodeSecurityPolicyNotSet,
			"no security policy has been set to validate host data %s", claims.HostData)
	}
	if err := cryptoutils.VerifyHostData(claims, policy.Snp.HostData); err != nil {
		return nil, err
	}

	publicKey, err := requestPublicKey(req)
	if err != nil {
		return nil, err
	}
	if err := cryptoutils.VerifyReportDataBinding(claims, publicKey); err != nil {
		return nil, err
	}

	return &AttestedCaller{PublicKey: publicKey, HostData: claims.HostData}, nil
}

// SignedData verifies the request signature under the caller's key and decodes
// the signed JSON into out.
func SignedData(caller *AttestedCaller, req *SignedDataRequest, out any) error {
	if req.Data == "" {
		return interfaces.NewError(interfaces.ValidationError, interfaces.CodeDataMissing, "data input must be supplied.")
	}
	if req.Sign == nil || req.Sign.Signature == "" {
		return interfaces.NewError(interfaces.ValidationError, interfaces.CodeSignatureMissing,
			"sign.signature input must be supplied.")
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return interfaces.WrapError(interfaces.ValidationError, interfaces.CodeBadInput, err, "data is not base64")
	}
	signature, err := base64.StdEncoding.DecodeString(req.Sign.Signature)
	if err != nil {
		return interfaces.WrapError(interfaces.ValidationError, interfaces.CodeBadInput, err, "sign.signature is not base64")
	}
	if err := cryptoutils.VerifyDataRSAPSS(data, signature, caller.PublicKey); err != nil {
		return interfaces.WrapError(interfaces.ValidationError, interfaces.CodeSignatureMismatch, err,
			"Signature verification failed.")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return interfaces.WrapError(interfaces.ValidationError, interfaces.CodeBadInput, err, "signed data is not valid JSON")
	}
	return nil
}

func requestPublicKey(req *SignedDataRequest) (string, error) {
	if req.Sign == nil || req.Sign.PublicKey == "" {
		return "", interfaces.NewError(interfaces.ValidationError, interfaces.CodePublicKeyMissing,
			"sign.publicKey input must be supplied.")
	}
	raw, err := base64.StdEncoding.DecodeString(req.Sign.PublicKey)
	if err != nil {
		return "", interfaces.WrapError(interfaces.ValidationError, interfaces.CodeBadInput, err, "sign.publicKey is not base64")
	}
	return string(raw), nil
}

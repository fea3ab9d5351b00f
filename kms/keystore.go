package kms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/ccf-recovery-service/cryptoutils"
	"github.com/ruteri/ccf-recovery-service/interfaces"
	"github.com/ruteri/ccf-recovery-service/retry"
	"github.com/ruteri/ccf-recovery-service/storage"
)

// Tag names attached to every key secret.
const (
	KeyIDTag    = "ccf-key-id"
	KeyTypeTag  = "ccf-key-type"
	HostDataTag = "host-data"
)

const (
	signingKeySuffix    = "-signing-key"
	encryptionKeySuffix = "-enc-key"
	reportSecretPrefix  = "report-"
	certSecretPrefix    = "cert-"
)

// storedKey is the value of a key secret.
type storedKey struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// SecretKeyStore implements interfaces.KeyStore over a hosted secret store.
//
// Every key is written as three secrets: the attestation report and the
// certificate, both addressed by the public key fingerprint, and the key pair
// itself addressed by kid. The report and certificate are written first so a
// key secret is never visible without its evidence. On every read the report
// is re-verified against the running environment's host data.
type SecretKeyStore struct {
	store    interfaces.SecretStore
	env      interfaces.Environment
	verifier interfaces.EvidenceVerifier
	log      *slog.Logger

	retryOpts    []retry.Option
	readBackOpts []retry.Option
}

func NewSecretKeyStore(store interfaces.SecretStore, env interfaces.Environment, verifier interfaces.EvidenceVerifier, log *slog.Logger) *SecretKeyStore {
	return &SecretKeyStore{
		store:    store,
		env:      env,
		verifier: verifier,
		log:      log,
		readBackOpts: []retry.Option{
			retry.WithMaxRetries(5),
			retry.WithDelay(200*time.Millisecond, 300*time.Millisecond),
		},
	}
}

// WithRetryOptions overrides the retry policy applied to secret store calls.
func (ks *SecretKeyStore) WithRetryOptions(opts ...retry.Option) *SecretKeyStore {
	ks.retryOpts = opts
	return ks
}

func signingKeyName(kid string) string    { return kid + signingKeySuffix }
func encryptionKeyName(kid string) string { return kid + encryptionKeySuffix }

// fingerprintPublicKey addresses the evidence of a key by its report data digest.
func fingerprintPublicKey(publicKeyPEM string) string {
	return strings.ToLower(cryptoutils.AsReportData(publicKeyPEM))
}

func (ks *SecretKeyStore) GenerateSigningKey(ctx context.Context, kid, kty string, tags map[string]string) (*interfaces.SigningKeyInfo, error) {
	info, err := ks.GetSigningKey(ctx, kid)
	if err == nil || !interfaces.IsKind(err, interfaces.NotFoundError) {
		return info, err
	}

	kp, err := cryptoutils.GenerateKeyPairAndReport(ctx, ks.env, cryptoutils.KeyKindECDSA)
	if err != nil {
		return nil, fmt.Errorf("generating signing key %s: %w", kid, err)
	}
	if err := ks.setReport(ctx, kp.PublicKey, kp.Report); err != nil {
		return nil, err
	}
	if err := ks.setSecret(ctx, &interfaces.Secret{
		Name:  certSecretPrefix + fingerprintPublicKey(kp.PublicKey),
		Value: []byte(kp.Certificate),
	}); err != nil {
		return nil, err
	}
	if err := ks.createKey(ctx, signingKeyName(kid), kid, kty, tags, kp); err != nil {
		return nil, err
	}

	return retry.DoWithData(ctx, func(ctx context.Context) (*interfaces.SigningKeyInfo, error) {
		return ks.GetSigningKey(ctx, kid)
	}, ks.readBackRetry()...)
}

func (ks *SecretKeyStore) GetSigningKey(ctx context.Context, kid string) (*interfaces.SigningKeyInfo, error) {
	key, err := ks.getKey(ctx, signingKeyName(kid), interfaces.CodeSigningKeyNotFound)
	if err != nil {
		return nil, err
	}
	report, err := ks.getReport(ctx, key.PublicKey)
	if err != nil {
		return nil, err
	}
	cert, err := ks.getCert(ctx, key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &interfaces.SigningKeyInfo{SigningCert: cert, AttestationReport: *report}, nil
}

func (ks *SecretKeyStore) ReleaseSigningKey(ctx context.Context, kid string) (*interfaces.SigningPrivateKeyInfo, error) {
	key, err := ks.getKey(ctx, signingKeyName(kid), interfaces.CodeSigningKeyNotFound)
	if err != nil {
		return nil, err
	}
	report, err := ks.getReport(ctx, key.PublicKey)
	if err != nil {
		return nil, err
	}
	cert, err := ks.getCert(ctx, key.PublicKey)
	if err != nil {
		return nil, err
	}
	ks.log.Info("released signing key", "kid", kid)
	return &interfaces.SigningPrivateKeyInfo{
		SigningCert:       cert,
		SigningKey:        key.PrivateKey,
		AttestationReport: *report,
	}, nil
}

func (ks *SecretKeyStore) GenerateEncryptionKey(ctx context.Context, kid, kty string, tags map[string]string) (*interfaces.EncryptionKeyInfo, error) {
	info, err := ks.GetEncryptionKey(ctx, kid)
	if err == nil || !interfaces.IsKind(err, interfaces.NotFoundError) {
		return info, err
	}

	kp, err := cryptoutils.GenerateKeyPairAndReport(ctx, ks.env, cryptoutils.KeyKindRSA)
	if err != nil {
		return nil, fmt.Errorf("generating encryption key %s: %w", kid, err)
	}
	if err := ks.setReport(ctx, kp.PublicKey, kp.Report); err != nil {
		return nil, err
	}
	if err := ks.createKey(ctx, encryptionKeyName(kid), kid, kty, tags, kp); err != nil {
		return nil, err
	}

	return retry.DoWithData(ctx, func(ctx context.Context) (*interfaces.EncryptionKeyInfo, error) {
		return ks.GetEncryptionKey(ctx, kid)
	}, ks.readBackRetry()...)
}

func (ks *SecretKeyStore) GetEncryptionKey(ctx context.Context, kid string) (*interfaces.EncryptionKeyInfo, error) {
	key, err := ks.getKey(ctx, encryptionKeyName(kid), interfaces.CodeEncryptionKeyNotFound)
	if err != nil {
		return nil, err
	}
	report, err := ks.getReport(ctx, key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &interfaces.EncryptionKeyInfo{EncryptionPublicKey: key.PublicKey, AttestationReport: *report}, nil
}

func (ks *SecretKeyStore) ReleaseEncryptionKey(ctx context.Context, kid string) (*interfaces.EncryptionPrivateKeyInfo, error) {
	key, err := ks.getKey(ctx, encryptionKeyName(kid), interfaces.CodeEncryptionKeyNotFound)
	if err != nil {
		return nil, err
	}
	report, err := ks.getReport(ctx, key.PublicKey)
	if err != nil {
		return nil, err
	}
	ks.log.Info("released encryption key", "kid", kid)
	return &interfaces.EncryptionPrivateKeyInfo{
		EncryptionPublicKey:  key.PublicKey,
		EncryptionPrivateKey: key.PrivateKey,
		AttestationReport:    *report,
	}, nil
}

// ListKeys returns one listing per kid of type kty.
func (ks *SecretKeyStore) ListKeys(ctx context.Context, kty string) ([]interfaces.KeyListing, error) {
	return ks.listKeys(ctx, kty, "")
}

// ListEncryptionKeys returns the encryption keys of type kty.
func (ks *SecretKeyStore) ListEncryptionKeys(ctx context.Context, kty string) ([]interfaces.KeyListing, error) {
	return ks.listKeys(ctx, kty, encryptionKeySuffix)
}

func (ks *SecretKeyStore) listKeys(ctx context.Context, kty, suffix string) ([]interfaces.KeyListing, error) {
	items, err := retry.DoWithData(ctx, func(ctx context.Context) ([]interfaces.SecretMetadata, error) {
		return ks.store.List(ctx, map[string]string{KeyTypeTag: kty})
	}, ks.retryOpts...)
	if err != nil {
		return nil, fmt.Errorf("listing %s keys: %w", kty, err)
	}

	seen := make(map[string]bool)
	var listings []interfaces.KeyListing
	for _, item := range items {
		if suffix != "" && !strings.HasSuffix(item.Name, suffix) {
			continue
		}
		kid, ok := item.Tags[KeyIDTag]
		if !ok || seen[kid] {
			continue
		}
		seen[kid] = true
		listings = append(listings, interfaces.KeyListing{Kid: kid, Tags: item.Tags})
	}
	return listings, nil
}

// createKey stores the key pair unless a key with the same name exists. Losing
// the race is not an error: the caller reads back the winner's key.
func (ks *SecretKeyStore) createKey(ctx context.Context, name, kid, kty string, tags map[string]string, kp *interfaces.AttestedKeyPair) error {
	hostData, err := ks.env.HostData(ctx)
	if err != nil {
		return fmt.Errorf("reading host data: %w", err)
	}

	keyTags := make(map[string]string, len(tags)+3)
	for k, v := range tags {
		keyTags[k] = v
	}
	keyTags[KeyIDTag] = kid
	keyTags[KeyTypeTag] = kty
	keyTags[HostDataTag] = strings.ToLower(hostData)

	value, err := json.Marshal(storedKey{PublicKey: kp.PublicKey, PrivateKey: kp.PrivateKey})
	if err != nil {
		return err
	}

	err = retry.Do(ctx, func(ctx context.Context) error {
		return ks.store.Create(ctx, &interfaces.Secret{Name: name, Value: value, Tags: keyTags})
	}, ks.retryOpts...)
	switch {
	case err == nil:
		ks.log.Info("created key", "name", name, "kty", kty)
		return nil
	case errors.Is(err, interfaces.ErrSecretExists):
		ks.log.Info("key already created by another caller", "name", name)
		return nil
	case errors.Is(err, storage.ErrInvalidSecretName):
		return interfaces.WrapError(interfaces.ValidationError, interfaces.CodeBadInput, err, "invalid key id %q", kid)
	default:
		return fmt.Errorf("storing key %s: %w", name, err)
	}
}

func (ks *SecretKeyStore) getKey(ctx context.Context, name, notFoundCode string) (*storedKey, error) {
	secret, err := ks.getSecret(ctx, name)
	if errors.Is(err, interfaces.ErrSecretNotFound) {
		return nil, interfaces.WrapError(interfaces.NotFoundError, notFoundCode, err, "key %s not found", name)
	}
	if errors.Is(err, storage.ErrInvalidSecretName) {
		return nil, interfaces.WrapError(interfaces.ValidationError, interfaces.CodeBadInput, err, "invalid key name %q", name)
	}
	if err != nil {
		return nil, err
	}

	var key storedKey
	if err := json.Unmarshal(secret.Value, &key); err != nil {
		return nil, fmt.Errorf("decoding key %s: %w", name, err)
	}
	return &key, nil
}

func (ks *SecretKeyStore) setReport(ctx context.Context, publicKey string, report *interfaces.AttestationReport) error {
	if report == nil {
		report = &interfaces.AttestationReport{}
	}
	value, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return ks.setSecret(ctx, &interfaces.Secret{
		Name:  reportSecretPrefix + fingerprintPublicKey(publicKey),
		Value: value,
	})
}

func (ks *SecretKeyStore) getReport(ctx context.Context, publicKey string) (*interfaces.AttestationReport, error) {
	secret, err := ks.getSecret(ctx, reportSecretPrefix+fingerprintPublicKey(publicKey))
	if err != nil {
		return nil, fmt.Errorf("reading attestation report: %w", err)
	}
	var report interfaces.AttestationReport
	if err := json.Unmarshal(secret.Value, &report); err != nil {
		return nil, fmt.Errorf("decoding attestation report: %w", err)
	}
	if err := ks.verifyKeyCreatedByService(ctx, publicKey, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (ks *SecretKeyStore) getCert(ctx context.Context, publicKey string) (string, error) {
	secret, err := ks.getSecret(ctx, certSecretPrefix+fingerprintPublicKey(publicKey))
	if err != nil {
		return "", fmt.Errorf("reading signing certificate: %w", err)
	}
	return string(secret.Value), nil
}

// verifyKeyCreatedByService checks that the key's evidence comes from an
// environment with the same host data as this one and is bound to the key.
func (ks *SecretKeyStore) verifyKeyCreatedByService(ctx context.Context, publicKey string, report *interfaces.AttestationReport) error {
	if ks.env.Platform() == interfaces.PlatformVirtual {
		return nil
	}

	claims, err := ks.verifier.Verify(ctx, report)
	if err != nil {
		if _, ok := interfaces.AsError(err); ok {
			return err
		}
		return interfaces.WrapError(interfaces.VerificationError, interfaces.CodeVerifySnpAttestationFailed, err,
			"key attestation verification failed")
	}
	if claims.Debuggable {
		return interfaces.NewError(interfaces.VerificationError, interfaces.CodeTeeDebugModeEnabled,
			"TEE is in debug mode hence failing SNP attestation verification")
	}

	hostData, err := ks.env.HostData(ctx)
	if err != nil {
		return fmt.Errorf("reading host data: %w", err)
	}
	if err := cryptoutils.VerifyHostData(claims, []string{hostData}); err != nil {
		return err
	}
	return cryptoutils.VerifyReportDataBinding(claims, publicKey)
}

func (ks *SecretKeyStore) getSecret(ctx context.Context, name string) (*interfaces.Secret, error) {
	return retry.DoWithData(ctx, func(ctx context.Context) (*interfaces.Secret, error) {
		return ks.store.Get(ctx, name)
	}, ks.retryOpts...)
}

func (ks *SecretKeyStore) setSecret(ctx context.Context, secret *interfaces.Secret) error {
	err := retry.Do(ctx, func(ctx context.Context) error {
		return ks.store.Set(ctx, secret)
	}, ks.retryOpts...)
	if err != nil {
		return fmt.Errorf("storing %s: %w", secret.Name, err)
	}
	return nil
}

// readBackRetry retries reads that miss a key another caller is still writing.
func (ks *SecretKeyStore) readBackRetry() []retry.Option {
	opts := append([]retry.Option{}, ks.readBackOpts...)
	return append(opts, retry.WithClassifier(func(err error) retry.Class {
		if interfaces.IsKind(err, interfaces.NotFoundError) {
			return retry.Retryable
		}
		return retry.Classify(err)
	}))
}

// Package kms manages the attested key material of the recovery service.
//
// # SecretKeyStore
//
// SecretKeyStore implements interfaces.KeyStore on top of any
// interfaces.SecretStore. Keys are created inside the attested environment
// and stored together with the evidence of their creation:
//
//	report-<fingerprint>      attestation report for the public key
//	cert-<fingerprint>        self-signed certificate (signing keys only)
//	<kid>-signing-key         ECDSA P-384 key pair
//	<kid>-enc-key             RSA-2048 key pair
//
// The fingerprint is the report data digest of the public key PEM. Key secrets
// carry the tags ccf-key-id, ccf-key-type and host-data.
//
// Generation is get-or-create. Two callers racing on the same kid both end up
// with the key of whichever created it first: the store's create-if-absent
// decides the winner and the loser reads the winner's key back.
//
// Every read re-verifies the stored evidence: it must verify, must not come
// from a debuggable TEE, must carry the host data of the running environment
// and must be bound to the key's public key.
//
// # MemberStore
//
// MemberStore namespaces recovery member keys by host data as
// mk-<memberName>-<hostData> with key type member-key. The member name is
// recovered from the member-name tag.
//
// # Policy stores
//
// SignedPolicyStore keeps the network join policy signed by a dedicated
// policy-signer-key. The published document is re-verified on every read.
// AllowAllPolicyStore serves a fixed policy and only exists in binaries built
// with -tags insecure_virtual.
//
// # Usage
//
//	keys := kms.NewSecretKeyStore(store, env, cryptoutils.NewSNPVerifier(log), log)
//	members := kms.NewMemberStore(keys, env)
//	policies, err := kms.NewSignedPolicyStore(store, keys, env, initialPolicy, log)
//	if err != nil {
//	    return err
//	}
//	info, err := members.GenerateSigningKey(ctx, "member0")
package kms

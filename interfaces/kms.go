package interfaces

import "context"

// KeyStore manages attested signing and encryption keys over a hosted secret store.
// Keys are addressed by kid and typed by kty; generation is get-or-create.
type KeyStore interface {
	// GenerateSigningKey returns the existing signing key for kid or creates one.
	GenerateSigningKey(ctx context.Context, kid, kty string, tags map[string]string) (*SigningKeyInfo, error)

	// GetSigningKey returns the public view of a signing key or a NotFoundError.
	GetSigningKey(ctx context.Context, kid string) (*SigningKeyInfo, error)

	// ReleaseSigningKey returns the private view of a signing key or a NotFoundError.
	ReleaseSigningKey(ctx context.Context, kid string) (*SigningPrivateKeyInfo, error)

	// GenerateEncryptionKey returns the existing encryption key for kid or creates one.
	GenerateEncryptionKey(ctx context.Context, kid, kty string, tags map[string]string) (*EncryptionKeyInfo, error)

	// GetEncryptionKey returns the public view of an encryption key or a NotFoundError.
	GetEncryptionKey(ctx context.Context, kid string) (*EncryptionKeyInfo, error)

	// ReleaseEncryptionKey returns the private view of an encryption key or a NotFoundError.
	ReleaseEncryptionKey(ctx context.Context, kid string) (*EncryptionPrivateKeyInfo, error)

	// ListKeys lists all keys of type kty.
	ListKeys(ctx context.Context, kty string) ([]KeyListing, error)

	// ListEncryptionKeys lists encryption keys of type kty.
	ListEncryptionKeys(ctx context.Context, kty string) ([]KeyListing, error)
}

// MemberStore manages the per-member key material of recovery members.
// Keys are namespaced by the current host data.
type MemberStore interface {
	GenerateSigningKey(ctx context.Context, memberName string) (*SigningKeyInfo, error)
	GetSigningKey(ctx context.Context, memberName string) (*SigningKeyInfo, error)
	ReleaseSigningKey(ctx context.Context, memberName string) (*SigningPrivateKeyInfo, error)
	GenerateEncryptionKey(ctx context.Context, memberName string) (*EncryptionKeyInfo, error)
	GetEncryptionKey(ctx context.Context, memberName string) (*EncryptionKeyInfo, error)
	ReleaseEncryptionKey(ctx context.Context, memberName string) (*EncryptionPrivateKeyInfo, error)
	ListMembers(ctx context.Context) ([]string, error)
}

// PolicyStore maintains the network join policy.
type PolicyStore interface {
	// GetNetworkJoinPolicy returns the latest published policy or the bootstrap policy.
	GetNetworkJoinPolicy(ctx context.Context) (*NetworkJoinPolicy, error)

	// SetNetworkJoinPolicy validates, signs and publishes a new policy.
	SetNetworkJoinPolicy(ctx context.Context, policy *NetworkJoinPolicy) error

	// GetSecurityPolicy returns the published signed policy after re-verifying it.
	GetSecurityPolicy(ctx context.Context) (*SecurityPolicy, error)
}

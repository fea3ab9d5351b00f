// Package interfaces defines the types and contracts shared by the recovery
// service, separating interface definitions from their implementations.
//
// # Attestation
//
// AttestationProvider, HostDataProvider and EvidenceVerifier abstract the local
// attestation primitive and the verification library. AttestationReport and
// LedgerAttestation are the two wire encodings of the same evidence.
//
// # Storage
//
// SecretStore is a hosted secret store with get/set-by-name semantics and tag
// metadata per secret. Create is create-if-absent and is what makes first-time
// key generation race free.
//
// # Keys and policy
//
// KeyStore, MemberStore and PolicyStore describe the key lifecycle and the
// signed join-policy document.
//
// # Errors
//
// Error carries a kind and a stable code. The HTTP boundary maps the kind to a
// status code and writes {"code", "message"}.
package interfaces

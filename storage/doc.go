// Package storage provides hosted secret stores with pluggable backends.
//
// Every backend implements interfaces.SecretStore: named secrets with a value
// and a set of string tags, create-if-absent and create-or-overwrite writes,
// and listing by tag filter.
//
//   - File system storage for local development and testing, optionally sealed
//     with a passphrase
//   - HashiCorp Vault KV v2 with token or TLS client certificate authentication
//   - S3-compatible object storage, tags carried in object metadata
//   - GCP Secret Manager, tags carried in secret annotations
//
// # Storage URI Format
//
// Secret stores are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/recovery/secrets?passphrase_env=STORE_PASSPHRASE
//   - vault://vault.example.com:8200/secret/recovery
//   - s3://bucket-name/prefix/?region=us-west-2
//   - gcpsm://my-project?prefix=recovery-
//
// # Naming
//
// Secret names are restricted to [A-Za-z0-9_-] so that the same name is valid
// in every backend.
//
// # Replication
//
// ReplicatedBackend treats the first location as the primary. Creates and
// writes must reach it, replicas are written best-effort, and replicas serve
// reads only while the primary cannot.
package storage

// Package cryptoutils provides the cryptographic building blocks of the
// recovery service.
//
// # Attestation binding
//
// A key pair is bound to hardware evidence by requesting the evidence with
//
//	report_data = sha256(base64(publicKeyPEM)) || 32 zero bytes
//
// and verifiers compare the hex form of the evidence report_data against
// PaddedReportData of the public key the caller presents. Host data is the
// sha256 of the UVM security policy and is checked against the network join
// policy allow-list.
//
// # Evidence
//
// SNPDeviceProvider and RemoteAttestationProvider produce evidence.
// SNPVerifier checks the report signature against the AMD roots with
// go-sev-guest, verifies the UVM endorsement COSE_Sign1 and extracts claims.
// The unattested virtual environment only exists in binaries built with
// -tags insecure_virtual.
//
// # Hybrid wrap
//
// WrapRsaOaepAesKwp encrypts an arbitrary payload for an RSA public key:
//
//	RSA-OAEP(aesKey) [modulus size bytes] || AES-KWP(aesKey, payload)
//
// The OAEP hash is explicit on unwrap since peers use SHA-1, SHA-256 and SHA-384.
//
// # Signatures
//
// ECDSA signatures use SHA-256 with the IEEE P1363 (r||s) encoding. RSA
// signatures over signed requests use PSS with SHA-256 and salt length equal to
// the hash length.
package cryptoutils

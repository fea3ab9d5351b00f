// Package cose produces and verifies COSE_Sign1 envelopes for ledger governance
// and recovery messages.
//
// Messages are tagged COSE_Sign1 structures with the payload embedded. The
// protected header carries alg, a kid equal to the signer certificate
// fingerprint and the message type and creation time headers the ledger expects.
package cose

// Package recoveryhandler implements the HTTP surface of the recovery service
// and the client a recovery agent uses to call it.
//
// Handler verifies every POST as an attested signed request before it reaches
// the member store. Message endpoints return the signed governance message
// wrapped to the caller's attested public key, so only the agent that asked
// can read it.
package recoveryhandler

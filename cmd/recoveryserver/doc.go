// Command recoveryserver serves the recovery service API over TLS.
//
// The service keeps recovery member keys in the configured secret stores,
// bound to the host data of the environment it runs in, and only hands out
// signed ledger messages to attested recovery agents admitted by the network
// join policy. Configuration comes from flags, the environment and an optional
// .env file (ENV_FILE names others).
//
// Exactly one of --initial-join-policy and --allow-all-join-policy must be set.
// The allow-all policy and --platform virtual are only available in binaries
// built with the insecure_virtual tag.
package main

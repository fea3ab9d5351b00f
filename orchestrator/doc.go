// Package orchestrator drives recovery actions on a ledger network's recovery
// agent from the operator side: discover the agent, wait for its report, sign
// the request and post it.
package orchestrator

// Command operator drives confidential recovery of a ledger network from the
// operator's side. Each subcommand discovers the network's single recovery
// agent, waits until it serves its report, and posts a recovery message signed
// with the operator's member certificate:
//
//	operator --network net1 --agent https://agent:8443 \
//	    --signing-cert member.pem --signing-key member-key.pem \
//	    generate-member --member recovery0 --recovery-service https://recovery:8443
//
// Agents are either listed with --agent or discovered through DNS SRV records
// named by --agent-srv-format.
package main

package cose

import (
	"fmt"
	"strconv"
	"time"
)

// ContentType is the media type used when posting signed messages to the ledger.
const ContentType = "application/cose"

// Protected header labels used by ledger governance and recovery messages.
const (
	HeaderGovMsgType         = "ccf.gov.msg.type"
	HeaderGovMsgCreatedAt    = "ccf.gov.msg.created_at"
	HeaderGovMsgProposalID   = "ccf.gov.msg.proposal_id"
	HeaderRecoveryMsgType    = "ccf.recovery.msg.type"
	HeaderRecoveryMsgCreated = "ccf.recovery.msg.created_at"
)

// GovMessageType is the ccf.gov.msg.type header value.
type GovMessageType string

const (
	GovProposal      GovMessageType = "proposal"
	GovAck           GovMessageType = "ack"
	GovStateDigest   GovMessageType = "state_digest"
	GovBallot        GovMessageType = "ballot"
	GovRecoveryShare GovMessageType = "recovery_share"
	GovWithdrawal    GovMessageType = "withdrawal"
)

// RecoveryMessageType is the ccf.recovery.msg.type header value.
type RecoveryMessageType string

const (
	RecoveryGenerateMember       RecoveryMessageType = "generate_member"
	RecoveryActivateMember       RecoveryMessageType = "activate_member"
	RecoveryShareMessage         RecoveryMessageType = "recovery_share"
	RecoverySetNetworkJoinPolicy RecoveryMessageType = "set_network_join_policy"
)

// Now is the clock used for created_at headers.
var Now = time.Now

// CreateGovMessage signs payload as a governance message of the given type.
// proposalID is added only when non-empty.
func CreateGovMessage(s *Signer, msgType GovMessageType, payload []byte, proposalID string) ([]byte, error) {
	if msgType == "" {
		return nil, fmt.Errorf("governance message type is required")
	}
	headers := Headers{
		HeaderGovMsgType:      string(msgType),
		HeaderGovMsgCreatedAt: Now().Unix(),
	}
	if proposalID != "" {
		headers[HeaderGovMsgProposalID] = headerValue(proposalID)
	}
	return Sign(s, headers, payload)
}

// CreateRecoveryMessage signs payload as a recovery message of the given type.
func CreateRecoveryMessage(s *Signer, msgType RecoveryMessageType, payload []byte) ([]byte, error) {
	if msgType == "" {
		return nil, fmt.Errorf("recovery message type is required")
	}
	headers := Headers{
		HeaderRecoveryMsgType:    string(msgType),
		HeaderRecoveryMsgCreated: Now().Unix(),
	}
	return Sign(s, headers, payload)
}

// headerValue encodes integer-looking strings as CBOR integers.
func headerValue(v string) any {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	return v
}

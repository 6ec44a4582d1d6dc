package models

import "time"

// AgentIdentity describes a worker agent participating in consensus.
// The reputation record for an agent lives in the reputation tracker and
// is shared by reference; identity carries only the static fields.
type AgentIdentity struct {
	ID         string    `json:"id"`
	PublicKey  string    `json:"public_key"`
	Leader     bool      `json:"leader"`
	LastActive time.Time `json:"last_active"`
}

// MessageType tags a consensus protocol message.
type MessageType string

// Consensus message type constants.
const (
	MsgPrePrepare MessageType = "pre_prepare"
	MsgPrepare    MessageType = "prepare"
	MsgCommit     MessageType = "commit"
	MsgViewChange MessageType = "view_change"
)

// ConsensusMessage is one protocol message from an agent. PayloadDigest is
// the content hash used to detect equivocation; Payload carries auxiliary
// fields (e.g. last_committed on view changes).
type ConsensusMessage struct {
	Type      MessageType    `json:"type"`
	View      uint64         `json:"view"`
	Sequence  uint64         `json:"sequence"`
	Digest    string         `json:"digest"`
	SenderID  string         `json:"sender_id"`
	Timestamp time.Time      `json:"timestamp"`
	Signature string         `json:"signature"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Vote is a single agent's vote on a proposal.
type Vote struct {
	ProposalID string    `json:"proposal_id"`
	SenderID   string    `json:"sender_id"`
	Decision   string    `json:"decision"`
	Weight     float64   `json:"weight"`
	Timestamp  time.Time `json:"timestamp"`
}

// TrustLevel is the discrete band derived from a continuous reputation
// score.
type TrustLevel string

// Trust level bands. Thresholds: verified >= 0.9, high >= 0.7,
// medium >= 0.5, low >= 0.3, otherwise untrusted.
const (
	TrustUntrusted TrustLevel = "untrusted"
	TrustLow       TrustLevel = "low"
	TrustMedium    TrustLevel = "medium"
	TrustHigh      TrustLevel = "high"
	TrustVerified  TrustLevel = "verified"
)

// TrustLevelForScore maps a reputation score to its band.
func TrustLevelForScore(score float64) TrustLevel {
	switch {
	case score >= 0.9:
		return TrustVerified
	case score >= 0.7:
		return TrustHigh
	case score >= 0.5:
		return TrustMedium
	case score >= 0.3:
		return TrustLow
	default:
		return TrustUntrusted
	}
}

// BehaviorType enumerates the malicious behavior patterns the detection
// layer recognizes.
type BehaviorType string

// Malicious behavior types.
const (
	BehaviorDoubleVoting        BehaviorType = "double-voting"
	BehaviorConflictingMessages BehaviorType = "conflicting-messages"
	BehaviorTimingManipulation  BehaviorType = "timing-manipulation"
	BehaviorFakeSignatures      BehaviorType = "fake-signatures"
	BehaviorSpamFlooding        BehaviorType = "spam-flooding"
	BehaviorCollusion           BehaviorType = "collusion"
	BehaviorViewChangeAbuse     BehaviorType = "view-change-abuse"
	BehaviorConsensusDisruption BehaviorType = "consensus-disruption"
	BehaviorSybilAttack         BehaviorType = "sybil-attack"
	BehaviorEclipseAttack       BehaviorType = "eclipse-attack"
)

// Severity grades a detected behavior.
type Severity string

// Severity grades.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Multiplier returns the penalty multiplier applied for this severity.
func (s Severity) Multiplier() float64 {
	switch s {
	case SeverityLow:
		return 0.5
	case SeverityMedium:
		return 1.0
	case SeverityHigh:
		return 1.5
	case SeverityCritical:
		return 2.0
	default:
		return 1.0
	}
}

// MaliciousBehavior records one detected behavior instance.
type MaliciousBehavior struct {
	AgentID    string         `json:"agent_id"`
	Type       BehaviorType   `json:"type"`
	Severity   Severity       `json:"severity"`
	Confidence float64        `json:"confidence"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

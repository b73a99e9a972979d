// Package identity implements the Identity Registry (C2): the
// authoritative NodeId -> public key / enrollment / revocation mapping.
// It is the only component that accepts new keys and the only one that
// declares a key dead.
package identity

import (
	"time"

	"github.com/aethercore/aethercore/internal/common"
)

// Status is a node's position in the Unknown -> Enrolled -> Revoked
// state machine. Revoked is terminal.
type Status uint8

const (
	StatusPending Status = iota
	StatusEnrolled
	StatusRevoked
)

func (s Status) String() string {
	switch s {
	case StatusEnrolled:
		return "Enrolled"
	case StatusRevoked:
		return "Revoked"
	default:
		return "Pending"
	}
}

// EnrollmentRecord is owned exclusively by the Identity Registry.
// Created by RegisterNode; mutated only by RevokeNode; never deleted.
type EnrollmentRecord struct {
	NodeID           common.NodeId
	PublicKey        []byte
	AttestationQuote []byte
	PCRValues        map[int][]byte
	AKCertificate    []byte
	EnrolledAt       time.Time
	Status           Status
}

// RevocationEntry is an append-only, gossip-replicated record.
type RevocationEntry struct {
	SubjectNodeID     common.NodeId
	Reason            string
	RevokedAt         time.Time
	AuthorityNodeID   common.NodeId
	AuthoritySignature []byte
}

// VerifyOutcome is the result of VerifySignature.
type VerifyOutcome string

const (
	Valid            VerifyOutcome = "Valid"
	InvalidSignature VerifyOutcome = "InvalidSignature"
	NotEnrolled      VerifyOutcome = "NotEnrolled"
	Revoked          VerifyOutcome = "Revoked"
	Replayed         VerifyOutcome = "Replayed"
	TimestampSkewed  VerifyOutcome = "TimestampSkewed"
)

// Package gateway implements the command gateway: the single point of
// entry for commands, gated on identity and trust, with offline
// buffering and admin-supervised resync.
package gateway

import (
	"time"

	"github.com/aethercore/aethercore/internal/common"
)

// Command is a single instruction targeted at one node, submitted by
// one operator.
type Command struct {
	OperatorID   common.NodeId
	TargetNodeID common.NodeId
	CommandType  string
	IssuedAt     time.Time
	Nonce        string
	Payload      []byte
	Signature    []byte
}

func (c *Command) canonical() []byte {
	out := make([]byte, 0, 64+len(c.CommandType)+len(c.Nonce)+len(c.Payload))
	out = append(out, c.OperatorID[:]...)
	out = append(out, c.TargetNodeID[:]...)
	out = append(out, []byte(c.CommandType)...)
	out = append(out, []byte(c.Nonce)...)
	var ts [8]byte
	for i := 0; i < 8; i++ {
		ts[i] = byte(c.IssuedAt.UnixMilli() >> (8 * i))
	}
	out = append(out, ts[:]...)
	out = append(out, c.Payload...)
	return out
}

// Canonical exposes the exact byte domain a command's signature covers.
func (c *Command) Canonical() []byte { return c.canonical() }

// LinkState is the per-(gateway, target_node) outbound link state.
type LinkState string

const (
	LinkOnline            LinkState = "Online"
	LinkOfflineAutonomous LinkState = "OfflineAutonomous"
	LinkReconnectPending  LinkState = "ReconnectPending"
	LinkResyncing         LinkState = "Resyncing"
)

// DispatchOutcome is appended to the audit ledger for every command,
// accepted or not.
type DispatchOutcome string

const (
	OutcomeDispatched DispatchOutcome = "Dispatched"
	OutcomeBuffered   DispatchOutcome = "Buffered"
	OutcomeRejected   DispatchOutcome = "Rejected"
)

// PolicyTable decides whether an operator may issue a given command
// type, independent of identity/trust gating.
type PolicyTable interface {
	IsAuthorized(operator common.NodeId, commandType string) bool
}

// StaticPolicyTable is the simplest PolicyTable: a fixed
// operator -> allowed-command-types map, loaded once at startup.
type StaticPolicyTable struct {
	allowed map[common.NodeId]map[string]bool
}

func NewStaticPolicyTable(allowed map[common.NodeId][]string) *StaticPolicyTable {
	t := &StaticPolicyTable{allowed: make(map[common.NodeId]map[string]bool, len(allowed))}
	for operator, types := range allowed {
		set := make(map[string]bool, len(types))
		for _, ct := range types {
			set[ct] = true
		}
		t.allowed[operator] = set
	}
	return t
}

func (t *StaticPolicyTable) IsAuthorized(operator common.NodeId, commandType string) bool {
	set, ok := t.allowed[operator]
	if !ok {
		return false
	}
	return set[commandType]
}

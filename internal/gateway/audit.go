package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aethercore/aethercore/internal/chain"
	"github.com/aethercore/aethercore/internal/common"
	"github.com/aethercore/aethercore/internal/store"
	"github.com/aethercore/aethercore/internal/xcrypto"
)

const auditStreamID = "__audit__"
const auditEntryKeyPrefix = "gateway/audit_entry/"

// auditLedger is the gateway's tamper-evident command log. It reuses
// the integrity chain's Merkle Vine machinery scoped to a dedicated
// stream of the Vine it is given. The full entries are kept in the
// ledger's own store under auditEntryKeyPrefix, which the retention
// sweep does not touch.
type auditLedger struct {
	vine     *chain.Vine
	store    *store.Store
	selfNode common.NodeId
	sign     func([]byte) []byte
	seq      uint64
}

func newAuditLedger(vine *chain.Vine, st *store.Store, selfNode common.NodeId, sign func([]byte) []byte) *auditLedger {
	return &auditLedger{vine: vine, store: st, selfNode: selfNode, sign: sign}
}

// AuditEntry is the payload carried by each audit-stream event.
type AuditEntry struct {
	Command       Command
	Outcome       DispatchOutcome
	Reason        string
	TrustSnapshot float64
	At            time.Time
}

// Append signs and appends an audit entry, chained to the ledger's own
// head just like any other integrity chain stream.
func (l *auditLedger) Append(ctx context.Context, entry AuditEntry) error {
	head, found, err := l.vine.Head(auditStreamID, l.selfNode)
	ancestor := common.GenesisHash
	seq := uint64(0)
	if found {
		ancestor = head.HeadHash
		seq = head.HeadSequence + 1
	}
	if err != nil {
		return err
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("gateway: marshalling audit entry: %w", err)
	}

	e := chain.Event{
		StreamID:     auditStreamID,
		Sequence:     seq,
		Timestamp:    entry.At,
		PayloadHash:  common.Digest32{},
		AncestorHash: ancestor,
		NodeID:       l.selfNode,
	}
	e.PayloadHash = hashPayload(payload)
	e.Signature = l.sign(e.SignedBytes())

	status, err := l.vine.Append(ctx, e)
	if err != nil {
		return err
	}
	if status != common.StatusVerified {
		return fmt.Errorf("gateway: audit entry was not accepted as verified")
	}

	key := append([]byte(auditEntryKeyPrefix), []byte(fmt.Sprintf("%020d", seq))...)
	return l.store.Set(key, payload)
}

// History returns every audit entry currently retained, in append
// order, for the GET /audit surface.
func (l *auditLedger) History() ([]AuditEntry, error) {
	var entries []AuditEntry
	err := l.store.IteratePrefix([]byte(auditEntryKeyPrefix), func(key, value []byte) error {
		var e AuditEntry
		if err := json.Unmarshal(value, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

func hashPayload(payload []byte) common.Digest32 {
	return xcrypto.Hash(payload)
}

package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aethercore/aethercore/internal/common"
	"github.com/aethercore/aethercore/internal/config"
	"github.com/aethercore/aethercore/internal/store"
	"github.com/aethercore/aethercore/internal/xcrypto"
)

const (
	enrollmentKeyPrefix = "enroll/"
	revocationKeyPrefix = "revoke/"
)

// QuoteVerifier validates an attestation quote against the configured
// PCR baseline. Pluggable so tests can supply a stub; the non-stub
// implementation is PCRQuoteVerifier, which does not walk an
// AK-certificate chain.
type QuoteVerifier interface {
	Verify(quote []byte, pcrs map[int][]byte, akCert []byte, baseline map[string]string) error
}

// Registry is the identity registry: authoritative NodeId -> public
// key / enrollment / revocation state. Read-heavy (VerifySignature),
// write-rare (Register/Revoke).
type Registry struct {
	store   *store.Store
	logger  *zap.Logger
	cfg     config.Config
	nonces  *nonceTracker
	quotes  QuoteVerifier

	freshnessWindow time.Duration
	skewTolerance   time.Duration

	// now is overridable in tests that need to sign a revocation tuple
	// against a predictable timestamp.
	now func() time.Time
}

func NewRegistry(st *store.Store, logger *zap.Logger, cfg config.Config, qv QuoteVerifier) *Registry {
	return &Registry{
		store:           st,
		logger:          logger,
		cfg:             cfg,
		now:             func() time.Time { return time.Now().UTC() },
		nonces:          newNonceTracker(cfg.NonceCapPerNode, cfg.NonceRetention()),
		quotes:          qv,
		freshnessWindow: cfg.FreshnessWindow(),
		skewTolerance:   cfg.SkewTolerance(),
	}
}

type persistedRecord struct {
	PublicKey        []byte
	AttestationQuote []byte
	PCRValues        map[int][]byte
	AKCertificate    []byte
	EnrolledAt       time.Time
	Status           Status
}

func enrollmentKey(nodeID common.NodeId) []byte {
	return append([]byte(enrollmentKeyPrefix), nodeID[:]...)
}

// RegisterNode enrolls a node after validating its identity binding and
// attestation.
func (r *Registry) RegisterNode(ctx context.Context, nodeID common.NodeId, publicKey, attestationQuote []byte, pcrs map[int][]byte, akCert []byte) (common.NodeId, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return common.NodeId{}, common.NewError(common.KindAttestationFailed, "public key must be 32 bytes")
	}
	if xcrypto.NodeIdFromPublicKey(publicKey) != nodeID {
		return common.NodeId{}, common.NewError(common.KindAttestationFailed, "node_id does not equal BLAKE3(public_key)")
	}
	if len(attestationQuote) == 0 || len(akCert) == 0 {
		if r.cfg.ProductionMode {
			return common.NodeId{}, common.NewError(common.KindAttestationFailed, "empty attestation quote or AK certificate is not permitted in production mode")
		}
	}

	if r.quotes != nil && len(attestationQuote) > 0 {
		if err := r.quotes.Verify(attestationQuote, pcrs, akCert, r.cfg.PCRBaseline); err != nil {
			return common.NodeId{}, common.WrapError(common.KindAttestationFailed, "attestation quote failed verification", err)
		}
	}

	existing, found, err := r.lookup(nodeID)
	if err != nil {
		return common.NodeId{}, err
	}
	if found {
		// RegisterNode is idempotent on identical inputs; any mismatch
		// is rejected rather than silently overwritten.
		if !recordsMatch(existing, publicKey, attestationQuote, akCert) {
			return common.NodeId{}, common.NewError(common.KindAttestationFailed, "re-registration with mismatched attestation material")
		}
		return nodeID, nil
	}

	rec := persistedRecord{
		PublicKey:        publicKey,
		AttestationQuote: attestationQuote,
		PCRValues:        pcrs,
		AKCertificate:    akCert,
		EnrolledAt:       time.Now().UTC(),
		Status:           StatusEnrolled,
	}
	if err := r.persist(nodeID, rec); err != nil {
		return common.NodeId{}, err
	}

	r.logger.Info("node enrolled", zap.String("node_id", nodeID.Hex()))
	return nodeID, nil
}

func recordsMatch(existing persistedRecord, publicKey, quote, akCert []byte) bool {
	return bytesEqual(existing.PublicKey, publicKey) &&
		bytesEqual(existing.AttestationQuote, quote) &&
		bytesEqual(existing.AKCertificate, akCert)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (r *Registry) persist(nodeID common.NodeId, rec persistedRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("identity: marshalling enrollment record: %w", err)
	}
	return r.store.Set(enrollmentKey(nodeID), raw)
}

func (r *Registry) lookup(nodeID common.NodeId) (persistedRecord, bool, error) {
	raw, found, err := r.store.Get(enrollmentKey(nodeID))
	if err != nil {
		return persistedRecord{}, false, fmt.Errorf("identity: loading enrollment record: %w", err)
	}
	if !found {
		return persistedRecord{}, false, nil
	}
	var rec persistedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return persistedRecord{}, false, fmt.Errorf("identity: unmarshalling enrollment record: %w", err)
	}
	return rec, true, nil
}

// IsNodeEnrolled reports whether nodeID currently has status Enrolled.
func (r *Registry) IsNodeEnrolled(nodeID common.NodeId) bool {
	rec, found, err := r.lookup(nodeID)
	if err != nil || !found {
		return false
	}
	return rec.Status == StatusEnrolled
}

// GetPublicKey returns the enrolled public key for nodeID.
func (r *Registry) GetPublicKey(nodeID common.NodeId) (ed25519.PublicKey, error) {
	rec, found, err := r.lookup(nodeID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, common.NewError(common.KindNotEnrolled, nodeID.Hex())
	}
	return ed25519.PublicKey(rec.PublicKey), nil
}

// VerifySignature checks freshness, replay, and the Ed25519 signature
// for an enrolled and non-revoked node, in that order.
func (r *Registry) VerifySignature(ctx context.Context, nodeID common.NodeId, payload, signature []byte, timestamp time.Time, nonce string) (VerifyOutcome, error) {
	rec, found, err := r.lookup(nodeID)
	if err != nil {
		return "", err
	}
	if !found {
		return NotEnrolled, common.NewError(common.KindNotEnrolled, nodeID.Hex())
	}
	if rec.Status == StatusRevoked {
		return Revoked, common.NewError(common.KindRevoked, nodeID.Hex())
	}
	if rec.Status != StatusEnrolled {
		return NotEnrolled, common.NewError(common.KindNotEnrolled, nodeID.Hex())
	}

	now := time.Now().UTC()
	delta := now.Sub(timestamp)
	limit := r.freshnessWindow
	if delta < 0 {
		// timestamp is future-dated relative to this node's clock; the
		// skew tolerance only ever widens the window in this direction.
		delta = -delta
		limit += r.skewTolerance
	}
	if delta > limit {
		return TimestampSkewed, common.NewError(common.KindTimestampSkewed, fmt.Sprintf("|now-timestamp|=%s exceeds window", delta))
	}

	if r.nonces.seen(nodeID, nonce, now) {
		return Replayed, common.NewError(common.KindReplayed, fmt.Sprintf("nonce %q already used by %s", nonce, nodeID.Hex()))
	}

	if !xcrypto.Verify(ed25519.PublicKey(rec.PublicKey), payload, signature) {
		return InvalidSignature, common.NewError(common.KindInvalidSignature, nodeID.Hex())
	}

	r.nonces.record(nodeID, nonce, now)
	return Valid, nil
}

// VerifySignatureBytes checks that signature over payload verifies
// under nodeID's currently enrolled, non-revoked public key. Unlike
// VerifySignature it does not consult freshness or the nonce tracker:
// callers with their own sequencing (the integrity chain's sequence
// numbers) use this narrower check directly.
func (r *Registry) VerifySignatureBytes(ctx context.Context, nodeID common.NodeId, payload, signature []byte) (bool, error) {
	rec, found, err := r.lookup(nodeID)
	if err != nil {
		return false, err
	}
	if !found || rec.Status != StatusEnrolled {
		return false, nil
	}
	return xcrypto.Verify(ed25519.PublicKey(rec.PublicKey), payload, signature), nil
}

// RevokeNode appends a Revocation Entry and flips the node's status.
// Revocation is monotonic. A second call against an already-revoked
// node is a no-op success, never a reversion.
func (r *Registry) RevokeNode(ctx context.Context, subjectID common.NodeId, reason string, authorityID common.NodeId, authoritySignature []byte) error {
	if !r.cfg.IsAdmin(authorityID.Hex()) {
		return common.NewError(common.KindUnauthorized, fmt.Sprintf("%s is not in the admin set", authorityID.Hex()))
	}

	authorityKey, err := r.GetPublicKey(authorityID)
	if err != nil {
		return common.WrapError(common.KindUnauthorized, "authority is not enrolled", err)
	}

	revokedAt := r.now()
	tuple := revocationTuple(subjectID, reason, revokedAt)
	if !xcrypto.Verify(authorityKey, tuple, authoritySignature) {
		return common.NewError(common.KindInvalidSignature, "authority signature does not cover (subject_id || reason || revoked_at)")
	}

	rec, found, err := r.lookup(subjectID)
	if err != nil {
		return err
	}
	if !found {
		return common.NewError(common.KindNotEnrolled, subjectID.Hex())
	}
	if rec.Status == StatusRevoked {
		return nil // monotonic: already revoked, nothing to do
	}

	rec.Status = StatusRevoked
	if err := r.persist(subjectID, rec); err != nil {
		return err
	}

	entry := RevocationEntry{
		SubjectNodeID:      subjectID,
		Reason:             reason,
		RevokedAt:          revokedAt,
		AuthorityNodeID:    authorityID,
		AuthoritySignature: authoritySignature,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("identity: marshalling revocation entry: %w", err)
	}
	if err := r.store.Set(append([]byte(revocationKeyPrefix), subjectID[:]...), raw); err != nil {
		return fmt.Errorf("identity: persisting revocation entry: %w", err)
	}

	r.logger.Warn("node revoked", zap.String("subject", subjectID.Hex()), zap.String("reason", reason), zap.String("authority", authorityID.Hex()))
	return nil
}

// ApplyGossipedRevocation applies a Revocation Entry received over the
// revocation-priority gossip channel without re-deriving the authority
// signature check: the entry was already validated by its originating
// registry, so this only replicates the terminal state.
func (r *Registry) ApplyGossipedRevocation(entry RevocationEntry) error {
	rec, found, err := r.lookup(entry.SubjectNodeID)
	if err != nil {
		return err
	}
	if !found || rec.Status == StatusRevoked {
		return nil
	}
	rec.Status = StatusRevoked
	return r.persist(entry.SubjectNodeID, rec)
}

func revocationTuple(subjectID common.NodeId, reason string, revokedAt time.Time) []byte {
	out := make([]byte, 0, 32+len(reason)+8)
	out = append(out, subjectID[:]...)
	out = append(out, []byte(reason)...)
	ts := revokedAt.UnixMilli()
	for i := 0; i < 8; i++ {
		out = append(out, byte(ts>>(8*i)))
	}
	return out
}

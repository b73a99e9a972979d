package xcrypto

import (
	"context"
	"crypto/ed25519"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aethercore/aethercore/internal/common"
)

// KeyPolicy constrains how a key may be used once generated (e.g.
// "signing only", bound to a PCR policy). Left opaque to this package;
// interpreted by the concrete Custody implementation.
type KeyPolicy struct {
	Label      string
	PCRPolicy  []int
}

// Handle references a private key held exclusively inside the custody
// boundary. The private key bytes never leave it.
type Handle struct {
	id uint64
}

// Custody is the hardware key custody boundary. Private key material
// never crosses it; every operation is an oracle call over the key
// referenced by Handle.
//
// Every handle-consuming method acquires and releases the handle under
// scoped discipline (see acquire and release below); a handle that is
// acquired but never released is a fatal bug, tracked by the
// handlesOutstanding gauge and the handleLeakTotal counter below.
type Custody interface {
	GenerateKey(ctx context.Context, handle Handle, policy KeyPolicy) (ed25519.PublicKey, error)
	Sign(ctx context.Context, handle Handle, message []byte) (Signature, error)
	Seal(ctx context.Context, handle Handle, data []byte) ([]byte, error)
	Unseal(ctx context.Context, handle Handle, blob []byte) ([]byte, error)
	Quote(ctx context.Context, nonce []byte, pcrSelection []int) (Quote, error)
	Close() error
}

// Quote is a hardware-signed statement about the current platform
// configuration.
type Quote struct {
	PCRs      map[int][]byte
	Signature []byte
}

var (
	handlesOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aethercore_custody_handles_outstanding",
		Help: "Number of hardware custody handles currently acquired but not released.",
	})
	handleLeakTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aethercore_custody_handle_leaks_total",
		Help: "Number of custody handles detected leaked (acquired without a matching release).",
	})
)

var nextHandleID uint64

// NewHandle allocates a fresh, process-unique handle identifier.
func NewHandle() Handle {
	return Handle{id: atomic.AddUint64(&nextHandleID, 1)}
}

// acquire/release bracket every call that reaches the custody boundary.
// Tests that exercise error paths must still call release; a custody
// implementation that returns early without doing so leaves
// handlesOutstanding raised and must be treated as a fatal test failure.
func acquire() { handlesOutstanding.Inc() }

func release(leaked bool) {
	handlesOutstanding.Dec()
	if leaked {
		handleLeakTotal.Inc()
	}
}

// errHardwareUnavailable and errKeyNotFound build the Resource-kind errors
// a Custody implementation returns; production mode must never recover
// from these by falling back to software signing.
func errHardwareUnavailable(reason string) error {
	return common.NewError(common.KindHardwareUnavailable, reason)
}

func errKeyNotFound(reason string) error {
	return common.NewError(common.KindKeyNotFound, reason)
}

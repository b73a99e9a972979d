//go:build !tpmhw

package xcrypto

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/aethercore/aethercore/internal/common"
)

// softCustody is the explicit non-production key custody double: an
// in-memory Ed25519 keystore with no hardware backing. It exists as a
// distinct build artifact, selected by the absence of the `tpmhw`
// build tag, never as a runtime branch.
//
// NewCustody panics if asked to construct under production mode:
// there is no code path in a production binary built with this tag that
// can reach software signing.
type softCustody struct {
	mu   sync.Mutex
	keys map[uint64]ed25519.PrivateKey
}

// NewCustody builds the process's Custody implementation. In a binary
// built without the `tpmhw` tag this is always software-backed;
// production must be built with `-tags tpmhw` instead.
func NewCustody(productionMode bool) (Custody, error) {
	if productionMode {
		panic("xcrypto: production_mode requires a binary built with -tags tpmhw; software key custody is not a runtime fallback")
	}
	return &softCustody{keys: make(map[uint64]ed25519.PrivateKey)}, nil
}

func (c *softCustody) GenerateKey(ctx context.Context, handle Handle, policy KeyPolicy) (ed25519.PublicKey, error) {
	acquire()
	leaked := true
	defer func() { release(leaked) }()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errHardwareUnavailable(fmt.Sprintf("software key generation failed: %v", err))
	}

	c.mu.Lock()
	c.keys[handle.id] = priv
	c.mu.Unlock()

	leaked = false
	return pub, nil
}

func (c *softCustody) Sign(ctx context.Context, handle Handle, message []byte) (Signature, error) {
	acquire()
	leaked := true
	defer func() { release(leaked) }()

	c.mu.Lock()
	priv, ok := c.keys[handle.id]
	c.mu.Unlock()
	if !ok {
		return Signature{}, errKeyNotFound("no key bound to handle")
	}

	sig := ed25519.Sign(priv, message)
	var out Signature
	copy(out[:], sig)
	leaked = false
	return out, nil
}

func (c *softCustody) Seal(ctx context.Context, handle Handle, data []byte) ([]byte, error) {
	acquire()
	defer release(false)
	// Software custody has no platform state to bind to; seal is the
	// identity function with a marker prefix so Unseal can detect misuse.
	out := make([]byte, 0, len(data)+1)
	out = append(out, 0x00)
	out = append(out, data...)
	return out, nil
}

func (c *softCustody) Unseal(ctx context.Context, handle Handle, blob []byte) ([]byte, error) {
	acquire()
	defer release(false)
	if len(blob) == 0 || blob[0] != 0x00 {
		return nil, common.NewError(common.KindHardwareUnavailable, "blob was not sealed by software custody")
	}
	return blob[1:], nil
}

func (c *softCustody) Quote(ctx context.Context, nonce []byte, pcrSelection []int) (Quote, error) {
	acquire()
	defer release(false)
	pcrs := make(map[int][]byte, len(pcrSelection))
	for _, idx := range pcrSelection {
		pcrs[idx] = make([]byte, 32)
	}
	return Quote{PCRs: pcrs, Signature: append([]byte{0x00}, nonce...)}, nil
}

func (c *softCustody) Close() error { return nil }

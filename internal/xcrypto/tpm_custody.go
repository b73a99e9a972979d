//go:build tpmhw

package xcrypto

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/google/go-tpm-tools/client"
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpmutil"

	"github.com/aethercore/aethercore/internal/common"
)

// tpmCustody backs Custody with a real TPM 2.0 device. This file is
// only compiled into binaries built with `-tags tpmhw`; a binary built
// without that tag cannot reference this type at all, so the choice of
// custody backend is a build-time artifact, not a runtime branch.
type tpmCustody struct {
	mu  sync.Mutex
	rw  tpmutil.ReadWriteCloser
	aks map[uint64]*client.Key
}

// NewCustody opens the platform TPM. Absence of hardware is fatal at
// startup in production mode: there is no software fallback compiled
// into this build.
func NewCustody(productionMode bool) (Custody, error) {
	rw, err := tpm2.OpenTPM()
	if err != nil {
		if productionMode {
			panic(fmt.Sprintf("xcrypto: production_mode requires hardware TPM custody, none available: %v", err))
		}
		return nil, errHardwareUnavailable(err.Error())
	}
	return &tpmCustody{rw: rw, aks: make(map[uint64]*client.Key)}, nil
}

func (c *tpmCustody) GenerateKey(ctx context.Context, handle Handle, policy KeyPolicy) (ed25519.PublicKey, error) {
	acquire()
	leaked := true
	defer func() { release(leaked) }()

	k, err := client.AttestationKeyECC(c.rw)
	if err != nil {
		return nil, errHardwareUnavailable(fmt.Sprintf("tpm key generation: %v", err))
	}

	c.mu.Lock()
	c.aks[handle.id] = k
	c.mu.Unlock()

	pub, ok := k.PublicKey().(ed25519.PublicKey)
	if !ok {
		k.Close()
		return nil, errHardwareUnavailable("tpm did not return an ed25519 public key for the requested policy")
	}

	leaked = false
	return pub, nil
}

func (c *tpmCustody) Sign(ctx context.Context, handle Handle, message []byte) (Signature, error) {
	acquire()
	leaked := true
	defer func() { release(leaked) }()

	c.mu.Lock()
	k, ok := c.aks[handle.id]
	c.mu.Unlock()
	if !ok {
		return Signature{}, errKeyNotFound("no tpm key bound to handle")
	}

	sig, err := k.SignData(message)
	if err != nil {
		return Signature{}, errHardwareUnavailable(fmt.Sprintf("tpm sign: %v", err))
	}

	var out Signature
	copy(out[:], sig)
	leaked = false
	return out, nil
}

func (c *tpmCustody) Seal(ctx context.Context, handle Handle, data []byte) ([]byte, error) {
	acquire()
	leaked := true
	defer func() { release(leaked) }()

	sealed, err := client.SealOpts{}.Seal(c.rw, data)
	if err != nil {
		return nil, errHardwareUnavailable(fmt.Sprintf("tpm seal: %v", err))
	}
	leaked = false
	return sealed, nil
}

func (c *tpmCustody) Unseal(ctx context.Context, handle Handle, blob []byte) ([]byte, error) {
	acquire()
	leaked := true
	defer func() { release(leaked) }()

	data, err := client.UnsealOpts{}.Unseal(c.rw, blob)
	if err != nil {
		// Platform state mismatch surfaces as a hardware error, never
		// as a silent empty result.
		return nil, common.WrapError(common.KindHardwareUnavailable, "tpm unseal: platform state mismatch or unavailable", err)
	}
	leaked = false
	return data, nil
}

func (c *tpmCustody) Quote(ctx context.Context, nonce []byte, pcrSelection []int) (Quote, error) {
	acquire()
	leaked := true
	defer func() { release(leaked) }()

	sel := tpm2.PCRSelection{Hash: tpm2.AlgSHA256, PCRs: pcrSelection}
	ak, err := client.AttestationKeyECC(c.rw)
	if err != nil {
		return Quote{}, errHardwareUnavailable(fmt.Sprintf("tpm quote key: %v", err))
	}
	defer ak.Close()

	q, err := ak.Quote(sel, nonce)
	if err != nil {
		return Quote{}, errHardwareUnavailable(fmt.Sprintf("tpm quote: %v", err))
	}

	pcrs := make(map[int][]byte, len(q.Pcrs.Pcrs))
	for idx, val := range q.Pcrs.Pcrs {
		pcrs[int(idx)] = val
	}

	leaked = false
	return Quote{PCRs: pcrs, Signature: q.Signature}, nil
}

func (c *tpmCustody) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.aks {
		k.Close()
	}
	return c.rw.Close()
}

// keyupdate.go — KEY_UPDATE rekey handling for both directions.
//
// Either side may initiate a rekey; a second KEY_UPDATE sent or
// received before the first one's overlap window has closed is
// rejected as a protocol error (the pipelining question left open by
// the source material — resolved here in favor of strict
// one-at-a-time rekeys per direction, tracked with a pending guard
// much like escalation.ProcessState gates Escalate/Decay under a
// single mutex).
package mux

import (
	"fmt"
	"sync"

	"github.com/veilmesh/htx-helper/internal/cryptoprim"
	"github.com/veilmesh/htx-helper/internal/frame"
	"github.com/veilmesh/htx-helper/internal/noise"
)

func deriveHKDF(secret, info []byte, outLen int) ([]byte, error) {
	return cryptoprim.HKDFExpand(secret, nil, info, outLen)
}

type keyUpdateState struct {
	mu sync.Mutex

	rxPending     bool
	rxSinceRekey  int
	txPending     bool
	txSinceRekey  int
}

func newKeyUpdateState() *keyUpdateState {
	return &keyUpdateState{}
}

// settleClosed bounds how many frames on the affected direction close
// the overlap window once a rekey is in flight, matching
// frame.MaxOverlapFrames.
const settleClosed = frame.MaxOverlapFrames

func (k *keyUpdateState) notePostRekeyFrame(isRX bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if isRX && k.rxPending {
		k.rxSinceRekey++
		if k.rxSinceRekey >= settleClosed {
			k.rxPending = false
		}
	}
	if !isRX && k.txPending {
		k.txSinceRekey++
		if k.txSinceRekey >= settleClosed {
			k.txPending = false
		}
	}
}

// handleKeyUpdate processes an incoming KEY_UPDATE frame: rejects a
// pipelined second rekey, otherwise derives fresh rx key material and
// advances the rx KeyContext's epoch.
func (c *Conn) handleKeyUpdate(f frame.Frame) error {
	c.keyUpdate.mu.Lock()
	if c.keyUpdate.rxPending {
		c.keyUpdate.mu.Unlock()
		return fmt.Errorf("mux: pipelined KEY_UPDATE rejected, overlap window still open")
	}
	c.keyUpdate.rxPending = true
	c.keyUpdate.rxSinceRekey = 0
	c.keyUpdate.mu.Unlock()

	key, salt, err := c.deriveRekeyMaterial("rx", f.NewEpoch)
	if err != nil {
		return fmt.Errorf("mux: derive rekey material: %w", err)
	}
	c.rxKC.Rekey(f.NewEpoch, key, salt)

	if c.control.onRxRekeyComplete() {
		// A prior accepted transition record had paused data; resume now.
		c.log.Info("mux: resuming paused streams after rekey")
	}
	return nil
}

// InitiateRekey sends a KEY_UPDATE advancing the tx direction's epoch.
// Returns a protocol error if a previously initiated rekey's overlap
// window has not yet closed.
func (c *Conn) InitiateRekey() error {
	c.keyUpdate.mu.Lock()
	if c.keyUpdate.txPending {
		c.keyUpdate.mu.Unlock()
		return fmt.Errorf("mux: cannot pipeline KEY_UPDATE, previous rekey still settling")
	}
	newEpoch := c.txKC.CurrentEpoch() + 1
	c.keyUpdate.txPending = true
	c.keyUpdate.txSinceRekey = 0
	c.keyUpdate.mu.Unlock()

	key, salt, err := c.deriveRekeyMaterial("tx", newEpoch)
	if err != nil {
		return fmt.Errorf("mux: derive rekey material: %w", err)
	}

	if err := c.writeFrame(frame.KeyUpdate(newEpoch)); err != nil {
		return err
	}
	c.txKC.Rekey(newEpoch, key, salt)
	return nil
}

func (c *Conn) deriveRekeyMaterial(direction string, newEpoch uint32) (key [32]byte, salt [12]byte, err error) {
	// Label by traffic flow (client→server or server→client) so the
	// sender's "tx" derivation and the peer's "rx" derivation agree.
	flow := "s2c"
	if (direction == "tx") == c.isClient {
		flow = "c2s"
	}
	label := noise.RekeyLabel(flow, newEpoch, c.transcriptHash)
	const need = 32 + 12
	material, err := deriveHKDF(c.transcriptHash, label, need)
	if err != nil {
		return key, salt, err
	}
	copy(key[:], material[:32])
	copy(salt[:], material[32:44])
	return key, salt, nil
}

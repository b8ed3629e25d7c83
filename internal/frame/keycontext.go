package frame

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/veilmesh/htx-helper/internal/cryptoprim"
)

// Direction distinguishes the transmit and receive halves of a
// connection, each of which carries its own independent epoch, key,
// and counter per the AEAD KeyContext invariant that (direction,
// epoch, counter) is unique forever.
type Direction uint8

const (
	DirTX Direction = iota
	DirRX
)

// KeyContext holds one direction's current AEAD key material. Callers
// must never read Key or NonceSalt directly outside this package;
// Seal/Open derive the nonce and AAD internally.
type KeyContext struct {
	mu        sync.Mutex
	Direction Direction
	Epoch     uint32
	Key       [cryptoprim.KeySize]byte
	NonceSalt [cryptoprim.NonceSize]byte
	Counter   uint64

	// havePrior, priorEpoch, priorKey/priorSalt/priorCounter and
	// priorAccepted support the KEY_UPDATE overlap window: up to 3 frames under the prior epoch
	// remain acceptable after a rekey before they are rejected.
	havePrior     bool
	priorEpoch    uint32
	priorKey      [cryptoprim.KeySize]byte
	priorSalt     [cryptoprim.NonceSize]byte
	priorCounter  uint64
	priorAccepted int
}

// MaxOverlapFrames bounds how many old-epoch frames are accepted after
// a direction has rekeyed.
const MaxOverlapFrames = 3

// NewKeyContext constructs a KeyContext for the given direction at
// epoch 0.
func NewKeyContext(dir Direction, key [cryptoprim.KeySize]byte, nonceSalt [cryptoprim.NonceSize]byte) *KeyContext {
	return &KeyContext{Direction: dir, Key: key, NonceSalt: nonceSalt}
}

// nonce derives the 12-byte nonce for the given epoch/counter by XORing
// the salt with epoch_be(4) ∥ counter_be(8).
func nonce(salt [cryptoprim.NonceSize]byte, epoch uint32, counter uint64) [cryptoprim.NonceSize]byte {
	var mix [cryptoprim.NonceSize]byte
	binary.BigEndian.PutUint32(mix[0:4], epoch)
	binary.BigEndian.PutUint64(mix[4:12], counter)
	var out [cryptoprim.NonceSize]byte
	for i := range out {
		out[i] = salt[i] ^ mix[i]
	}
	return out
}

// aad builds the AEAD additional data: type ∥ epoch_be ∥ counter_be.
func aad(t Type, epoch uint32, counter uint64) []byte {
	buf := make([]byte, 1+4+8)
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:5], epoch)
	binary.BigEndian.PutUint64(buf[5:13], counter)
	return buf
}

// nextSendNonce reserves the next counter value for sealing and
// returns the nonce/AAD to use. It is fatal (returns an error) if the
// counter would wrap within the current epoch; callers must rekey
// before that point.
func (kc *KeyContext) nextSendNonce(t Type) (nonceOut [cryptoprim.NonceSize]byte, aadOut []byte, err error) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	if kc.Counter == ^uint64(0) {
		return nonceOut, nil, fmt.Errorf("frame: counter exhausted in epoch %d", kc.Epoch)
	}
	counter := kc.Counter
	kc.Counter++
	return nonce(kc.NonceSalt, kc.Epoch, counter), aad(t, kc.Epoch, counter), nil
}

// Zeroize overwrites all current and prior key material in place.
// Called once a connection is torn down, per the fatal-error
// discipline that transport secrets never outlive their connection.
func (kc *KeyContext) Zeroize() {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	cryptoprim.Zeroize(kc.Key[:])
	cryptoprim.Zeroize(kc.NonceSalt[:])
	cryptoprim.Zeroize(kc.priorKey[:])
	cryptoprim.Zeroize(kc.priorSalt[:])
}

// CurrentEpoch returns the context's active epoch.
func (kc *KeyContext) CurrentEpoch() uint32 {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	return kc.Epoch
}

// Rekey advances the context to newEpoch with fresh key/nonceSalt,
// retaining the previous key/salt/counter for the overlap window.
func (kc *KeyContext) Rekey(newEpoch uint32, key [cryptoprim.KeySize]byte, nonceSalt [cryptoprim.NonceSize]byte) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	kc.priorEpoch = kc.Epoch
	kc.priorKey = kc.Key
	kc.priorSalt = kc.NonceSalt
	kc.priorCounter = kc.Counter
	kc.havePrior = true
	kc.priorAccepted = 0

	kc.Epoch = newEpoch
	kc.Key = key
	kc.NonceSalt = nonceSalt
	kc.Counter = 0
}

// nextRecvOpen attempts to authenticate and decrypt ciphertext against
// the current epoch first, then — within the overlap budget — against
// the prior epoch. It returns the plaintext from whichever epoch
// authenticates the frame.
func (kc *KeyContext) nextRecvOpen(t Type, ciphertext []byte) ([]byte, error) {
	kc.mu.Lock()
	curEpoch, curKey, curSalt, curCounter := kc.Epoch, kc.Key, kc.NonceSalt, kc.Counter
	kc.mu.Unlock()

	n := nonce(curSalt, curEpoch, curCounter)
	a := aad(t, curEpoch, curCounter)
	if pt, err := cryptoprim.Open(nil, curKey[:], n[:], ciphertext, a); err == nil {
		kc.mu.Lock()
		kc.Counter++
		kc.mu.Unlock()
		return pt, nil
	}

	kc.mu.Lock()
	havePrior := kc.havePrior
	priorEpoch, priorKey, priorSalt, priorCounter := kc.priorEpoch, kc.priorKey, kc.priorSalt, kc.priorCounter
	priorAccepted := kc.priorAccepted
	kc.mu.Unlock()

	if !havePrior || priorAccepted >= MaxOverlapFrames {
		return nil, fmt.Errorf("frame: decrypt failed under current epoch %d", curEpoch)
	}

	pn := nonce(priorSalt, priorEpoch, priorCounter)
	pa := aad(t, priorEpoch, priorCounter)
	pt, err := cryptoprim.Open(nil, priorKey[:], pn[:], ciphertext, pa)
	if err != nil {
		return nil, fmt.Errorf("frame: decrypt failed under current and prior epoch")
	}

	kc.mu.Lock()
	kc.priorCounter++
	kc.priorAccepted++
	kc.mu.Unlock()
	return pt, nil
}

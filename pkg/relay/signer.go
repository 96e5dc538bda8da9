package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	"github.com/blobdvm/blobdvm/pkg/nostr"
)

// Signer is the key-management slice of the relay-client dependency
// surface: the core never touches private key material directly,
// it only asks the signer to stamp an event.
type Signer interface {
	PubKey() string
	Sign(e *nostr.Event) error
}

// FakeSigner is a deterministic, non-cryptographic Signer for tests and
// local wiring — it fills in ID/Sig with derived values so correlation
// logic (e.g. matching events by id) has something stable to work with,
// without depending on a real signature scheme the core is not
// responsible for.
type FakeSigner struct {
	pubkey string
}

// NewFakeSigner creates a FakeSigner identified by pubkey.
func NewFakeSigner(pubkey string) *FakeSigner {
	return &FakeSigner{pubkey: pubkey}
}

func (f *FakeSigner) PubKey() string { return f.pubkey }

func (f *FakeSigner) Sign(e *nostr.Event) error {
	e.PubKey = f.pubkey
	h := sha256.Sum256([]byte(e.Content))
	e.ID = hex.EncodeToString(h[:]) + "-" + randSuffix()
	e.Sig = "fake-sig-" + e.ID
	return nil
}

var fakeSignSeq uint64

func randSuffix() string {
	n := atomic.AddUint64(&fakeSignSeq, 1)
	return hex.EncodeToString([]byte{
		byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n),
	})
}

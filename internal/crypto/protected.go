package crypto

import (
	"log/slog"
	"runtime"
)

// lockedKey holds a private key in memory the OS is asked not to swap
// out. Access is serialized by the owning KeyStore.
type lockedKey struct {
	data   []byte
	locked bool
}

// newLockedKey moves k into locked memory and zeroes k.
func newLockedKey(k *PrivateKey) *lockedKey {
	lk := &lockedKey{data: make([]byte, KeySize)}
	// mlock needs CAP_IPC_LOCK or a large enough RLIMIT_MEMLOCK
	if err := lk.mlock(); err != nil {
		slog.Debug("private key memory not locked", "error", err)
	}
	copy(lk.data, k[:])
	ZeroBytes(k[:])

	runtime.SetFinalizer(lk, (*lockedKey).destroy)
	return lk
}

// private returns a copy of the key. The caller zeroes it after use.
func (lk *lockedKey) private() PrivateKey {
	var k PrivateKey
	copy(k[:], lk.data)
	return k
}

// destroy zeroes and unlocks the memory. Safe to call twice.
func (lk *lockedKey) destroy() {
	if lk.data == nil {
		return
	}
	ZeroBytes(lk.data)
	if lk.locked {
		lk.munlock()
	}
	lk.data = nil
	runtime.SetFinalizer(lk, nil)
}

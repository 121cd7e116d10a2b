package crypto

// secret.go holds helpers for wiping key material.
//
// Go offers no guarantee that the runtime has not copied a slice
// elsewhere, so wiping is best effort. It still shortens the window in
// which a heap dump would reveal a private key or shared secret.

import (
	"crypto/subtle"
	"runtime"
)

// ZeroBytes overwrites b with zeros.
func ZeroBytes(b []byte) {
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
	runtime.KeepAlive(b)
}

// zeroKey wipes a fixed-size key array in place
func zeroKey(k *[KeySize]byte) {
	ZeroBytes(k[:])
}

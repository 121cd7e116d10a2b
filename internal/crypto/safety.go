package crypto

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// safetyWords has 64 entries so each word encodes six bits.
var safetyWords = [64]string{
	"apple", "banana", "cherry", "grape", "lemon", "orange", "peach", "plum",
	"flower", "tree", "cactus", "wave", "star", "moon", "sun", "fire",
	"snow", "storm", "rainbow", "guitar", "piano", "trumpet", "drum", "rocket",
	"plane", "car", "ship", "house", "castle", "mountain", "island", "dog",
	"cat", "bird", "fish", "lion", "elephant", "turtle", "diamond", "key",
	"gift", "balloon", "book", "pencil", "bell", "clock", "target", "trophy",
	"soccer", "dice", "puzzle", "mask", "crown", "lamp", "lock", "gear",
	"magnet", "crystal", "anchor", "bridge", "candle", "feather", "harbor", "violin",
}

// SafetyWordCount is the number of words in a safety code
const SafetyWordCount = 6

// SafetyCode lets two participants confirm out of band that each holds
// the other's real public key.
type SafetyCode struct {
	Words  []string
	Digits string // 12 digits, grouped for reading aloud
}

// ComputeSafetyCode derives a code from two public keys. It does not depend
// on argument order, so both sides compute the same code unless a key was
// substituted.
func ComputeSafetyCode(a, b PublicKey) SafetyCode {
	first, second := a[:], b[:]
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}

	ikm := make([]byte, 0, 2*KeySize)
	ikm = append(ikm, first...)
	ikm = append(ikm, second...)
	r := hkdf.New(sha256.New, ikm, nil, []byte("sealroom-safety-code-v1"))

	var buf [SafetyWordCount + 6]byte
	io.ReadFull(r, buf[:])

	code := SafetyCode{Words: make([]string, SafetyWordCount)}
	for i := 0; i < SafetyWordCount; i++ {
		code.Words[i] = safetyWords[buf[i]%64]
	}

	var digits strings.Builder
	for i, v := range buf[SafetyWordCount:] {
		if i > 0 && i%2 == 0 {
			digits.WriteByte(' ')
		}
		fmt.Fprintf(&digits, "%02d", int(v)%100)
	}
	code.Digits = digits.String()
	return code
}

// String returns the words separated by spaces.
func (c SafetyCode) String() string {
	return strings.Join(c.Words, " ")
}

package protocol

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrInvalidRoomCode is returned for codes outside the room code alphabet.
var ErrInvalidRoomCode = errors.New("invalid room code")

const (
	// RoomCodeLength is the number of characters in a room code
	RoomCodeLength = 6

	// roomCodeAlphabet omits glyphs that are easy to confuse (0/O, 1/I/L)
	roomCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

	minRoomCodeLength = 4
	maxRoomCodeLength = 16
)

// NewRoomCode returns a random room code.
func NewRoomCode() (string, error) {
	var sb strings.Builder
	max := big.NewInt(int64(len(roomCodeAlphabet)))
	for i := 0; i < RoomCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		sb.WriteByte(roomCodeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// NormalizeRoomCode upper-cases a code and checks it is 4 to 16 letters or
// digits. Generated codes are stricter, but typed codes such as "ABC123"
// are accepted.
func NormalizeRoomCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) < minRoomCodeLength || len(code) > maxRoomCodeLength {
		return "", fmt.Errorf("%w: %q must be %d to %d characters", ErrInvalidRoomCode, code, minRoomCodeLength, maxRoomCodeLength)
	}
	for _, c := range code {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidRoomCode, code, c)
		}
	}
	return code, nil
}

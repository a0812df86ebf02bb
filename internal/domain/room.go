package domain

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	RoomIDLength = 6
	// RoomIDAlphabet leaves out I, L, O, 0 and 1.
	RoomIDAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

	// MaxViewers bounds how many viewers one host serves.
	MaxViewers = 6
)

var ErrInvalidRoomID = errors.New("invalid room id")

type RoomID string

// NewRoomID draws RoomIDLength symbols uniformly from RoomIDAlphabet.
func NewRoomID() RoomID {
	var b strings.Builder
	b.Grow(RoomIDLength)
	n := big.NewInt(int64(len(RoomIDAlphabet)))
	for range RoomIDLength {
		i, err := rand.Int(rand.Reader, n)
		if err != nil {
			// crypto/rand does not fail on supported platforms
			panic(fmt.Sprintf("room id: %v", err))
		}
		b.WriteByte(RoomIDAlphabet[i.Int64()])
	}
	return RoomID(b.String())
}

// ParseRoomID accepts user input such as " ab23cd " and returns the canonical code.
func ParseRoomID(s string) (RoomID, error) {
	code := strings.ToUpper(strings.TrimSpace(s))
	if len(code) != RoomIDLength {
		return "", fmt.Errorf("%w: want %d symbols, got %q", ErrInvalidRoomID, RoomIDLength, s)
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(RoomIDAlphabet, code[i]) < 0 {
			return "", fmt.Errorf("%w: symbol %q", ErrInvalidRoomID, code[i])
		}
	}
	return RoomID(code), nil
}

func (id RoomID) String() string { return string(id) }

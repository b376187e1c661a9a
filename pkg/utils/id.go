package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const roomIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// RoomIDLength is the length of ids produced by GenerateRoomID.
const RoomIDLength = 9

// GenerateRoomID returns a short shareable room id made of uppercase
// base-36 characters.
func GenerateRoomID() string {
	var sb strings.Builder
	sb.Grow(RoomIDLength)
	max := big.NewInt(int64(len(roomIDAlphabet)))
	for i := 0; i < RoomIDLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing is unrecoverable for id quality; fall back to time
			n = big.NewInt(time.Now().UnixNano() % int64(len(roomIDAlphabet)))
		}
		sb.WriteByte(roomIDAlphabet[n.Int64()])
	}
	return sb.String()
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("req_%d_%s", time.Now().UnixNano(), hex.EncodeToString(b))
}

// DisplayName derives the agent display name from an own participant id:
// "User-" followed by its last six characters.
func DisplayName(participantID string) string {
	if participantID == "" {
		return ""
	}
	tail := participantID
	if len(tail) > 6 {
		tail = tail[len(tail)-6:]
	}
	return "User-" + tail
}

// MaskSensitive keeps the first visible characters of s and masks the rest.
func MaskSensitive(s string, visible int) string {
	if len(s) <= visible {
		return strings.Repeat("*", len(s))
	}
	return s[:visible] + strings.Repeat("*", len(s)-visible)
}

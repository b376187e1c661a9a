package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// RoomIDRegex accepts the logical room ids users type or share.
	RoomIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

	// ParticipantIDRegex accepts platform identities such as "8:acs:uuid_id".
	ParticipantIDRegex = regexp.MustCompile(`^[A-Za-z0-9:_.\-]+$`)
)

const (
	maxRoomIDLen        = 64
	maxParticipantIDLen = 256
)

// ValidateRoomID validates a logical room id.
func ValidateRoomID(roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if utf8.RuneCountInString(roomID) > maxRoomIDLen {
		return fmt.Errorf("room ID is too long (max %d characters)", maxRoomIDLen)
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room ID format")
	}
	return nil
}

// ValidateParticipantID validates a direct-call target.
func ValidateParticipantID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("participant ID is required")
	}
	if len(id) > maxParticipantIDLen {
		return fmt.Errorf("participant ID is too long (max %d characters)", maxParticipantIDLen)
	}
	if !ParticipantIDRegex.MatchString(id) {
		return fmt.Errorf("invalid participant ID format")
	}
	return nil
}

// ValidateURL validates an absolute http(s) or ws(s) URL.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

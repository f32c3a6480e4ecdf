package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"classmesh/internal/core/domain"
)

var (
	// RoomIDRegex validates normalized room ids
	RoomIDRegex = regexp.MustCompile(`^[A-Z0-9_-]+$`)

	// ParticipantIDRegex validates participant and peer ids
	ParticipantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const (
	maxDisplayName = 64
	maxRoomID      = 64
)

// ValidateDisplayName validates the name shown to other participants.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("display name is required")
	}
	if utf8.RuneCountInString(name) > maxDisplayName {
		return fmt.Errorf("display name is too long (max %d characters)", maxDisplayName)
	}
	return nil
}

// ValidateRoomID validates an already-normalized room id.
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if len(roomID) > maxRoomID {
		return fmt.Errorf("room ID is too long (max %d characters)", maxRoomID)
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room ID format")
	}
	return nil
}

// ValidateParticipantID validates participant ID
func ValidateParticipantID(id string) error {
	if id == "" {
		return fmt.Errorf("participant ID is required")
	}
	if len(id) > 100 {
		return fmt.Errorf("participant ID is too long (max 100 characters)")
	}
	if !ParticipantIDRegex.MatchString(id) {
		return fmt.Errorf("invalid participant ID format")
	}
	return nil
}

// ValidateRole validates role
func ValidateRole(role string) error {
	if !domain.Role(role).Valid() {
		return fmt.Errorf("invalid role: %s (must be one of: teacher, student)", role)
	}
	return nil
}

// ValidateJoin checks everything a join request carries and returns the
// first problem found.
func ValidateJoin(name, roomID, role string) error {
	if err := ValidateDisplayName(name); err != nil {
		return err
	}
	if err := ValidateRoomID(roomID); err != nil {
		return err
	}
	return ValidateRole(role)
}

package validation

import (
	"strings"
	"testing"
)

func TestValidateDisplayName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "Alice", false},
		{"unicode", "Zoë Ångström", false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"too long", strings.Repeat("a", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDisplayName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDisplayName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "R1", false},
		{"dash", "MATH-101", false},
		{"empty", "", true},
		{"lowercase", "r1", true},
		{"slash", "R1/signals", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRoomID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRole(t *testing.T) {
	for _, role := range []string{"teacher", "student"} {
		if err := ValidateRole(role); err != nil {
			t.Errorf("ValidateRole(%q) unexpected error: %v", role, err)
		}
	}
	if err := ValidateRole("admin"); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestValidateJoin(t *testing.T) {
	if err := ValidateJoin("Ann", "R1", "teacher"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateJoin("", "R1", "teacher"); err == nil {
		t.Error("expected error for empty name")
	}
	if err := ValidateJoin("Ann", "", "student"); err == nil {
		t.Error("expected error for empty room")
	}
}

package validation

import (
	"strings"
	"testing"
)

func TestValidateIDs(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(string) error
		id      string
		wantErr bool
	}{
		{"user uuid", ValidateUserID, "6f1c2b1e-4e0a-4f55-9d8e-3c2a1b0f9e7d", false},
		{"user empty", ValidateUserID, "", true},
		{"user spaces", ValidateUserID, "bad id", true},
		{"user too long", ValidateUserID, strings.Repeat("a", 129), true},
		{"channel", ValidateChannelID, "general.voice-1", false},
		{"channel slash", ValidateChannelID, "a/b", true},
		{"room empty", ValidateRoomID, "", false},
		{"room", ValidateRoomID, "room:42", false},
		{"room invalid", ValidateRoomID, "room 42", true},
		{"source empty", ValidateSourceID, "", false},
		{"source screen", ValidateSourceID, "screen:0", false},
		{"source window", ValidateSourceID, "window:0x3a00004/1", false},
		{"source invalid", ValidateSourceID, "screen 0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		wantErr  bool
	}{
		{"plain", "alice", false},
		{"spaces and unicode", "Zoë the Great", false},
		{"single rune", "z", false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"too long", strings.Repeat("é", 33), true},
		{"control chars", "ali\x00ce", true},
		{"invalid utf8", "\xff\xfe", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.username)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUsername() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSignalingURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"ws://localhost:8081/ws", false},
		{"wss://relay.example.com/ws", false},
		{"http://relay.example.com/ws", true},
		{"ws:///ws", true},
		{"", true},
		{"://bad", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateSignalingURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSignalingURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

package chat

import (
	"context"
	"strings"
	"testing"
)

func TestDefaultLimitsValidate(t *testing.T) {
	limits := DefaultLimits()

	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"valid short", "hello", false},
		{"empty", "", true},
		{"exactly max runes", strings.Repeat("a", limits.MaxRunes), false},
		{"too many bytes", strings.Repeat("a", limits.MaxBytes+1), true},
		{"too many runes multibyte", strings.Repeat("é", limits.MaxRunes+1), true},
		{"invalid utf8", "hello\xff\xfe", true},
		{"unicode ok", "héllo wörld 你好", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := limits.Validate(tt.content)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestCustomLimits(t *testing.T) {
	limits := Limits{MaxBytes: 32, MaxRunes: 8}

	if err := limits.Validate("12345678"); err != nil {
		t.Errorf("content at the rune limit rejected: %v", err)
	}
	if err := limits.Validate("123456789"); err == nil {
		t.Error("content over the rune limit accepted")
	}
	if err := limits.Validate(strings.Repeat("x", 33)); err == nil {
		t.Error("content over the byte limit accepted")
	}
}

func TestChannelEnforcesCustomLimits(t *testing.T) {
	c := NewChannelWithLimits(nil, Limits{MaxBytes: 64, MaxRunes: 5})
	defer c.Close()

	if _, err := c.Publish(context.Background(), Participant{Username: "alice"}, "short"); err != nil {
		t.Fatalf("publish at the limit: %v", err)
	}
	if _, err := c.Publish(context.Background(), Participant{Username: "alice"}, "too long"); err == nil {
		t.Fatal("publish over the channel's rune limit accepted")
	}
}

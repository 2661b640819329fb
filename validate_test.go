package chatcore

import (
	"errors"
	"testing"
)

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"strips zero-width space", "hello​world", "helloworld"},
		{"strips BOM", "﻿hello", "hello"},
		{"folds fullwidth to ascii", "ＨＥＬＬＯ", "HELLO"},
		{"leaves plain ascii alone", "hello world", "hello world"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeContent(tt.input); got != tt.want {
				t.Errorf("NormalizeContent(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidateTurnInput_Valid(t *testing.T) {
	got, err := ValidateTurnInput("s1", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello" {
		t.Errorf("expected normalized content %q, got %q", "hello", got)
	}
}

func TestValidateTurnInput_Rejects(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
		content   string
	}{
		{"empty session id", "", "hello"},
		{"whitespace-only session id", "   ", "hello"},
		{"empty content", "s1", ""},
		{"whitespace-only content", "s1", "   "},
		{"zero-width-only content", "s1", "​‌"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateTurnInput(tt.sessionID, tt.content)
			if err == nil {
				t.Fatal("expected an error, got nil")
			}
			if !errors.Is(err, ErrInputInvalid) {
				t.Errorf("expected ErrInputInvalid, got %v", err)
			}
		})
	}
}

func TestValidateAttachment_Valid(t *testing.T) {
	tests := []struct {
		name string
		att  Attachment
	}{
		{"carries data url", Attachment{MimeType: "image/png", DataURL: "data:image/png;base64,abc"}},
		{"carries inline text", Attachment{MimeType: "text/plain", Text: "hello"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateAttachment(tt.att); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateAttachment_Rejects(t *testing.T) {
	tests := []struct {
		name string
		att  Attachment
	}{
		{"missing mime type", Attachment{Text: "hello"}},
		{"missing payload", Attachment{MimeType: "text/plain"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAttachment(tt.att)
			if err == nil {
				t.Fatal("expected an error, got nil")
			}
			if !errors.Is(err, ErrInputInvalid) {
				t.Errorf("expected ErrInputInvalid, got %v", err)
			}
		})
	}
}

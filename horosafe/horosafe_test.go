package horosafe

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestSafePath(t *testing.T) {
	tests := []struct {
		base, input string
		wantErr     bool
	}{
		{"/data/frames", "cap_1/frame_0001.png", false},
		{"/data/frames", "../etc/passwd", true},
		{"/data/frames", "abc/../def", true},
		{"/data/frames", "abc/../../outside", true},
		{"/data/frames", "normal-id_123", false},
	}
	for _, tt := range tests {
		_, err := SafePath(tt.base, tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("SafePath(%q, %q) error=%v, wantErr=%v", tt.base, tt.input, err, tt.wantErr)
		}
	}
}

func TestValidateIdentifier(t *testing.T) {
	valid := []string{"cap_0190f1de-7a3b-7c4d-8e5f-123456789abc", "abc.v2", "A-Z_09"}
	for _, s := range valid {
		if err := ValidateIdentifier(s); err != nil {
			t.Errorf("ValidateIdentifier(%q) = %v", s, err)
		}
	}
	invalid := []string{"", ".hidden", "a/b", "a b", "semi;colon", strings.Repeat("x", 129)}
	for _, s := range invalid {
		if err := ValidateIdentifier(s); err == nil {
			t.Errorf("ValidateIdentifier(%q) accepted", s)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	if _, err := LimitedReadAll(strings.NewReader("12345"), 5); err != nil {
		t.Fatalf("at limit: %v", err)
	}
	if _, err := LimitedReadAll(strings.NewReader("123456"), 5); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("over limit: err = %v", err)
	}
}

func TestDecodeBase64(t *testing.T) {
	raw := []byte("\x89PNG fake frame bytes")
	enc := base64.StdEncoding.EncodeToString(raw)

	got, err := DecodeBase64(enc, 1024)
	if err != nil || string(got) != string(raw) {
		t.Fatalf("plain: %q, %v", got, err)
	}
	got, err = DecodeBase64("data:image/png;base64,"+enc, 1024)
	if err != nil || string(got) != string(raw) {
		t.Fatalf("data URL: %q, %v", got, err)
	}
	if _, err := DecodeBase64(enc, 4); !errors.Is(err, ErrTooLarge) {
		t.Errorf("limit: err = %v", err)
	}
	if _, err := DecodeBase64("!!!not base64", 1024); err == nil {
		t.Error("expected base64 error")
	}
	if _, err := DecodeBase64("data:image/png;base64", 1024); err == nil {
		t.Error("expected malformed data URL error")
	}
}

package phone

import (
	"errors"
	"testing"
)

func TestE164Format(t *testing.T) {
	t.Parallel()

	f := NewE164("65")
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "local", raw: "91234567", want: "+6591234567"},
		{name: "country prefixed", raw: "6598765432", want: "+6598765432"},
		{name: "already e164", raw: "+6598765432", want: "+6598765432"},
		{name: "whitespace", raw: "  91234567 ", want: "+6591234567"},
		{name: "separators", raw: "+65 9123-4567", want: "+6591234567"},
		{name: "foreign with plus", raw: "+14155550123", want: "+14155550123"},
		{name: "local starting with country code", raw: "65123456", want: "+6565123456"},
		{name: "local starting with country code prefixed", raw: "6565123456", want: "+6565123456"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Format(tt.raw)
			if err != nil {
				t.Fatalf("Format(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("Format(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestE164WithoutLocalLength(t *testing.T) {
	t.Parallel()

	f := E164{CountryCode: "65"}
	got, err := f.Format("6591234567")
	if err != nil || got != "+6591234567" {
		t.Fatalf("got %q, %v", got, err)
	}
	got, err = f.Format("91234567")
	if err != nil || got != "+6591234567" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestE164FormatInvalid(t *testing.T) {
	t.Parallel()

	f := NewE164("+65")
	for _, raw := range []string{"", "   ", "12", "abc12345", "+1234567890123456"} {
		if _, err := f.Format(raw); !errors.Is(err, ErrInvalidNumber) {
			t.Fatalf("Format(%q) err=%v, want ErrInvalidNumber", raw, err)
		}
	}
}

func TestWhatsApp(t *testing.T) {
	t.Parallel()

	if got := WhatsApp("+6591234567"); got != "whatsapp:+6591234567" {
		t.Fatalf("got %q", got)
	}
	if got := WhatsApp("whatsapp:+6591234567"); got != "whatsapp:+6591234567" {
		t.Fatalf("double prefix: %q", got)
	}
}

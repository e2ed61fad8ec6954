package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"e164", "+15551234567", "+15551234567"},
		{"punctuated e164", "+1 (555) 123-4567", "+15551234567"},
		{"dashed e164", "+1-555-123-4567", "+15551234567"},
		{"national ten digits", "555.123.4567", "+15551234567"},
		{"eleven digits no plus", "15551234567", "+15551234567"},
		{"tel scheme", "tel:+1 555 123 4567", "+15551234567"},
		{"whatsapp jid", "15551234567@s.whatsapp.net", "+15551234567"},
		{"whatsapp device jid", "15551234567:12@s.whatsapp.net", "+15551234567"},
		{"short code", "242733", "242733"},
		{"email", "  Alice@Example.COM ", "alice@example.com"},
		{"mailto", "mailto:Bob@Example.com", "bob@example.com"},
		{"group jid", "120363@G.US", "120363@g.us"},
		{"vanity number is malformed", "1-800-FLOWERS", "1-800-flowers"},
		{"empty", "   ", ""},
		{"bare scheme", "tel:", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"+1 (555) 123-4567", "5551234567", "15551234567", "242733", "Alice@Example.com",
		"tel:tel:123", "mailto: x@y.z", "1-800-FLOWERS", "++1 555", "abc", "", "()",
		"15551234567:3@s.whatsapp.net", "+44 20 7946 0958", "iMessage;-;+1-555",
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	}
}

func TestNormalizerCountryCode(t *testing.T) {
	n := Normalizer{CountryCode: "44"}
	assert.Equal(t, "+442079460958", n.Normalize("2079460958"))

	none := Normalizer{}
	assert.Equal(t, "2079460958", none.Normalize("2079460958"))
}

func TestThreadKey(t *testing.T) {
	assert.Equal(t, "+15551234567", ThreadKey("iMessage;-;+1-555-123-4567"))
	assert.Equal(t, "+15551234567", ThreadKey("sms;-;+15551234567"))
	assert.Equal(t, "+15551234567", ThreadKey("15551234567@s.whatsapp.net"))
	assert.Equal(t, "a@b.c", ThreadKey("iMessage;-;A@B.c"))
	assert.Equal(t, "chat42", ThreadKey("iMessage;+;chat42"))
}

func TestAddressFromThreadID(t *testing.T) {
	assert.Equal(t, "+1555", AddressFromThreadID("sms;-;+1555"))
	assert.Equal(t, "plain", AddressFromThreadID("plain"))
	assert.Equal(t, "a;b", AddressFromThreadID("a;b"))
}

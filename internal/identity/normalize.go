package identity

import "strings"

// DefaultCountryCode is prepended to bare 10-digit national numbers.
const DefaultCountryCode = "1"

// Normalizer canonicalizes phone numbers and emails into contact keys.
type Normalizer struct {
	CountryCode string
}

var defaultNormalizer = Normalizer{CountryCode: DefaultCountryCode}

// Normalize canonicalizes an address with the default country code.
func Normalize(addr string) string {
	return defaultNormalizer.Normalize(addr)
}

// ThreadKey returns the contact key for the address embedded in a thread id.
func ThreadKey(threadID string) string {
	return defaultNormalizer.ThreadKey(threadID)
}

// Normalize canonicalizes a phone number or email into a contact key.
//
// Emails are lower-cased. Phone numbers keep only digits and a leading plus;
// national 10-digit numbers gain the configured country code. Anything that is
// neither comes back trimmed and lower-cased, so a malformed address simply
// never matches another one. Normalize is idempotent.
func (n Normalizer) Normalize(addr string) string {
	s := strings.ToLower(strings.TrimSpace(addr))
	if s == "" {
		return ""
	}
	s = stripScheme(s)

	if user, ok := phoneJIDUser(s); ok {
		s = user
	}
	if strings.Contains(s, "@") {
		return s
	}
	if phone, ok := n.normalizePhone(s); ok {
		return phone
	}
	return s
}

// ThreadKey extracts the address from a thread id and normalizes it.
func (n Normalizer) ThreadKey(threadID string) string {
	return n.Normalize(AddressFromThreadID(threadID))
}

// AddressFromThreadID returns the address part of "service;-;address" style
// guids. Ids without that shape are returned unchanged.
func AddressFromThreadID(threadID string) string {
	id := strings.TrimSpace(threadID)
	if i := strings.LastIndex(id, ";"); i >= 0 && strings.Count(id, ";") >= 2 {
		return id[i+1:]
	}
	return id
}

func stripScheme(s string) string {
	for {
		stripped := false
		for _, prefix := range []string{"mailto:", "tel:", "sms:", "imessage:"} {
			if after, ok := strings.CutPrefix(s, prefix); ok {
				s = strings.TrimSpace(after)
				stripped = true
			}
		}
		if !stripped {
			return s
		}
	}
}

// phoneJIDUser reduces "15551234567@s.whatsapp.net" (optionally with a
// ":device" suffix) to "+15551234567".
func phoneJIDUser(s string) (string, bool) {
	user, server, ok := strings.Cut(s, "@")
	if !ok || (server != "s.whatsapp.net" && server != "c.us") {
		return "", false
	}
	if i := strings.IndexAny(user, ":."); i >= 0 {
		user = user[:i]
	}
	if user == "" || !allDigits(user) {
		return "", false
	}
	return "+" + user, true
}

func (n Normalizer) normalizePhone(s string) (string, bool) {
	var digits strings.Builder
	plus := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+':
			if i == 0 {
				plus = true
			}
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.' || r == '/':
		default:
			return "", false
		}
	}
	d := digits.String()
	if d == "" {
		return "", false
	}

	switch {
	case plus:
		return "+" + d, true
	case len(d) == 10 && n.CountryCode != "":
		return "+" + n.CountryCode + d, true
	case len(d) >= 11:
		return "+" + d, true
	default:
		// Short codes stay bare.
		return d, true
	}
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// IsEmail reports whether a normalized key is an email address.
func IsEmail(key string) bool {
	return strings.Contains(key, "@")
}

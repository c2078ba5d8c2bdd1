package profiles

import "strings"

// NormalizePhone keeps digits and rewrites the +886 mobile prefix to the
// local 09 form.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "8869") {
		digits = "0" + digits[3:]
	}
	return digits
}

// IsMobile reports whether the normalized phone is a 09 + 8 digit number.
func IsMobile(phone string) bool {
	p := NormalizePhone(phone)
	return len(p) == 10 && strings.HasPrefix(p, "09")
}

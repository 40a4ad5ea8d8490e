package catalog

import "strings"

// Australian area prefixes accepted for callers: 02/03/07/08 geographic,
// 04 mobile.
var auAreaPrefixes = []string{"02", "03", "04", "07", "08"}

// NormalizePhone reduces a phone number to its canonical digit form:
// 61XXXXXXXXX for Australian numbers given in national (0-leading) or
// international form. Other inputs are returned digits-only so lookups
// stay deterministic even for malformed values.
func NormalizePhone(raw string) string {
	digits := digitsOnly(raw)
	switch {
	case len(digits) == 11 && strings.HasPrefix(digits, "61"):
		return digits
	case len(digits) == 10 && strings.HasPrefix(digits, "0"):
		return "61" + digits[1:]
	default:
		return digits
	}
}

// ValidateAUPhone checks that raw is a ten-digit Australian number with an
// accepted area prefix (or its 61-prefixed international form) and returns
// the normalized 61XXXXXXXXX value. Eight-digit local forms are rejected:
// without an area code they cannot be dialed back.
func ValidateAUPhone(raw string) (string, error) {
	digits := digitsOnly(raw)

	var national string
	switch {
	case len(digits) == 11 && strings.HasPrefix(digits, "61"):
		national = "0" + digits[2:]
	case len(digits) == 10 && strings.HasPrefix(digits, "0"):
		national = digits
	default:
		return "", ErrInvalidPhone
	}

	for _, p := range auAreaPrefixes {
		if strings.HasPrefix(national, p) {
			return "61" + national[1:], nil
		}
	}
	return "", ErrInvalidPhone
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

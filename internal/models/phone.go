package models

import "strings"

// NormalizePhone converts local ("0772 123456"), bare international
// ("256772123456") and E.164 ("+256 772-123-456") input into E.164 form
// for the given country calling code.
func NormalizePhone(raw, countryCode string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", Validationf("phone number %q contains invalid characters", raw)
		}
	}
	digits := b.String()
	international := strings.HasPrefix(strings.TrimSpace(raw), "+")

	var national string
	switch {
	case international:
		if !strings.HasPrefix(digits, countryCode) {
			return "", Validationf("phone number %q is not a +%s number", raw, countryCode)
		}
		national = digits[len(countryCode):]
	case strings.HasPrefix(digits, countryCode) && len(digits) >= len(countryCode)+9:
		national = digits[len(countryCode):]
	case strings.HasPrefix(digits, "0"):
		national = digits[1:]
	default:
		national = digits
	}
	if len(national) < 7 || len(national) > 12 {
		return "", Validationf("phone number %q has an invalid length", raw)
	}
	return "+" + countryCode + national, nil
}

// NationalNumber strips the "+<countryCode>" prefix from an E.164 number.
func NationalNumber(e164, countryCode string) string {
	return strings.TrimPrefix(e164, "+"+countryCode)
}

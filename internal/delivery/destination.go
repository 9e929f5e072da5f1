package delivery

import (
	"fmt"
	"strings"

	"invoicewa/internal/session"
)

const localNumberDigits = 10

// NormalizeDestination strips everything but digits, then prefixes
// countryCode onto 10-digit local numbers. Numbers already carrying the
// country code, or any other 12-digit number, pass through.
func NormalizeDestination(raw, countryCode string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	switch {
	case len(digits) == localNumberDigits:
		return countryCode + digits, nil
	case countryCode != "" && len(digits) == localNumberDigits+len(countryCode) && strings.HasPrefix(digits, countryCode):
		return digits, nil
	case len(digits) == 12:
		return digits, nil
	}
	return "", fmt.Errorf("%w: %q has %d digits", session.ErrInvalidDestination, raw, len(digits))
}

package payments

import (
	"regexp"
)

const DefaultCountryCode = "254"

var nonNumericRegex = regexp.MustCompile(`[^0-9]`)

// NormalizePhone turns payer input into the subscriber format the STK push
// expects. Only two shapes are accepted once non-digits are stripped: a
// leading 0 followed by nine digits, or a bare nine-digit subscriber number.
// Both become countryCode followed by the nine subscriber digits.
func NormalizePhone(phone, countryCode string) (string, error) {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	digits := nonNumericRegex.ReplaceAllString(phone, "")

	switch {
	case len(digits) == 10 && digits[0] == '0':
		return countryCode + digits[1:], nil
	case len(digits) == 9:
		return countryCode + digits, nil
	}

	return "", &GatewayError{Kind: KindInvalidPhone, Message: "invalid M-Pesa phone number format"}
}

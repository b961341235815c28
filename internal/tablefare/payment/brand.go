package payment

import "strings"

// Card brand labels
const (
	BrandVisa       = "Visa"
	BrandMastercard = "Mastercard"
	BrandAmex       = "American Express"
	BrandDiscover   = "Discover"
	BrandUnknown    = "Unknown"
)

// DetectCardBrand maps a card number's leading digits to a brand label via
// the standard IIN prefix ranges. Pure function, no network call.
func DetectCardBrand(cardNumber string) string {
	n := strings.ReplaceAll(cardNumber, " ", "")
	if n == "" {
		return BrandUnknown
	}

	switch {
	case strings.HasPrefix(n, "4"):
		return BrandVisa
	case len(n) >= 2 && n[0] == '5' && n[1] >= '1' && n[1] <= '5':
		return BrandMastercard
	case strings.HasPrefix(n, "34") || strings.HasPrefix(n, "37"):
		return BrandAmex
	case strings.HasPrefix(n, "6011") || strings.HasPrefix(n, "65"):
		return BrandDiscover
	default:
		return BrandUnknown
	}
}

// last4 returns the trailing four digits of a card number
func last4(cardNumber string) string {
	n := strings.ReplaceAll(cardNumber, " ", "")
	if len(n) < 4 {
		return n
	}
	return n[len(n)-4:]
}

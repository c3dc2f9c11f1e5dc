package models

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Bounds is an inclusive whole-unit amount range. Zero Max means unbounded.
type Bounds struct {
	Min int64
	Max int64
}

// KindBounds are the settlement-currency limits per transaction kind.
var KindBounds = map[Kind]Bounds{
	KindRental:       {Min: 10_000, Max: 10_000_000},
	KindConsultation: {Min: 20_000, Max: 5_000_000},
	KindRefund:       {Min: 1_000, Max: 1_000_000},
}

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := KindBounds[k]; !ok {
		return "", Validationf("unsupported transaction kind %q", s)
	}
	return k, nil
}

func (b Bounds) check(amount int64, currency, what string) error {
	if amount < b.Min {
		return Validationf("minimum amount for %s is %s", what, FormatAmount(b.Min, currency))
	}
	if b.Max > 0 && amount > b.Max {
		return Validationf("maximum amount for %s is %s", what, FormatAmount(b.Max, currency))
	}
	return nil
}

// ValidateAmount checks amount against the kind bounds and the provider limits.
func ValidateAmount(amount int64, kind Kind, provider Provider, providerLimits Bounds, currency string) error {
	if amount <= 0 {
		return Validationf("amount must be greater than 0")
	}
	kb, ok := KindBounds[kind]
	if !ok {
		return Validationf("unsupported transaction kind %q", kind)
	}
	if err := kb.check(amount, currency, string(kind)); err != nil {
		return err
	}
	return providerLimits.check(amount, currency, string(provider))
}

var printer = message.NewPrinter(language.English)

// FormatAmount renders a whole-unit amount with digit grouping, e.g. "50,000 UGX".
func FormatAmount(amount int64, currency string) string {
	return printer.Sprintf("%d %s", amount, currency)
}

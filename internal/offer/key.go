package offer

import (
	"strings"

	"github.com/shopspring/decimal"
)

// BaseKey is the indexed part of the match key.
type BaseKey struct {
	VendorID    string
	Tier        Tier
	PeptideName string
}

// String renders the key for use as a map index.
func (k BaseKey) String() string {
	return k.VendorID + "\x1f" + string(k.Tier) + "\x1f" + k.PeptideName
}

// MatchKey identifies one offer: vendor, tier, product and the tier's variant discriminator.
// Only the discriminator fields of Tier are meaningful.
type MatchKey struct {
	BaseKey

	SizeMg             decimal.NullDecimal
	GLPType            string
	DoseMgPerInjection decimal.NullDecimal
	DoseStrength       string
}

// KeyFor derives the match key of a row. Missing or zero discriminators are left unset; such
// keys never match a stored offer.
func KeyFor(r Row) MatchKey {
	key := MatchKey{BaseKey: BaseKey{VendorID: r.VendorID, Tier: r.Tier, PeptideName: r.PeptideName}}
	switch r.Tier {
	case TierResearch:
		if r.Research != nil && !r.Research.SizeMg.IsZero() {
			key.SizeMg = decimal.NewNullDecimal(r.Research.SizeMg)
		}
	case TierTelehealth:
		if r.Telehealth != nil {
			key.GLPType = r.Telehealth.GLPType
			if !r.Telehealth.DoseMgPerInjection.IsZero() {
				key.DoseMgPerInjection = decimal.NewNullDecimal(r.Telehealth.DoseMgPerInjection)
			}
		}
	case TierBrand:
		if r.Brand != nil {
			key.DoseStrength = r.Brand.DoseStrength
		}
	}
	return key
}

// VariantKey renders the discriminator as a canonical string. ok is false when the
// discriminator is missing.
func (k MatchKey) VariantKey() (string, bool) {
	switch k.Tier {
	case TierResearch:
		if !k.SizeMg.Valid {
			return "", false
		}
		return k.SizeMg.Decimal.String(), true
	case TierTelehealth:
		if !k.DoseMgPerInjection.Valid {
			return "", false
		}
		return k.GLPType + "|" + k.DoseMgPerInjection.Decimal.String(), true
	case TierBrand:
		if k.DoseStrength == "" {
			return "", false
		}
		return k.DoseStrength, true
	default:
		return "", false
	}
}

// String renders the full key, or an empty string when the discriminator is missing.
func (k MatchKey) String() string {
	variant, ok := k.VariantKey()
	if !ok {
		return ""
	}
	return k.BaseKey.String() + "\x1f" + variant
}

// Matches reports whether the stored offer carries this exact key.
func (k MatchKey) Matches(o VendorOffer) bool {
	if o.VendorID != k.VendorID || o.Tier != k.Tier || o.PeptideName != k.PeptideName {
		return false
	}
	switch k.Tier {
	case TierResearch:
		return k.SizeMg.Valid && o.Research != nil && o.Research.SizeMg.Equal(k.SizeMg.Decimal)
	case TierTelehealth:
		return k.DoseMgPerInjection.Valid && o.Telehealth != nil &&
			o.Telehealth.GLPType == k.GLPType &&
			o.Telehealth.DoseMgPerInjection.Equal(k.DoseMgPerInjection.Decimal)
	case TierBrand:
		return k.DoseStrength != "" && o.Brand != nil && o.Brand.DoseStrength == k.DoseStrength
	default:
		return false
	}
}

// Describe is a short human-readable form used in logs and notifications.
func (k MatchKey) Describe() string {
	variant, _ := k.VariantKey()
	parts := []string{k.VendorID, string(k.Tier), k.PeptideName}
	if variant != "" {
		parts = append(parts, strings.ReplaceAll(variant, "|", " "))
	}
	return strings.Join(parts, " / ")
}

package offer

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type priceField struct {
	name  string
	value func(Row) decimal.NullDecimal
}

// priceFields is the one canonical list of price-relevant fields per tier. Change detection,
// the changed-field list and the history snapshot are all derived from it.
var priceFields = map[Tier][]priceField{
	TierResearch: {
		{"price_usd", research(func(p *ResearchPricing) decimal.NullDecimal { return decimal.NewNullDecimal(p.PriceUSD) })},
		{"shipping_usd", research(func(p *ResearchPricing) decimal.NullDecimal { return p.ShippingUSD })},
	},
	TierTelehealth: {
		{"subscription_price_monthly", telehealth(func(p *TelehealthPricing) decimal.NullDecimal {
			return decimal.NewNullDecimal(p.SubscriptionPriceMonthly)
		})},
		{"medication_cost_usd", telehealth(func(p *TelehealthPricing) decimal.NullDecimal { return p.MedicationCostUSD })},
	},
	TierBrand: {
		{"price_per_dose", brand(func(p *BrandPricing) decimal.NullDecimal { return decimal.NewNullDecimal(p.PricePerDose) })},
		{"total_package_price", brand(func(p *BrandPricing) decimal.NullDecimal { return p.TotalPackagePrice })},
	},
}

// derivedFields can be read by name but never drive change detection. A derived value differs
// with rounding depending on whether the sheet carried it.
var derivedFields = map[Tier][]priceField{
	TierResearch: {
		{"price_per_mg", research(func(p *ResearchPricing) decimal.NullDecimal { return decimal.NewNullDecimal(p.PricePerMg) })},
	},
}

var primaryMetric = map[Tier]string{
	TierResearch:   "price_per_mg",
	TierTelehealth: "subscription_price_monthly",
	TierBrand:      "price_per_dose",
}

func research(get func(*ResearchPricing) decimal.NullDecimal) func(Row) decimal.NullDecimal {
	return func(r Row) decimal.NullDecimal {
		if r.Research == nil {
			return decimal.NullDecimal{}
		}
		return get(r.Research)
	}
}

func telehealth(get func(*TelehealthPricing) decimal.NullDecimal) func(Row) decimal.NullDecimal {
	return func(r Row) decimal.NullDecimal {
		if r.Telehealth == nil {
			return decimal.NullDecimal{}
		}
		return get(r.Telehealth)
	}
}

func brand(get func(*BrandPricing) decimal.NullDecimal) func(Row) decimal.NullDecimal {
	return func(r Row) decimal.NullDecimal {
		if r.Brand == nil {
			return decimal.NullDecimal{}
		}
		return get(r.Brand)
	}
}

// PriceFields returns the price-relevant field names of a tier in comparison order.
func PriceFields(t Tier) []string {
	fields := priceFields[t]
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.name)
	}
	return names
}

// PrimaryMetric returns the field whose percentage change is recorded in history.
func PrimaryMetric(t Tier) string {
	return primaryMetric[t]
}

// FieldValue returns the value of a named price field, unset when the row has no such value.
func FieldValue(r Row, field string) decimal.NullDecimal {
	for _, fields := range [][]priceField{priceFields[r.Tier], derivedFields[r.Tier]} {
		for _, f := range fields {
			if f.name == field {
				return f.value(r)
			}
		}
	}
	return decimal.NullDecimal{}
}

// ChangedFields lists the price-relevant fields whose values differ between the stored offer
// and the incoming row. Comparison is exact.
func ChangedFields(existing VendorOffer, incoming Row) []string {
	var changed []string
	for _, f := range priceFields[incoming.Tier] {
		if !sameValue(f.value(existing.Row), f.value(incoming)) {
			changed = append(changed, f.name)
		}
	}
	return changed
}

// HasChanged reports whether any price-relevant field differs.
func HasChanged(existing VendorOffer, incoming Row) bool {
	return len(ChangedFields(existing, incoming)) > 0
}

// PriceChangePct returns ((new-old)/old)*100 rounded to two places. ok is false when old is zero.
func PriceChangePct(oldValue, newValue decimal.Decimal) (decimal.Decimal, bool) {
	if oldValue.IsZero() {
		return decimal.Decimal{}, false
	}
	return newValue.Sub(oldValue).Div(oldValue).Mul(hundred).Round(2), true
}

// NewHistory snapshots the old and new pricing of a changed offer.
func NewHistory(existing VendorOffer, incoming Row, batchID, changedBy string, at time.Time) PriceHistory {
	h := PriceHistory{
		OfferID:       existing.ID,
		VendorID:      existing.VendorID,
		Tier:          existing.Tier,
		PeptideName:   existing.PeptideName,
		OldResearch:   cloneResearch(existing.Research),
		NewResearch:   cloneResearch(incoming.Research),
		OldTelehealth: cloneTelehealth(existing.Telehealth),
		NewTelehealth: cloneTelehealth(incoming.Telehealth),
		OldBrand:      cloneBrand(existing.Brand),
		NewBrand:      cloneBrand(incoming.Brand),
		ChangedFields: ChangedFields(existing, incoming),
		UploadBatchID: batchID,
		ChangedBy:     changedBy,
		ChangedAt:     at,
	}

	metric := PrimaryMetric(existing.Tier)
	before := FieldValue(existing.Row, metric)
	after := FieldValue(incoming, metric)
	if before.Valid && after.Valid {
		if pct, ok := PriceChangePct(before.Decimal, after.Decimal); ok {
			h.PriceChangePct = decimal.NewNullDecimal(pct)
		}
	}
	return h
}

func sameValue(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

func cloneResearch(p *ResearchPricing) *ResearchPricing {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func cloneTelehealth(p *TelehealthPricing) *TelehealthPricing {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func cloneBrand(p *BrandPricing) *BrandPricing {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

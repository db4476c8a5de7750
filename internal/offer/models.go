package offer

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tier selects the pricing model of an offer.
type Tier string

const (
	TierResearch   Tier = "research"
	TierTelehealth Tier = "telehealth"
	TierBrand      Tier = "brand"
)

// Tiers lists every supported tier in display order.
var Tiers = []Tier{TierResearch, TierTelehealth, TierBrand}

// ParseTier converts user input into a Tier.
func ParseTier(raw string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", raw)
	}
	return t, nil
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierResearch, TierTelehealth, TierBrand:
		return true
	default:
		return false
	}
}

// ResearchPricing describes a research-grade vial listing.
type ResearchPricing struct {
	SizeMg      decimal.Decimal     `json:"size_mg"`
	PriceUSD    decimal.Decimal     `json:"price_usd"`
	ShippingUSD decimal.NullDecimal `json:"shipping_usd"`
	PricePerMg  decimal.Decimal     `json:"price_per_mg"`
	VialCount   int                 `json:"vial_count,omitempty"`
}

// TelehealthPricing describes a subscription offered through a telehealth provider.
type TelehealthPricing struct {
	GLPType                  string              `json:"glp_type"`
	DoseMgPerInjection       decimal.Decimal     `json:"dose_mg_per_injection"`
	SubscriptionPriceMonthly decimal.Decimal     `json:"subscription_price_monthly"`
	MedicationCostUSD        decimal.NullDecimal `json:"medication_cost_usd"`
	InjectionsPerMonth       int                 `json:"injections_per_month,omitempty"`
}

// BrandPricing describes a branded pharmaceutical package.
type BrandPricing struct {
	DoseStrength      string              `json:"dose_strength"`
	PricePerDose      decimal.Decimal     `json:"price_per_dose"`
	TotalPackagePrice decimal.NullDecimal `json:"total_package_price"`
	DosesPerPackage   int                 `json:"doses_per_package,omitempty"`
}

// Row is one parsed spreadsheet line. Only the pricing block matching Tier is expected to be set.
type Row struct {
	VendorID    string `validate:"required"`
	Tier        Tier   `validate:"required,oneof=research telehealth brand"`
	PeptideName string `validate:"required"`

	Research   *ResearchPricing
	Telehealth *TelehealthPricing
	Brand      *BrandPricing

	ProductURL string `validate:"omitempty,url"`
	Notes      string
}

// Normalize trims identifying text and fills derived pricing fields.
func (r Row) Normalize() Row {
	r.VendorID = strings.TrimSpace(r.VendorID)
	r.PeptideName = strings.TrimSpace(r.PeptideName)
	r.ProductURL = strings.TrimSpace(r.ProductURL)

	if r.Research != nil {
		p := *r.Research
		if p.PricePerMg.IsZero() && p.SizeMg.IsPositive() {
			p.PricePerMg = p.PriceUSD.Div(p.SizeMg).Round(4)
		}
		r.Research = &p
	}
	if r.Telehealth != nil {
		p := *r.Telehealth
		p.GLPType = strings.ToLower(strings.TrimSpace(p.GLPType))
		r.Telehealth = &p
	}
	if r.Brand != nil {
		p := *r.Brand
		p.DoseStrength = strings.TrimSpace(p.DoseStrength)
		r.Brand = &p
	}
	return r
}

// VendorOffer is a stored listing.
type VendorOffer struct {
	ID string
	Row

	UploadBatchID     string
	LastUploadBatchID string
	SubmittedBy       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Key returns the match key of the stored offer.
func (o VendorOffer) Key() MatchKey {
	return KeyFor(o.Row)
}

// PriceHistory is an append-only record of one detected price change.
type PriceHistory struct {
	ID          string
	OfferID     string
	VendorID    string
	Tier        Tier
	PeptideName string

	OldResearch   *ResearchPricing
	NewResearch   *ResearchPricing
	OldTelehealth *TelehealthPricing
	NewTelehealth *TelehealthPricing
	OldBrand      *BrandPricing
	NewBrand      *BrandPricing

	ChangedFields  []string
	PriceChangePct decimal.NullDecimal

	UploadBatchID string
	ChangedBy     string
	ChangedAt     time.Time
}

// Before returns the pre-change pricing as a row-shaped value.
func (h PriceHistory) Before() Row {
	return Row{VendorID: h.VendorID, Tier: h.Tier, PeptideName: h.PeptideName,
		Research: h.OldResearch, Telehealth: h.OldTelehealth, Brand: h.OldBrand}
}

// After returns the post-change pricing as a row-shaped value.
func (h PriceHistory) After() Row {
	return Row{VendorID: h.VendorID, Tier: h.Tier, PeptideName: h.PeptideName,
		Research: h.NewResearch, Telehealth: h.NewTelehealth, Brand: h.NewBrand}
}

// Apply overwrites the offer's listing fields with an incoming row, keeping identity and provenance.
func (o VendorOffer) Apply(r Row) VendorOffer {
	o.Row = Row{
		VendorID:    o.VendorID,
		Tier:        o.Tier,
		PeptideName: o.PeptideName,
		Research:    cloneResearch(r.Research),
		Telehealth:  cloneTelehealth(r.Telehealth),
		Brand:       cloneBrand(r.Brand),
		ProductURL:  r.ProductURL,
		Notes:       r.Notes,
	}
	return o
}

package importer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"peptisync/internal/apperr"
	"peptisync/internal/offer"
)

func TestParseCSVMixedTiers(t *testing.T) {
	input := strings.Join([]string{
		"Vendor ID,Tier,Peptide,Size (mg),Price ($),Shipping,GLP Type,Dose mg,Monthly Price,Dose Strength,Price per dose",
		"V1,research,BPC-157,5,$50.00,10,,,,,",
		"V2,Telehealth,Semaglutide,,,,Semaglutide,0.25,\"1,299\",,",
		"V3,brand,Ozempic,,,,,,,1mg pen,250",
	}, "\n")

	rows, rowErrs, err := Parse(strings.NewReader(input), FormatCSV)
	require.NoError(t, err)
	require.Empty(t, rowErrs)
	require.Len(t, rows, 3)

	research := rows[0]
	assert.Equal(t, offer.TierResearch, research.Tier)
	require.NotNil(t, research.Research)
	assert.True(t, research.Research.PriceUSD.Equal(decimal.NewFromInt(50)))
	assert.True(t, research.Research.PricePerMg.Equal(decimal.NewFromInt(10)), "derived price_per_mg")
	assert.True(t, research.Research.ShippingUSD.Valid)

	tele := rows[1]
	assert.Equal(t, offer.TierTelehealth, tele.Tier)
	require.NotNil(t, tele.Telehealth)
	assert.Equal(t, "semaglutide", tele.Telehealth.GLPType)
	assert.True(t, tele.Telehealth.SubscriptionPriceMonthly.Equal(decimal.NewFromInt(1299)))
	assert.False(t, tele.Telehealth.MedicationCostUSD.Valid)
	assert.Nil(t, tele.Research)

	brand := rows[2]
	require.NotNil(t, brand.Brand)
	assert.Equal(t, "1mg pen", brand.Brand.DoseStrength)
}

func TestParseSkipsInvalidRows(t *testing.T) {
	input := strings.Join([]string{
		"vendor_id,tier,peptide_name,size_mg,price_usd,product_url",
		",research,BPC-157,5,50,",
		"V1,wholesale,BPC-157,5,50,",
		"V1,research,,5,50,",
		"V1,research,TB-500,5,abc,",
		"V1,research,TB-500,5,,",
		"V1,research,TB-500,5,40,not a url",
		",,,,,",
		"V1,research,TB-500,5,40,https://example.com/tb500",
	}, "\n")

	rows, rowErrs, err := Parse(strings.NewReader(input), FormatCSV)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "TB-500", rows[0].PeptideName)

	lines := make([]int, 0, len(rowErrs))
	for _, re := range rowErrs {
		lines = append(lines, re.Line)
	}
	assert.Equal(t, []int{2, 3, 4, 5, 6, 7}, lines)
	assert.ErrorContains(t, rowErrs[0], "vendor_id is required")
	assert.ErrorContains(t, rowErrs[3], "price_usd")
	assert.ErrorContains(t, rowErrs[4], "price_usd is required")
	assert.ErrorContains(t, rowErrs[5], "product_url")
}

func TestParseDefaultTier(t *testing.T) {
	input := "vendor,peptide,price per dose,strength\nV3,Wegovy,300,2.4mg\n"

	_, _, err := Parse(strings.NewReader(input), FormatCSV)
	require.Error(t, err, "tier column is required without a default")
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	rows, rowErrs, err := New(Options{DefaultTier: offer.TierBrand}).Parse(strings.NewReader(input), FormatCSV)
	require.NoError(t, err)
	require.Empty(t, rowErrs)
	require.Len(t, rows, 1)
	assert.Equal(t, offer.TierBrand, rows[0].Tier)
	assert.True(t, rows[0].Brand.PricePerDose.Equal(decimal.NewFromInt(300)))
}

func TestParseMissingColumns(t *testing.T) {
	_, _, err := Parse(strings.NewReader("tier,price\nresearch,5\n"), FormatCSV)
	require.Error(t, err)
	typed := apperr.As(err)
	require.NotNil(t, typed)
	assert.Contains(t, typed.Message(), "vendor_id")
	assert.Contains(t, typed.Message(), "peptide_name")

	_, _, err = Parse(strings.NewReader(""), FormatCSV)
	require.Error(t, err)
}

func TestParseXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Vendor", "Tier", "Peptide", "Size mg", "Price USD"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"V1", "research", "BPC-157", 5, 49.5}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]any{"V1", "research", "TB-500", 10}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rows, rowErrs, err := Parse(bytes.NewReader(buf.Bytes()), FormatXLSX)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, rowErrs, 1)
	assert.Equal(t, 3, rowErrs[0].Line)
	assert.True(t, rows[0].Research.PriceUSD.Equal(decimal.RequireFromString("49.5")))
	assert.True(t, rows[0].Research.SizeMg.Equal(decimal.NewFromInt(5)))
}

func TestParseXLSXRejectsGarbage(t *testing.T) {
	_, _, err := Parse(strings.NewReader("not a zip"), FormatXLSX)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestDetectFormat(t *testing.T) {
	got, err := DetectFormat("/tmp/prices.XLSX")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, got)

	got, err = DetectFormat("prices.csv")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, got)

	_, err = DetectFormat("prices.json")
	assert.Error(t, err)
}

func TestParseDecimal(t *testing.T) {
	cases := map[string]string{
		"$1,299.00": "1299",
		" 49.5 ":    "49.5",
		"0":         "0",
	}
	for raw, want := range cases {
		got, err := ParseDecimal(raw)
		require.NoError(t, err, raw)
		assert.True(t, got.Equal(decimal.RequireFromString(want)), "%s parsed as %s", raw, got)
	}

	for _, bad := range []string{"abc", "-5", "1.2.3"} {
		_, err := ParseDecimal(bad)
		assert.Error(t, err, bad)
	}
}

func TestCanonicalColumn(t *testing.T) {
	assert.Equal(t, "price_usd", canonicalColumn("Price (USD)"))
	assert.Equal(t, "price_usd", canonicalColumn("Price ($)"))
	assert.Equal(t, "vendor_id", canonicalColumn(" Vendor ID "))
	assert.Equal(t, "subscription_price_monthly", canonicalColumn("Subscription-Price-Monthly"))
	assert.Equal(t, "", canonicalColumn("Comments"))
}

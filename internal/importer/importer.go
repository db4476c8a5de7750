// Package importer turns vendor price spreadsheets into offer rows.
package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"peptisync/internal/apperr"
	"peptisync/internal/offer"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts csv or xlsx in any case.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "."))); f {
	case FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", apperr.New(apperr.CodeValidation, fmt.Sprintf("unsupported format %q", raw))
	}
}

// DetectFormat infers the format from a file extension.
func DetectFormat(filename string) (Format, error) {
	return ParseFormat(filepath.Ext(filename))
}

// RowError reports a spreadsheet line that was skipped. Line is 1-based and counts the header.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e RowError) Unwrap() error {
	return e.Err
}

// Options control parsing.
type Options struct {
	// DefaultTier applies to rows without a tier cell.
	DefaultTier offer.Tier
}

// Parser reads spreadsheets. It is safe for concurrent use.
type Parser struct {
	opts     Options
	validate *validator.Validate
}

// New builds a parser.
func New(opts Options) *Parser {
	return &Parser{opts: opts, validate: validator.New()}
}

// Parse reads r with default options.
func Parse(r io.Reader, format Format) ([]offer.Row, []RowError, error) {
	return New(Options{}).Parse(r, format)
}

// Parse reads every data row of r. Invalid rows are returned as RowErrors and skipped; the
// error is only set when the file itself cannot be read.
func (p *Parser) Parse(r io.Reader, format Format) ([]offer.Row, []RowError, error) {
	var (
		records [][]string
		err     error
	)
	switch format {
	case FormatCSV:
		records, err = readCSV(r)
	case FormatXLSX:
		records, err = readXLSX(r)
	default:
		_, err = ParseFormat(string(format))
	}
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, apperr.New(apperr.CodeValidation, "spreadsheet is empty")
	}

	cols, err := p.header(records[0])
	if err != nil {
		return nil, nil, err
	}

	rows := make([]offer.Row, 0, len(records)-1)
	var rowErrs []RowError
	for i, record := range records[1:] {
		line := i + 2
		if blank(record) {
			continue
		}
		row, err := p.row(cols, record)
		if err != nil {
			rowErrs = append(rowErrs, RowError{Line: line, Err: err})
			continue
		}
		rows = append(rows, row)
	}
	return rows, rowErrs, nil
}

func readCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "read csv")
	}
	if len(records) > 0 && len(records[0]) > 0 {
		records[0][0] = strings.TrimPrefix(records[0][0], "\ufeff")
	}
	return records, nil
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "open spreadsheet")
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, apperr.New(apperr.CodeValidation, "workbook has no sheets")
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "read sheet "+sheet)
	}
	return rows, nil
}

// columns maps canonical field names to their record index.
type columns map[string]int

func (c columns) get(record []string, field string) string {
	i, ok := c[field]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func (p *Parser) header(record []string) (columns, error) {
	cols := make(columns, len(record))
	for i, raw := range record {
		name := canonicalColumn(raw)
		if name == "" {
			continue
		}
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}

	var missing []string
	for _, required := range []string{"vendor_id", "peptide_name"} {
		if _, ok := cols[required]; !ok {
			missing = append(missing, required)
		}
	}
	if _, ok := cols["tier"]; !ok && p.opts.DefaultTier == "" {
		missing = append(missing, "tier")
	}
	if len(missing) > 0 {
		return nil, apperr.New(apperr.CodeValidation, "missing columns: "+strings.Join(missing, ", ")).
			WithDetails(map[string]any{"missing": missing})
	}
	return cols, nil
}

func (p *Parser) row(cols columns, record []string) (offer.Row, error) {
	row := offer.Row{
		VendorID:    cols.get(record, "vendor_id"),
		PeptideName: cols.get(record, "peptide_name"),
		ProductURL:  cols.get(record, "product_url"),
		Notes:       cols.get(record, "notes"),
		Tier:        p.opts.DefaultTier,
	}
	if raw := cols.get(record, "tier"); raw != "" {
		tier, err := offer.ParseTier(raw)
		if err != nil {
			return offer.Row{}, err
		}
		row.Tier = tier
	}

	if err := p.validate.Struct(row); err != nil {
		return offer.Row{}, validationError(err)
	}

	c := cellReader{cols: cols, record: record}
	switch row.Tier {
	case offer.TierResearch:
		row.Research = &offer.ResearchPricing{
			SizeMg:      c.amount("size_mg"),
			PriceUSD:    c.requiredDecimal("price_usd"),
			ShippingUSD: c.nullDecimal("shipping_usd"),
			PricePerMg:  c.amount("price_per_mg"),
			VialCount:   c.count("vial_count"),
		}
	case offer.TierTelehealth:
		row.Telehealth = &offer.TelehealthPricing{
			GLPType:                  cols.get(record, "glp_type"),
			DoseMgPerInjection:       c.amount("dose_mg_per_injection"),
			SubscriptionPriceMonthly: c.requiredDecimal("subscription_price_monthly"),
			MedicationCostUSD:        c.nullDecimal("medication_cost_usd"),
			InjectionsPerMonth:       c.count("injections_per_month"),
		}
	case offer.TierBrand:
		row.Brand = &offer.BrandPricing{
			DoseStrength:      cols.get(record, "dose_strength"),
			PricePerDose:      c.requiredDecimal("price_per_dose"),
			TotalPackagePrice: c.nullDecimal("total_package_price"),
			DosesPerPackage:   c.count("doses_per_package"),
		}
	}
	if c.err != nil {
		return offer.Row{}, c.err
	}
	return row.Normalize(), nil
}

// cellReader parses typed cells and keeps the first failure.
type cellReader struct {
	cols   columns
	record []string
	err    error
}

func (c *cellReader) nullDecimal(field string) decimal.NullDecimal {
	raw := c.cols.get(c.record, field)
	if raw == "" || c.err != nil {
		return decimal.NullDecimal{}
	}
	d, err := ParseDecimal(raw)
	if err != nil {
		c.err = fmt.Errorf("%s: %w", field, err)
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func (c *cellReader) amount(field string) decimal.Decimal {
	return c.nullDecimal(field).Decimal
}

func (c *cellReader) requiredDecimal(field string) decimal.Decimal {
	v := c.nullDecimal(field)
	if !v.Valid && c.err == nil {
		c.err = fmt.Errorf("%s is required", field)
	}
	return v.Decimal
}

func (c *cellReader) count(field string) int {
	raw := c.cols.get(c.record, field)
	if raw == "" || c.err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.ReplaceAll(raw, ",", ""))
	if err != nil {
		c.err = fmt.Errorf("%s: invalid integer %q", field, raw)
		return 0
	}
	return n
}

// ParseDecimal parses a money or quantity cell, tolerating currency symbols, thousands
// separators and surrounding spaces.
func ParseDecimal(raw string) (decimal.Decimal, error) {
	cleaned := strings.NewReplacer("$", "", ",", "", " ", "", "\u00a0", "").Replace(strings.TrimSpace(raw))
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid number %q", raw)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative number %q", raw)
	}
	return d, nil
}

var fieldColumns = map[string]string{
	"VendorID":    "vendor_id",
	"Tier":        "tier",
	"PeptideName": "peptide_name",
	"ProductURL":  "product_url",
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := fieldColumns[fe.Field()]
		if name == "" {
			name = fe.Field()
		}
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, name+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of %s", name, fe.Param()))
		case "url":
			msgs = append(msgs, name+" must be a valid url")
		default:
			msgs = append(msgs, name+" is invalid")
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

func blank(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

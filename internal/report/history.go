// Package report renders offer price history as CSV tables and PNG charts.
package report

import (
	"encoding/csv"
	"errors"
	"io"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"peptisync/internal/offer"
)

// ErrNoHistory is returned when a chart is requested for an offer without recorded changes.
var ErrNoHistory = errors.New("offer has no price history")

var csvHeader = []string{
	"changed_at", "offer_id", "vendor_id", "tier", "peptide_name", "changed_fields",
	"metric", "old_value", "new_value", "price_change_pct", "upload_batch_id", "changed_by",
}

// Chronological returns entries sorted oldest first.
func Chronological(entries []offer.PriceHistory) []offer.PriceHistory {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b offer.PriceHistory) int {
		return a.ChangedAt.Compare(b.ChangedAt)
	})
	return sorted
}

// WriteHistoryCSV writes one record per history entry in chronological order.
func WriteHistoryCSV(w io.Writer, entries []offer.PriceHistory) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	for _, h := range Chronological(entries) {
		metric := offer.PrimaryMetric(h.Tier)
		pct := ""
		if h.PriceChangePct.Valid {
			pct = h.PriceChangePct.Decimal.StringFixed(2)
		}
		record := []string{
			h.ChangedAt.UTC().Format(time.RFC3339),
			h.OfferID,
			h.VendorID,
			string(h.Tier),
			h.PeptideName,
			strings.Join(h.ChangedFields, ";"),
			metric,
			nullString(offer.FieldValue(h.Before(), metric)),
			nullString(offer.FieldValue(h.After(), metric)),
			pct,
			h.UploadBatchID,
			h.ChangedBy,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// Point is one value of the primary metric.
type Point struct {
	At    time.Time
	Value float64
}

// Series builds the primary-metric timeline of o: the value before the first recorded change
// at the offer's creation time, then every new value at its change time.
func Series(o offer.VendorOffer, entries []offer.PriceHistory) []Point {
	sorted := Chronological(entries)
	if len(sorted) == 0 {
		return nil
	}

	metric := offer.PrimaryMetric(o.Tier)
	points := make([]Point, 0, len(sorted)+1)
	if first := offer.FieldValue(sorted[0].Before(), metric); first.Valid {
		points = append(points, Point{At: o.CreatedAt, Value: first.Decimal.InexactFloat64()})
	}
	for _, h := range sorted {
		if v := offer.FieldValue(h.After(), metric); v.Valid {
			points = append(points, Point{At: h.ChangedAt, Value: v.Decimal.InexactFloat64()})
		}
	}
	return points
}

// RenderHistoryPNG charts the primary metric of o over time. maxPoints caps the plotted
// samples; zero plots everything.
func RenderHistoryPNG(w io.Writer, o offer.VendorOffer, entries []offer.PriceHistory, maxPoints int) error {
	points := downsample(Series(o, entries), maxPoints)
	if len(points) < 2 {
		return ErrNoHistory
	}

	x := make([]time.Time, len(points))
	y := make([]float64, len(points))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, p := range points {
		x[i] = p.At
		y[i] = p.Value
		lo = math.Min(lo, p.Value)
		hi = math.Max(hi, p.Value)
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	yAxis := chart.YAxis{
		Name:           offer.PrimaryMetric(o.Tier),
		ValueFormatter: valueFormatter,
	}
	// A flat line has no value range of its own.
	if lo == hi {
		yAxis.Range = &chart.ContinuousRange{Min: lo - 1, Max: hi + 1}
	}

	graph := chart.Chart{
		Title:  offer.KeyFor(o.Row).Describe(),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: yAxis,
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    offer.PrimaryMetric(o.Tier),
				XValues: x,
				YValues: y,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

func downsample(points []Point, max int) []Point {
	if max <= 1 || len(points) <= max {
		return points
	}

	result := make([]Point, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

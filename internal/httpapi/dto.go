package httpapi

import (
	"time"

	"peptisync/internal/importer"
	"peptisync/internal/offer"
	"peptisync/internal/service"
	"peptisync/internal/upsert"
)

type offerResponse struct {
	ID                string                   `json:"id"`
	VendorID          string                   `json:"vendor_id"`
	Tier              offer.Tier               `json:"tier"`
	PeptideName       string                   `json:"peptide_name"`
	Research          *offer.ResearchPricing   `json:"research,omitempty"`
	Telehealth        *offer.TelehealthPricing `json:"telehealth,omitempty"`
	Brand             *offer.BrandPricing      `json:"brand,omitempty"`
	ProductURL        string                   `json:"product_url,omitempty"`
	Notes             string                   `json:"notes,omitempty"`
	UploadBatchID     string                   `json:"upload_batch_id"`
	LastUploadBatchID string                   `json:"last_upload_batch_id"`
	SubmittedBy       string                   `json:"submitted_by"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

func toOfferResponse(o offer.VendorOffer) offerResponse {
	return offerResponse{
		ID:                o.ID,
		VendorID:          o.VendorID,
		Tier:              o.Tier,
		PeptideName:       o.PeptideName,
		Research:          o.Research,
		Telehealth:        o.Telehealth,
		Brand:             o.Brand,
		ProductURL:        o.ProductURL,
		Notes:             o.Notes,
		UploadBatchID:     o.UploadBatchID,
		LastUploadBatchID: o.LastUploadBatchID,
		SubmittedBy:       o.SubmittedBy,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

type historyResponse struct {
	ID             string      `json:"id"`
	OfferID        string      `json:"offer_id"`
	ChangedFields  []string    `json:"changed_fields"`
	PriceChangePct *string     `json:"price_change_pct"`
	Old            pricingPair `json:"old"`
	New            pricingPair `json:"new"`
	UploadBatchID  string      `json:"upload_batch_id"`
	ChangedBy      string      `json:"changed_by"`
	ChangedAt      time.Time   `json:"changed_at"`
}

type pricingPair struct {
	Research   *offer.ResearchPricing   `json:"research,omitempty"`
	Telehealth *offer.TelehealthPricing `json:"telehealth,omitempty"`
	Brand      *offer.BrandPricing      `json:"brand,omitempty"`
}

func toHistoryResponse(h offer.PriceHistory) historyResponse {
	resp := historyResponse{
		ID:            h.ID,
		OfferID:       h.OfferID,
		ChangedFields: h.ChangedFields,
		Old:           pricingPair{Research: h.OldResearch, Telehealth: h.OldTelehealth, Brand: h.OldBrand},
		New:           pricingPair{Research: h.NewResearch, Telehealth: h.NewTelehealth, Brand: h.NewBrand},
		UploadBatchID: h.UploadBatchID,
		ChangedBy:     h.ChangedBy,
		ChangedAt:     h.ChangedAt,
	}
	if resp.ChangedFields == nil {
		resp.ChangedFields = []string{}
	}
	if h.PriceChangePct.Valid {
		pct := h.PriceChangePct.Decimal.StringFixed(2)
		resp.PriceChangePct = &pct
	}
	return resp
}

type outcomeResponse struct {
	Index          int           `json:"index"`
	Key            string        `json:"key"`
	Action         upsert.Action `json:"action"`
	OfferID        string        `json:"offer_id,omitempty"`
	HistoryID      string        `json:"history_id,omitempty"`
	ChangedFields  []string      `json:"changed_fields,omitempty"`
	PriceChangePct *string       `json:"price_change_pct,omitempty"`
	Error          string        `json:"error,omitempty"`
}

type parseErrorResponse struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
}

type importResponse struct {
	BatchID     string               `json:"batch_id"`
	Source      string               `json:"source,omitempty"`
	Summary     upsert.Summary       `json:"summary"`
	Outcomes    []outcomeResponse    `json:"outcomes"`
	ParseErrors []parseErrorResponse `json:"parse_errors"`
}

func toImportResponse(result service.Result) importResponse {
	resp := importResponse{
		BatchID:     result.BatchID,
		Source:      result.Source,
		Summary:     result.Report.Summary,
		Outcomes:    make([]outcomeResponse, 0, len(result.Report.Outcomes)),
		ParseErrors: toParseErrors(result.ParseErrors),
	}
	for _, o := range result.Report.Outcomes {
		out := outcomeResponse{
			Index:         o.Index,
			Key:           offer.KeyFor(o.Row).Describe(),
			Action:        o.Action,
			OfferID:       o.OfferID,
			HistoryID:     o.HistoryID,
			ChangedFields: o.ChangedFields,
		}
		if o.PriceChangePct.Valid {
			pct := o.PriceChangePct.Decimal.StringFixed(2)
			out.PriceChangePct = &pct
		}
		if o.Err != nil {
			out.Error = o.Err.Error()
		}
		resp.Outcomes = append(resp.Outcomes, out)
	}
	return resp
}

func toParseErrors(errs []importer.RowError) []parseErrorResponse {
	out := make([]parseErrorResponse, 0, len(errs))
	for _, re := range errs {
		out = append(out, parseErrorResponse{Line: re.Line, Error: re.Err.Error()})
	}
	return out
}

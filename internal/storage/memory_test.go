package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"peptisync/internal/offer"
)

func sampleOffer(vendor string, size int64) offer.VendorOffer {
	return offer.VendorOffer{
		Row: offer.Row{
			VendorID:    vendor,
			Tier:        offer.TierResearch,
			PeptideName: "BPC-157",
			Research: &offer.ResearchPricing{
				SizeMg:   decimal.NewFromInt(size),
				PriceUSD: decimal.NewFromInt(50),
			},
		}.Normalize(),
		UploadBatchID:     "b1",
		LastUploadBatchID: "b1",
		SubmittedBy:       "u1",
	}
}

func TestMemoryInsertAssignsIdentity(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := NewMemory().WithClock(func() time.Time { return at })

	saved, err := mem.InsertOffer(context.Background(), sampleOffer("V1", 5))
	if err != nil {
		t.Fatalf("insert offer: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("expected generated id")
	}
	if !saved.CreatedAt.Equal(at) || !saved.UpdatedAt.Equal(at) {
		t.Fatalf("expected server timestamps %s, got %s/%s", at, saved.CreatedAt, saved.UpdatedAt)
	}
}

func TestMemoryRejectsDuplicateMatchKey(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	if _, err := mem.InsertOffer(ctx, sampleOffer("V1", 5)); err != nil {
		t.Fatalf("insert offer: %v", err)
	}
	if _, err := mem.InsertOffer(ctx, sampleOffer("V1", 5)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := mem.InsertOffer(ctx, sampleOffer("V1", 10)); err != nil {
		t.Fatalf("different size should be accepted: %v", err)
	}

	missing := sampleOffer("V1", 5)
	missing.Research = nil
	for i := 0; i < 2; i++ {
		if _, err := mem.InsertOffer(ctx, missing); err != nil {
			t.Fatalf("offers without discriminator never collide: %v", err)
		}
	}
}

func TestMemoryListCandidatesFiltersByBaseKey(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	for _, o := range []offer.VendorOffer{sampleOffer("V1", 5), sampleOffer("V1", 10), sampleOffer("V2", 5)} {
		if _, err := mem.InsertOffer(ctx, o); err != nil {
			t.Fatalf("insert offer: %v", err)
		}
	}

	cands, err := mem.ListCandidates(ctx, []offer.BaseKey{
		{VendorID: "V1", Tier: offer.TierResearch, PeptideName: "BPC-157"},
		{VendorID: "V1", Tier: offer.TierResearch, PeptideName: "BPC-157"},
	})
	if err != nil {
		t.Fatalf("list candidates: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates for V1, got %d", len(cands))
	}
	if !cands[0].Research.SizeMg.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected insertion order, got size %s first", cands[0].Research.SizeMg)
	}
}

func TestMemoryApplyChangeAndTouch(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	saved, err := mem.InsertOffer(ctx, sampleOffer("V1", 5))
	if err != nil {
		t.Fatalf("insert offer: %v", err)
	}

	touched, err := mem.TouchOffer(ctx, saved.ID, "b2")
	if err != nil {
		t.Fatalf("touch offer: %v", err)
	}
	if touched.LastUploadBatchID != "b2" || touched.UploadBatchID != "b1" {
		t.Fatalf("touch should only refresh last batch: %+v", touched)
	}

	incoming := sampleOffer("V1", 5).Row
	incoming.Research.PriceUSD = decimal.NewFromInt(60)
	incoming = incoming.Normalize()

	update := touched.Apply(incoming)
	update.UploadBatchID = "b3"
	update.SubmittedBy = "u2"
	hist := offer.NewHistory(touched, incoming, "b3", "u2", time.Now())

	updated, entry, err := mem.ApplyChange(ctx, update, hist)
	if err != nil {
		t.Fatalf("apply change: %v", err)
	}
	if entry.ID == "" {
		t.Fatal("expected generated history id")
	}
	if updated.UploadBatchID != "b3" || updated.LastUploadBatchID != "b3" || updated.SubmittedBy != "u2" {
		t.Fatalf("unexpected provenance after change: %+v", updated)
	}
	if !updated.Research.PriceUSD.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected price 60, got %s", updated.Research.PriceUSD)
	}

	entries, err := mem.ListHistory(ctx, saved.ID, 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(entries) != 1 || mem.HistoryCount() != 1 {
		t.Fatalf("expected one history entry, got %d", len(entries))
	}

	if _, err := mem.TouchOffer(ctx, "missing", "b4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	saved, err := mem.InsertOffer(ctx, sampleOffer("V1", 5))
	if err != nil {
		t.Fatalf("insert offer: %v", err)
	}
	saved.Research.PriceUSD = decimal.NewFromInt(1)

	got, err := mem.GetOffer(ctx, saved.ID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if !got.Research.PriceUSD.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("stored offer was mutated through returned value: %s", got.Research.PriceUSD)
	}
}

func TestMemoryListOffersFilter(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	for _, o := range []offer.VendorOffer{sampleOffer("V1", 5), sampleOffer("V2", 5)} {
		if _, err := mem.InsertOffer(ctx, o); err != nil {
			t.Fatalf("insert offer: %v", err)
		}
	}

	got, err := mem.ListOffers(ctx, OfferFilter{VendorID: "V2"})
	if err != nil {
		t.Fatalf("list offers: %v", err)
	}
	if len(got) != 1 || got[0].VendorID != "V2" {
		t.Fatalf("expected only V2 offers, got %+v", got)
	}

	got, err = mem.ListOffers(ctx, OfferFilter{PeptideName: "bpc"})
	if err != nil {
		t.Fatalf("list offers: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected case-insensitive name match, got %d", len(got))
	}
}

func TestMemorySeedKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	existing := sampleOffer("V1", 5)
	existing.ID = "11111111-1111-1111-1111-111111111111"
	mem.Seed(existing, existing)

	got, err := mem.GetOffer(ctx, existing.ID)
	if err != nil {
		t.Fatalf("seeded offer should be readable: %v", err)
	}
	if got.UploadBatchID != "b1" {
		t.Fatalf("seed should keep provenance, got %+v", got)
	}
	if _, err := mem.InsertOffer(ctx, sampleOffer("V1", 5)); !errors.Is(err, ErrConflict) {
		t.Fatalf("seeded key should be taken, got %v", err)
	}
	all, _ := mem.ListOffers(ctx, OfferFilter{})
	if len(all) != 1 {
		t.Fatalf("duplicate seed should be skipped, got %d offers", len(all))
	}
}

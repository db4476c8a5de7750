package storage

import (
	"context"
	"errors"

	"peptisync/internal/offer"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when an offer id does not exist.
	ErrNotFound = errors.New("storage: offer not found")
	// ErrConflict is returned when a write would violate the offer match-key uniqueness.
	ErrConflict = errors.New("storage: offer match key already exists")
)

// OfferFilter narrows ListOffers. Empty fields match everything.
type OfferFilter struct {
	VendorID    string
	Tier        offer.Tier
	PeptideName string
	Limit       int
}

// OfferStore defines the offer persistence used by the upsert engine and the read surfaces.
type OfferStore interface {
	ListCandidates(ctx context.Context, keys []offer.BaseKey) ([]offer.VendorOffer, error)
	InsertOffer(ctx context.Context, o offer.VendorOffer) (offer.VendorOffer, error)
	TouchOffer(ctx context.Context, id, batchID string) (offer.VendorOffer, error)
	ApplyChange(ctx context.Context, o offer.VendorOffer, h offer.PriceHistory) (offer.VendorOffer, offer.PriceHistory, error)
	GetOffer(ctx context.Context, id string) (offer.VendorOffer, error)
	ListOffers(ctx context.Context, filter OfferFilter) ([]offer.VendorOffer, error)
}

// HistoryStore reads the append-only price history ledger.
type HistoryStore interface {
	ListHistory(ctx context.Context, offerID string, limit int) ([]offer.PriceHistory, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

func uniqueBaseKeys(keys []offer.BaseKey) []offer.BaseKey {
	seen := make(map[offer.BaseKey]struct{}, len(keys))
	out := make([]offer.BaseKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

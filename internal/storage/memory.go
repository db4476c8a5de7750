package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"peptisync/internal/offer"
)

// Memory is an in-process implementation of OfferStore and HistoryStore. It enforces the same
// match-key uniqueness as the database index and is used for dry runs and tests.
type Memory struct {
	mu      sync.RWMutex
	offers  map[string]offer.VendorOffer
	order   []string
	keys    map[string]string
	history []offer.PriceHistory
	now     func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		offers: make(map[string]offer.VendorOffer),
		keys:   make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

// Seed adds existing offers, keeping their ids. Offers whose id is already present are skipped.
func (m *Memory) Seed(offers ...offer.VendorOffer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range offers {
		if _, exists := m.offers[o.ID]; exists || o.ID == "" {
			continue
		}
		m.offers[o.ID] = copyOffer(o)
		m.order = append(m.order, o.ID)
		if key := o.Key().String(); key != "" {
			if _, taken := m.keys[key]; !taken {
				m.keys[key] = o.ID
			}
		}
	}
}

// ListCandidates returns the offers sharing one of the base keys in insertion order.
func (m *Memory) ListCandidates(_ context.Context, keys []offer.BaseKey) ([]offer.VendorOffer, error) {
	wanted := make(map[offer.BaseKey]struct{}, len(keys))
	for _, k := range uniqueBaseKeys(keys) {
		wanted[k] = struct{}{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]offer.VendorOffer, 0)
	for _, id := range m.order {
		o := m.offers[id]
		if _, ok := wanted[o.Key().BaseKey]; ok {
			out = append(out, copyOffer(o))
		}
	}
	return out, nil
}

// InsertOffer stores a new offer with a generated id.
func (m *Memory) InsertOffer(_ context.Context, o offer.VendorOffer) (offer.VendorOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := o.Key().String()
	if key != "" {
		if _, exists := m.keys[key]; exists {
			return offer.VendorOffer{}, fmt.Errorf("insert offer: %w", ErrConflict)
		}
	}

	now := m.now()
	o = copyOffer(o)
	o.ID = uuid.NewString()
	o.CreatedAt = now
	o.UpdatedAt = now

	m.offers[o.ID] = o
	m.order = append(m.order, o.ID)
	if key != "" {
		m.keys[key] = o.ID
	}
	return copyOffer(o), nil
}

// TouchOffer refreshes batch provenance on an unchanged offer.
func (m *Memory) TouchOffer(_ context.Context, id, batchID string) (offer.VendorOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return offer.VendorOffer{}, fmt.Errorf("touch offer %s: %w", id, ErrNotFound)
	}
	o.LastUploadBatchID = batchID
	o.UpdatedAt = m.now()
	m.offers[id] = o
	return copyOffer(o), nil
}

// ApplyChange appends the history entry and overwrites the offer under one lock.
func (m *Memory) ApplyChange(_ context.Context, o offer.VendorOffer, h offer.PriceHistory) (offer.VendorOffer, offer.PriceHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.offers[o.ID]
	if !ok {
		return offer.VendorOffer{}, offer.PriceHistory{}, fmt.Errorf("update offer %s: %w", o.ID, ErrNotFound)
	}

	now := m.now()
	h.ID = uuid.NewString()
	h.ChangedAt = now
	h.ChangedFields = slices.Clone(h.ChangedFields)
	m.history = append(m.history, h)

	current = current.Apply(o.Row)
	current.UploadBatchID = o.UploadBatchID
	current.LastUploadBatchID = o.UploadBatchID
	current.SubmittedBy = o.SubmittedBy
	current.UpdatedAt = now
	m.offers[o.ID] = current

	return copyOffer(current), h, nil
}

// GetOffer loads one offer by id.
func (m *Memory) GetOffer(_ context.Context, id string) (offer.VendorOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[id]
	if !ok {
		return offer.VendorOffer{}, ErrNotFound
	}
	return copyOffer(o), nil
}

// ListOffers lists offers matching the filter in insertion order.
func (m *Memory) ListOffers(_ context.Context, filter OfferFilter) ([]offer.VendorOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]offer.VendorOffer, 0)
	for _, id := range m.order {
		o := m.offers[id]
		if filter.VendorID != "" && o.VendorID != filter.VendorID {
			continue
		}
		if filter.Tier != "" && o.Tier != filter.Tier {
			continue
		}
		if filter.PeptideName != "" && !strings.Contains(strings.ToLower(o.PeptideName), strings.ToLower(filter.PeptideName)) {
			continue
		}
		out = append(out, copyOffer(o))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// ListHistory lists history entries of an offer, newest first.
func (m *Memory) ListHistory(_ context.Context, offerID string, limit int) ([]offer.PriceHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]offer.PriceHistory, 0)
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].OfferID != offerID {
			continue
		}
		out = append(out, m.history[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// HistoryCount returns the number of ledger entries.
func (m *Memory) HistoryCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history)
}

func copyOffer(o offer.VendorOffer) offer.VendorOffer {
	return o.Apply(o.Row)
}

var (
	_ OfferStore   = (*Memory)(nil)
	_ HistoryStore = (*Memory)(nil)
	_ OfferStore   = (*Store)(nil)
	_ HistoryStore = (*Store)(nil)
)

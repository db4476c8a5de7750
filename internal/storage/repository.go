package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"peptisync/internal/offer"
)

const uniqueViolation = "23505"

const (
	offerColumns = `o.id::text,
        o.vendor_id,
        o.tier,
        o.peptide_name,
        o.research_pricing,
        o.telehealth_pricing,
        o.brand_pricing,
        o.product_url,
        o.notes,
        o.upload_batch_id,
        o.last_upload_batch_id,
        o.submitted_by,
        o.created_at,
        o.updated_at`

	historyColumns = `h.id::text,
        h.offer_id::text,
        h.vendor_id,
        h.tier,
        h.peptide_name,
        h.old_research_pricing,
        h.new_research_pricing,
        h.old_telehealth_pricing,
        h.new_telehealth_pricing,
        h.old_brand_pricing,
        h.new_brand_pricing,
        h.changed_fields,
        h.price_change_pct::text,
        h.upload_batch_id,
        h.changed_by,
        h.changed_at`

	listCandidatesSQL = `SELECT ` + offerColumns + `
    FROM vendor_offers o
    JOIN unnest($1::text[], $2::text[], $3::text[]) AS k(vendor_id, tier, peptide_name)
      ON o.vendor_id = k.vendor_id
     AND o.tier = k.tier
     AND o.peptide_name = k.peptide_name
    ORDER BY o.created_at, o.id;`

	insertOfferSQL = `INSERT INTO vendor_offers AS o (
        vendor_id,
        tier,
        peptide_name,
        variant_key,
        research_pricing,
        telehealth_pricing,
        brand_pricing,
        product_url,
        notes,
        upload_batch_id,
        last_upload_batch_id,
        submitted_by
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    RETURNING ` + offerColumns + `;`

	touchOfferSQL = `UPDATE vendor_offers AS o
    SET last_upload_batch_id = $2,
        updated_at           = now()
    WHERE o.id = $1::uuid
    RETURNING ` + offerColumns + `;`

	updateOfferPricingSQL = `UPDATE vendor_offers AS o
    SET research_pricing     = $2,
        telehealth_pricing   = $3,
        brand_pricing        = $4,
        product_url          = $5,
        notes                = $6,
        upload_batch_id      = $7,
        last_upload_batch_id = $7,
        submitted_by         = $8,
        updated_at           = now()
    WHERE o.id = $1::uuid
    RETURNING ` + offerColumns + `;`

	insertHistorySQL = `INSERT INTO vendor_offer_price_history AS h (
        offer_id,
        vendor_id,
        tier,
        peptide_name,
        old_research_pricing,
        new_research_pricing,
        old_telehealth_pricing,
        new_telehealth_pricing,
        old_brand_pricing,
        new_brand_pricing,
        changed_fields,
        price_change_pct,
        upload_batch_id,
        changed_by
    ) VALUES (
        $1::uuid,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::numeric,$13,$14
    )
    RETURNING ` + historyColumns + `;`

	getOfferSQL = `SELECT ` + offerColumns + `
    FROM vendor_offers o
    WHERE o.id = $1::uuid;`

	listOffersSQL = `SELECT ` + offerColumns + `
    FROM vendor_offers o
    WHERE ($1 = '' OR o.vendor_id = $1)
      AND ($2 = '' OR o.tier = $2)
      AND ($3 = '' OR o.peptide_name ILIKE '%' || $3 || '%')
    ORDER BY o.vendor_id, o.tier, o.peptide_name, o.created_at
    LIMIT $4;`

	listHistorySQL = `SELECT ` + historyColumns + `
    FROM vendor_offer_price_history h
    WHERE h.offer_id = $1::uuid
    ORDER BY h.changed_at DESC, h.id
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store persists offers and their price history in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ListCandidates returns every offer sharing one of the given (vendor, tier, product) triples,
// oldest first.
func (s *Store) ListCandidates(ctx context.Context, keys []offer.BaseKey) ([]offer.VendorOffer, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	keys = uniqueBaseKeys(keys)
	if len(keys) == 0 {
		return nil, nil
	}

	vendors := make([]string, len(keys))
	tiers := make([]string, len(keys))
	names := make([]string, len(keys))
	for i, k := range keys {
		vendors[i] = k.VendorID
		tiers[i] = string(k.Tier)
		names[i] = k.PeptideName
	}

	rows, queryErr := pool.Query(ctx, listCandidatesSQL, vendors, tiers, names)
	if queryErr != nil {
		return nil, fmt.Errorf("list candidate offers: %w", queryErr)
	}
	return collectOffers(rows)
}

// InsertOffer creates a new offer. Timestamps and id are assigned by the database.
func (s *Store) InsertOffer(ctx context.Context, o offer.VendorOffer) (offer.VendorOffer, error) {
	pool, err := s.getPool()
	if err != nil {
		return offer.VendorOffer{}, err
	}

	research, telehealth, brand, err := pricingParams(o.Row)
	if err != nil {
		return offer.VendorOffer{}, err
	}

	var variant any
	if v, ok := o.Key().VariantKey(); ok {
		variant = v
	}

	saved, scanErr := scanOffer(pool.QueryRow(ctx, insertOfferSQL,
		o.VendorID,
		string(o.Tier),
		o.PeptideName,
		variant,
		research,
		telehealth,
		brand,
		o.ProductURL,
		o.Notes,
		o.UploadBatchID,
		o.LastUploadBatchID,
		o.SubmittedBy,
	))
	if scanErr != nil {
		return offer.VendorOffer{}, fmt.Errorf("insert offer: %w", mapWriteError(scanErr))
	}
	return saved, nil
}

// TouchOffer refreshes batch provenance on an unchanged offer.
func (s *Store) TouchOffer(ctx context.Context, id, batchID string) (offer.VendorOffer, error) {
	pool, err := s.getPool()
	if err != nil {
		return offer.VendorOffer{}, err
	}
	saved, scanErr := scanOffer(pool.QueryRow(ctx, touchOfferSQL, id, batchID))
	if scanErr != nil {
		return offer.VendorOffer{}, fmt.Errorf("touch offer %s: %w", id, mapWriteError(scanErr))
	}
	return saved, nil
}

// ApplyChange records the history entry and overwrites the offer in one transaction.
func (s *Store) ApplyChange(ctx context.Context, o offer.VendorOffer, h offer.PriceHistory) (offer.VendorOffer, offer.PriceHistory, error) {
	pool, err := s.getPool()
	if err != nil {
		return offer.VendorOffer{}, offer.PriceHistory{}, err
	}

	research, telehealth, brand, err := pricingParams(o.Row)
	if err != nil {
		return offer.VendorOffer{}, offer.PriceHistory{}, err
	}
	historyArgs, err := historyParams(h)
	if err != nil {
		return offer.VendorOffer{}, offer.PriceHistory{}, err
	}

	var (
		savedOffer   offer.VendorOffer
		savedHistory offer.PriceHistory
	)
	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		var scanErr error
		savedHistory, scanErr = scanHistory(tx.QueryRow(ctx, insertHistorySQL, historyArgs...))
		if scanErr != nil {
			return fmt.Errorf("insert price history: %w", scanErr)
		}

		savedOffer, scanErr = scanOffer(tx.QueryRow(ctx, updateOfferPricingSQL,
			o.ID,
			research,
			telehealth,
			brand,
			o.ProductURL,
			o.Notes,
			o.UploadBatchID,
			o.SubmittedBy,
		))
		if scanErr != nil {
			return fmt.Errorf("update offer %s: %w", o.ID, mapWriteError(scanErr))
		}
		return nil
	})
	if txErr != nil {
		return offer.VendorOffer{}, offer.PriceHistory{}, txErr
	}
	return savedOffer, savedHistory, nil
}

// GetOffer loads one offer by id.
func (s *Store) GetOffer(ctx context.Context, id string) (offer.VendorOffer, error) {
	pool, err := s.getPool()
	if err != nil {
		return offer.VendorOffer{}, err
	}
	o, scanErr := scanOffer(pool.QueryRow(ctx, getOfferSQL, id))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return offer.VendorOffer{}, ErrNotFound
		}
		return offer.VendorOffer{}, fmt.Errorf("get offer %s: %w", id, scanErr)
	}
	return o, nil
}

// ListOffers lists offers matching the filter.
func (s *Store) ListOffers(ctx context.Context, filter OfferFilter) ([]offer.VendorOffer, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, queryErr := pool.Query(ctx, listOffersSQL, filter.VendorID, string(filter.Tier), filter.PeptideName, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list offers: %w", queryErr)
	}
	return collectOffers(rows)
}

// ListHistory lists the most recent history entries of an offer, newest first.
func (s *Store) ListHistory(ctx context.Context, offerID string, limit int) ([]offer.PriceHistory, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, queryErr := pool.Query(ctx, listHistorySQL, offerID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list price history: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]offer.PriceHistory, 0)
	for rows.Next() {
		h, scanErr := scanHistory(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entries = append(entries, h)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func collectOffers(rows pgx.Rows) ([]offer.VendorOffer, error) {
	defer rows.Close()

	offers := make([]offer.VendorOffer, 0)
	for rows.Next() {
		o, scanErr := scanOffer(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		offers = append(offers, o)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return offers, nil
}

func scanOffer(row rowScanner) (offer.VendorOffer, error) {
	var (
		o                           offer.VendorOffer
		tier                        string
		research, telehealth, brand []byte
	)
	if err := row.Scan(
		&o.ID,
		&o.VendorID,
		&tier,
		&o.PeptideName,
		&research,
		&telehealth,
		&brand,
		&o.ProductURL,
		&o.Notes,
		&o.UploadBatchID,
		&o.LastUploadBatchID,
		&o.SubmittedBy,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		return offer.VendorOffer{}, err
	}
	o.Tier = offer.Tier(tier)

	var err error
	if o.Research, err = decodeBlock[offer.ResearchPricing](research); err != nil {
		return offer.VendorOffer{}, fmt.Errorf("decode research pricing: %w", err)
	}
	if o.Telehealth, err = decodeBlock[offer.TelehealthPricing](telehealth); err != nil {
		return offer.VendorOffer{}, fmt.Errorf("decode telehealth pricing: %w", err)
	}
	if o.Brand, err = decodeBlock[offer.BrandPricing](brand); err != nil {
		return offer.VendorOffer{}, fmt.Errorf("decode brand pricing: %w", err)
	}
	return o, nil
}

func scanHistory(row rowScanner) (offer.PriceHistory, error) {
	var (
		h      offer.PriceHistory
		tier   string
		blocks [6][]byte
		pct    sql.NullString
	)
	if err := row.Scan(
		&h.ID,
		&h.OfferID,
		&h.VendorID,
		&tier,
		&h.PeptideName,
		&blocks[0],
		&blocks[1],
		&blocks[2],
		&blocks[3],
		&blocks[4],
		&blocks[5],
		&h.ChangedFields,
		&pct,
		&h.UploadBatchID,
		&h.ChangedBy,
		&h.ChangedAt,
	); err != nil {
		return offer.PriceHistory{}, err
	}
	h.Tier = offer.Tier(tier)

	var err error
	if h.OldResearch, err = decodeBlock[offer.ResearchPricing](blocks[0]); err != nil {
		return offer.PriceHistory{}, fmt.Errorf("decode old research pricing: %w", err)
	}
	if h.NewResearch, err = decodeBlock[offer.ResearchPricing](blocks[1]); err != nil {
		return offer.PriceHistory{}, fmt.Errorf("decode new research pricing: %w", err)
	}
	if h.OldTelehealth, err = decodeBlock[offer.TelehealthPricing](blocks[2]); err != nil {
		return offer.PriceHistory{}, fmt.Errorf("decode old telehealth pricing: %w", err)
	}
	if h.NewTelehealth, err = decodeBlock[offer.TelehealthPricing](blocks[3]); err != nil {
		return offer.PriceHistory{}, fmt.Errorf("decode new telehealth pricing: %w", err)
	}
	if h.OldBrand, err = decodeBlock[offer.BrandPricing](blocks[4]); err != nil {
		return offer.PriceHistory{}, fmt.Errorf("decode old brand pricing: %w", err)
	}
	if h.NewBrand, err = decodeBlock[offer.BrandPricing](blocks[5]); err != nil {
		return offer.PriceHistory{}, fmt.Errorf("decode new brand pricing: %w", err)
	}

	if pct.Valid {
		value, convErr := decimal.NewFromString(pct.String)
		if convErr != nil {
			return offer.PriceHistory{}, fmt.Errorf("parse price change pct: %w", convErr)
		}
		h.PriceChangePct = decimal.NewNullDecimal(value)
	}
	return h, nil
}

func pricingParams(r offer.Row) (research, telehealth, brand any, err error) {
	if research, err = encodeBlock(r.Research); err != nil {
		return nil, nil, nil, fmt.Errorf("encode research pricing: %w", err)
	}
	if telehealth, err = encodeBlock(r.Telehealth); err != nil {
		return nil, nil, nil, fmt.Errorf("encode telehealth pricing: %w", err)
	}
	if brand, err = encodeBlock(r.Brand); err != nil {
		return nil, nil, nil, fmt.Errorf("encode brand pricing: %w", err)
	}
	return research, telehealth, brand, nil
}

func historyParams(h offer.PriceHistory) ([]any, error) {
	blocks := make([]any, 0, 6)
	for _, encode := range []func() (any, error){
		func() (any, error) { return encodeBlock(h.OldResearch) },
		func() (any, error) { return encodeBlock(h.NewResearch) },
		func() (any, error) { return encodeBlock(h.OldTelehealth) },
		func() (any, error) { return encodeBlock(h.NewTelehealth) },
		func() (any, error) { return encodeBlock(h.OldBrand) },
		func() (any, error) { return encodeBlock(h.NewBrand) },
	} {
		value, err := encode()
		if err != nil {
			return nil, fmt.Errorf("encode history pricing: %w", err)
		}
		blocks = append(blocks, value)
	}

	var pct any
	if h.PriceChangePct.Valid {
		pct = h.PriceChangePct.Decimal.String()
	}

	changed := h.ChangedFields
	if changed == nil {
		changed = []string{}
	}

	args := []any{h.OfferID, h.VendorID, string(h.Tier), h.PeptideName}
	args = append(args, blocks...)
	args = append(args, changed, pct, h.UploadBatchID, h.ChangedBy)
	return args, nil
}

func encodeBlock[T any](block *T) (any, error) {
	if block == nil {
		return nil, nil
	}
	raw, err := json.Marshal(block)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func decodeBlock[T any](raw []byte) (*T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var block T
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

func mapWriteError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

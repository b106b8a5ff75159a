package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/adwatch/internal/domain"
)

// ViewedListingRepository is the dedup store: it remembers which
// listings a user has already been notified about, keyed by listing id,
// price, and user. A price change makes a listing "new" again.
type ViewedListingRepository struct {
	db *sqlx.DB
}

// NewViewedListingRepository creates a new viewed-listing repository.
func NewViewedListingRepository(db *sqlx.DB) *ViewedListingRepository {
	return &ViewedListingRepository{db: db}
}

// Exists reports whether the listing was already seen at this price for
// this user.
func (r *ViewedListingRepository) Exists(ctx context.Context, listingID string, price int64, userID int64) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		"SELECT COUNT(1) FROM viewed_listings WHERE listing_id = ? AND user_id = ? AND price = ?",
		listingID, userID, price)
	if err != nil {
		return false, fmt.Errorf("failed to check viewed listing %s: %w", listingID, err)
	}
	return count > 0, nil
}

// Record marks listings as seen for the user, replacing stale prices.
func (r *ViewedListingRepository) Record(ctx context.Context, listings []domain.Listing, userID int64) error {
	if len(listings) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dedup transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	now := time.Now().UTC()
	for _, l := range listings {
		if l.ID == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO viewed_listings (listing_id, user_id, platform, price, seen_at) VALUES (?, ?, ?, ?, ?)",
			l.ID, userID, string(l.Platform), l.Price, now); err != nil {
			return fmt.Errorf("failed to record viewed listing %s: %w", l.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dedup records: %w", err)
	}
	return nil
}

// CleanupOlderThan deletes viewed records older than the given number of
// days and returns how many were removed.
func (r *ViewedListingRepository) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM viewed_listings WHERE seen_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup viewed listings: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned up rows: %w", err)
	}
	return deleted, nil
}

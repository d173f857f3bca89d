package property

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested property does not exist.
var ErrNotFound = errors.New("property: not found")

// Repository provides read access to property profiles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a property profile by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	const query = `
		SELECT id, address, seller_id, listing_agent_id, created_at
		FROM properties
		WHERE id = $1
	`

	var profile Profile
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&profile.ID,
		&profile.Address,
		&profile.SellerID,
		&profile.ListingAgentID,
		&profile.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("property: query by id: %w", err)
	}

	return profile, nil
}

// List fetches up to limit property profiles ordered by address.
func (r *Repository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, address, seller_id, listing_agent_id, created_at
		FROM properties
		ORDER BY address ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("property: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		var profile Profile
		if err := rows.Scan(&profile.ID, &profile.Address, &profile.SellerID, &profile.ListingAgentID, &profile.CreatedAt); err != nil {
			return nil, fmt.Errorf("property: scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("property: iterate profiles: %w", err)
	}

	return profiles, nil
}

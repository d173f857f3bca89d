package approval

import (
	"context"
	"errors"

	"viewingflow/agreement"
	"viewingflow/property"
	"viewingflow/viewing"
)

// DisclosureGate adapts the agreement reader to the viewing package's
// completion gate. A property with no disclosure on file is not gated; an
// existing disclosure must be signed through the seller.
type DisclosureGate struct {
	Agreements agreement.Reader
}

func (g DisclosureGate) DisclosureSigned(ctx context.Context, propertyID string) (bool, error) {
	ag, err := g.Agreements.LatestByPropertyAndKind(ctx, propertyID, agreement.KindAgencyDisclosure)
	if err != nil {
		if errors.Is(err, agreement.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	switch ag.Status {
	case agreement.StatusSignedBySeller, agreement.StatusCompleted:
		return true, nil
	default:
		return false, nil
	}
}

// PropertyDirectory adapts the property repository to the viewing package's
// reader and to the orchestrator's seller lookup.
type PropertyDirectory struct {
	Properties property.ProfileReader
}

func (d PropertyDirectory) Property(ctx context.Context, id string) (viewing.PropertyInfo, error) {
	p, err := d.Properties.GetByID(ctx, id)
	if err != nil {
		return viewing.PropertyInfo{}, err
	}
	return viewing.PropertyInfo{
		ID:             p.ID,
		SellerID:       p.SellerID,
		ListingAgentID: p.ListingAgentID,
	}, nil
}

func (d PropertyDirectory) SellerID(ctx context.Context, propertyID string) (*string, error) {
	p, err := d.Properties.GetByID(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	return p.SellerID, nil
}

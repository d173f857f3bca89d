package property

import "time"

// Profile captures the subset of property data the viewing and agreement
// flows depend on: who sells it and which agent lists it.
type Profile struct {
	ID             string
	Address        string
	SellerID       *string
	ListingAgentID *string
	CreatedAt      time.Time
}

// HasResponder reports whether anyone on the seller side can answer a viewing
// request for this property.
func (p Profile) HasResponder() bool {
	return p.SellerID != nil || p.ListingAgentID != nil
}

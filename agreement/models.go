package agreement

import "time"

// Kind discriminates the document templates an agreement can be built from.
type Kind string

const (
	KindStandard             Kind = "standard"
	KindAgencyDisclosure     Kind = "agency_disclosure"
	KindAgentReferral        Kind = "agent_referral"
	KindGlobalRepresentation Kind = "global_representation"
)

// Status is the lifecycle position of an agreement. Outside of an admin
// override it is always the value Derive computes from the populated
// signature slots.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusPendingBuyer   Status = "pending_buyer"
	StatusSignedByBuyer  Status = "signed_by_buyer"
	StatusPendingReview  Status = "pending_review"
	StatusSignedBySeller Status = "signed_by_seller"
	StatusCompleted      Status = "completed"
	StatusRejected       Status = "rejected"
)

// Slot names one of the three signature positions on a document.
type Slot string

const (
	SlotBuyer  Slot = "buyer"
	SlotAgent  Slot = "agent"
	SlotSeller Slot = "seller"
)

// Agreement mirrors the agreements table. Signature slots hold opaque blob
// references; CachedEdit carries the raw bytes of a hand-edited artifact that
// must be preferred over re-rendering the template.
type Agreement struct {
	ID              string
	PropertyID      *string
	AgentID         string
	BuyerID         *string
	IsGlobal        bool
	Kind            Kind
	Status          Status
	BuyerSignature  *string
	AgentSignature  *string
	SellerSignature *string
	DocumentURL     *string
	CachedEdit      []byte
	Version         int64
	SignedAt        *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SignatureSet reports which slots of the agreement are populated.
func (a Agreement) SignatureSet() Signatures {
	return Signatures{
		Buyer:  a.BuyerSignature != nil && *a.BuyerSignature != "",
		Agent:  a.AgentSignature != nil && *a.AgentSignature != "",
		Seller: a.SellerSignature != nil && *a.SellerSignature != "",
	}
}

const (
	// OutboxTopicStatusChanged is published on every agreement transition.
	OutboxTopicStatusChanged = "agreement.status_changed"
	// OutboxTopicCompleted is published when an agreement reaches completed.
	OutboxTopicCompleted = "agreement.completed"
)

func validKind(k Kind) bool {
	switch k {
	case KindStandard, KindAgencyDisclosure, KindAgentReferral, KindGlobalRepresentation:
		return true
	default:
		return false
	}
}

func validStatus(s Status) bool {
	switch s {
	case StatusDraft, StatusPendingBuyer, StatusSignedByBuyer, StatusPendingReview,
		StatusSignedBySeller, StatusCompleted, StatusRejected:
		return true
	default:
		return false
	}
}

package viewing

import "time"

// Status is the top-level lifecycle of a viewing request.
type Status string

const (
	StatusPending     Status = "pending"
	StatusAccepted    Status = "accepted"
	StatusRejected    Status = "rejected"
	StatusRescheduled Status = "rescheduled"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// Open reports whether the request still gates disclosure completion.
func (s Status) Open() bool { return !s.Terminal() }

// Side names one of the two independent approval authorities.
type Side string

const (
	SideBuyerAgent  Side = "buyer_agent"
	SideSellerAgent Side = "seller_agent"
)

// Decision is a party's answer to a pending request.
type Decision string

const (
	DecisionApproved    Decision = "approved"
	DecisionRejected    Decision = "rejected"
	DecisionRescheduled Decision = "rescheduled"
)

// ApprovalState tracks one side's acknowledgement independently of the
// top-level status, so the two sides can answer out of order.
type ApprovalState string

const (
	ApprovalNone     ApprovalState = "none"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// Source records how an approval arrived.
type Source string

const (
	SourcePlatform   Source = "platform"
	SourcePublicLink Source = "public_link"
)

// Window is a proposed or confirmed viewing slot.
type Window struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether both instants are set in order.
func (w Window) Valid() bool {
	return !w.Start.IsZero() && !w.End.IsZero() && w.End.After(w.Start)
}

// Approval is one side's sub-record.
type Approval struct {
	State      ApprovalState
	ApprovedBy *string
	Date       *time.Time
	Source     Source
}

// Request mirrors the viewing_requests table.
type Request struct {
	ID              string
	PropertyID      string
	BuyerID         string
	BuyerAgentID    *string
	SellerAgentID   *string
	Requested       Window
	Confirmed       *Window
	Status          Status
	BuyerSide       Approval
	SellerSide      Approval
	ResponseMessage *string
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const (
	// OutboxTopicStatusChanged is published on every viewing transition.
	OutboxTopicStatusChanged = "viewing.status_changed"
)

// derivePending computes the top-level status implied by the two sub-records
// for a request that is still pending. A rejection by either side is
// authoritative. Acceptance requires the seller side; the buyer-agent side
// only gates when a buyer agent is actually assigned.
func derivePending(r Request) Status {
	if r.BuyerSide.State == ApprovalRejected || r.SellerSide.State == ApprovalRejected {
		return StatusRejected
	}
	if r.SellerSide.State == ApprovalApproved {
		if r.BuyerAgentID == nil || r.BuyerSide.State == ApprovalApproved {
			return StatusAccepted
		}
	}
	return StatusPending
}

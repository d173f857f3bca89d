package agreement

// Signatures is the truth table input for status derivation.
type Signatures struct {
	Buyer  bool
	Agent  bool
	Seller bool
}

// Derive computes the status implied by the populated signature slots for the
// given kind. openViewing reports whether any non-terminal viewing request
// exists for the agreement's property; it only matters for a fully signed
// agency disclosure, which stays at signed_by_seller until every viewing on
// the property has reached a terminal state.
//
// The stored status must equal this function's result after every signing
// transition. Admin overrides may diverge until the next signature re-derives.
func Derive(kind Kind, sig Signatures, openViewing bool) Status {
	switch kind {
	case KindAgentReferral:
		// Single-party document: the agent's signature completes it.
		if sig.Agent {
			return StatusCompleted
		}
		return StatusDraft

	case KindStandard:
		if sig.Buyer && sig.Seller {
			return StatusCompleted
		}
		if sig.Buyer {
			return StatusSignedByBuyer
		}
		if sig.Agent {
			return StatusPendingBuyer
		}
		return StatusDraft

	case KindAgencyDisclosure:
		if sig.Buyer && sig.Agent && sig.Seller {
			if openViewing {
				return StatusSignedBySeller
			}
			return StatusCompleted
		}
		if sig.Buyer && sig.Agent {
			return StatusPendingReview
		}
		if sig.Buyer {
			return StatusSignedByBuyer
		}
		if sig.Agent {
			return StatusPendingBuyer
		}
		return StatusDraft

	case KindGlobalRepresentation:
		if sig.Buyer && sig.Agent {
			return StatusCompleted
		}
		if sig.Buyer {
			return StatusSignedByBuyer
		}
		return StatusDraft

	default:
		return StatusDraft
	}
}

// signAllowed reports whether slot may be populated on an agreement of the
// given kind with the currently populated slots. slotExists distinguishes a
// slot the kind never uses from one whose prerequisite signatures are missing.
func signAllowed(kind Kind, slot Slot, sig Signatures) (ok bool, slotExists bool) {
	switch kind {
	case KindAgentReferral:
		return slot == SlotAgent, slot == SlotAgent

	case KindStandard:
		switch slot {
		case SlotAgent:
			return true, true
		case SlotBuyer:
			// The buyer counter-signs the agent's draft.
			return sig.Agent, true
		case SlotSeller:
			return sig.Buyer, true
		}

	case KindAgencyDisclosure:
		switch slot {
		case SlotBuyer, SlotAgent:
			return true, true
		case SlotSeller:
			return sig.Buyer && sig.Agent, true
		}

	case KindGlobalRepresentation:
		switch slot {
		case SlotBuyer:
			return true, true
		case SlotAgent:
			return sig.Buyer, true
		case SlotSeller:
			return false, false
		}
	}
	return false, false
}

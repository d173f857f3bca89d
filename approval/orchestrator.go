// Package approval glues the two state machines to their collaborators:
// document regeneration, notification fan-out, and the read-only dependencies
// each machine has on the other.
package approval

import (
	"context"
	"fmt"
	"log/slog"

	"viewingflow/agreement"
	"viewingflow/notify"
	"viewingflow/viewing"
)

// Renderer produces and composites document artifacts.
type Renderer interface {
	RenderDocument(ctx context.Context, kind string, fields map[string]string) ([]byte, error)
	OverlaySignature(ctx context.Context, doc []byte, signatureImage []byte, anchor string) ([]byte, error)
}

// ArtifactStore persists a rendered artifact and returns its URL.
type ArtifactStore interface {
	Put(ctx context.Context, agreementID string, doc []byte) (string, error)
}

// DocumentWriter stores the regenerated artifact pointer on the agreement.
type DocumentWriter interface {
	SetDocumentURL(ctx context.Context, id, url string) error
}

// SellerDirectory resolves the seller of a property for fan-out.
type SellerDirectory interface {
	SellerID(ctx context.Context, propertyID string) (*string, error)
}

// Orchestrator implements agreement.Hook and viewing.Hook. Everything it does
// is a side effect of an already-committed transition, so nothing here may
// fail the transition: render errors become warnings, delivery errors go to
// the fallback log.
type Orchestrator struct {
	renderer  Renderer
	artifacts ArtifactStore
	documents DocumentWriter
	bus       notify.Bus
	fallback  *notify.MemoryLog
	sellers   SellerDirectory
	log       *slog.Logger
}

func NewOrchestrator(renderer Renderer, artifacts ArtifactStore, documents DocumentWriter, bus notify.Bus, fallback *notify.MemoryLog, sellers SellerDirectory, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		renderer:  renderer,
		artifacts: artifacts,
		documents: documents,
		bus:       bus,
		fallback:  fallback,
		sellers:   sellers,
		log:       log,
	}
}

// AgreementTransitioned regenerates the document when a signature slot
// changed and fans out to every interested party. Returned warnings surface
// recoverable failures to the caller without blocking the signature.
func (o *Orchestrator) AgreementTransitioned(ctx context.Context, ag agreement.Agreement, applied *agreement.AppliedSignature) []string {
	var warnings []string

	if applied != nil {
		if err := o.regenerate(ctx, ag, applied); err != nil {
			o.log.Warn("document regeneration failed",
				"agreement_id", ag.ID,
				"slot", applied.Slot,
				"error", err)
			warnings = append(warnings, fmt.Sprintf("document regeneration failed: %v", err))
		}
	}

	payload := map[string]any{
		"agreement_id": ag.ID,
		"kind":         ag.Kind,
		"status":       ag.Status,
	}
	o.fanOut(ctx, o.agreementRecipients(ctx, ag), "agreement."+string(ag.Status), payload)
	return warnings
}

// ViewingTransitioned fans out a viewing event to every interested party.
func (o *Orchestrator) ViewingTransitioned(ctx context.Context, r viewing.Request, event string) {
	payload := map[string]any{
		"viewing_request_id": r.ID,
		"property_id":        r.PropertyID,
		"status":             r.Status,
	}
	o.fanOut(ctx, o.viewingRecipients(ctx, r), event, payload)
}

// regenerate composites the new signature onto the document. A hand-edited
// artifact, when present, is the base for the overlay; re-rendering the
// template would silently discard the user's edits.
func (o *Orchestrator) regenerate(ctx context.Context, ag agreement.Agreement, applied *agreement.AppliedSignature) error {
	base := ag.CachedEdit
	if len(base) == 0 {
		rendered, err := o.renderer.RenderDocument(ctx, string(ag.Kind), o.renderFields(ag))
		if err != nil {
			return fmt.Errorf("render template: %w", err)
		}
		base = rendered
	}

	doc, err := o.renderer.OverlaySignature(ctx, base, applied.Image, string(applied.Slot))
	if err != nil {
		return fmt.Errorf("overlay signature: %w", err)
	}

	url, err := o.artifacts.Put(ctx, ag.ID, doc)
	if err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}
	if err := o.documents.SetDocumentURL(ctx, ag.ID, url); err != nil {
		return fmt.Errorf("record artifact url: %w", err)
	}
	return nil
}

func (o *Orchestrator) renderFields(ag agreement.Agreement) map[string]string {
	fields := map[string]string{
		"agreement_id": ag.ID,
		"status":       string(ag.Status),
	}
	if ag.PropertyID != nil {
		fields["property_id"] = *ag.PropertyID
	}
	if ag.BuyerID != nil {
		fields["buyer_id"] = *ag.BuyerID
	}
	fields["agent_id"] = ag.AgentID
	return fields
}

// fanOut pushes the event and records it in the fallback log when the bus
// fails. Delivery problems never propagate.
func (o *Orchestrator) fanOut(ctx context.Context, recipients []string, eventType string, payload map[string]any) {
	if len(recipients) == 0 {
		return
	}
	if err := o.bus.Notify(ctx, recipients, eventType, payload); err != nil {
		o.log.Warn("notification delivery failed",
			"event", eventType,
			"recipients", len(recipients),
			"error", err)
		if o.fallback != nil {
			o.fallback.Record(notify.Event{Recipients: recipients, Type: eventType, Payload: payload})
		}
	}
}

// agreementRecipients orders parties buyer, agent, seller, skipping anyone
// not set.
func (o *Orchestrator) agreementRecipients(ctx context.Context, ag agreement.Agreement) []string {
	recipients := make([]string, 0, 3)
	if ag.BuyerID != nil && *ag.BuyerID != "" {
		recipients = append(recipients, *ag.BuyerID)
	}
	if ag.AgentID != "" {
		recipients = append(recipients, ag.AgentID)
	}
	if ag.PropertyID != nil {
		if sellerID := o.lookupSeller(ctx, *ag.PropertyID); sellerID != nil {
			recipients = append(recipients, *sellerID)
		}
	}
	return recipients
}

// viewingRecipients orders parties buyer, buyer-agent, seller-agent, seller,
// skipping anyone not set.
func (o *Orchestrator) viewingRecipients(ctx context.Context, r viewing.Request) []string {
	recipients := make([]string, 0, 4)
	if r.BuyerID != "" {
		recipients = append(recipients, r.BuyerID)
	}
	if r.BuyerAgentID != nil && *r.BuyerAgentID != "" {
		recipients = append(recipients, *r.BuyerAgentID)
	}
	if r.SellerAgentID != nil && *r.SellerAgentID != "" {
		recipients = append(recipients, *r.SellerAgentID)
	}
	if sellerID := o.lookupSeller(ctx, r.PropertyID); sellerID != nil {
		recipients = append(recipients, *sellerID)
	}
	return recipients
}

func (o *Orchestrator) lookupSeller(ctx context.Context, propertyID string) *string {
	if o.sellers == nil {
		return nil
	}
	sellerID, err := o.sellers.SellerID(ctx, propertyID)
	if err != nil {
		o.log.Warn("seller lookup failed", "property_id", propertyID, "error", err)
		return nil
	}
	if sellerID == nil || *sellerID == "" {
		return nil
	}
	return sellerID
}

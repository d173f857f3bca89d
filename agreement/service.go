package agreement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OpenViewingCounter reports how many non-terminal viewing requests exist for
// a property. A fully signed agency disclosure only completes once this
// reaches zero. Implemented by the viewing repository.
type OpenViewingCounter interface {
	CountOpen(ctx context.Context, tx pgx.Tx, propertyID string) (int, error)
}

// AppliedSignature carries the raw signature image of the slot populated by
// the transition, for compositing onto the document artifact.
type AppliedSignature struct {
	Slot  Slot
	Image []byte
}

// Hook receives every committed transition. Implementations handle document
// regeneration and notification fan-out; returned strings are non-fatal
// warnings surfaced to the caller alongside the result.
type Hook interface {
	AgreementTransitioned(ctx context.Context, ag Agreement, applied *AppliedSignature) []string
}

// Actor identifies the caller of a mutating operation.
type Actor struct {
	ID   string
	Role string
}

// SignResult bundles the updated agreement with any non-fatal warnings, e.g.
// a document regeneration failure that did not block the signature.
type SignResult struct {
	Agreement Agreement
	Warnings  []string
}

type Service struct {
	pool        TxBeginner
	repo        Repository
	reader      Reader
	viewings    OpenViewingCounter
	hook        Hook
	idGenerator func() string
	now         func() time.Time
}

// CreateParams describes a new signable document. Standard and referral
// agreements are opened by the agent; disclosure and global representation
// documents are opened by the buyer signing first.
type CreateParams struct {
	Kind       Kind
	PropertyID *string
	AgentID    string
	BuyerID    *string
	IsGlobal   bool
	Signature  string
}

func NewService(pool TxBeginner, repo Repository, reader Reader, viewings OpenViewingCounter, hook Hook) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		reader:      reader,
		viewings:    viewings,
		hook:        hook,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens a new agreement, optionally applying the creator's signature
// in the same step.
func (s *Service) Create(ctx context.Context, actor Actor, params CreateParams) (SignResult, error) {
	if !validKind(params.Kind) {
		return SignResult{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, params.Kind)
	}
	if params.AgentID == "" {
		return SignResult{}, fmt.Errorf("%w: agent id required", ErrInvalidInput)
	}
	if params.PropertyID == nil && !params.IsGlobal {
		return SignResult{}, fmt.Errorf("%w: property id required for non-global agreements", ErrInvalidInput)
	}

	ag := Agreement{
		ID:         s.idGenerator(),
		PropertyID: params.PropertyID,
		AgentID:    params.AgentID,
		BuyerID:    params.BuyerID,
		IsGlobal:   params.IsGlobal,
		Kind:       params.Kind,
	}

	var applied *AppliedSignature
	if params.Signature != "" {
		slot, err := creatorSlot(params.Kind, actor)
		if err != nil {
			return SignResult{}, err
		}
		if slot == SlotBuyer {
			if params.BuyerID == nil || *params.BuyerID != actor.ID {
				return SignResult{}, fmt.Errorf("%w: buyer-signed agreement must name the signing buyer", ErrForbidden)
			}
			ag.BuyerSignature = &params.Signature
		} else {
			if params.AgentID != actor.ID {
				return SignResult{}, fmt.Errorf("%w: agent-signed agreement must name the signing agent", ErrForbidden)
			}
			ag.AgentSignature = &params.Signature
		}
		applied = &AppliedSignature{Slot: slot, Image: []byte(params.Signature)}
	}

	ag.Status = Derive(ag.Kind, ag.SignatureSet(), false)
	if ag.Status == StatusCompleted {
		now := s.now()
		ag.SignedAt = &now
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SignResult{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, ag)
	if err != nil {
		return SignResult{}, err
	}

	payload := map[string]any{
		"kind":   created.Kind,
		"status": created.Status,
	}
	if created.PropertyID != nil {
		payload["property_id"] = *created.PropertyID
	}
	if err := s.repo.AppendEvent(ctx, tx, created.ID, "AGREEMENT_CREATED", &actor.ID, payload); err != nil {
		return SignResult{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicStatusChanged, map[string]any{
		"agreement_id": created.ID,
		"previous":     "",
		"next":         created.Status,
	}); err != nil {
		return SignResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return SignResult{}, fmt.Errorf("agreement: commit: %w", err)
	}

	return SignResult{Agreement: created, Warnings: s.afterTransition(ctx, created, applied)}, nil
}

// SignAsBuyer populates the buyer slot.
func (s *Service) SignAsBuyer(ctx context.Context, id string, actor Actor, signature string) (SignResult, error) {
	return s.sign(ctx, id, SlotBuyer, actor, signature)
}

// SignAsAgent populates the agent slot.
func (s *Service) SignAsAgent(ctx context.Context, id string, actor Actor, signature string) (SignResult, error) {
	return s.sign(ctx, id, SlotAgent, actor, signature)
}

// SignAsSeller populates the seller slot.
func (s *Service) SignAsSeller(ctx context.Context, id string, actor Actor, signature string) (SignResult, error) {
	return s.sign(ctx, id, SlotSeller, actor, signature)
}

func (s *Service) sign(ctx context.Context, id string, slot Slot, actor Actor, signature string) (SignResult, error) {
	if signature == "" {
		return SignResult{}, fmt.Errorf("%w: signature required", ErrInvalidInput)
	}
	if err := roleForSlot(slot, actor); err != nil {
		return SignResult{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SignResult{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ag, err := s.repo.Get(ctx, tx, id)
	if err != nil {
		return SignResult{}, err
	}

	if err := matchSigner(ag, slot, actor); err != nil {
		return SignResult{}, err
	}

	sigs := ag.SignatureSet()
	ok, slotExists := signAllowed(ag.Kind, slot, sigs)
	if !slotExists {
		return SignResult{}, fmt.Errorf("%w: kind %s has no %s slot", ErrForbidden, ag.Kind, slot)
	}
	if !ok {
		return SignResult{}, fmt.Errorf("%w: cannot apply %s signature while status is %s", ErrConflict, slot, ag.Status)
	}

	// Resignature overwrites the slot and re-derives; a stale status is never
	// retained.
	switch slot {
	case SlotBuyer:
		ag.BuyerSignature = &signature
	case SlotAgent:
		ag.AgentSignature = &signature
	case SlotSeller:
		ag.SellerSignature = &signature
	}

	openViewing := false
	if ag.Kind == KindAgencyDisclosure && ag.PropertyID != nil {
		set := ag.SignatureSet()
		if set.Buyer && set.Agent && set.Seller {
			n, err := s.viewings.CountOpen(ctx, tx, *ag.PropertyID)
			if err != nil {
				return SignResult{}, fmt.Errorf("agreement: count open viewings: %w", err)
			}
			openViewing = n > 0
		}
	}

	previous := ag.Status
	ag.Status = Derive(ag.Kind, ag.SignatureSet(), openViewing)
	if ag.Status == StatusCompleted && ag.SignedAt == nil {
		now := s.now()
		ag.SignedAt = &now
	}

	updated, err := s.repo.UpdateCAS(ctx, tx, ag)
	if err != nil {
		return SignResult{}, err
	}

	if err := s.repo.AppendEvent(ctx, tx, updated.ID, "AGREEMENT_SIGNED", &actor.ID, map[string]any{
		"slot":            slot,
		"previous_status": previous,
		"next_status":     updated.Status,
	}); err != nil {
		return SignResult{}, err
	}

	topic := OutboxTopicStatusChanged
	if updated.Status == StatusCompleted {
		topic = OutboxTopicCompleted
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, topic, map[string]any{
		"agreement_id": updated.ID,
		"previous":     previous,
		"next":         updated.Status,
	}); err != nil {
		return SignResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return SignResult{}, fmt.Errorf("agreement: commit: %w", err)
	}

	applied := &AppliedSignature{Slot: slot, Image: []byte(signature)}
	return SignResult{Agreement: updated, Warnings: s.afterTransition(ctx, updated, applied)}, nil
}

// AdminSetStatus forces the stored status without consulting the transition
// table. Manual correction only; the next signature re-derives from the
// signature slots.
func (s *Service) AdminSetStatus(ctx context.Context, id string, status Status, actor Actor) (Agreement, error) {
	if !strings.EqualFold(actor.Role, "admin") {
		return Agreement{}, fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	if !validStatus(status) {
		return Agreement{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	previous, err := s.repo.Get(ctx, tx, id)
	if err != nil {
		return Agreement{}, err
	}

	updated, err := s.repo.SetStatus(ctx, tx, id, status)
	if err != nil {
		return Agreement{}, err
	}

	if err := s.repo.AppendEvent(ctx, tx, updated.ID, "AGREEMENT_STATUS_FORCED", &actor.ID, map[string]any{
		"previous_status": previous.Status,
		"next_status":     updated.Status,
	}); err != nil {
		return Agreement{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicStatusChanged, map[string]any{
		"agreement_id": updated.ID,
		"previous":     previous.Status,
		"next":         updated.Status,
	}); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit: %w", err)
	}

	s.afterTransition(ctx, updated, nil)
	return updated, nil
}

// SaveEditedDocument stores the raw bytes of a hand-edited artifact. Later
// signature overlays composite onto these bytes instead of a fresh render.
func (s *Service) SaveEditedDocument(ctx context.Context, id string, actor Actor, doc []byte) (Agreement, error) {
	if len(doc) == 0 {
		return Agreement{}, fmt.Errorf("%w: document bytes required", ErrInvalidInput)
	}
	if !strings.EqualFold(actor.Role, "agent") && !strings.EqualFold(actor.Role, "admin") {
		return Agreement{}, fmt.Errorf("%w: agent or admin role required", ErrForbidden)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ag, err := s.repo.Get(ctx, tx, id)
	if err != nil {
		return Agreement{}, err
	}
	ag.CachedEdit = doc

	updated, err := s.repo.UpdateCAS(ctx, tx, ag)
	if err != nil {
		return Agreement{}, err
	}
	if err := s.repo.AppendEvent(ctx, tx, updated.ID, "AGREEMENT_DOCUMENT_EDITED", &actor.ID, map[string]any{
		"bytes": len(doc),
	}); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit: %w", err)
	}
	return updated, nil
}

// GetByID returns the agreement by identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Agreement, error) {
	return s.reader.GetByID(ctx, id)
}

// LatestByPropertyAndKind returns the authoritative document of the given
// kind for a property.
func (s *Service) LatestByPropertyAndKind(ctx context.Context, propertyID string, kind Kind) (Agreement, error) {
	return s.reader.LatestByPropertyAndKind(ctx, propertyID, kind)
}

func (s *Service) afterTransition(ctx context.Context, ag Agreement, applied *AppliedSignature) []string {
	if s.hook == nil {
		return nil
	}
	return s.hook.AgreementTransitioned(ctx, ag, applied)
}

func creatorSlot(kind Kind, actor Actor) (Slot, error) {
	role := strings.ToLower(actor.Role)
	switch kind {
	case KindStandard, KindAgentReferral:
		if role != "agent" {
			return "", fmt.Errorf("%w: %s agreements are opened by the agent", ErrForbidden, kind)
		}
		return SlotAgent, nil
	case KindAgencyDisclosure, KindGlobalRepresentation:
		if role != "buyer" {
			return "", fmt.Errorf("%w: %s agreements are opened by the buyer", ErrForbidden, kind)
		}
		return SlotBuyer, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
}

// matchSigner rejects a signer whose identity does not match the party the
// agreement names for the slot. The seller slot carries no stored identity,
// any seller on the property side may sign it.
func matchSigner(ag Agreement, slot Slot, actor Actor) error {
	switch slot {
	case SlotBuyer:
		if ag.BuyerID == nil {
			return fmt.Errorf("%w: agreement has no named buyer", ErrForbidden)
		}
		if *ag.BuyerID != actor.ID {
			return fmt.Errorf("%w: buyer signature must come from the named buyer", ErrForbidden)
		}
	case SlotAgent:
		if ag.AgentID != actor.ID {
			return fmt.Errorf("%w: agent signature must come from the named agent", ErrForbidden)
		}
	}
	return nil
}

func roleForSlot(slot Slot, actor Actor) error {
	role := strings.ToLower(actor.Role)
	want := string(slot)
	if role != want {
		return fmt.Errorf("%w: %s signature requires %s role, got %s", ErrForbidden, slot, want, actor.Role)
	}
	return nil
}

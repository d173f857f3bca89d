package viewing

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

// PropertyInfo is the slice of property data the state machine needs: who can
// answer for the seller side.
type PropertyInfo struct {
	ID             string
	SellerID       *string
	ListingAgentID *string
}

// PropertyReader resolves the property a request points at.
type PropertyReader interface {
	Property(ctx context.Context, id string) (PropertyInfo, error)
}

// AssignmentPolicy picks a seller-side agent when the property has none
// assigned. Injected so the state machine stays free of matching concerns;
// returning an empty id means no default is available.
type AssignmentPolicy func(ctx context.Context, p PropertyInfo) (string, error)

// TokenStore is the single-use public-link capability. Lock must row-lock the
// token inside the given transaction so that consumption commits atomically
// with the approval it authorizes.
type TokenStore interface {
	Lock(ctx context.Context, tx pgx.Tx, token string) (viewingRequestID string, err error)
	MarkUsed(ctx context.Context, tx pgx.Tx, token string) error
}

// TokenIssuer mints a public-link token bound to one viewing request.
type TokenIssuer interface {
	Issue(ctx context.Context, viewingRequestID string) (string, error)
}

// DisclosureGate reports whether the property's agency disclosure is signed.
// A viewing request may only complete when it is.
type DisclosureGate interface {
	DisclosureSigned(ctx context.Context, propertyID string) (bool, error)
}

// Hook receives every committed transition for notification fan-out.
type Hook interface {
	ViewingTransitioned(ctx context.Context, r Request, event string)
}

// Reader provides the pool-backed lookups exposed outside a transaction.
type Reader interface {
	GetByID(ctx context.Context, id string) (Request, error)
	ListByProperty(ctx context.Context, propertyID string) ([]Request, error)
}

// Actor identifies the caller of a mutating operation.
type Actor struct {
	ID   string
	Role string
}

type Service struct {
	pool        TxBeginner
	repo        Repository
	reader      Reader
	properties  PropertyReader
	tokens      TokenStore
	issuer      TokenIssuer
	disclosures DisclosureGate
	assign      AssignmentPolicy
	hook        Hook
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Repository, reader Reader, properties PropertyReader, tokens TokenStore, issuer TokenIssuer, disclosures DisclosureGate, assign AssignmentPolicy, hook Hook) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		reader:      reader,
		properties:  properties,
		tokens:      tokens,
		issuer:      issuer,
		disclosures: disclosures,
		assign:      assign,
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

// CreateParams describes a buyer's request to view a property.
type CreateParams struct {
	BuyerID      string
	PropertyID   string
	Window       Window
	BuyerAgentID *string
	Message      *string
}

// Create opens a viewing request in pending. The property must have someone
// on the seller side to answer it, and a buyer may only hold one open request
// per property.
func (s *Service) Create(ctx context.Context, actor Actor, params CreateParams) (Request, error) {
	if params.BuyerID == "" || params.PropertyID == "" {
		return Request{}, fmt.Errorf("%w: buyer and property ids required", ErrInvalidInput)
	}
	if !params.Window.Valid() {
		return Request{}, fmt.Errorf("%w: requested window needs both start and end", ErrInvalidInput)
	}
	role := strings.ToLower(actor.Role)
	if role != "admin" && (role != "buyer" || actor.ID != params.BuyerID) {
		return Request{}, fmt.Errorf("%w: viewing requests are created by the requesting buyer", ErrForbidden)
	}

	prop, err := s.properties.Property(ctx, params.PropertyID)
	if err != nil {
		return Request{}, fmt.Errorf("viewing: resolve property: %w", err)
	}

	sellerAgentID := prop.ListingAgentID
	if sellerAgentID == nil && s.assign != nil {
		id, err := s.assign(ctx, prop)
		if err != nil {
			return Request{}, fmt.Errorf("viewing: assignment policy: %w", err)
		}
		if id != "" {
			sellerAgentID = &id
		}
	}
	if sellerAgentID == nil && prop.SellerID == nil {
		return Request{}, fmt.Errorf("%w: property has neither seller nor agent assigned", ErrPreconditionFailed)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("viewing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	open, err := s.repo.CountOpenForBuyer(ctx, tx, params.PropertyID, params.BuyerID)
	if err != nil {
		return Request{}, err
	}
	if open > 0 {
		return Request{}, fmt.Errorf("%w: an open viewing request already exists for this property", ErrConflict)
	}

	req := Request{
		ID:              s.idGenerator(),
		PropertyID:      params.PropertyID,
		BuyerID:         params.BuyerID,
		BuyerAgentID:    params.BuyerAgentID,
		SellerAgentID:   sellerAgentID,
		Requested:       params.Window,
		Status:          StatusPending,
		BuyerSide:       Approval{State: ApprovalNone},
		SellerSide:      Approval{State: ApprovalNone},
		ResponseMessage: params.Message,
	}

	created, err := s.repo.Insert(ctx, tx, req)
	if err != nil {
		return Request{}, err
	}

	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicStatusChanged, map[string]any{
		"viewing_request_id": created.ID,
		"previous":           "",
		"next":               created.Status,
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("viewing: commit: %w", err)
	}

	s.afterTransition(ctx, created, "viewing.created")
	return created, nil
}

// ApprovalParams describes one side's answer to a pending request.
type ApprovalParams struct {
	ID       string
	Side     Side
	Decision Decision
	Source   Source
	Message  *string
	// Window is required for a rescheduled decision.
	Window *Window
}

// ApproveAsBuyerAgent records the buyer-side acknowledgement.
func (s *Service) ApproveAsBuyerAgent(ctx context.Context, actor Actor, params ApprovalParams) (Request, error) {
	params.Side = SideBuyerAgent
	params.Source = SourcePlatform
	return s.applyApproval(ctx, actor, params)
}

// ApproveAsSellerAgent records the seller-side acknowledgement.
func (s *Service) ApproveAsSellerAgent(ctx context.Context, actor Actor, params ApprovalParams) (Request, error) {
	params.Side = SideSellerAgent
	params.Source = SourcePlatform
	return s.applyApproval(ctx, actor, params)
}

func (s *Service) applyApproval(ctx context.Context, actor Actor, params ApprovalParams) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("viewing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.Get(ctx, tx, params.ID)
	if err != nil {
		return Request{}, err
	}
	if err := s.authorizeSide(req, params.Side, actor); err != nil {
		return Request{}, err
	}

	updated, err := s.transition(ctx, tx, req, params, &actor.ID)
	if err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("viewing: commit: %w", err)
	}

	s.afterTransition(ctx, updated, "viewing."+string(params.Decision))
	return updated, nil
}

// ApproveViaToken answers for the seller side through a single-use public
// link. Token consumption happens in the same transaction as the transition:
// concurrent uses of one token yield exactly one success. A rescheduled
// decision keeps the token alive for the follow-up round-trip.
func (s *Service) ApproveViaToken(ctx context.Context, tok string, params ApprovalParams) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("viewing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	viewingID, err := s.tokens.Lock(ctx, tx, tok)
	if err != nil {
		return Request{}, err
	}

	req, err := s.repo.Get(ctx, tx, viewingID)
	if err != nil {
		return Request{}, err
	}

	params.ID = viewingID
	params.Side = SideSellerAgent
	params.Source = SourcePublicLink

	updated, err := s.transition(ctx, tx, req, params, nil)
	if err != nil {
		return Request{}, err
	}

	if params.Decision != DecisionRescheduled {
		if err := s.tokens.MarkUsed(ctx, tx, tok); err != nil {
			return Request{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("viewing: commit: %w", err)
	}

	s.afterTransition(ctx, updated, "viewing."+string(params.Decision))
	return updated, nil
}

// transition applies one side's decision to a pending request. Approvals land
// in the side's own sub-record; the top-level status only moves when the
// combination rule says so, which lets the two sides answer out of order.
func (s *Service) transition(ctx context.Context, tx pgx.Tx, req Request, params ApprovalParams, approvedBy *string) (Request, error) {
	if req.Status != StatusPending {
		return Request{}, fmt.Errorf("%w: request is %s, approvals apply to pending only", ErrConflict, req.Status)
	}

	now := s.now()
	previous := req.Status

	switch params.Decision {
	case DecisionApproved, DecisionRejected:
		state := ApprovalApproved
		if params.Decision == DecisionRejected {
			state = ApprovalRejected
		}
		sub := Approval{State: state, ApprovedBy: approvedBy, Date: &now, Source: params.Source}
		if params.Side == SideBuyerAgent {
			req.BuyerSide = sub
		} else {
			req.SellerSide = sub
		}
		req.Status = derivePending(req)

	case DecisionRescheduled:
		if params.Side != SideSellerAgent {
			return Request{}, fmt.Errorf("%w: only the seller side proposes a new time", ErrForbidden)
		}
		if params.Window == nil || !params.Window.Valid() {
			return Request{}, fmt.Errorf("%w: reschedule needs both start and end", ErrInvalidInput)
		}
		req.SellerSide = Approval{State: ApprovalApproved, ApprovedBy: approvedBy, Date: &now, Source: params.Source}
		req.Confirmed = params.Window
		req.Status = StatusRescheduled

	default:
		return Request{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidInput, params.Decision)
	}

	if req.Status == StatusAccepted && req.Confirmed == nil {
		w := req.Requested
		req.Confirmed = &w
	}
	if params.Message != nil {
		req.ResponseMessage = params.Message
	}

	updated, err := s.repo.UpdateCAS(ctx, tx, req)
	if err != nil {
		return Request{}, err
	}

	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicStatusChanged, map[string]any{
		"viewing_request_id": updated.ID,
		"previous":           previous,
		"next":               updated.Status,
		"side":               params.Side,
		"decision":           params.Decision,
		"source":             params.Source,
	}); err != nil {
		return Request{}, err
	}
	return updated, nil
}

// RescheduleParams carries the authenticated reschedule operation.
type RescheduleParams struct {
	ID      string
	Window  Window
	Message *string
}

// Reschedule sets a confirmed window on a non-terminal request. A seller-side
// responder's proposal doubles as their approval; a buyer-side responder may
// only move a time the seller side has already approved.
func (s *Service) Reschedule(ctx context.Context, actor Actor, params RescheduleParams) (Request, error) {
	if !params.Window.Valid() {
		return Request{}, fmt.Errorf("%w: reschedule needs both start and end", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("viewing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.Get(ctx, tx, params.ID)
	if err != nil {
		return Request{}, err
	}
	switch req.Status {
	case StatusPending, StatusAccepted, StatusRescheduled:
	default:
		return Request{}, fmt.Errorf("%w: cannot reschedule a %s request", ErrConflict, req.Status)
	}

	now := s.now()
	previous := req.Status

	switch {
	case s.isSellerSide(req, actor):
		req.SellerSide = Approval{State: ApprovalApproved, ApprovedBy: &actor.ID, Date: &now, Source: SourcePlatform}
	case s.isBuyerSide(req, actor) || strings.EqualFold(actor.Role, "admin"):
		if req.SellerSide.State != ApprovalApproved {
			return Request{}, fmt.Errorf("%w: seller side has not approved yet", ErrConflict)
		}
	default:
		return Request{}, fmt.Errorf("%w: actor is not a responder on this request", ErrForbidden)
	}

	w := params.Window
	req.Confirmed = &w
	req.Status = StatusRescheduled
	if params.Message != nil {
		req.ResponseMessage = params.Message
	}

	updated, err := s.repo.UpdateCAS(ctx, tx, req)
	if err != nil {
		return Request{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicStatusChanged, map[string]any{
		"viewing_request_id": updated.ID,
		"previous":           previous,
		"next":               updated.Status,
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("viewing: commit: %w", err)
	}

	s.afterTransition(ctx, updated, "viewing.rescheduled")
	return updated, nil
}

// Cancel moves a non-terminal request to cancelled. Only the requesting buyer
// or an admin may cancel; agents never can.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor, message *string) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("viewing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.Get(ctx, tx, id)
	if err != nil {
		return Request{}, err
	}

	role := strings.ToLower(actor.Role)
	if role != "admin" && (role != "buyer" || actor.ID != req.BuyerID) {
		return Request{}, fmt.Errorf("%w: only the requesting buyer or an admin may cancel", ErrForbidden)
	}
	if req.Status.Terminal() {
		return Request{}, fmt.Errorf("%w: request is already %s", ErrConflict, req.Status)
	}

	previous := req.Status
	req.Status = StatusCancelled
	if message != nil {
		req.ResponseMessage = message
	}

	updated, err := s.repo.UpdateCAS(ctx, tx, req)
	if err != nil {
		return Request{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicStatusChanged, map[string]any{
		"viewing_request_id": updated.ID,
		"previous":           previous,
		"next":               updated.Status,
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("viewing: commit: %w", err)
	}

	s.afterTransition(ctx, updated, "viewing.cancelled")
	return updated, nil
}

// Complete marks an accepted or rescheduled viewing as having happened. The
// property's agency disclosure must be signed first.
func (s *Service) Complete(ctx context.Context, id string, actor Actor) (Request, error) {
	role := strings.ToLower(actor.Role)
	if role != "agent" && role != "admin" {
		return Request{}, fmt.Errorf("%w: agent or admin role required", ErrForbidden)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("viewing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.Get(ctx, tx, id)
	if err != nil {
		return Request{}, err
	}
	switch req.Status {
	case StatusAccepted, StatusRescheduled:
	default:
		return Request{}, fmt.Errorf("%w: cannot complete a %s request", ErrConflict, req.Status)
	}

	signed, err := s.disclosures.DisclosureSigned(ctx, req.PropertyID)
	if err != nil {
		return Request{}, fmt.Errorf("viewing: disclosure gate: %w", err)
	}
	if !signed {
		return Request{}, fmt.Errorf("%w: agency disclosure for the property is unsigned", ErrPreconditionFailed)
	}

	previous := req.Status
	req.Status = StatusCompleted

	updated, err := s.repo.UpdateCAS(ctx, tx, req)
	if err != nil {
		return Request{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicStatusChanged, map[string]any{
		"viewing_request_id": updated.ID,
		"previous":           previous,
		"next":               updated.Status,
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("viewing: commit: %w", err)
	}

	s.afterTransition(ctx, updated, "viewing.completed")
	return updated, nil
}

// IssuePublicLink mints a single-use token for the seller side of a
// non-terminal request.
func (s *Service) IssuePublicLink(ctx context.Context, id string) (string, error) {
	req, err := s.reader.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if req.Status.Terminal() {
		return "", fmt.Errorf("%w: request is already %s", ErrConflict, req.Status)
	}
	return s.issuer.Issue(ctx, req.ID)
}

// GetByID returns the viewing request by identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Request, error) {
	return s.reader.GetByID(ctx, id)
}

// ListByProperty returns all viewing requests for a property.
func (s *Service) ListByProperty(ctx context.Context, propertyID string) ([]Request, error) {
	return s.reader.ListByProperty(ctx, propertyID)
}

func (s *Service) authorizeSide(req Request, side Side, actor Actor) error {
	if strings.EqualFold(actor.Role, "admin") {
		return nil
	}
	switch side {
	case SideBuyerAgent:
		if req.BuyerAgentID != nil && *req.BuyerAgentID == actor.ID {
			return nil
		}
		return fmt.Errorf("%w: actor is not the buyer's agent on this request", ErrForbidden)
	case SideSellerAgent:
		if s.isSellerSide(req, actor) {
			return nil
		}
		return fmt.Errorf("%w: actor is not on the seller side of this request", ErrForbidden)
	}
	return fmt.Errorf("%w: unknown side %q", ErrInvalidInput, side)
}

func (s *Service) isSellerSide(req Request, actor Actor) bool {
	if req.SellerAgentID != nil && *req.SellerAgentID == actor.ID {
		return true
	}
	return strings.EqualFold(actor.Role, "seller")
}

func (s *Service) isBuyerSide(req Request, actor Actor) bool {
	if req.BuyerAgentID != nil && *req.BuyerAgentID == actor.ID {
		return true
	}
	return actor.ID == req.BuyerID
}

func (s *Service) afterTransition(ctx context.Context, req Request, event string) {
	if s.hook == nil {
		return
	}
	s.hook.ViewingTransitioned(ctx, req, event)
}

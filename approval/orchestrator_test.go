package approval

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"viewingflow/agreement"
	"viewingflow/notify"
	"viewingflow/viewing"
)

var testSeller = "seller-1"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	orch      *Orchestrator
	renderer  *fakeRenderer
	artifacts *fakeArtifacts
	docs      *fakeDocs
	bus       *fakeBus
	fallback  *notify.MemoryLog
	sellers   *fakeSellers
}

func newHarness() *harness {
	h := &harness{
		renderer:  &fakeRenderer{},
		artifacts: &fakeArtifacts{urls: map[string]string{}},
		docs:      &fakeDocs{},
		bus:       &fakeBus{},
		fallback:  notify.NewMemoryLog(),
		sellers:   &fakeSellers{byProperty: map[string]string{"prop-1": testSeller}},
	}
	h.orch = NewOrchestrator(h.renderer, h.artifacts, h.docs, h.bus, h.fallback, h.sellers, quietLogger())
	return h
}

func signedAgreement() (agreement.Agreement, *agreement.AppliedSignature) {
	propertyID := "prop-1"
	buyerID := "buyer-1"
	ag := agreement.Agreement{
		ID:         "agreement-1",
		PropertyID: &propertyID,
		AgentID:    "agent-1",
		BuyerID:    &buyerID,
		Kind:       agreement.KindAgencyDisclosure,
		Status:     agreement.StatusSignedByBuyer,
	}
	applied := &agreement.AppliedSignature{Slot: agreement.SlotBuyer, Image: []byte("sig-img")}
	return ag, applied
}

func TestAgreementTransitioned_RendersAndStores(t *testing.T) {
	h := newHarness()
	ag, applied := signedAgreement()

	warnings := h.orch.AgreementTransitioned(context.Background(), ag, applied)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if h.renderer.renderCalls != 1 {
		t.Errorf("expected one template render, got %d", h.renderer.renderCalls)
	}
	if h.docs.lastURL == "" {
		t.Error("expected the artifact url to be recorded on the agreement")
	}
	if len(h.bus.calls) != 1 {
		t.Fatalf("expected one fan-out, got %d", len(h.bus.calls))
	}

	want := []string{"buyer-1", "agent-1", testSeller}
	got := h.bus.calls[0].recipients
	if len(got) != len(want) {
		t.Fatalf("recipients = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("recipients = %v, want %v", got, want)
		}
	}
	if h.bus.calls[0].eventType != "agreement.signed_by_buyer" {
		t.Errorf("event type = %s", h.bus.calls[0].eventType)
	}
}

func TestAgreementTransitioned_CachedEditTakesPrecedence(t *testing.T) {
	h := newHarness()
	ag, applied := signedAgreement()
	ag.CachedEdit = []byte("hand-edited-artifact")

	warnings := h.orch.AgreementTransitioned(context.Background(), ag, applied)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if h.renderer.renderCalls != 0 {
		t.Errorf("a cached edit must never be re-rendered over, got %d renders", h.renderer.renderCalls)
	}
	if !bytes.Equal(h.renderer.lastOverlayBase, ag.CachedEdit) {
		t.Errorf("overlay base = %q, want the cached edit bytes", h.renderer.lastOverlayBase)
	}
}

func TestAgreementTransitioned_RenderFailureIsRecoverable(t *testing.T) {
	h := newHarness()
	h.renderer.renderErr = errors.New("template engine down")
	ag, applied := signedAgreement()

	warnings := h.orch.AgreementTransitioned(context.Background(), ag, applied)
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", warnings)
	}
	// Fan-out still happens: the signature committed.
	if len(h.bus.calls) != 1 {
		t.Errorf("expected fan-out despite render failure, got %d calls", len(h.bus.calls))
	}
	if h.docs.lastURL != "" {
		t.Errorf("no artifact url should be recorded on failure, got %q", h.docs.lastURL)
	}
}

func TestAgreementTransitioned_NoSignatureSkipsRegeneration(t *testing.T) {
	h := newHarness()
	ag, _ := signedAgreement()

	h.orch.AgreementTransitioned(context.Background(), ag, nil)
	if h.renderer.renderCalls != 0 || h.renderer.overlayCalls != 0 {
		t.Errorf("status-only transition must not regenerate the document")
	}
	if len(h.bus.calls) != 1 {
		t.Errorf("expected fan-out, got %d calls", len(h.bus.calls))
	}
}

func TestFanOut_BusFailureLandsInFallback(t *testing.T) {
	h := newHarness()
	h.bus.err = errors.New("push gateway unreachable")
	ag, _ := signedAgreement()

	h.orch.AgreementTransitioned(context.Background(), ag, nil)

	if h.fallback.Len() != 1 {
		t.Fatalf("expected one fallback record, got %d", h.fallback.Len())
	}
	ev := h.fallback.Events()[0]
	if ev.Type != "agreement.signed_by_buyer" {
		t.Errorf("fallback event type = %s", ev.Type)
	}
	if len(ev.Recipients) != 3 {
		t.Errorf("fallback recipients = %v", ev.Recipients)
	}
}

func TestViewingTransitioned_RecipientOrder(t *testing.T) {
	h := newHarness()
	buyerAgent := "buyer-agent-1"
	sellerAgent := "seller-agent-1"

	req := viewing.Request{
		ID:            "viewing-1",
		PropertyID:    "prop-1",
		BuyerID:       "buyer-1",
		BuyerAgentID:  &buyerAgent,
		SellerAgentID: &sellerAgent,
		Status:        viewing.StatusAccepted,
	}

	h.orch.ViewingTransitioned(context.Background(), req, "viewing.approved")
	if len(h.bus.calls) != 1 {
		t.Fatalf("expected one fan-out, got %d", len(h.bus.calls))
	}

	want := []string{"buyer-1", buyerAgent, sellerAgent, testSeller}
	got := h.bus.calls[0].recipients
	if len(got) != len(want) {
		t.Fatalf("recipients = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("recipients = %v, want %v", got, want)
		}
	}
}

func TestViewingTransitioned_SkipsUnsetParties(t *testing.T) {
	h := newHarness()
	req := viewing.Request{
		ID:         "viewing-2",
		PropertyID: "prop-unknown",
		BuyerID:    "buyer-1",
		Status:     viewing.StatusPending,
	}

	h.orch.ViewingTransitioned(context.Background(), req, "viewing.created")
	if len(h.bus.calls) != 1 {
		t.Fatalf("expected one fan-out, got %d", len(h.bus.calls))
	}
	got := h.bus.calls[0].recipients
	if len(got) != 1 || got[0] != "buyer-1" {
		t.Fatalf("recipients = %v, want only the buyer", got)
	}
}

type fakeRenderer struct {
	renderCalls     int
	overlayCalls    int
	renderErr       error
	overlayErr      error
	lastOverlayBase []byte
}

func (f *fakeRenderer) RenderDocument(ctx context.Context, kind string, fields map[string]string) ([]byte, error) {
	f.renderCalls++
	if f.renderErr != nil {
		return nil, f.renderErr
	}
	return []byte("rendered:" + kind), nil
}

func (f *fakeRenderer) OverlaySignature(ctx context.Context, doc []byte, signatureImage []byte, anchor string) ([]byte, error) {
	f.overlayCalls++
	f.lastOverlayBase = append([]byte(nil), doc...)
	if f.overlayErr != nil {
		return nil, f.overlayErr
	}
	out := append([]byte(nil), doc...)
	out = append(out, []byte("+"+anchor)...)
	return out, nil
}

type fakeArtifacts struct {
	urls map[string]string
	err  error
}

func (f *fakeArtifacts) Put(ctx context.Context, agreementID string, doc []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	url := "blob://" + agreementID
	f.urls[agreementID] = url
	return url, nil
}

type fakeDocs struct {
	lastURL string
}

func (f *fakeDocs) SetDocumentURL(ctx context.Context, id, url string) error {
	f.lastURL = url
	return nil
}

type busCall struct {
	recipients []string
	eventType  string
}

type fakeBus struct {
	calls []busCall
	err   error
}

func (f *fakeBus) Notify(ctx context.Context, recipientIDs []string, eventType string, payload map[string]any) error {
	f.calls = append(f.calls, busCall{recipients: recipientIDs, eventType: eventType})
	return f.err
}

type fakeSellers struct {
	byProperty map[string]string
}

func (f *fakeSellers) SellerID(ctx context.Context, propertyID string) (*string, error) {
	id, ok := f.byProperty[propertyID]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

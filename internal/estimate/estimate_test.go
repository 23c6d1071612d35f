package estimate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/clock"
	"github.com/garagelink/garagelink/internal/connection"
	"github.com/garagelink/garagelink/internal/request"
	"github.com/garagelink/garagelink/internal/workshop"
)

const estimateTTL = 72 * time.Hour

type fakeEstimator struct {
	mu        sync.Mutex
	requestID string
	amount    decimal.Decimal
	calls     int
}

func (f *fakeEstimator) BindEstimate(ctx context.Context, requestID, estimateID string, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestID = requestID
	f.amount = amount
	f.calls++
	return nil
}

type fixture struct {
	svc       *Service
	requests  *request.Service
	conns     *connection.Service
	workshops *workshop.Service
	clk       *clock.Fake
	estimator *fakeEstimator

	user actor.Actor
	shop actor.Actor
	req  *request.ServiceRequest
	conn *connection.Connection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	requests := request.NewService(request.NewMemoryStore(clk), clk, 30*time.Minute, 7*24*time.Hour)
	workshops := workshop.NewService(workshop.NewMemoryStore(clk), clk)
	conns := connection.NewService(connection.NewMemoryStore(), requests, workshops, clk, 30*time.Minute)
	estimator := &fakeEstimator{}
	svc := NewService(NewMemoryStore(), conns, requests, workshops, clk, estimateTTL)
	svc.SetExecutionEstimator(estimator)

	user := actor.User("user-1")
	shop := actor.Workshop("own-1")

	r, err := requests.Create(ctx, user, request.CreateInput{IssueDescription: "clutch slipping"})
	if err != nil {
		t.Fatal(err)
	}
	if err := requests.MarkFeePaid(ctx, r.ID, "cs_fee"); err != nil {
		t.Fatal(err)
	}
	w, err := workshops.Register(ctx, shop, "Alpha Garage", "", 12.97, 77.59)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := workshops.SetVerification(ctx, actor.Admin("admin"), w.ID, workshop.VerificationApproved); err != nil {
		t.Fatal(err)
	}
	conn, err := conns.Connect(ctx, user, r.ID, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	conn, err = conns.Accept(ctx, shop, conn.ID)
	if err != nil {
		t.Fatal(err)
	}

	return &fixture{
		svc: svc, requests: requests, conns: conns, workshops: workshops,
		clk: clk, estimator: estimator,
		user: user, shop: shop, req: r, conn: conn,
	}
}

func amt(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// Scenario: one LABOR item qty=1 price=100 and one PARTS item qty=2
// price=25 at tax_rate=10 gives subtotal 150, tax 15, total 165.
func TestEstimateMath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.svc.CreateDraft(ctx, f.shop, f.conn.ID, "", amt("10"), decimal.Zero)
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}
	if _, err := f.svc.AddItem(ctx, f.shop, e.ID, ItemInput{Type: ItemLabor, Description: "clutch work", Quantity: 1, UnitPrice: amt("100")}); err != nil {
		t.Fatalf("AddItem labor failed: %v", err)
	}
	e, err = f.svc.AddItem(ctx, f.shop, e.ID, ItemInput{Type: ItemParts, Description: "clutch plate", Quantity: 2, UnitPrice: amt("25")})
	if err != nil {
		t.Fatalf("AddItem parts failed: %v", err)
	}

	if !e.Subtotal.Equal(amt("150")) {
		t.Errorf("subtotal = %s, want 150", e.Subtotal)
	}
	if !e.TaxAmount.Equal(amt("15")) {
		t.Errorf("tax = %s, want 15", e.TaxAmount)
	}
	if !e.TotalAmount.Equal(amt("165")) {
		t.Errorf("total = %s, want 165", e.TotalAmount)
	}
}

func TestSendRequiresItemsAndPositiveTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.svc.CreateDraft(ctx, f.shop, f.conn.ID, "", decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Send(ctx, f.shop, e.ID); err != ErrNotSendable {
		t.Errorf("Send empty err = %v, want ErrNotSendable", err)
	}

	// A free item still yields a zero total, which is not sendable.
	if _, err := f.svc.AddItem(ctx, f.shop, e.ID, ItemInput{Type: ItemOther, Quantity: 1, UnitPrice: decimal.Zero}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Send(ctx, f.shop, e.ID); err != ErrNotSendable {
		t.Errorf("Send zero-total err = %v, want ErrNotSendable", err)
	}
}

func TestSendMovesRequestToEstimateShared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, _ := f.svc.CreateDraft(ctx, f.shop, f.conn.ID, "", decimal.Zero, decimal.Zero)
	if _, err := f.svc.AddItem(ctx, f.shop, e.ID, ItemInput{Type: ItemLabor, Quantity: 1, UnitPrice: amt("100")}); err != nil {
		t.Fatal(err)
	}
	sent, err := f.svc.Send(ctx, f.shop, e.ID)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if sent.Status != StatusSent {
		t.Errorf("status = %s, want SENT", sent.Status)
	}
	if sent.ExpiresAt == nil {
		t.Error("expires_at not set on send")
	}
	r, _ := f.requests.Get(ctx, f.req.ID)
	if r.Status != request.StatusEstimateShared {
		t.Errorf("request status = %s, want ESTIMATE_SHARED", r.Status)
	}
}

func sendBasicEstimate(t *testing.T, f *fixture) *Estimate {
	t.Helper()
	ctx := context.Background()
	e, err := f.svc.CreateDraft(ctx, f.shop, f.conn.ID, "", amt("10"), decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.AddItem(ctx, f.shop, e.ID, ItemInput{Type: ItemLabor, Quantity: 1, UnitPrice: amt("100")}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.AddItem(ctx, f.shop, e.ID, ItemInput{Type: ItemParts, Quantity: 2, UnitPrice: amt("25")}); err != nil {
		t.Fatal(err)
	}
	sent, err := f.svc.Send(ctx, f.shop, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	return sent
}

func TestApproveBindsExecutionAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sent := sendBasicEstimate(t, f)

	approved, err := f.svc.Approve(ctx, f.user, sent.ID)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if approved.Status != StatusApproved {
		t.Errorf("status = %s, want APPROVED", approved.Status)
	}
	if f.estimator.calls != 1 {
		t.Errorf("bind calls = %d, want 1", f.estimator.calls)
	}
	if !f.estimator.amount.Equal(amt("165")) {
		t.Errorf("bound amount = %s, want 165", f.estimator.amount)
	}

	// A second approve is a conflict; the bind is not repeated.
	if _, err := f.svc.Approve(ctx, f.user, sent.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Approve err = %v, want ErrInvalidTransition", err)
	}
	if f.estimator.calls != 1 {
		t.Errorf("bind calls after retry = %d, want 1", f.estimator.calls)
	}
}

func TestApproveExpired(t *testing.T) {
	f := newFixture(t)
	sent := sendBasicEstimate(t, f)

	f.clk.Advance(estimateTTL + time.Minute)
	if _, err := f.svc.Approve(context.Background(), f.user, sent.ID); !errors.Is(err, ErrEstimateExpired) {
		t.Errorf("Approve err = %v, want ErrEstimateExpired", err)
	}
}

func TestApproveOnlyByRequestOwner(t *testing.T) {
	f := newFixture(t)
	sent := sendBasicEstimate(t, f)
	if _, err := f.svc.Approve(context.Background(), actor.User("intruder"), sent.ID); err != actor.ErrForbidden {
		t.Errorf("Approve err = %v, want ErrForbidden", err)
	}
}

func TestRejectEditResend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sent := sendBasicEstimate(t, f)

	rejected, err := f.svc.Reject(ctx, f.user, sent.ID)
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if rejected.Status != StatusRejected {
		t.Errorf("status = %s, want REJECTED", rejected.Status)
	}

	// Editing a rejected estimate pulls it back to DRAFT.
	e, err := f.svc.AddItem(ctx, f.shop, sent.ID, ItemInput{Type: ItemOther, Description: "consumables", Quantity: 1, UnitPrice: amt("10")})
	if err != nil {
		t.Fatalf("edit after reject failed: %v", err)
	}
	if e.Status != StatusDraft {
		t.Errorf("status after edit = %s, want DRAFT", e.Status)
	}

	// The DRAFT goes out again via Send, not Resend.
	if _, err := f.svc.Send(ctx, f.shop, sent.ID); err != nil {
		t.Fatalf("re-send failed: %v", err)
	}

	// An untouched REJECTED estimate goes out via Resend.
	rejected2, err := f.svc.Reject(ctx, f.user, sent.ID)
	if err != nil {
		t.Fatal(err)
	}
	resent, err := f.svc.Resend(ctx, f.shop, rejected2.ID)
	if err != nil {
		t.Fatalf("Resend failed: %v", err)
	}
	if resent.Status != StatusSent {
		t.Errorf("status = %s, want SENT", resent.Status)
	}
}

func TestEditGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sent := sendBasicEstimate(t, f)

	// SENT estimates are not editable.
	_, err := f.svc.AddItem(ctx, f.shop, sent.ID, ItemInput{Type: ItemLabor, Quantity: 1, UnitPrice: amt("5")})
	if !errors.Is(err, ErrNotEditable) {
		t.Errorf("AddItem on SENT err = %v, want ErrNotEditable", err)
	}
	var sc *request.StateConflict
	if !errors.As(err, &sc) || sc.Current != string(StatusSent) {
		t.Errorf("conflict current = %+v, want SENT", err)
	}

	// Approved estimates cannot be deleted; drafts can.
	if _, err := f.svc.Approve(ctx, f.user, sent.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Delete(ctx, f.shop, sent.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Delete APPROVED err = %v, want ErrInvalidTransition", err)
	}
}

func TestOneActiveEstimatePerConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateDraft(ctx, f.shop, f.conn.ID, "", decimal.Zero, decimal.Zero); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CreateDraft(ctx, f.shop, f.conn.ID, "", decimal.Zero, decimal.Zero); err != ErrActiveExists {
		t.Errorf("second draft err = %v, want ErrActiveExists", err)
	}
}

func TestRejectedEstimateCannotReclaimOccupiedSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sent := sendBasicEstimate(t, f)

	if _, err := f.svc.Reject(ctx, f.user, sent.ID); err != nil {
		t.Fatal(err)
	}
	// The rejection frees the slot; a fresh draft takes it.
	draft, err := f.svc.CreateDraft(ctx, f.shop, f.conn.ID, "", decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("draft after reject failed: %v", err)
	}

	// The old REJECTED estimate can no longer sneak back to DRAFT...
	if _, err := f.svc.AddItem(ctx, f.shop, sent.ID, ItemInput{Type: ItemLabor, Quantity: 1, UnitPrice: amt("5")}); !errors.Is(err, ErrActiveExists) {
		t.Errorf("edit of rejected with live draft err = %v, want ErrActiveExists", err)
	}
	// ...nor straight back to SENT.
	if _, err := f.svc.Resend(ctx, f.shop, sent.ID); !errors.Is(err, ErrActiveExists) {
		t.Errorf("Resend with live draft err = %v, want ErrActiveExists", err)
	}
	old, _, err := f.svc.Get(ctx, f.shop, sent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != StatusRejected {
		t.Errorf("old estimate status = %s, want REJECTED", old.Status)
	}

	// Once the newer draft is gone the old one is workable again.
	if err := f.svc.Delete(ctx, f.shop, draft.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Resend(ctx, f.shop, sent.ID); err != nil {
		t.Errorf("Resend after draft delete err = %v, want nil", err)
	}
}

func TestApprovedIgnoresCancelledConnections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sent := sendBasicEstimate(t, f)

	if _, err := f.svc.Approve(ctx, f.user, sent.ID); err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.Approved(ctx, f.req.ID)
	if err != nil || got.ID != sent.ID {
		t.Fatalf("Approved = %v, %v; want the approved estimate", got, err)
	}

	// Cancelling the connection strands the approval; the request moves
	// on to another workshop.
	if _, err := f.conns.CancelByUser(ctx, f.user, f.conn.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	shop2 := actor.Workshop("own-2")
	w2, err := f.workshops.Register(ctx, shop2, "Beta Garage", "", 12.98, 77.60)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.workshops.SetVerification(ctx, actor.Admin("admin"), w2.ID, workshop.VerificationApproved); err != nil {
		t.Fatal(err)
	}
	c2, err := f.conns.Connect(ctx, f.user, f.req.ID, w2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.conns.Accept(ctx, shop2, c2.ID); err != nil {
		t.Fatal(err)
	}

	// The stranded approval must not price an escrow checkout for the
	// new workshop's engagement.
	if _, err := f.svc.Approved(ctx, f.req.ID); err != ErrNotFound {
		t.Errorf("Approved after cancel err = %v, want ErrNotFound", err)
	}
}

func TestDiscountReducesTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.svc.CreateDraft(ctx, f.shop, f.conn.ID, "", amt("10"), amt("15"))
	if err != nil {
		t.Fatal(err)
	}
	e, err = f.svc.AddItem(ctx, f.shop, e.ID, ItemInput{Type: ItemLabor, Quantity: 1, UnitPrice: amt("100")})
	if err != nil {
		t.Fatal(err)
	}
	// 100 + 10 tax - 15 discount
	if !e.TotalAmount.Equal(amt("95")) {
		t.Errorf("total = %s, want 95", e.TotalAmount)
	}
}

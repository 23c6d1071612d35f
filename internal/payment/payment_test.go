package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/clock"
	"github.com/garagelink/garagelink/internal/wallet"
)

type fakeRequests struct {
	info map[string]*RequestInfo
}

func (f *fakeRequests) RequestInfo(_ context.Context, id string) (*RequestInfo, error) {
	info, ok := f.info[id]
	if !ok {
		return nil, errors.New("request not found")
	}
	return info, nil
}

type fakeFees struct {
	applied []string
	fail    bool
}

func (f *fakeFees) MarkFeePaid(_ context.Context, requestID, _ string) error {
	if f.fail {
		return errors.New("fee apply failed")
	}
	f.applied = append(f.applied, requestID)
	return nil
}

type fakeEstimates struct {
	amounts map[string]decimal.Decimal
}

func (f *fakeEstimates) ApprovedEstimate(_ context.Context, requestID string) (*EstimateInfo, error) {
	amt, ok := f.amounts[requestID]
	if !ok {
		return nil, errors.New("no approved estimate")
	}
	return &EstimateInfo{ID: "est_1", Amount: amt}, nil
}

type fakeExecutions struct {
	escrowApplied []string
	escrowPaid    map[string]bool
}

func (f *fakeExecutions) ApplyEscrowPaid(_ context.Context, requestID, _ string) error {
	f.escrowApplied = append(f.escrowApplied, requestID)
	return nil
}

func (f *fakeExecutions) IsEscrowPaid(_ context.Context, requestID string) (bool, error) {
	return f.escrowPaid[requestID], nil
}

type fakeEngagement struct {
	engaged map[string]bool
}

func (f *fakeEngagement) EverEngaged(_ context.Context, requestID string) (bool, error) {
	return f.engaged[requestID], nil
}

type ledgerEntry struct {
	ownerID string
	amount  decimal.Decimal
	reason  string
}

type fakeLedger struct {
	credits    []ledgerEntry
	debits     []ledgerEntry
	balance    decimal.Decimal
	failCredit bool
}

func (f *fakeLedger) Credit(_ context.Context, ownerID string, _ actor.Role, amount decimal.Decimal, reason, _ string) error {
	if f.failCredit {
		return errors.New("credit failed")
	}
	f.credits = append(f.credits, ledgerEntry{ownerID, amount, reason})
	f.balance = f.balance.Add(amount)
	return nil
}

func (f *fakeLedger) Debit(_ context.Context, ownerID string, amount decimal.Decimal, reason, _ string) error {
	if f.balance.LessThan(amount) {
		return wallet.ErrInsufficientFunds
	}
	f.debits = append(f.debits, ledgerEntry{ownerID, amount, reason})
	f.balance = f.balance.Sub(amount)
	return nil
}

type fakeOwners struct {
	owners map[string]string
}

func (f *fakeOwners) WorkshopOwner(_ context.Context, workshopID string) (string, error) {
	owner, ok := f.owners[workshopID]
	if !ok {
		return "", errors.New("workshop not found")
	}
	return owner, nil
}

type fixture struct {
	service    *Service
	store      *MemoryStore
	requests   *fakeRequests
	fees       *fakeFees
	estimates  *fakeEstimates
	executions *fakeExecutions
	engagement *fakeEngagement
	ledger     *fakeLedger
	clock      *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:      NewMemoryStore(),
		requests:   &fakeRequests{info: map[string]*RequestInfo{}},
		fees:       &fakeFees{},
		estimates:  &fakeEstimates{amounts: map[string]decimal.Decimal{}},
		executions: &fakeExecutions{escrowPaid: map[string]bool{}},
		engagement: &fakeEngagement{engaged: map[string]bool{}},
		ledger:     &fakeLedger{},
		clock:      clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.service = NewService(Deps{
		Store:      f.store,
		Gateway:    NewStubGateway(),
		Ledger:     f.ledger,
		Requests:   f.requests,
		Fees:       f.fees,
		Estimates:  f.estimates,
		Executions: f.executions,
		Engagement: f.engagement,
		Owners:     &fakeOwners{owners: map[string]string{"ws_1": "owner_1"}},
	}, f.clock, Config{
		FeeAmount:  decimal.NewFromInt(99),
		Currency:   "inr",
		SuccessURL: "https://app.local/ok",
		CancelURL:  "https://app.local/cancel",
	})
	return f
}

func (f *fixture) addRequest(id, owner string, feePaid, expired bool) {
	f.requests.info[id] = &RequestInfo{ID: id, OwnerID: owner, FeePaid: feePaid, Expired: expired}
}

func TestPlatformFeeCheckoutAndWebhook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRequest("req_1", "user_1", false, false)

	session, err := f.service.CreatePlatformFeeCheckout(ctx, actor.User("user_1"), "req_1")
	if err != nil {
		t.Fatalf("create checkout: %v", err)
	}
	if session.URL == "" {
		t.Fatal("expected a checkout url")
	}

	p, err := f.store.GetByCheckoutID(ctx, session.ID)
	if err != nil {
		t.Fatalf("lookup payment: %v", err)
	}
	if p.Status != StatusPending || p.Type != TypePlatformFee {
		t.Fatalf("got status %s type %s", p.Status, p.Type)
	}
	if !p.Amount.Equal(decimal.NewFromInt(99)) {
		t.Fatalf("amount = %s, want 99", p.Amount)
	}

	ev := &WebhookEvent{CheckoutID: session.ID, IntentID: "pi_1"}
	if err := f.service.HandleCheckoutCompleted(ctx, ev); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if len(f.fees.applied) != 1 || f.fees.applied[0] != "req_1" {
		t.Fatalf("fee applied = %v, want [req_1]", f.fees.applied)
	}

	// Redelivery must not apply the fee twice.
	if err := f.service.HandleCheckoutCompleted(ctx, ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(f.fees.applied) != 1 {
		t.Fatalf("fee applied %d times after redelivery", len(f.fees.applied))
	}
}

func TestPlatformFeeCheckoutGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRequest("req_paid", "user_1", true, false)
	f.addRequest("req_expired", "user_1", false, true)
	f.addRequest("req_fresh", "user_1", false, false)

	if _, err := f.service.CreatePlatformFeeCheckout(ctx, actor.User("user_1"), "req_paid"); !errors.Is(err, ErrFeeAlreadyPaid) {
		t.Fatalf("paid request: got %v, want ErrFeeAlreadyPaid", err)
	}
	if _, err := f.service.CreatePlatformFeeCheckout(ctx, actor.User("user_1"), "req_expired"); !errors.Is(err, ErrRequestExpired) {
		t.Fatalf("expired request: got %v, want ErrRequestExpired", err)
	}
	if _, err := f.service.CreatePlatformFeeCheckout(ctx, actor.User("stranger"), "req_fresh"); !errors.Is(err, actor.ErrForbidden) {
		t.Fatalf("stranger: got %v, want ErrForbidden", err)
	}
}

func TestEscrowCheckoutUsesApprovedAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRequest("req_1", "user_1", true, false)
	f.estimates.amounts["req_1"] = decimal.RequireFromString("165.00")

	session, err := f.service.CreateEscrowCheckout(ctx, actor.User("user_1"), "req_1")
	if err != nil {
		t.Fatalf("create escrow checkout: %v", err)
	}
	p, err := f.store.GetByCheckoutID(ctx, session.ID)
	if err != nil {
		t.Fatalf("lookup payment: %v", err)
	}
	if !p.Amount.Equal(decimal.RequireFromString("165.00")) {
		t.Fatalf("amount = %s, want 165.00", p.Amount)
	}

	if err := f.service.HandleCheckoutCompleted(ctx, &WebhookEvent{CheckoutID: session.ID, IntentID: "pi_2"}); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if len(f.executions.escrowApplied) != 1 || f.executions.escrowApplied[0] != "req_1" {
		t.Fatalf("escrow applied = %v, want [req_1]", f.executions.escrowApplied)
	}
}

func TestEscrowCheckoutGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRequest("req_1", "user_1", true, false)

	if _, err := f.service.CreateEscrowCheckout(ctx, actor.User("user_1"), "req_1"); !errors.Is(err, ErrNoApprovedAmount) {
		t.Fatalf("no estimate: got %v, want ErrNoApprovedAmount", err)
	}

	f.estimates.amounts["req_1"] = decimal.NewFromInt(100)
	f.executions.escrowPaid["req_1"] = true
	if _, err := f.service.CreateEscrowCheckout(ctx, actor.User("user_1"), "req_1"); !errors.Is(err, ErrEscrowAlreadyPaid) {
		t.Fatalf("already escrowed: got %v, want ErrEscrowAlreadyPaid", err)
	}
}

func TestTopupWebhookCreditsWallet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	session, err := f.service.CreateTopupCheckout(ctx, actor.User("user_1"), decimal.NewFromInt(500))
	if err != nil {
		t.Fatalf("create topup: %v", err)
	}
	if err := f.service.HandleCheckoutCompleted(ctx, &WebhookEvent{CheckoutID: session.ID, IntentID: "pi_3"}); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if len(f.ledger.credits) != 1 {
		t.Fatalf("credits = %d, want 1", len(f.ledger.credits))
	}
	got := f.ledger.credits[0]
	if got.ownerID != "user_1" || got.reason != wallet.ReasonTopup || !got.amount.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unexpected credit %+v", got)
	}
}

func TestTopupRejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	if _, err := f.service.CreateTopupCheckout(context.Background(), actor.User("user_1"), decimal.Zero); err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestPayPlatformFeeFromWallet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRequest("req_1", "user_1", false, false)
	f.ledger.balance = decimal.NewFromInt(500)

	p, err := f.service.PayPlatformFeeFromWallet(ctx, actor.User("user_1"), "req_1")
	if err != nil {
		t.Fatalf("pay from wallet: %v", err)
	}
	if p.Status != StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", p.Status)
	}
	if len(f.ledger.debits) != 1 || !f.ledger.debits[0].amount.Equal(decimal.NewFromInt(99)) {
		t.Fatalf("debits = %+v", f.ledger.debits)
	}
	if len(f.fees.applied) != 1 {
		t.Fatalf("fee applied %d times", len(f.fees.applied))
	}
}

func TestPayPlatformFeeFromWalletInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRequest("req_1", "user_1", false, false)
	f.ledger.balance = decimal.NewFromInt(10)

	if _, err := f.service.PayPlatformFeeFromWallet(ctx, actor.User("user_1"), "req_1"); !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	if len(f.fees.applied) != 0 {
		t.Fatal("fee must not be applied when the debit fails")
	}
}

func TestPayPlatformFeeFromWalletCompensatesOnApplyFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRequest("req_1", "user_1", false, false)
	f.ledger.balance = decimal.NewFromInt(500)
	f.fees.fail = true

	if _, err := f.service.PayPlatformFeeFromWallet(ctx, actor.User("user_1"), "req_1"); err == nil {
		t.Fatal("expected fee apply failure")
	}
	// The debit must be compensated by a matching credit.
	if !f.ledger.balance.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("balance = %s, want 500 after compensation", f.ledger.balance)
	}
}

func TestRefundPlatformFee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRequest("req_1", "user_1", false, false)

	session, err := f.service.CreatePlatformFeeCheckout(ctx, actor.User("user_1"), "req_1")
	if err != nil {
		t.Fatalf("create checkout: %v", err)
	}
	if err := f.service.HandleCheckoutCompleted(ctx, &WebhookEvent{CheckoutID: session.ID}); err != nil {
		t.Fatalf("webhook: %v", err)
	}

	if err := f.service.RefundPlatformFee(ctx, "req_1"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if len(f.ledger.credits) != 1 {
		t.Fatalf("credits = %d, want 1", len(f.ledger.credits))
	}
	got := f.ledger.credits[0]
	if got.reason != wallet.ReasonFeeRefund || !got.amount.Equal(decimal.NewFromInt(99)) {
		t.Fatalf("unexpected refund credit %+v", got)
	}

	// Second evaluation is a no-op.
	if err := f.service.RefundPlatformFee(ctx, "req_1"); err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if len(f.ledger.credits) != 1 {
		t.Fatalf("credits = %d after second refund, want 1", len(f.ledger.credits))
	}
}

func TestRefundSkippedWhenWorkshopEngaged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRequest("req_1", "user_1", false, false)
	f.engagement.engaged["req_1"] = true

	session, err := f.service.CreatePlatformFeeCheckout(ctx, actor.User("user_1"), "req_1")
	if err != nil {
		t.Fatalf("create checkout: %v", err)
	}
	if err := f.service.HandleCheckoutCompleted(ctx, &WebhookEvent{CheckoutID: session.ID}); err != nil {
		t.Fatalf("webhook: %v", err)
	}

	if err := f.service.RefundPlatformFee(ctx, "req_1"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if len(f.ledger.credits) != 0 {
		t.Fatal("engaged request must not be refunded")
	}
}

func TestRefundWithoutCompletedFeeIsNoop(t *testing.T) {
	f := newFixture(t)
	if err := f.service.RefundPlatformFee(context.Background(), "req_unpaid"); err != nil {
		t.Fatalf("refund of unpaid request: %v", err)
	}
	if len(f.ledger.credits) != 0 {
		t.Fatal("nothing should be credited")
	}
}

func TestReleaseEscrowPaysWorkshopOwnerOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRequest("req_1", "user_1", true, false)
	f.estimates.amounts["req_1"] = decimal.RequireFromString("165.00")

	session, err := f.service.CreateEscrowCheckout(ctx, actor.User("user_1"), "req_1")
	if err != nil {
		t.Fatalf("create escrow checkout: %v", err)
	}
	if err := f.service.HandleCheckoutCompleted(ctx, &WebhookEvent{CheckoutID: session.ID}); err != nil {
		t.Fatalf("webhook: %v", err)
	}

	if err := f.service.ReleaseEscrow(ctx, "req_1", "ws_1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(f.ledger.credits) != 1 {
		t.Fatalf("credits = %d, want 1", len(f.ledger.credits))
	}
	got := f.ledger.credits[0]
	if got.ownerID != "owner_1" || got.reason != wallet.ReasonEscrowRelease || !got.amount.Equal(decimal.RequireFromString("165.00")) {
		t.Fatalf("unexpected payout %+v", got)
	}

	if err := f.service.ReleaseEscrow(ctx, "req_1", "ws_1"); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if len(f.ledger.credits) != 1 {
		t.Fatalf("credits = %d after second release, want 1", len(f.ledger.credits))
	}
}

func TestDuplicateCheckoutIDRejected(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := &Payment{ID: "pay_1", UserID: "u", Amount: decimal.NewFromInt(1), CheckoutID: "cs_1", Type: TypeWalletTopup, Status: StatusPending}
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("first create: %v", err)
	}
	dup := &Payment{ID: "pay_2", UserID: "u", Amount: decimal.NewFromInt(1), CheckoutID: "cs_1", Type: TypeWalletTopup, Status: StatusPending}
	if err := store.Create(ctx, dup); !errors.Is(err, ErrDuplicateCheckout) {
		t.Fatalf("got %v, want ErrDuplicateCheckout", err)
	}
}

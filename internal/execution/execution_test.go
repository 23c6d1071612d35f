package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/clock"
	"github.com/garagelink/garagelink/internal/request"
	"github.com/garagelink/garagelink/internal/workshop"
)

type fakeMailer struct {
	mu    sync.Mutex
	fail  bool
	sent  []string // captured otp codes
	to    []string
	calls int
}

func (f *fakeMailer) SendOTP(ctx context.Context, recipient, otp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return errors.New("smtp: connection refused")
	}
	f.sent = append(f.sent, otp)
	f.to = append(f.to, recipient)
	return nil
}

func (f *fakeMailer) lastOTP() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type fakeReleaser struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeReleaser) ReleaseEscrow(ctx context.Context, requestID, workshopID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeReleaser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	svc       *Service
	store     *MemoryStore
	requests  *request.Service
	workshops *workshop.Service
	mailer    *fakeMailer
	releaser  *fakeReleaser
	clk       *clock.Fake

	user actor.Actor
	shop actor.Actor
	req  *request.ServiceRequest
	ws   *workshop.Workshop
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	requests := request.NewService(request.NewMemoryStore(clk), clk, 30*time.Minute, 7*24*time.Hour)
	workshops := workshop.NewService(workshop.NewMemoryStore(clk), clk)
	store := NewMemoryStore(clk)
	mailer := &fakeMailer{}
	releaser := &fakeReleaser{}
	svc := NewService(store, requests, workshops, workshops, mailer, clk)
	svc.SetEscrowReleaser(releaser)

	user := actor.User("user-1")
	shop := actor.Workshop("own-1")

	r, err := requests.Create(ctx, user, request.CreateInput{IssueDescription: "overheating"})
	if err != nil {
		t.Fatal(err)
	}
	if err := requests.MarkFeePaid(ctx, r.ID, "cs_fee"); err != nil {
		t.Fatal(err)
	}
	ws, err := workshops.Register(ctx, shop, "Alpha Garage", "", 12.97, 77.59)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := workshops.SetVerification(ctx, actor.Admin("admin"), ws.ID, workshop.VerificationApproved); err != nil {
		t.Fatal(err)
	}

	return &fixture{
		svc: svc, store: store, requests: requests, workshops: workshops,
		mailer: mailer, releaser: releaser, clk: clk,
		user: user, shop: shop, req: r, ws: ws,
	}
}

// bound walks the request to CONNECTED with an active execution.
func (f *fixture) bound(t *testing.T) *Execution {
	t.Helper()
	ctx := context.Background()
	steps := [][2]request.Status{
		{request.StatusPlatformFeePaid, request.StatusConnecting},
		{request.StatusConnecting, request.StatusConnected},
	}
	for _, st := range steps {
		if err := f.requests.Transition(ctx, f.req.ID, []request.Status{st[0]}, st[1]); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.svc.BindAccepted(ctx, f.req.ID, "conn_1", f.ws.ID, "own-1"); err != nil {
		t.Fatalf("BindAccepted failed: %v", err)
	}
	e, err := f.store.GetActiveByRequest(ctx, f.req.ID)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// escrowed additionally binds an estimate and applies the escrow
// payment.
func (f *fixture) escrowed(t *testing.T) *Execution {
	t.Helper()
	ctx := context.Background()
	e := f.bound(t)
	if err := f.requests.Transition(ctx, f.req.ID,
		[]request.Status{request.StatusConnected}, request.StatusEstimateShared); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.BindEstimate(ctx, f.req.ID, "est_1", decimal.NewFromInt(165)); err != nil {
		t.Fatalf("BindEstimate failed: %v", err)
	}
	if err := f.svc.ApplyEscrowPaid(ctx, f.req.ID, "cs_escrow"); err != nil {
		t.Fatalf("ApplyEscrowPaid failed: %v", err)
	}
	got, err := f.store.Get(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestApplyEscrowPaidIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.escrowed(t)

	if !e.EscrowPaid {
		t.Fatal("escrow_paid not set")
	}
	r, _ := f.requests.Get(ctx, f.req.ID)
	if r.Status != request.StatusServiceAmountPaid {
		t.Errorf("request status = %s, want SERVICE_AMOUNT_PAID", r.Status)
	}

	// Webhook redelivery is a no-op success.
	if err := f.svc.ApplyEscrowPaid(ctx, f.req.ID, "cs_escrow"); err != nil {
		t.Errorf("redelivered ApplyEscrowPaid err = %v, want nil", err)
	}
}

func TestAssignMechanicFlipsBusyAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escrowed(t)
	m, err := f.workshops.AddMechanic(ctx, f.shop, f.ws.ID, "Ravi")
	if err != nil {
		t.Fatal(err)
	}

	e, err := f.svc.AssignMechanic(ctx, f.shop, f.req.ID, m.ID)
	if err != nil {
		t.Fatalf("AssignMechanic failed: %v", err)
	}
	if len(e.MechanicIDs) != 1 {
		t.Fatalf("mechanics = %v, want one", e.MechanicIDs)
	}
	got, _ := f.workshops.Mechanics(ctx, f.ws.ID)
	if got[0].Status != workshop.MechanicBusy {
		t.Errorf("mechanic status = %s, want BUSY", got[0].Status)
	}
	r, _ := f.requests.Get(ctx, f.req.ID)
	if r.Status != request.StatusInProgress {
		t.Errorf("request status = %s, want IN_PROGRESS", r.Status)
	}

	// Assigning again is a no-op, not an error.
	e, err = f.svc.AssignMechanic(ctx, f.shop, f.req.ID, m.ID)
	if err != nil {
		t.Fatalf("repeat AssignMechanic failed: %v", err)
	}
	if len(e.MechanicIDs) != 1 {
		t.Errorf("mechanics after repeat = %v, want one", e.MechanicIDs)
	}
}

func TestRemoveMechanicFreesThem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escrowed(t)
	m, _ := f.workshops.AddMechanic(ctx, f.shop, f.ws.ID, "Ravi")
	if _, err := f.svc.AssignMechanic(ctx, f.shop, f.req.ID, m.ID); err != nil {
		t.Fatal(err)
	}

	e, err := f.svc.RemoveMechanic(ctx, f.shop, f.req.ID, m.ID)
	if err != nil {
		t.Fatalf("RemoveMechanic failed: %v", err)
	}
	if len(e.MechanicIDs) != 0 {
		t.Errorf("mechanics = %v, want none", e.MechanicIDs)
	}
	got, _ := f.workshops.Mechanics(ctx, f.ws.ID)
	if got[0].Status != workshop.MechanicAvailable {
		t.Errorf("mechanic status = %s, want AVAILABLE", got[0].Status)
	}
}

func TestGenerateOTPRequiresEscrow(t *testing.T) {
	f := newFixture(t)
	f.bound(t)
	if err := f.svc.GenerateOTP(context.Background(), f.shop, f.req.ID); !errors.Is(err, ErrEscrowNotPaid) {
		t.Errorf("GenerateOTP err = %v, want ErrEscrowNotPaid", err)
	}
}

func TestGenerateOTPMailsOwnerAndNeverReturnsCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.escrowed(t)

	if err := f.svc.GenerateOTP(ctx, f.shop, f.req.ID); err != nil {
		t.Fatalf("GenerateOTP failed: %v", err)
	}
	code := f.mailer.lastOTP()
	if len(code) != OTPLength {
		t.Fatalf("mailed code %q, want %d digits", code, OTPLength)
	}
	if f.mailer.to[0] != "user-1" {
		t.Errorf("otp sent to %s, want user-1", f.mailer.to[0])
	}
	stored, _ := f.store.Get(ctx, e.ID)
	if stored.OTPCode != code {
		t.Error("stored code does not match mailed code")
	}
}

func TestGenerateOTPRollsBackOnMailFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.escrowed(t)

	f.mailer.fail = true
	if err := f.svc.GenerateOTP(ctx, f.shop, f.req.ID); err != ErrMailFailed {
		t.Fatalf("GenerateOTP err = %v, want ErrMailFailed", err)
	}
	stored, _ := f.store.Get(ctx, e.ID)
	if stored.OTPCode != "" {
		t.Errorf("stored code = %q after mail failure, want empty", stored.OTPCode)
	}
}

func TestGenerateOTPAuthz(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escrowed(t)

	if err := f.svc.GenerateOTP(ctx, actor.Workshop("stranger"), f.req.ID); err != actor.ErrForbidden {
		t.Errorf("stranger GenerateOTP err = %v, want ErrForbidden", err)
	}

	// An assigned mechanic may generate the code.
	m, _ := f.workshops.AddMechanic(ctx, f.shop, f.ws.ID, "Ravi")
	if _, err := f.svc.AssignMechanic(ctx, f.shop, f.req.ID, m.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.GenerateOTP(ctx, actor.Workshop(m.ID), f.req.ID); err != nil {
		t.Errorf("mechanic GenerateOTP err = %v, want nil", err)
	}
}

func TestVerifyOTPCompletesAndReleasesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escrowed(t)
	m, _ := f.workshops.AddMechanic(ctx, f.shop, f.ws.ID, "Ravi")
	if _, err := f.svc.AssignMechanic(ctx, f.shop, f.req.ID, m.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.GenerateOTP(ctx, f.shop, f.req.ID); err != nil {
		t.Fatal(err)
	}
	code := f.mailer.lastOTP()

	// Wrong code first.
	wrong := "000000"
	if wrong == code {
		wrong = "111111"
	}
	if _, err := f.svc.VerifyOTP(ctx, f.user, f.req.ID, wrong); err != ErrOTPMismatch {
		t.Fatalf("wrong code err = %v, want ErrOTPMismatch", err)
	}

	e, err := f.svc.VerifyOTP(ctx, f.user, f.req.ID, code)
	if err != nil {
		t.Fatalf("VerifyOTP failed: %v", err)
	}
	if e.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}
	if e.OTPCode != "" {
		t.Error("otp code not cleared")
	}
	r, _ := f.requests.Get(ctx, f.req.ID)
	if r.Status != request.StatusVerified {
		t.Errorf("request status = %s, want VERIFIED", r.Status)
	}
	if f.releaser.count() != 1 {
		t.Errorf("escrow released %d times, want 1", f.releaser.count())
	}
	mechs, _ := f.workshops.Mechanics(ctx, f.ws.ID)
	if mechs[0].Status != workshop.MechanicAvailable {
		t.Errorf("mechanic status = %s, want AVAILABLE after completion", mechs[0].Status)
	}

	// The code is single use: repeating the verification fails and
	// does not release again.
	if _, err := f.svc.VerifyOTP(ctx, f.user, f.req.ID, code); err != ErrOTPMismatch {
		t.Errorf("repeat VerifyOTP err = %v, want ErrOTPMismatch", err)
	}
	if f.releaser.count() != 1 {
		t.Errorf("escrow released %d times after repeat, want 1", f.releaser.count())
	}
}

func TestVerifyOTPConcurrentReleasesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escrowed(t)
	if err := f.svc.GenerateOTP(ctx, f.shop, f.req.ID); err != nil {
		t.Fatal(err)
	}
	code := f.mailer.lastOTP()

	var wg sync.WaitGroup
	var successes int32
	var mu sync.Mutex
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.VerifyOTP(ctx, f.user, f.req.ID, code); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("%d verifications succeeded, want exactly 1", successes)
	}
	if f.releaser.count() != 1 {
		t.Errorf("escrow released %d times, want 1", f.releaser.count())
	}
}

func TestVerifyOTPOnlyByOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escrowed(t)
	if err := f.svc.GenerateOTP(ctx, f.shop, f.req.ID); err != nil {
		t.Fatal(err)
	}
	code := f.mailer.lastOTP()

	if _, err := f.svc.VerifyOTP(ctx, actor.User("intruder"), f.req.ID, code); err != actor.ErrForbidden {
		t.Errorf("VerifyOTP err = %v, want ErrForbidden", err)
	}
}

func TestSoftResetFreesMechanicsAndKeepsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.escrowed(t)
	_ = e
	m, _ := f.workshops.AddMechanic(ctx, f.shop, f.ws.ID, "Ravi")
	if _, err := f.svc.AssignMechanic(ctx, f.shop, f.req.ID, m.ID); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.SoftReset(ctx, f.req.ID); err != nil {
		t.Fatalf("SoftReset failed: %v", err)
	}
	// The active slot is empty now; the tombstoned record remains.
	if _, err := f.store.GetActiveByRequest(ctx, f.req.ID); err != ErrNotFound {
		t.Errorf("active execution after reset err = %v, want ErrNotFound", err)
	}
	kept, err := f.store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("tombstoned record gone: %v", err)
	}
	if kept.CancelledAt == nil {
		t.Error("cancelled_at not stamped")
	}
	if len(kept.MechanicIDs) != 0 {
		t.Errorf("mechanics = %v, want none", kept.MechanicIDs)
	}
	mechs, _ := f.workshops.Mechanics(ctx, f.ws.ID)
	if mechs[0].Status != workshop.MechanicAvailable {
		t.Errorf("mechanic status = %s, want AVAILABLE", mechs[0].Status)
	}

	// A fresh accept binds a new execution.
	if err := f.svc.BindAccepted(ctx, f.req.ID, "conn_2", f.ws.ID, "own-1"); err != nil {
		t.Fatalf("rebind failed: %v", err)
	}
	fresh, err := f.store.GetActiveByRequest(ctx, f.req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == e.ID {
		t.Error("rebind reused the tombstoned record")
	}
}

func TestVerifyOTPValidatesLength(t *testing.T) {
	f := newFixture(t)
	f.escrowed(t)
	_, err := f.svc.VerifyOTP(context.Background(), f.user, f.req.ID, "123")
	if err == nil {
		t.Fatal("short code accepted")
	}
}

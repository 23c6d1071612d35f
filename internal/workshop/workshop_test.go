package workshop

import (
	"context"
	"testing"
	"time"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/clock"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewService(NewMemoryStore(clk), clk)
}

func mustRegister(t *testing.T, svc *Service, owner, name string, lat, lng float64) *Workshop {
	t.Helper()
	w, err := svc.Register(context.Background(), actor.Workshop(owner), name, "", lat, lng)
	if err != nil {
		t.Fatalf("Register(%s) failed: %v", name, err)
	}
	return w
}

func approve(t *testing.T, svc *Service, id string) {
	t.Helper()
	if _, err := svc.SetVerification(context.Background(), actor.Admin("admin"), id, VerificationApproved); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
}

func TestRegisterStartsPending(t *testing.T) {
	svc := newTestService(t)
	w := mustRegister(t, svc, "own-1", "Alpha Garage", 12.97, 77.59)
	if w.Verification != VerificationPending {
		t.Errorf("verification = %s, want PENDING", w.Verification)
	}
	if _, err := svc.RequireApproved(context.Background(), w.ID); err != ErrNotApproved {
		t.Errorf("RequireApproved err = %v, want ErrNotApproved", err)
	}
}

func TestVerificationRequiresAdmin(t *testing.T) {
	svc := newTestService(t)
	w := mustRegister(t, svc, "own-1", "Alpha Garage", 12.97, 77.59)
	_, err := svc.SetVerification(context.Background(), actor.Workshop("own-1"), w.ID, VerificationApproved)
	if err != actor.ErrForbidden {
		t.Errorf("SetVerification err = %v, want ErrForbidden", err)
	}
}

func TestNearbyFiltersByDistanceAndApproval(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Bangalore city center vs a shop ~290km away in Chennai.
	near := mustRegister(t, svc, "own-1", "Near Shop", 12.9716, 77.5946)
	far := mustRegister(t, svc, "own-2", "Far Shop", 13.0827, 80.2707)
	pending := mustRegister(t, svc, "own-3", "Pending Shop", 12.9720, 77.5950)
	approve(t, svc, near.ID)
	approve(t, svc, far.ID)
	_ = pending

	results, err := svc.Nearby(ctx, 12.9716, 77.5946)
	if err != nil {
		t.Fatalf("Nearby failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Workshop.ID != near.ID {
		t.Errorf("nearby returned %s, want %s", results[0].Workshop.ID, near.ID)
	}
}

func TestNearbySortsClosestFirst(t *testing.T) {
	svc := newTestService(t)

	a := mustRegister(t, svc, "own-1", "Five KM", 12.9716, 77.6406) // ~5km east
	b := mustRegister(t, svc, "own-2", "One KM", 12.9716, 77.6038)  // ~1km east
	approve(t, svc, a.ID)
	approve(t, svc, b.ID)

	results, err := svc.Nearby(context.Background(), 12.9716, 77.5946)
	if err != nil {
		t.Fatalf("Nearby failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Workshop.ID != b.ID {
		t.Errorf("closest = %s, want %s", results[0].Workshop.Name, b.Name)
	}
}

func TestMechanicClaimAndRelease(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	w := mustRegister(t, svc, "own-1", "Alpha Garage", 12.97, 77.59)

	m, err := svc.AddMechanic(ctx, actor.Workshop("own-1"), w.ID, "Ravi")
	if err != nil {
		t.Fatalf("AddMechanic failed: %v", err)
	}
	if m.Status != MechanicAvailable {
		t.Fatalf("new mechanic status = %s, want AVAILABLE", m.Status)
	}

	if err := svc.ClaimMechanic(ctx, w.ID, m.ID); err != nil {
		t.Fatalf("ClaimMechanic failed: %v", err)
	}
	// Second claim must fail, the mechanic is busy.
	if err := svc.ClaimMechanic(ctx, w.ID, m.ID); err != ErrMechanicBusy {
		t.Errorf("second claim err = %v, want ErrMechanicBusy", err)
	}

	if err := svc.ReleaseMechanic(ctx, m.ID); err != nil {
		t.Fatalf("ReleaseMechanic failed: %v", err)
	}
	if err := svc.ClaimMechanic(ctx, w.ID, m.ID); err != nil {
		t.Errorf("claim after release failed: %v", err)
	}
}

func TestClaimMechanicWrongWorkshop(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	w1 := mustRegister(t, svc, "own-1", "Alpha", 12.97, 77.59)
	w2 := mustRegister(t, svc, "own-2", "Beta", 12.98, 77.60)

	m, err := svc.AddMechanic(ctx, actor.Workshop("own-1"), w1.ID, "Ravi")
	if err != nil {
		t.Fatalf("AddMechanic failed: %v", err)
	}
	if err := svc.ClaimMechanic(ctx, w2.ID, m.ID); err != ErrMechanicNotFound {
		t.Errorf("cross-workshop claim err = %v, want ErrMechanicNotFound", err)
	}
}

func TestAddMechanicRequiresOwnership(t *testing.T) {
	svc := newTestService(t)
	w := mustRegister(t, svc, "own-1", "Alpha", 12.97, 77.59)
	_, err := svc.AddMechanic(context.Background(), actor.Workshop("other"), w.ID, "Ravi")
	if err != actor.ErrForbidden {
		t.Errorf("AddMechanic err = %v, want ErrForbidden", err)
	}
}

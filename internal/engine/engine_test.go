package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bloodline/internal/config"
	"bloodline/internal/db"
	"bloodline/internal/domain"
	"bloodline/internal/engine"
	"bloodline/internal/engine/auth"
	"bloodline/internal/events"
	"bloodline/internal/migrate"
	"bloodline/internal/repo"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	now    time.Time
}

func (env *testEnv) setNow(t time.Time) {
	env.now = t
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn)
	cfg := config.Default("net-1")
	eng := engine.New(conn, r, events.NewWriter(), cfg)
	env := &testEnv{Engine: eng, Ctx: ctx, now: t0}
	eng.Now = func() time.Time { return env.now }

	if err := r.CreateNetwork(ctx, &domain.Network{
		ID: "net-1", Name: "test", Status: "active", CreatedAt: t0.Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("seed network: %v", err)
	}
	seed := []domain.Actor{
		{ID: "h1", Role: "hospital"},
		{ID: "h2", Role: "hospital"},
		{ID: "h3", Role: "hospital"},
		{ID: "h4", Role: "hospital"},
		{ID: "d1", Role: "donor", BloodGroup: "O-"},
	}
	for _, a := range seed {
		a.NetworkID = "net-1"
		a.CreatedAt = t0.Format(time.RFC3339)
		if err := r.CreateActor(ctx, &a); err != nil {
			t.Fatalf("seed actor %s: %v", a.ID, err)
		}
	}
	return env
}

func (env *testEnv) intake(t *testing.T, owner, group string, daysToExpiry int) *domain.BloodUnit {
	t.Helper()
	u, err := env.Engine.IntakeUnit(env.Ctx, owner, engine.IntakeUnitInput{
		BloodGroup:     group,
		VolumeML:       450,
		CollectionDate: env.now.AddDate(0, 0, -1).Format(time.RFC3339),
		ExpiryDate:     env.now.AddDate(0, 0, daysToExpiry).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	return u
}

// fulfill drives a request through claim, issue and fulfillment so an
// obligation can be issued on it.
func (env *testEnv) fulfill(t *testing.T, donor, hospital string) string {
	t.Helper()
	q, err := env.Engine.CreateRequest(env.Ctx, donor, engine.CreateRequestInput{
		BloodGroup: "O-", Units: 1,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := env.Engine.Claim(env.Ctx, q.ID, hospital, "approve"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	u := env.intake(t, hospital, "O-", 40)
	if _, err := env.Engine.MarkUnitIssued(env.Ctx, u.ID, q.ID, hospital); err != nil {
		t.Fatalf("issue unit: %v", err)
	}
	return q.ID
}

func conflictCode(t *testing.T, err error) string {
	t.Helper()
	var ce *engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
	return ce.Code
}

func TestEligibilityWindowBoundary(t *testing.T) {
	unit := func(daysToExpiry int) *domain.BloodUnit {
		return &domain.BloodUnit{
			Status:          "available",
			ExpiryDate:      t0.AddDate(0, 0, daysToExpiry).Format(time.RFC3339),
			ColdChainIntact: true,
		}
	}
	if ok, _ := engine.EvaluateEligibility(unit(15), t0, 15); !ok {
		t.Fatalf("15 days to expiry should be eligible (inclusive boundary)")
	}
	ok, reason := engine.EvaluateEligibility(unit(16), t0, 15)
	if ok || reason != engine.ReasonNotNearExpiry {
		t.Fatalf("16 days to expiry: got ok=%v reason=%q", ok, reason)
	}
	if ok, _ := engine.EvaluateEligibility(unit(10), t0, 15); !ok {
		t.Fatalf("10 days to expiry should be eligible")
	}
}

func TestEligibilityFirstFailingReason(t *testing.T) {
	u := &domain.BloodUnit{
		Status:          "used",
		ExpiryDate:      t0.AddDate(0, 0, -1).Format(time.RFC3339),
		TransferCount:   1,
		ColdChainIntact: false,
	}
	// status check comes before expiry, hop count and cold chain
	if _, reason := engine.EvaluateEligibility(u, t0, 15); reason != engine.ReasonNotAvailable {
		t.Fatalf("expected not_available, got %q", reason)
	}
	u.Status = "available"
	if _, reason := engine.EvaluateEligibility(u, t0, 15); reason != engine.ReasonExpired {
		t.Fatalf("expected expired, got %q", reason)
	}
	u.ExpiryDate = t0.AddDate(0, 0, 5).Format(time.RFC3339)
	if _, reason := engine.EvaluateEligibility(u, t0, 15); reason != engine.ReasonLimitExceeded {
		t.Fatalf("expected limit_exceeded, got %q", reason)
	}
	u.TransferCount = 0
	if _, reason := engine.EvaluateEligibility(u, t0, 15); reason != engine.ReasonColdChainBroken {
		t.Fatalf("expected cold_chain_broken, got %q", reason)
	}
}

func TestListTransferOneHop(t *testing.T) {
	env := newTestEnv(t)
	u := env.intake(t, "h1", "O-", 10)

	if _, err := env.Engine.ListUnit(env.Ctx, u.ID, "h2"); err == nil {
		t.Fatalf("listing someone else's unit should fail")
	}
	listed, err := env.Engine.ListUnit(env.Ctx, u.ID, "h1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if listed.ExchangeStatus != "listed" {
		t.Fatalf("exchange_status = %s", listed.ExchangeStatus)
	}
	// idempotent re-list
	if _, err := env.Engine.ListUnit(env.Ctx, u.ID, "h1"); err != nil {
		t.Fatalf("re-list: %v", err)
	}

	got, err := env.Engine.TransferUnit(env.Ctx, u.ID, "h2")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got.CurrentOwnerID != "h2" || got.TransferCount != 1 || got.Status != "transferred" || got.ExchangeStatus != "transferred" {
		t.Fatalf("unexpected unit after transfer: %+v", got)
	}

	_, err = env.Engine.TransferUnit(env.Ctx, u.ID, "h3")
	code := conflictCode(t, err)
	if code != engine.CodeLimitExceeded && code != engine.CodeNotListed {
		t.Fatalf("loser code = %s", code)
	}
	after, err := env.Engine.Repo.GetUnit(env.Ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.TransferCount != 1 {
		t.Fatalf("transfer_count = %d, want 1", after.TransferCount)
	}
}

func TestTransferSelfForbidden(t *testing.T) {
	env := newTestEnv(t)
	u := env.intake(t, "h1", "O-", 10)
	if _, err := env.Engine.ListUnit(env.Ctx, u.ID, "h1"); err != nil {
		t.Fatal(err)
	}
	var ve *engine.ValidationError
	if _, err := env.Engine.TransferUnit(env.Ctx, u.ID, "h1"); !errors.As(err, &ve) {
		t.Fatalf("self-transfer: expected validation error, got %v", err)
	}
}

func TestTransferExpiredUnit(t *testing.T) {
	env := newTestEnv(t)
	u := env.intake(t, "h1", "O-", 2)
	if _, err := env.Engine.ListUnit(env.Ctx, u.ID, "h1"); err != nil {
		t.Fatal(err)
	}
	env.setNow(t0.AddDate(0, 0, 3))
	_, err := env.Engine.TransferUnit(env.Ctx, u.ID, "h2")
	if code := conflictCode(t, err); code != engine.CodeExpired {
		t.Fatalf("code = %s, want expired", code)
	}
}

func TestConcurrentTransferOneWinner(t *testing.T) {
	env := newTestEnv(t)
	u := env.intake(t, "h1", "O-", 10)
	if _, err := env.Engine.ListUnit(env.Ctx, u.ID, "h1"); err != nil {
		t.Fatal(err)
	}

	claimants := []string{"h2", "h3", "h4"}
	var wg sync.WaitGroup
	results := make(chan error, len(claimants))
	for _, h := range claimants {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			_, err := env.Engine.TransferUnit(env.Ctx, u.ID, actor)
			results <- err
		}(h)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		var ce *engine.ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("loser got non-conflict error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
	after, err := env.Engine.Repo.GetUnit(env.Ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.TransferCount != 1 {
		t.Fatalf("transfer_count = %d, want 1", after.TransferCount)
	}
}

func TestClaimWinnerIdempotentLoserConflict(t *testing.T) {
	env := newTestEnv(t)
	q, err := env.Engine.CreateRequest(env.Ctx, "d1", engine.CreateRequestInput{BloodGroup: "O-", Units: 1})
	if err != nil {
		t.Fatal(err)
	}

	env.setNow(t0.Add(5 * time.Minute))
	won, err := env.Engine.Claim(env.Ctx, q.ID, "h1", "approve")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if won.Status != "approved" || won.ClaimingActorID == nil || *won.ClaimingActorID != "h1" {
		t.Fatalf("unexpected request after claim: %+v", won)
	}

	env.setNow(t0.Add(6 * time.Minute))
	_, err = env.Engine.Claim(env.Ctx, q.ID, "h2", "approve")
	if code := conflictCode(t, err); code != engine.CodeConflict {
		t.Fatalf("loser code = %s, want conflict", code)
	}

	env.setNow(t0.Add(7 * time.Minute))
	again, err := env.Engine.Claim(env.Ctx, q.ID, "h1", "approve")
	if err != nil {
		t.Fatalf("repeat claim by winner should be idempotent: %v", err)
	}
	if again.Status != "approved" || *again.ClaimingActorID != "h1" {
		t.Fatalf("unexpected request after repeat claim: %+v", again)
	}
}

func TestClaimAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	q, err := env.Engine.CreateRequest(env.Ctx, "d1", engine.CreateRequestInput{BloodGroup: "O-", Units: 1})
	if err != nil {
		t.Fatal(err)
	}
	env.setNow(t0.Add(30*time.Minute + time.Second))
	_, err = env.Engine.Claim(env.Ctx, q.ID, "h1", "approve")
	if code := conflictCode(t, err); code != engine.CodeConflict {
		t.Fatalf("code = %s, want conflict", code)
	}
}

func TestClaimUnknownRequest(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Claim(env.Ctx, "nope", "h1", "approve")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRejectPoisonsRequest(t *testing.T) {
	env := newTestEnv(t)
	q, err := env.Engine.CreateRequest(env.Ctx, "d1", engine.CreateRequestInput{BloodGroup: "O-", Units: 1})
	if err != nil {
		t.Fatal(err)
	}
	rejected, err := env.Engine.Claim(env.Ctx, q.ID, "h1", "reject")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != "rejected" || rejected.ClaimingActorID == nil || *rejected.ClaimingActorID != "h1" {
		t.Fatalf("reject should record the rejecting actor: %+v", rejected)
	}
	// the rejecting actor's id now blocks everyone else out
	if _, err := env.Engine.Claim(env.Ctx, q.ID, "h2", "approve"); err == nil {
		t.Fatalf("claim after reject should conflict")
	}
}

func TestConcurrentClaimOneWinner(t *testing.T) {
	env := newTestEnv(t)
	q, err := env.Engine.CreateRequest(env.Ctx, "d1", engine.CreateRequestInput{BloodGroup: "O-", Units: 1})
	if err != nil {
		t.Fatal(err)
	}

	hospitals := []string{"h1", "h2", "h3", "h4"}
	var wg sync.WaitGroup
	results := make(chan error, len(hospitals))
	for _, h := range hospitals {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			_, err := env.Engine.Claim(env.Ctx, q.ID, actor, "approve")
			results <- err
		}(h)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		var ce *engine.ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("loser got non-conflict error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func TestDeriveTierStepFunction(t *testing.T) {
	cfg := config.Default("net-1")
	o := &domain.Obligation{
		DueAt:         t0.Format(time.RFC3339),
		Status:        "active",
		DepositAmount: 2000,
	}
	cases := []struct {
		days    int
		status  string
		mult    float64
		percent int
	}{
		{-5, "active", 1.00, 75},
		{0, "active", 1.00, 75},
		{1, "overdue", 1.25, 50},
		{7, "overdue", 1.25, 50},
		{8, "overdue", 1.50, 25},
		{14, "overdue", 1.50, 25},
		{15, "overdue", 1.75, 0},
		{21, "overdue", 1.75, 0},
		{22, "blocked", 1.75, 0},
		{40, "blocked", 1.75, 0},
	}
	for _, tc := range cases {
		tier, err := engine.DeriveTier(o, t0.AddDate(0, 0, tc.days), cfg.Policy)
		if err != nil {
			t.Fatalf("days=%d: %v", tc.days, err)
		}
		if tier.Status != tc.status || tier.Multiplier != tc.mult || tier.RefundPercent != tc.percent {
			t.Fatalf("days=%d: got %+v, want status=%s mult=%v refund=%d",
				tc.days, tier, tc.status, tc.mult, tc.percent)
		}
	}
}

func TestObligationIssueOncePerRequest(t *testing.T) {
	env := newTestEnv(t)
	reqID := env.fulfill(t, "d1", "h1")

	o, err := env.Engine.IssueObligation(env.Ctx, reqID, "d1", "h1")
	if err != nil {
		t.Fatalf("issue obligation: %v", err)
	}
	if o.Status != "active" || o.ExtensionsUsed != 0 || o.DepositAmount != 2000 {
		t.Fatalf("unexpected obligation: %+v", o)
	}
	wantDue := env.now.AddDate(0, 0, 30).Format(time.RFC3339)
	if o.DueAt != wantDue {
		t.Fatalf("due_at = %s, want %s", o.DueAt, wantDue)
	}

	_, err = env.Engine.IssueObligation(env.Ctx, reqID, "d1", "h1")
	if code := conflictCode(t, err); code != engine.CodeAlreadyIssued {
		t.Fatalf("code = %s, want already_issued", code)
	}
}

func TestExtendRecomputesTier(t *testing.T) {
	env := newTestEnv(t)
	reqID := env.fulfill(t, "d1", "h1")
	o, err := env.Engine.IssueObligation(env.Ctx, reqID, "d1", "h1")
	if err != nil {
		t.Fatal(err)
	}
	issuedAt := env.now

	// five days past due: tier 1
	env.setNow(issuedAt.AddDate(0, 0, 35))
	view, err := env.Engine.GetObligation(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Tier.Status != "overdue" || view.Tier.RefundPercent != 50 || view.Tier.Multiplier != 1.25 {
		t.Fatalf("tier before extend: %+v", view.Tier)
	}

	// extension moves the due date past now; same clock reads on time
	view, err = env.Engine.ExtendObligation(env.Ctx, o.ID, "d1")
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if view.Obligation.ExtensionsUsed != 1 {
		t.Fatalf("extensions_used = %d", view.Obligation.ExtensionsUsed)
	}
	wantDue := issuedAt.AddDate(0, 0, 37).Format(time.RFC3339)
	if view.Obligation.DueAt != wantDue {
		t.Fatalf("due_at = %s, want %s", view.Obligation.DueAt, wantDue)
	}
	if view.Tier.Status != "extended" || view.Tier.RefundPercent != 75 {
		t.Fatalf("tier after extend: %+v", view.Tier)
	}
}

func TestExtensionCap(t *testing.T) {
	env := newTestEnv(t)
	reqID := env.fulfill(t, "d1", "h1")
	o, err := env.Engine.IssueObligation(env.Ctx, reqID, "d1", "h1")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.ExtendObligation(env.Ctx, o.ID, "d1"); err != nil {
			t.Fatalf("extension %d: %v", i+1, err)
		}
	}
	_, err = env.Engine.ExtendObligation(env.Ctx, o.ID, "d1")
	if code := conflictCode(t, err); code != engine.CodeMaxExtensions {
		t.Fatalf("code = %s, want max_extensions", code)
	}
}

func TestVerifyReturnRefundAtVerificationTime(t *testing.T) {
	env := newTestEnv(t)
	reqID := env.fulfill(t, "d1", "h1")
	o, err := env.Engine.IssueObligation(env.Ctx, reqID, "d1", "h1")
	if err != nil {
		t.Fatal(err)
	}
	issuedAt := env.now

	rr, err := env.Engine.RequestReturn(env.Ctx, o.ID, "d1", engine.ReturnInput{})
	if err != nil {
		t.Fatalf("request return: %v", err)
	}

	// ten days past due at verification: tier 2, 25% refund
	env.setNow(issuedAt.AddDate(0, 0, 40))
	view, err := env.Engine.VerifyReturn(env.Ctx, rr.ID, "h1", "approve")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if view.Tier.Status != "cleared" {
		t.Fatalf("status = %s, want cleared", view.Tier.Status)
	}
	if view.Obligation.RefundAmount == nil || *view.Obligation.RefundAmount != 500 {
		t.Fatalf("refund = %v, want 500", view.Obligation.RefundAmount)
	}

	// cleared is terminal
	if _, err := env.Engine.ExtendObligation(env.Ctx, o.ID, "d1"); err == nil {
		t.Fatalf("extend after clear should fail")
	}
	if _, err := env.Engine.VerifyReturn(env.Ctx, rr.ID, "h1", "approve"); err == nil {
		t.Fatalf("second verify should conflict")
	}
}

func TestRejectedReturnAllowsResubmit(t *testing.T) {
	env := newTestEnv(t)
	reqID := env.fulfill(t, "d1", "h1")
	o, err := env.Engine.IssueObligation(env.Ctx, reqID, "d1", "h1")
	if err != nil {
		t.Fatal(err)
	}
	rr, err := env.Engine.RequestReturn(env.Ctx, o.ID, "d1", engine.ReturnInput{})
	if err != nil {
		t.Fatal(err)
	}
	// only one pending declaration at a time
	if _, err := env.Engine.RequestReturn(env.Ctx, o.ID, "d1", engine.ReturnInput{}); err == nil {
		t.Fatalf("second pending return should conflict")
	}

	view, err := env.Engine.VerifyReturn(env.Ctx, rr.ID, "h1", "reject")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if view.Tier.Status == "cleared" {
		t.Fatalf("reject must not clear the obligation")
	}
	if _, err := env.Engine.RequestReturn(env.Ctx, o.ID, "d1", engine.ReturnInput{}); err != nil {
		t.Fatalf("resubmit after reject: %v", err)
	}
}

func TestDonorBlocking(t *testing.T) {
	env := newTestEnv(t)
	reqID := env.fulfill(t, "d1", "h1")
	o, err := env.Engine.IssueObligation(env.Ctx, reqID, "d1", "h1")
	if err != nil {
		t.Fatal(err)
	}
	issuedAt := env.now
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.ExtendObligation(env.Ctx, o.ID, "d1"); err != nil {
			t.Fatal(err)
		}
	}

	// due moved to +51d; 22 days past that is blocked territory
	env.setNow(issuedAt.AddDate(0, 0, 30+21+22))
	standing, err := env.Engine.GetDonorStanding(env.Ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if !standing.Blocked {
		t.Fatalf("donor should be blocked: %+v", standing)
	}

	_, err = env.Engine.CreateRequest(env.Ctx, "d1", engine.CreateRequestInput{BloodGroup: "O-", Units: 1})
	if code := conflictCode(t, err); code != engine.CodeDonorBlocked {
		t.Fatalf("code = %s, want donor_blocked", code)
	}
}

func TestRoleEnforcement(t *testing.T) {
	env := newTestEnv(t)
	var fe *auth.ForbiddenError
	if _, err := env.Engine.CreateRequest(env.Ctx, "h1", engine.CreateRequestInput{BloodGroup: "O-", Units: 1}); !errors.As(err, &fe) {
		t.Fatalf("hospital creating a request: expected forbidden, got %v", err)
	}
	if _, err := env.Engine.IntakeUnit(env.Ctx, "d1", engine.IntakeUnitInput{}); !errors.As(err, &fe) {
		t.Fatalf("donor intaking a unit: expected forbidden, got %v", err)
	}
	q, err := env.Engine.CreateRequest(env.Ctx, "d1", engine.CreateRequestInput{BloodGroup: "O-", Units: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Claim(env.Ctx, q.ID, "d1", "approve"); !errors.As(err, &fe) {
		t.Fatalf("donor claiming: expected forbidden, got %v", err)
	}
}

func TestMarkUnitIssuedValidation(t *testing.T) {
	env := newTestEnv(t)
	q, err := env.Engine.CreateRequest(env.Ctx, "d1", engine.CreateRequestInput{BloodGroup: "O-", Units: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Claim(env.Ctx, q.ID, "h1", "approve"); err != nil {
		t.Fatal(err)
	}

	mismatched := env.intake(t, "h1", "A+", 40)
	var ve *engine.ValidationError
	if _, err := env.Engine.MarkUnitIssued(env.Ctx, mismatched.ID, q.ID, "h1"); !errors.As(err, &ve) {
		t.Fatalf("blood group mismatch: expected validation error, got %v", err)
	}

	u := env.intake(t, "h1", "O-", 40)
	iss, err := env.Engine.MarkUnitIssued(env.Ctx, u.ID, q.ID, "h1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if iss.RequestID != q.ID {
		t.Fatalf("issue request = %s", iss.RequestID)
	}
	after, err := env.Engine.Repo.GetUnit(env.Ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != "used" {
		t.Fatalf("status = %s, want used", after.Status)
	}
	got, err := env.Engine.GetRequest(env.Ctx, q.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "fulfilled" {
		t.Fatalf("request status = %s, want fulfilled", got.Status)
	}

	_, err = env.Engine.MarkUnitIssued(env.Ctx, u.ID, q.ID, "h1")
	if code := conflictCode(t, err); code != engine.CodeAlreadyIssued {
		t.Fatalf("double issue code = %s", code)
	}
}

func TestSweepExpiredUnits(t *testing.T) {
	env := newTestEnv(t)
	env.intake(t, "h1", "O-", 2)
	env.intake(t, "h1", "A+", 40)

	env.setNow(t0.AddDate(0, 0, 3))
	n, err := env.Engine.SweepExpiredUnits(env.Ctx, "h1")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d units, want 1", n)
	}
}
